// Package retry wraps a single-attempt fetcher with rate gating, identity
// rotation, classified retries, and exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

const tracerName = "github.com/JakeFAU/marketplace-crawler/internal/fetcher/retry"

// Gate admits one outbound request per Acquire.
type Gate interface {
	Acquire(ctx context.Context) error
}

// Recorder receives per-request observations.
type Recorder interface {
	ObserveRequest(category crawler.Category, status int, d time.Duration)
	IncRetry(category crawler.Category)
	IncSlowRequest(category crawler.Category)
	IncForbidden(category crawler.Category)
}

// Config controls the retrying fetcher.
type Config struct {
	Policy Policy
	// Timeout bounds each individual attempt.
	Timeout       time.Duration
	SlowThreshold time.Duration
	// UserAgents are rotated per attempt.
	UserAgents []string
}

// Fetcher implements the retry loop around a crawler.Fetcher.
type Fetcher struct {
	cfg      Config
	inner    crawler.Fetcher
	gate     Gate
	clock    crawler.Clock
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
	identity atomic.Uint64
}

// New builds a retrying fetcher.
func New(cfg Config, inner crawler.Fetcher, gate Gate, clock crawler.Clock, recorder Recorder, logger *zap.Logger) *Fetcher {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:      cfg,
		inner:    inner,
		gate:     gate,
		clock:    clock,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// Fetch runs attempts until success, a terminal classification, or
// exhaustion. request.Attempt carries attempts already spent on the URL.
//
// Each HTTP attempt runs to completion (bounded by Timeout) even if ctx is
// cancelled mid-flight; cancellation is observed at the gate and during
// backoff sleeps, where it yields a RetryableError. A 429 whose Retry-After
// exceeds the policy's MaxWait also yields a RetryableError so the caller can
// requeue the URL instead of blocking a worker.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) crawler.FetchOutcome {
	ctx, span := f.tracer.Start(ctx, "retry.Fetch", trace.WithAttributes(
		attribute.String("url", request.URL),
		attribute.String("category", string(request.Category)),
	))
	defer span.End()

	logger := f.logger.With(zap.String("url", request.URL), zap.String("category", string(request.Category)))
	started := f.clock.Now()
	attempts := request.Attempt

	var (
		lastKind crawler.ErrorKind
		lastErr  error
	)
	for attempts < f.cfg.Policy.MaxAttempts {
		if err := f.gate.Acquire(ctx); err != nil {
			span.SetStatus(codes.Error, "interrupted")
			return crawler.RetryableError{Kind: interruptedKind(lastKind), Attempts: attempts, Err: err}
		}
		attempts++

		resp, err := f.attempt(ctx, request, attempts)
		kind, retryAfter, failure := f.classify(request.URL, resp, err)
		if failure == nil {
			span.SetAttributes(attribute.Int("attempts", attempts), attribute.Int("status", resp.StatusCode))
			return crawler.Success{
				Payload:    resp.Body,
				StatusCode: resp.StatusCode,
				FinalURL:   resp.URL,
				Attempts:   attempts,
				Elapsed:    f.clock.Now().Sub(started),
			}
		}
		lastKind, lastErr = kind, failure

		if !kind.Retryable() {
			if kind == crawler.KindForbidden {
				f.recorder.IncForbidden(request.Category)
				logger.Warn("forbidden response, operator attention required",
					zap.Int("attempt", attempts), zap.Error(failure))
			} else {
				logger.Info("terminal fetch failure", zap.String("kind", string(kind)),
					zap.Int("attempt", attempts), zap.Error(failure))
			}
			span.SetStatus(codes.Error, string(kind))
			return crawler.TerminalError{Kind: kind, Attempts: attempts, Err: failure}
		}

		f.recorder.IncRetry(request.Category)
		if attempts >= f.cfg.Policy.MaxAttempts {
			break
		}
		if f.cfg.Policy.Defers(kind, retryAfter) {
			// The server asked for a longer pause than we sleep inline.
			logger.Info("retry deferred by server", zap.Int("attempt", attempts),
				zap.Duration("retry_after", retryAfter), zap.Error(failure))
			span.SetStatus(codes.Error, "deferred")
			return crawler.RetryableError{Kind: kind, Attempts: attempts, Err: failure}
		}

		wait := f.cfg.Policy.Backoff(attempts-1, kind, retryAfter)
		logger.Debug("retrying after backoff", zap.String("kind", string(kind)),
			zap.Int("attempt", attempts), zap.Duration("wait", wait), zap.Error(failure))
		if err := f.clock.Sleep(ctx, wait); err != nil {
			span.SetStatus(codes.Error, "interrupted")
			return crawler.RetryableError{Kind: kind, Attempts: attempts, Err: errors.Join(failure, err)}
		}
	}

	if lastErr == nil {
		lastKind = crawler.KindInterrupted
		lastErr = fmt.Errorf("no attempts left for %s", request.URL)
	}
	logger.Warn("retries exhausted", zap.String("kind", string(lastKind)),
		zap.Int("attempts", attempts), zap.Error(lastErr))
	span.SetStatus(codes.Error, "exhausted")
	return crawler.TerminalError{Kind: lastKind, Attempts: attempts, Exhausted: true, Err: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, request crawler.FetchRequest, n int) (crawler.FetchResponse, error) {
	attemptCtx := context.WithoutCancel(ctx)
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(attemptCtx, f.cfg.Timeout)
		defer cancel()
	}

	headers := request.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if ua := f.nextIdentity(); ua != "" {
		headers.Set("User-Agent", ua)
	}

	start := f.clock.Now()
	resp, err := f.inner.Fetch(attemptCtx, crawler.FetchRequest{
		URL:      request.URL,
		Category: request.Category,
		Attempt:  n,
		Headers:  headers,
	})
	elapsed := f.clock.Now().Sub(start)

	f.recorder.ObserveRequest(request.Category, resp.StatusCode, elapsed)
	if f.cfg.SlowThreshold > 0 && elapsed > f.cfg.SlowThreshold {
		f.recorder.IncSlowRequest(request.Category)
		f.logger.Warn("slow request", zap.String("url", request.URL), zap.Duration("elapsed", elapsed))
	}
	return resp, err
}

func (f *Fetcher) nextIdentity() string {
	if len(f.cfg.UserAgents) == 0 {
		return ""
	}
	i := f.identity.Add(1) - 1
	return f.cfg.UserAgents[i%uint64(len(f.cfg.UserAgents))]
}

func (f *Fetcher) classify(url string, resp crawler.FetchResponse, err error) (crawler.ErrorKind, time.Duration, error) {
	if err != nil {
		var fe *crawler.FetchError
		if errors.As(err, &fe) {
			return fe.Kind, 0, err
		}
		return crawler.KindNetworkTimeout, 0, &crawler.FetchError{Kind: crawler.KindNetworkTimeout, URL: url, Cause: err}
	}
	statusErr := crawler.StatusError(resp.StatusCode, url)
	if statusErr == nil {
		return "", 0, nil
	}
	var retryAfter time.Duration
	if statusErr.Kind == crawler.KindRateLimited {
		retryAfter = parseRetryAfter(resp.Headers.Get("Retry-After"), f.clock.Now())
	}
	return statusErr.Kind, retryAfter, statusErr
}

func interruptedKind(last crawler.ErrorKind) crawler.ErrorKind {
	if last != "" {
		return last
	}
	return crawler.KindInterrupted
}
