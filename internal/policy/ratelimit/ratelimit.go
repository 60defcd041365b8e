// Package ratelimit implements the crawl-wide rate gate: a token bucket plus
// per-request random jitter, shared by every worker.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// WaitRecorder receives the time each acquisition spent waiting.
type WaitRecorder interface {
	ObserveRateWait(d time.Duration)
}

// Config holds rate gate configuration.
type Config struct {
	// RequestsPerSecond is the sustained rate; <= 0 disables spacing.
	RequestsPerSecond float64
	JitterMin         time.Duration
	JitterMax         time.Duration
}

// Gate spaces outbound requests across all workers.
type Gate struct {
	limiter      *rate.Limiter
	jitterMin    time.Duration
	jitterMax    time.Duration
	clock        crawler.Clock
	recorder     WaitRecorder
	acquisitions atomic.Int64
}

// New creates a Gate. recorder may be nil.
func New(cfg Config, clock crawler.Clock, recorder WaitRecorder) (*Gate, error) {
	if cfg.JitterMin < 0 || cfg.JitterMax < cfg.JitterMin {
		return nil, fmt.Errorf("invalid jitter range [%s, %s]", cfg.JitterMin, cfg.JitterMax)
	}
	r := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		r = rate.Inf
	}
	return &Gate{
		limiter:   rate.NewLimiter(r, 1),
		jitterMin: cfg.JitterMin,
		jitterMax: cfg.JitterMax,
		clock:     clock,
		recorder:  recorder,
	}, nil
}

// Acquire blocks until the caller may issue one request. It returns early
// with an error when ctx is cancelled, in which case nothing is counted.
func (g *Gate) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate gate wait: %w", err)
	}
	waited := time.Since(start)

	if jitter := g.jitter(); jitter > 0 {
		if err := g.clock.Sleep(ctx, jitter); err != nil {
			return fmt.Errorf("rate gate jitter: %w", err)
		}
		waited += jitter
	}

	g.acquisitions.Add(1)
	if g.recorder != nil {
		g.recorder.ObserveRateWait(waited)
	}
	return nil
}

// Acquisitions reports how many requests have been admitted.
func (g *Gate) Acquisitions() int64 {
	return g.acquisitions.Load()
}

func (g *Gate) jitter() time.Duration {
	span := g.jitterMax - g.jitterMin
	if span <= 0 {
		return g.jitterMin
	}
	return g.jitterMin + rand.N(span+1)
}
