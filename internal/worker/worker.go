// Package worker implements the per-URL fetch, parse and validate pipeline.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/validation"
)

// LogicalFetcher performs one logical fetch including retries.
type LogicalFetcher interface {
	Fetch(ctx context.Context, request crawler.FetchRequest) crawler.FetchOutcome
}

// Validator decides whether a parsed record may be stored.
type Validator interface {
	Accept(rec crawler.Record) validation.Verdict
}

// Archiver names the blob path for a raw payload.
type Archiver interface {
	ArchivePath(runID string, category crawler.Category, url string) string
}

// ResultHandler receives the outcome of every processed item.
type ResultHandler interface {
	HandleResult(ctx context.Context, result Result)
}

// Result is the outcome of processing one work item. State is one of
// Accepted, Skipped, Rejected or Requeued.
type Result struct {
	Item  crawler.WorkItem
	State crawler.URLState
	Kind  crawler.ErrorKind
	// Attempts counts every fetch attempt spent on the URL this run.
	Attempts int
	Err      error
	Record   crawler.Record
}

// Config controls Worker behavior.
type Config struct {
	RunID           string
	ArchivePayloads bool
	ContentType     string
}

// Dependencies are the collaborators of a Worker. BlobStore and Archiver are
// only needed when payload archival is enabled.
type Dependencies struct {
	Queue     crawler.Queue
	Fetcher   LogicalFetcher
	Parser    crawler.Parser
	Validator Validator
	Handler   ResultHandler
	BlobStore crawler.BlobStore
	Archiver  Archiver
}

// Worker consumes queue items and executes the pipeline.
type Worker struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Dependencies, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.BlobStore == nil || deps.Archiver == nil {
		cfg.ArchivePayloads = false
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Run blocks, consuming queue items until the queue is closed or the context
// finishes.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued url", zap.String("url", item.Record.URL), zap.Int("requeues", item.Requeues))
		result := w.Process(ctx, item)
		w.deps.Handler.HandleResult(ctx, result)
	}
}

// Process runs one item through fetch, optional archival, parse and
// validation. It never returns an error; failures are classified in the
// result.
func (w *Worker) Process(ctx context.Context, item crawler.WorkItem) Result {
	rec := item.Record
	outcome := w.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:      rec.URL,
		Category: rec.Category,
		Attempt:  item.Attempts,
	})

	switch o := outcome.(type) {
	case crawler.Success:
		return w.handlePayload(ctx, item, o)
	case crawler.RetryableError:
		w.logFailure("fetch interrupted", rec, o.Attempts, o.Kind, o)
		return Result{Item: item, State: crawler.StateRequeued, Kind: o.Kind, Attempts: o.Attempts, Err: o}
	case crawler.TerminalError:
		w.logFailure("fetch failed", rec, o.Attempts, o.Kind, o)
		return Result{Item: item, State: crawler.StateSkipped, Kind: o.Kind, Attempts: o.Attempts, Err: o}
	default:
		err := fmt.Errorf("unexpected fetch outcome %T", outcome)
		return Result{Item: item, State: crawler.StateSkipped, Kind: crawler.KindNetworkTimeout, Attempts: item.Attempts, Err: err}
	}
}

func (w *Worker) handlePayload(ctx context.Context, item crawler.WorkItem, success crawler.Success) Result {
	rec := item.Record
	archiveURI := w.archive(ctx, rec, success.Payload)

	parsed, err := w.deps.Parser.Parse(success.Payload, rec)
	if err != nil {
		w.logFailure("parse failed", rec, success.Attempts, crawler.KindParse, err)
		return Result{
			Item:     item,
			State:    crawler.StateSkipped,
			Kind:     crawler.KindParse,
			Attempts: success.Attempts,
			Err:      &crawler.FetchError{Kind: crawler.KindParse, StatusCode: success.StatusCode, URL: rec.URL, Cause: err},
		}
	}
	parsed.ArchiveURI = archiveURI

	switch v := w.deps.Validator.Accept(parsed).(type) {
	case validation.Accepted:
		w.logger.Debug("record accepted", zap.String("url", rec.URL), zap.String("id", v.Record.ID))
		return Result{Item: item, State: crawler.StateAccepted, Attempts: success.Attempts, Record: v.Record}
	case validation.Rejected:
		w.logFailure("record rejected", rec, success.Attempts, crawler.KindValidation, v)
		return Result{Item: item, State: crawler.StateRejected, Kind: crawler.KindValidation, Attempts: success.Attempts, Err: v, Record: v.Record}
	default:
		err := fmt.Errorf("unexpected verdict %T", v)
		return Result{Item: item, State: crawler.StateRejected, Kind: crawler.KindValidation, Attempts: success.Attempts, Err: err}
	}
}

// archive stores the raw payload and returns its URI. Failures are logged and
// do not affect the record.
func (w *Worker) archive(ctx context.Context, rec crawler.URLRecord, payload []byte) string {
	if !w.cfg.ArchivePayloads {
		return ""
	}
	path := w.deps.Archiver.ArchivePath(w.cfg.RunID, rec.Category, rec.URL)
	uri, err := w.deps.BlobStore.PutObject(context.WithoutCancel(ctx), path, w.cfg.ContentType, bytes.NewReader(payload))
	if err != nil {
		w.logger.Warn("payload archive failed", zap.String("url", rec.URL), zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) logFailure(msg string, rec crawler.URLRecord, attempts int, kind crawler.ErrorKind, err error) {
	w.logger.Warn(msg,
		zap.String("url", rec.URL),
		zap.String("category", string(rec.Category)),
		zap.Int("attempts", attempts),
		zap.String("error_kind", string(kind)),
		zap.Error(err),
	)
}
