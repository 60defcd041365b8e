package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/hash/sha256"
	"github.com/JakeFAU/marketplace-crawler/internal/queue/memory"
	storemem "github.com/JakeFAU/marketplace-crawler/internal/storage/memory"
	"github.com/JakeFAU/marketplace-crawler/internal/validation"
)

const productURL = "https://example.com/marketplace/templates/portfolio-one"

type outcomeFetcher struct {
	outcome  crawler.FetchOutcome
	mu       sync.Mutex
	requests []crawler.FetchRequest
}

func (f *outcomeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) crawler.FetchOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.outcome
}

type stubParser struct {
	err error
}

func (p stubParser) Parse(payload []byte, rec crawler.URLRecord) (crawler.Record, error) {
	if p.err != nil {
		return crawler.Record{}, p.err
	}
	return crawler.Record{ID: "portfolio-one", Category: rec.Category, SourceURL: rec.URL, Name: string(payload)}, nil
}

type collectingHandler struct {
	mu      sync.Mutex
	results []Result
}

func (h *collectingHandler) HandleResult(_ context.Context, r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, r)
}

func (h *collectingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results)
}

func item() crawler.WorkItem {
	return crawler.WorkItem{Record: crawler.URLRecord{URL: productURL, Category: crawler.CategoryTemplate}, Attempts: 2}
}

func newWorker(f LogicalFetcher, p crawler.Parser, deps Dependencies, cfg Config, logger *zap.Logger) *Worker {
	deps.Fetcher = f
	deps.Parser = p
	if deps.Validator == nil {
		deps.Validator = validation.NewGate(nil)
	}
	return New(deps, cfg, logger)
}

func TestProcessAccepted(t *testing.T) {
	t.Parallel()

	f := &outcomeFetcher{outcome: crawler.Success{Payload: []byte("Portfolio"), StatusCode: 200, Attempts: 3}}
	w := newWorker(f, stubParser{}, Dependencies{}, Config{}, nil)

	res := w.Process(context.Background(), item())
	require.Equal(t, crawler.StateAccepted, res.State)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, "Portfolio", res.Record.Name)
	require.NoError(t, res.Err)
	require.Equal(t, 2, f.requests[0].Attempt)
	require.Equal(t, crawler.CategoryTemplate, f.requests[0].Category)
}

func TestProcessArchivesPayload(t *testing.T) {
	t.Parallel()

	blobs := storemem.NewBlobStore()
	f := &outcomeFetcher{outcome: crawler.Success{Payload: []byte("<html/>"), StatusCode: 200, Attempts: 1}}
	hasher := sha256.New()
	w := newWorker(f, stubParser{}, Dependencies{BlobStore: blobs, Archiver: hasher}, Config{RunID: "run-9", ArchivePayloads: true}, nil)

	res := w.Process(context.Background(), item())
	require.Equal(t, crawler.StateAccepted, res.State)
	path := hasher.ArchivePath("run-9", crawler.CategoryTemplate, productURL)
	require.Equal(t, "memory://"+path, res.Record.ArchiveURI)

	stored, err := blobs.GetObject(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "<html/>", string(stored))
}

func TestProcessParseFailureSkips(t *testing.T) {
	t.Parallel()

	f := &outcomeFetcher{outcome: crawler.Success{Payload: []byte("x"), StatusCode: 200, Attempts: 1}}
	w := newWorker(f, stubParser{err: errors.New("no content")}, Dependencies{}, Config{}, nil)

	res := w.Process(context.Background(), item())
	require.Equal(t, crawler.StateSkipped, res.State)
	require.Equal(t, crawler.KindParse, res.Kind)
	var fe *crawler.FetchError
	require.ErrorAs(t, res.Err, &fe)
	require.Equal(t, 200, fe.StatusCode)
}

func TestProcessDuplicateRejected(t *testing.T) {
	t.Parallel()

	f := &outcomeFetcher{outcome: crawler.Success{Payload: []byte("x"), StatusCode: 200, Attempts: 1}}
	w := newWorker(f, stubParser{}, Dependencies{}, Config{}, nil)

	require.Equal(t, crawler.StateAccepted, w.Process(context.Background(), item()).State)
	res := w.Process(context.Background(), item())
	require.Equal(t, crawler.StateRejected, res.State)
	require.Equal(t, crawler.KindValidation, res.Kind)
	var rejected validation.Rejected
	require.ErrorAs(t, res.Err, &rejected)
	require.Equal(t, validation.ReasonDuplicate, rejected.Reason)
}

func TestProcessFetchOutcomes(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	terminal := &outcomeFetcher{outcome: crawler.TerminalError{Kind: crawler.KindNotFound, Attempts: 3, Err: errors.New("404")}}
	res := newWorker(terminal, stubParser{}, Dependencies{}, Config{}, zap.New(core)).Process(context.Background(), item())
	require.Equal(t, crawler.StateSkipped, res.State)
	require.Equal(t, crawler.KindNotFound, res.Kind)
	require.Equal(t, 3, res.Attempts)

	entries := logs.FilterMessage("fetch failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, productURL, fields["url"])
	require.Equal(t, "not_found", fields["error_kind"])
	require.EqualValues(t, 3, fields["attempts"])

	retryable := &outcomeFetcher{outcome: crawler.RetryableError{Kind: crawler.KindInterrupted, Attempts: 2, Err: context.Canceled}}
	res = newWorker(retryable, stubParser{}, Dependencies{}, Config{}, nil).Process(context.Background(), item())
	require.Equal(t, crawler.StateRequeued, res.State)
	require.ErrorIs(t, res.Err, context.Canceled)
}

func TestRunStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), item()))
	}
	q.Close()

	handler := &collectingHandler{}
	f := &outcomeFetcher{outcome: crawler.TerminalError{Kind: crawler.KindForbidden, Attempts: 1}}
	w := newWorker(f, stubParser{}, Dependencies{Queue: q, Handler: handler}, Config{}, nil)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue closed")
	}
	require.Equal(t, 3, handler.count())
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker(&outcomeFetcher{}, stubParser{}, Dependencies{Queue: memory.NewQueue(1), Handler: &collectingHandler{}}, Config{}, nil)

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
