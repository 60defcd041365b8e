// Package orchestrator drives one crawl run: discovery, resume, bounded
// dispatch, batched persistence, budget enforcement and final reporting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/budget"
	"github.com/JakeFAU/marketplace-crawler/internal/checkpoint"
	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/dispatcher"
	"github.com/JakeFAU/marketplace-crawler/internal/metrics"
	"github.com/JakeFAU/marketplace-crawler/internal/queue/memory"
	"github.com/JakeFAU/marketplace-crawler/internal/validation"
	"github.com/JakeFAU/marketplace-crawler/internal/worker"
)

// Discoverer produces the run's URL set.
type Discoverer interface {
	Discover(ctx context.Context) (crawler.SitemapSnapshot, error)
}

// BudgetGauge publishes budget usage while the run is active.
type BudgetGauge interface {
	SetBudgetElapsed(d time.Duration)
}

// Config controls a run.
type Config struct {
	RunID   string
	Workers int
	// BatchSize is the number of finished URLs between storage flushes and
	// checkpoint writes.
	BatchSize       int
	MaxRequeues     int
	GracePeriod     time.Duration
	WatchInterval   time.Duration
	FlushTimeout    time.Duration
	ArchivePayloads bool
}

// Dependencies are the run's collaborators. BlobStore, Archiver, Gauge and
// Sinks are optional.
type Dependencies struct {
	Discoverer Discoverer
	Fetcher    worker.LogicalFetcher
	Parser     crawler.Parser
	Writer     crawler.StorageWriter
	Checkpoint *checkpoint.Store
	Budget     *budget.Guard
	Recorder   *metrics.Recorder
	Clock      crawler.Clock
	BlobStore  crawler.BlobStore
	Archiver   worker.Archiver
	Gauge      BudgetGauge
	Sinks      []crawler.RunSink
}

// Progress is a point-in-time view of a run.
type Progress struct {
	RunID       string            `json:"run_id"`
	Phase       string            `json:"phase"`
	Status      crawler.RunStatus `json:"status,omitempty"`
	BudgetState string            `json:"budget_state"`
	ElapsedMs   int64             `json:"elapsed_ms"`
	CeilingMs   int64             `json:"ceiling_ms"`
	Discovered  int               `json:"discovered"`
	Outstanding int               `json:"outstanding"`
	Processed   int               `json:"processed"`
	Failed      int               `json:"failed"`
	Buffered    int               `json:"buffered"`
}

// Run phases reported by Progress.
const (
	PhaseIdle        = "idle"
	PhaseDiscovering = "discovering"
	PhaseCrawling    = "crawling"
	PhaseFinishing   = "finishing"
	PhaseDone        = "done"
)

type pendingRecord struct {
	url      string
	attempts int
	record   crawler.Record
}

// Orchestrator runs a single crawl. Create one per run.
type Orchestrator struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
	gate   *validation.Gate

	mu          sync.Mutex
	phase       string
	status      crawler.RunStatus
	discovered  int
	outstanding int
	completed   int
	finalized   bool
	buffers     map[crawler.Category][]pendingRecord
	queue       *memory.Queue
	dispatcher  *dispatcher.Dispatcher

	// flushes tracks batch writes running outside mu; flushErrs keeps
	// their failures for the run status.
	flushes   sync.WaitGroup
	flushErrs []error

	budgetAborted  bool
	cancelDispatch context.CancelFunc
}

// New validates dependencies and applies defaults.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Discoverer == nil:
		return nil, errors.New("orchestrator: discoverer is required")
	case deps.Fetcher == nil:
		return nil, errors.New("orchestrator: fetcher is required")
	case deps.Parser == nil:
		return nil, errors.New("orchestrator: parser is required")
	case deps.Writer == nil:
		return nil, errors.New("orchestrator: storage writer is required")
	case deps.Checkpoint == nil:
		return nil, errors.New("orchestrator: checkpoint store is required")
	case deps.Budget == nil:
		return nil, errors.New("orchestrator: budget guard is required")
	case deps.Recorder == nil:
		return nil, errors.New("orchestrator: metrics recorder is required")
	case deps.Clock == nil:
		return nil, errors.New("orchestrator: clock is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxRequeues < 0 {
		cfg.MaxRequeues = 0
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(zap.String("run_id", cfg.RunID)),
		gate:    validation.NewGate(deps.Recorder),
		phase:   PhaseIdle,
		buffers: make(map[crawler.Category][]pendingRecord),
	}, nil
}

// Run executes the crawl and returns the sealed run metrics. The returned
// error wraps one of the crawler run-level sentinels when the run did not
// complete.
func (o *Orchestrator) Run(ctx context.Context) (crawler.RunMetrics, error) {
	o.deps.Budget.Start()
	o.setPhase(PhaseDiscovering)

	if _, err := o.deps.Checkpoint.Load(); err != nil {
		return o.finish(ctx, crawler.RunFailed, nil, fmt.Errorf("load checkpoint: %w", err))
	}

	snap, err := o.discover(ctx)
	if err != nil {
		status := o.discoveryStatus(ctx, err)
		switch status {
		case crawler.RunInterrupted:
			err = fmt.Errorf("%w: %w", crawler.ErrInterrupted, err)
		case crawler.RunBudgetExceeded:
			err = fmt.Errorf("%w: %w", crawler.ErrBudgetExceeded, err)
		}
		return o.finish(ctx, status, nil, err)
	}
	o.deps.Recorder.SetDiscovered(snap.CountByCategory())
	o.deps.Checkpoint.Begin(o.cfg.RunID, o.deps.Recorder.Snapshot().StartedAt, len(snap.URLs))

	before := o.deps.Checkpoint.Snapshot()
	var pending []crawler.URLRecord
	dispatched := make(map[crawler.Category]int)
	for _, u := range snap.URLs {
		if o.deps.Checkpoint.IsProcessed(u.Category, u.URL) {
			continue
		}
		pending = append(pending, u)
		dispatched[u.Category]++
	}
	o.mu.Lock()
	o.discovered = len(snap.URLs)
	o.mu.Unlock()
	o.logger.Info("dispatching urls",
		zap.Int("discovered", len(snap.URLs)),
		zap.Int("pending", len(pending)),
		zap.Int("already_processed", len(snap.URLs)-len(pending)),
		zap.String("sitemap_source", string(snap.Source)))

	if len(pending) > 0 {
		o.dispatch(ctx, pending)
	}

	o.setPhase(PhaseFinishing)
	flushErr := o.finalFlush(ctx)

	switch {
	case ctx.Err() != nil:
		return o.finish(ctx, crawler.RunInterrupted, nil, errors.Join(fmt.Errorf("%w: %w", crawler.ErrInterrupted, ctx.Err()), flushErr))
	case o.aborted():
		return o.finish(ctx, crawler.RunBudgetExceeded, nil, errors.Join(crawler.ErrBudgetExceeded, flushErr))
	}

	// Categories whose URLs all finished in earlier runs cannot be empty.
	candidates := make(map[crawler.Category]int)
	for cat, n := range dispatched {
		if before.ProcessedCount(cat) == 0 {
			candidates[cat] = n
		}
	}
	if empty := o.gate.EmptyCategories(candidates); len(empty) > 0 {
		o.logger.Error("categories produced no accepted records, export blocked", zap.Any("categories", empty))
		return o.finish(ctx, crawler.RunEmptyResult, empty,
			errors.Join(fmt.Errorf("%w: %v", crawler.ErrEmptyResultBlocked, empty), flushErr))
	}
	if flushErr != nil {
		return o.finish(ctx, crawler.RunFailed, nil, flushErr)
	}
	return o.finish(ctx, crawler.RunCompleted, nil, nil)
}

func (o *Orchestrator) discover(ctx context.Context) (crawler.SitemapSnapshot, error) {
	dctx := ctx
	if o.deps.Budget.Ceiling() > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, o.deps.Budget.Remaining())
		defer cancel()
	}
	snap, err := o.deps.Discoverer.Discover(dctx)
	if err != nil {
		return snap, fmt.Errorf("discover: %w", err)
	}
	return snap, nil
}

func (o *Orchestrator) discoveryStatus(ctx context.Context, err error) crawler.RunStatus {
	switch {
	case ctx.Err() != nil:
		return crawler.RunInterrupted
	case errors.Is(err, crawler.ErrSitemapUnavailable):
		return crawler.RunSitemapUnavailable
	case errors.Is(err, crawler.ErrThresholdNotMet):
		return crawler.RunThresholdNotMet
	case errors.Is(err, crawler.ErrSitemapNoFallback):
		return crawler.RunNoSitemap
	case errors.Is(err, context.DeadlineExceeded):
		return crawler.RunBudgetExceeded
	default:
		return crawler.RunFailed
	}
}

// dispatch runs the worker pool over pending and returns once the queue has
// drained, or once dispatch was cancelled and the grace period elapsed.
func (o *Orchestrator) dispatch(ctx context.Context, pending []crawler.URLRecord) {
	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := memory.NewQueue(len(pending))
	runners := make([]dispatcher.Runner, 0, o.cfg.Workers)
	for i := 0; i < o.cfg.Workers; i++ {
		runners = append(runners, worker.New(worker.Dependencies{
			Queue:     queue,
			Fetcher:   o.deps.Fetcher,
			Parser:    o.deps.Parser,
			Validator: o.gate,
			Handler:   o,
			BlobStore: o.deps.BlobStore,
			Archiver:  o.deps.Archiver,
		}, worker.Config{
			RunID:           o.cfg.RunID,
			ArchivePayloads: o.cfg.ArchivePayloads,
		}, o.logger.Named("worker").With(zap.Int("worker", i))))
	}

	d := dispatcher.New(queue, runners)
	outstanding := 0
	for _, u := range pending {
		// Capacity equals len(pending), so this never blocks.
		if err := d.Enqueue(dispatchCtx, crawler.WorkItem{Record: u}); err != nil {
			o.logger.Error("enqueue failed", zap.String("url", u.URL), zap.Error(err))
			continue
		}
		outstanding++
	}

	o.mu.Lock()
	o.queue = queue
	o.dispatcher = d
	o.outstanding = outstanding
	o.cancelDispatch = cancel
	o.phase = PhaseCrawling
	if outstanding == 0 {
		queue.Close()
	}
	o.mu.Unlock()

	go o.deps.Budget.Watch(dispatchCtx, o.cfg.WatchInterval, o.abortBudget)

	done := make(chan struct{})
	go func() {
		d.Run(dispatchCtx)
		close(done)
	}()

	select {
	case <-done:
		return
	case <-dispatchCtx.Done():
	}

	o.logger.Warn("dispatch stopped, waiting for in-flight work", zap.Duration("grace_period", o.cfg.GracePeriod))
	timer := time.NewTimer(o.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		o.logger.Error("in-flight work did not finish within grace period; their urls stay pending")
	}
}

func (o *Orchestrator) abortBudget() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.abortLocked()
}

func (o *Orchestrator) abortLocked() {
	if o.budgetAborted {
		return
	}
	o.budgetAborted = true
	if o.cancelDispatch != nil {
		o.cancelDispatch()
	}
}

func (o *Orchestrator) aborted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.budgetAborted
}

// HandleResult applies a worker result to the run state. It implements
// worker.ResultHandler. Storage writes run outside the run lock so budget
// enforcement and progress reporting never wait on the writer.
func (o *Orchestrator) HandleResult(ctx context.Context, res worker.Result) {
	rec := res.Item.Record
	o.mu.Lock()

	if o.finalized {
		o.mu.Unlock()
		o.logger.Warn("result arrived after shutdown, url stays pending",
			zap.String("url", rec.URL), zap.String("state", string(res.State)))
		return
	}

	switch res.State {
	case crawler.StateAccepted:
		o.buffers[rec.Category] = append(o.buffers[rec.Category], pendingRecord{url: rec.URL, attempts: res.Attempts, record: res.Record})
	case crawler.StateRequeued:
		if o.requeueLocked(ctx, res) {
			o.mu.Unlock()
			return
		}
		o.recordFailure(rec, crawler.StateSkipped, res.Attempts, res.Err)
	case crawler.StateRejected:
		o.recordFailure(rec, crawler.StateRejected, res.Attempts, res.Err)
	default:
		o.recordFailure(rec, crawler.StateSkipped, res.Attempts, res.Err)
	}

	o.completed++
	o.outstanding--
	var batches map[crawler.Category][]pendingRecord
	if o.completed%o.cfg.BatchSize == 0 {
		batches = o.takeBuffersLocked()
		o.flushes.Add(1)
	}
	if o.outstanding == 0 && o.queue != nil {
		o.queue.Close()
	}
	o.mu.Unlock()

	if batches != nil {
		o.flushBatches(ctx, batches)
		o.flushes.Done()
	}
	o.checkBudget()
}

func (o *Orchestrator) checkBudget() {
	if o.deps.Gauge != nil {
		o.deps.Gauge.SetBudgetElapsed(o.deps.Budget.Elapsed())
	}
	if o.deps.Budget.Check() == budget.StateAbort {
		o.abortBudget()
	}
}

func (o *Orchestrator) requeueLocked(ctx context.Context, res worker.Result) bool {
	if res.Item.Requeues >= o.cfg.MaxRequeues || ctx.Err() != nil || o.dispatcher == nil {
		return false
	}
	item := crawler.WorkItem{Record: res.Item.Record, Attempts: res.Attempts, Requeues: res.Item.Requeues + 1}
	// The item was dequeued, so the queue has room for it.
	if err := o.dispatcher.Enqueue(ctx, item); err != nil {
		o.logger.Warn("requeue failed", zap.String("url", item.Record.URL), zap.Error(err))
		return false
	}
	o.logger.Info("url requeued",
		zap.String("url", item.Record.URL),
		zap.String("category", string(item.Record.Category)),
		zap.Int("attempts", item.Attempts),
		zap.Int("requeues", item.Requeues))
	return true
}

func (o *Orchestrator) recordFailure(rec crawler.URLRecord, state crawler.URLState, attempts int, cause error) {
	if cause == nil {
		cause = fmt.Errorf("url ended %s", state)
	}
	if err := o.deps.Checkpoint.RecordFailed(rec.Category, rec.URL, attempts, cause); err != nil {
		o.logger.Error("checkpoint update failed", zap.String("url", rec.URL), zap.Error(err))
		return
	}
	o.deps.Recorder.RecordOutcome(rec.Category, state)
}

func (o *Orchestrator) takeBuffersLocked() map[crawler.Category][]pendingRecord {
	taken := o.buffers
	o.buffers = make(map[crawler.Category][]pendingRecord)
	return taken
}

// flushBatches writes and checkpoints a set of buffers under FlushTimeout and
// keeps any failure for the run status.
func (o *Orchestrator) flushBatches(ctx context.Context, batches map[crawler.Category][]pendingRecord) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FlushTimeout)
	defer cancel()

	err := errors.Join(o.writeBatches(flushCtx, batches), o.persist())
	if err == nil {
		return
	}
	o.mu.Lock()
	o.flushErrs = append(o.flushErrs, err)
	o.mu.Unlock()
}

// writeBatches stores buffered records, one WriteBatch per category. URLs
// become processed only once their record is stored.
func (o *Orchestrator) writeBatches(ctx context.Context, batches map[crawler.Category][]pendingRecord) error {
	var errs []error
	for _, cat := range crawler.AllCategories() {
		batch := batches[cat]
		if len(batch) == 0 {
			continue
		}

		records := make([]crawler.Record, len(batch))
		for i, p := range batch {
			records[i] = p.record
		}
		result, err := o.deps.Writer.WriteBatch(ctx, records)
		failed := make(map[int]struct{}, len(result.Failed))
		for _, i := range result.Failed {
			failed[i] = struct{}{}
		}
		allFailed := err != nil && len(result.Failed) == 0
		if err != nil {
			o.logger.Error("storage write failed",
				zap.String("category", string(cat)),
				zap.Int("records", len(records)),
				zap.Int("failed", len(result.Failed)),
				zap.String("error_kind", string(crawler.KindStorage)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("write %s: %w", cat, err))
		}

		for i, p := range batch {
			if _, bad := failed[i]; allFailed || bad {
				cause := &crawler.FetchError{Kind: crawler.KindStorage, URL: p.url, Cause: err}
				o.recordFailure(crawler.URLRecord{URL: p.url, Category: cat}, crawler.StateSkipped, p.attempts, cause)
				continue
			}
			o.deps.Checkpoint.RecordProcessed(cat, p.url)
			o.deps.Recorder.RecordOutcome(cat, crawler.StateAccepted)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) persist() error {
	if err := o.deps.Checkpoint.Persist(); err != nil {
		o.logger.Error("checkpoint persist failed", zap.String("path", o.deps.Checkpoint.Path()), zap.Error(err))
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	return nil
}

// finalFlush stores what is buffered and persists the checkpoint. It runs
// on a context detached from cancellation so an interrupt or budget abort
// still saves completed work. The returned error includes failures of
// earlier batch flushes.
func (o *Orchestrator) finalFlush(ctx context.Context) error {
	o.mu.Lock()
	o.finalized = true
	batches := o.takeBuffersLocked()
	o.mu.Unlock()

	// Batch flushes still running are bounded by FlushTimeout.
	o.flushes.Wait()
	o.flushBatches(ctx, batches)

	o.mu.Lock()
	defer o.mu.Unlock()
	return errors.Join(o.flushErrs...)
}

// finish seals metrics, hands them to every sink and returns the run error.
func (o *Orchestrator) finish(ctx context.Context, status crawler.RunStatus, empty []crawler.Category, runErr error) (crawler.RunMetrics, error) {
	if o.deps.Gauge != nil {
		o.deps.Gauge.SetBudgetElapsed(o.deps.Budget.Elapsed())
	}
	sealed, err := o.deps.Recorder.Seal(status, empty)
	if err != nil {
		return sealed, errors.Join(runErr, err)
	}

	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FlushTimeout)
	defer cancel()
	var sinkErrs []error
	for _, sink := range o.deps.Sinks {
		if err := sink.RecordRun(sinkCtx, sealed); err != nil {
			o.logger.Error("run sink failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
			sinkErrs = append(sinkErrs, err)
		}
	}
	if runErr == nil && len(sinkErrs) > 0 {
		runErr = fmt.Errorf("record run: %w", errors.Join(sinkErrs...))
	}

	o.mu.Lock()
	o.phase = PhaseDone
	o.status = status
	o.mu.Unlock()

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int64("duration_ms", sealed.DurationMs),
		zap.Int("requests", sealed.RequestCount),
		zap.Int("retries", sealed.RetryCount),
		zap.Float64("success_rate", sealed.SuccessRate),
	}
	if runErr != nil {
		o.logger.Error("run finished", append(fields, zap.Error(runErr))...)
	} else {
		o.logger.Info("run finished", fields...)
	}
	return sealed, runErr
}

func (o *Orchestrator) setPhase(phase string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = phase
}

// Progress reports the run's current state.
func (o *Orchestrator) Progress() Progress {
	cp := o.deps.Checkpoint.Snapshot()
	var processed, failed int
	for cat := range cp.Categories {
		processed += cp.ProcessedCount(cat)
		failed += cp.FailedCount(cat)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	buffered := 0
	for _, b := range o.buffers {
		buffered += len(b)
	}
	return Progress{
		RunID:       o.cfg.RunID,
		Phase:       o.phase,
		Status:      o.status,
		BudgetState: o.deps.Budget.State().String(),
		ElapsedMs:   o.deps.Budget.Elapsed().Milliseconds(),
		CeilingMs:   o.deps.Budget.Ceiling().Milliseconds(),
		Discovered:  o.discovered,
		Outstanding: o.outstanding,
		Processed:   processed,
		Failed:      failed,
		Buffered:    buffered,
	}
}
