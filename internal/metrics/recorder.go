package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// ErrSealed is returned when a run's metrics are sealed twice.
var ErrSealed = errors.New("run metrics already sealed")

// Recorder accumulates the metrics of one run. Observations after Seal are
// ignored. All methods are safe for concurrent use.
type Recorder struct {
	mu         sync.Mutex
	runID      string
	clock      crawler.Clock
	collectors *Collectors
	started    time.Time
	perCat     map[crawler.Category]*crawler.CategoryMetrics
	requests   int
	totalWait  time.Duration
	retries    int
	slow       int
	forbidden  int
	sealed     bool
}

// NewRecorder creates a Recorder for runID. collectors may be nil.
func NewRecorder(runID string, clock crawler.Clock, collectors *Collectors) *Recorder {
	return &Recorder{
		runID:      runID,
		clock:      clock,
		collectors: collectors,
		started:    clock.Now(),
		perCat:     make(map[crawler.Category]*crawler.CategoryMetrics),
	}
}

func (r *Recorder) category(cat crawler.Category) *crawler.CategoryMetrics {
	m, ok := r.perCat[cat]
	if !ok {
		m = &crawler.CategoryMetrics{}
		r.perCat[cat] = m
	}
	return m
}

// SetDiscovered records how many URLs the sitemap listed per category.
func (r *Recorder) SetDiscovered(counts map[crawler.Category]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	for cat, n := range counts {
		r.category(cat).Discovered = n
	}
}

// ObserveRateWait adds time spent waiting on the rate gate.
func (r *Recorder) ObserveRateWait(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.totalWait += d
	if r.collectors != nil {
		r.collectors.rateWaitSeconds.Observe(d.Seconds())
	}
}

// ObserveRequest counts one HTTP attempt.
func (r *Recorder) ObserveRequest(cat crawler.Category, status int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.requests++
	if r.collectors != nil {
		r.collectors.requestsTotal.WithLabelValues(string(cat), statusClass(status)).Inc()
		r.collectors.requestDuration.WithLabelValues(string(cat)).Observe(d.Seconds())
	}
}

// IncRetry counts one retryable failed attempt.
func (r *Recorder) IncRetry(cat crawler.Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.retries++
	if r.collectors != nil {
		r.collectors.retriesTotal.WithLabelValues(string(cat)).Inc()
	}
}

// IncSlowRequest counts one request over the slow threshold.
func (r *Recorder) IncSlowRequest(cat crawler.Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.slow++
	if r.collectors != nil {
		r.collectors.slowRequestsTotal.WithLabelValues(string(cat)).Inc()
	}
}

// IncForbidden counts one 403.
func (r *Recorder) IncForbidden(cat crawler.Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.forbidden++
	if r.collectors != nil {
		r.collectors.forbiddenTotal.WithLabelValues(string(cat)).Inc()
	}
}

// IncDuplicate counts one duplicate record.
func (r *Recorder) IncDuplicate(cat crawler.Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.category(cat).Duplicates++
	if r.collectors != nil {
		r.collectors.duplicatesTotal.WithLabelValues(string(cat)).Inc()
	}
}

// RecordOutcome counts a terminal URL state.
func (r *Recorder) RecordOutcome(cat crawler.Category, state crawler.URLState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	m := r.category(cat)
	switch state {
	case crawler.StateAccepted:
		m.Scraped++
	case crawler.StateSkipped:
		m.Failed++
	case crawler.StateRejected:
		m.Rejected++
	default:
		return
	}
	if r.collectors != nil {
		r.collectors.outcomesTotal.WithLabelValues(string(cat), string(state)).Inc()
	}
}

// Snapshot returns the metrics so far without sealing.
func (r *Recorder) Snapshot() crawler.RunMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildLocked("", nil)
}

// Seal freezes the run metrics with a final status. It fails on a second
// call.
func (r *Recorder) Seal(status crawler.RunStatus, emptyCategories []crawler.Category) (crawler.RunMetrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return crawler.RunMetrics{}, ErrSealed
	}
	r.sealed = true
	if r.collectors != nil {
		r.collectors.runsTotal.WithLabelValues(string(status)).Inc()
	}
	return r.buildLocked(status, emptyCategories), nil
}

func (r *Recorder) buildLocked(status crawler.RunStatus, empty []crawler.Category) crawler.RunMetrics {
	now := r.clock.Now()
	out := crawler.RunMetrics{
		Timestamp:        now,
		RunID:            r.runID,
		Status:           status,
		StartedAt:        r.started,
		DurationMs:       now.Sub(r.started).Milliseconds(),
		PerCategory:      make(map[crawler.Category]crawler.CategoryMetrics, len(r.perCat)),
		RequestCount:     r.requests,
		TotalWaitMs:      r.totalWait.Milliseconds(),
		RetryCount:       r.retries,
		SlowRequestCount: r.slow,
		ForbiddenCount:   r.forbidden,
		EmptyCategories:  append([]crawler.Category(nil), empty...),
	}
	var scraped, finished int
	for cat, m := range r.perCat {
		cm := *m
		done := cm.Scraped + cm.Failed + cm.Rejected
		cm.SuccessRate = rate(cm.Scraped, done)
		out.PerCategory[cat] = cm
		scraped += cm.Scraped
		finished += done
	}
	out.SuccessRate = rate(scraped, finished)
	return out
}

func rate(ok, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(ok) / float64(total)
}
