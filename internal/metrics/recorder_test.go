package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

func TestRecorderSealComputesRates(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	col := NewCollectors(reg)
	rec := NewRecorder("run-1", clock, col)

	tpl := crawler.CategoryTemplate
	rec.SetDiscovered(map[crawler.Category]int{tpl: 4, crawler.CategoryCreator: 1})
	rec.ObserveRequest(tpl, 200, 300*time.Millisecond)
	rec.ObserveRequest(tpl, 503, 100*time.Millisecond)
	rec.ObserveRequest(tpl, 0, time.Second)
	rec.ObserveRateWait(1500 * time.Millisecond)
	rec.IncRetry(tpl)
	rec.IncRetry(tpl)
	rec.IncSlowRequest(tpl)
	rec.IncForbidden(crawler.CategoryCreator)
	rec.IncDuplicate(tpl)
	rec.RecordOutcome(tpl, crawler.StateAccepted)
	rec.RecordOutcome(tpl, crawler.StateAccepted)
	rec.RecordOutcome(tpl, crawler.StateAccepted)
	rec.RecordOutcome(tpl, crawler.StateSkipped)
	rec.RecordOutcome(crawler.CategoryCreator, crawler.StateRejected)
	rec.RecordOutcome(tpl, crawler.StateRequeued)
	_ = clock.Sleep(context.Background(), 2*time.Minute)

	got, err := rec.Seal(crawler.RunCompleted, nil)
	require.NoError(t, err)
	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, crawler.RunCompleted, got.Status)
	require.Equal(t, int64(120000), got.DurationMs)
	require.Equal(t, 3, got.RequestCount)
	require.Equal(t, int64(1500), got.TotalWaitMs)
	require.Equal(t, 2, got.RetryCount)
	require.Equal(t, 1, got.SlowRequestCount)
	require.Equal(t, 1, got.ForbiddenCount)
	require.InDelta(t, 0.6, got.SuccessRate, 1e-9)

	tplMetrics := got.PerCategory[tpl]
	require.Equal(t, 4, tplMetrics.Discovered)
	require.Equal(t, 3, tplMetrics.Scraped)
	require.Equal(t, 1, tplMetrics.Failed)
	require.Equal(t, 1, tplMetrics.Duplicates)
	require.InDelta(t, 0.75, tplMetrics.SuccessRate, 1e-9)
	require.Equal(t, 1, got.PerCategory[crawler.CategoryCreator].Rejected)
	require.Zero(t, got.PerCategory[crawler.CategoryCreator].SuccessRate)

	require.InDelta(t, 1, testutil.ToFloat64(col.requestsTotal.WithLabelValues(string(tpl), "2xx")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(col.requestsTotal.WithLabelValues(string(tpl), "5xx")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(col.requestsTotal.WithLabelValues(string(tpl), "error")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(col.retriesTotal.WithLabelValues(string(tpl))), 0)
	require.InDelta(t, 3, testutil.ToFloat64(col.outcomesTotal.WithLabelValues(string(tpl), "accepted")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(col.runsTotal.WithLabelValues("completed")), 0)
}

func TestRecorderSealOnce(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Unix(0, 0).UTC()}
	rec := NewRecorder("run-2", clock, nil)
	rec.IncRetry(crawler.CategoryCreator)

	first, err := rec.Seal(crawler.RunBudgetExceeded, []crawler.Category{crawler.CategoryCreator})
	require.NoError(t, err)
	require.Equal(t, []crawler.Category{crawler.CategoryCreator}, first.EmptyCategories)

	rec.IncRetry(crawler.CategoryCreator)
	rec.RecordOutcome(crawler.CategoryCreator, crawler.StateAccepted)
	_, err = rec.Seal(crawler.RunCompleted, nil)
	require.ErrorIs(t, err, ErrSealed)

	snap := rec.Snapshot()
	require.Equal(t, 1, snap.RetryCount)
	require.Zero(t, snap.PerCategory[crawler.CategoryCreator].Scraped)
}

func TestRecorderConcurrentUse(t *testing.T) {
	t.Parallel()

	rec := NewRecorder("run-3", &stepClock{now: time.Unix(0, 0)}, NewCollectors(prometheus.NewRegistry()))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rec.ObserveRequest(crawler.CategoryCategory, 200, time.Millisecond)
				rec.RecordOutcome(crawler.CategoryCategory, crawler.StateAccepted)
			}
		}()
	}
	wg.Wait()

	snap := rec.Snapshot()
	require.Equal(t, 1000, snap.RequestCount)
	require.Equal(t, 1000, snap.PerCategory[crawler.CategoryCategory].Scraped)
	require.InDelta(t, 1.0, snap.SuccessRate, 1e-9)
}
