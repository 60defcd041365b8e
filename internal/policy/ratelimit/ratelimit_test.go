package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	return ctx.Err()
}

type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *waitRecorder) ObserveRateWait(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
}

func TestGateSpacesRequests(t *testing.T) {
	t.Parallel()

	g, err := New(Config{RequestsPerSecond: 10}, &fakeClock{}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, g.Acquire(ctx))

	start := time.Now()
	require.NoError(t, g.Acquire(ctx))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.EqualValues(t, 2, g.Acquisitions())
}

func TestGateJitterWithinRange(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	rec := &waitRecorder{}
	g, err := New(Config{JitterMin: 500 * time.Millisecond, JitterMax: 1500 * time.Millisecond}, clk, rec)
	require.NoError(t, err)

	for range 50 {
		require.NoError(t, g.Acquire(context.Background()))
	}
	require.Len(t, clk.sleeps, 50)
	for _, d := range clk.sleeps {
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.LessOrEqual(t, d, 1500*time.Millisecond)
	}
	require.Len(t, rec.waits, 50)
	for i, w := range rec.waits {
		require.GreaterOrEqual(t, w, clk.sleeps[i])
	}
}

func TestGateCancelledContext(t *testing.T) {
	t.Parallel()

	g, err := New(Config{RequestsPerSecond: 0.01}, &fakeClock{}, nil)
	require.NoError(t, err)
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, g.Acquire(ctx))
	require.EqualValues(t, 1, g.Acquisitions())
}

func TestGateConcurrentAcquireCounts(t *testing.T) {
	t.Parallel()

	g, err := New(Config{RequestsPerSecond: 1000}, &fakeClock{}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				_ = g.Acquire(context.Background())
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 40, g.Acquisitions())
}

func TestNewRejectsInvertedJitter(t *testing.T) {
	t.Parallel()

	_, err := New(Config{JitterMin: time.Second, JitterMax: time.Millisecond}, &fakeClock{}, nil)
	require.Error(t, err)
}
