package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	dispatch := New(queue, []Runner{&queueRunner{queue: queue}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherRunReturnsWhenWorkersFinish verifies Run does not wait for ctx.
func TestDispatcherRunReturnsWhenWorkersFinish(t *testing.T) {
	t.Parallel()

	var ran atomic.Int32
	workers := []Runner{runFunc(func(context.Context) { ran.Add(1) }), runFunc(func(context.Context) { ran.Add(1) })}
	done := make(chan struct{})
	go func() {
		New(nil, workers).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not return after workers finished")
	}
	if ran.Load() != 2 {
		t.Fatalf("expected 2 workers to run, got %d", ran.Load())
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil)

	err := dispatch.Enqueue(context.Background(), crawler.WorkItem{})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type runFunc func(context.Context)

func (f runFunc) Run(ctx context.Context) { f(ctx) }

type queueRunner struct {
	queue crawler.Queue
}

func (r *queueRunner) Run(ctx context.Context) {
	for {
		if _, err := r.queue.Dequeue(ctx); err != nil {
			return
		}
	}
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ crawler.WorkItem) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (crawler.WorkItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return crawler.WorkItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, crawler.WorkItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (crawler.WorkItem, error) {
	return crawler.WorkItem{}, nil
}
