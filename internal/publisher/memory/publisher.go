// Package memory contains an in-memory run sink for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// Publisher stores announced runs for inspection.
type Publisher struct {
	mu   sync.RWMutex
	runs []crawler.RunMetrics
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// RecordRun keeps the run summary.
func (p *Publisher) RecordRun(_ context.Context, m crawler.RunMetrics) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, m)
	return nil
}

// Runs returns the recorded summaries.
func (p *Publisher) Runs() []crawler.RunMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawler.RunMetrics, len(p.runs))
	copy(out, p.runs)
	return out
}
