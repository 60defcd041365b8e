package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

type recordKey struct {
	category crawler.Category
	id       string
}

// RecordWriter is an in-memory crawler.StorageWriter. History keeps every
// accepted record; Current keeps the latest per identity.
type RecordWriter struct {
	mu      sync.RWMutex
	history []crawler.Record
	current map[recordKey]crawler.Record
	calls   int
	failErr error
}

// NewRecordWriter constructs a RecordWriter.
func NewRecordWriter() *RecordWriter {
	return &RecordWriter{current: make(map[recordKey]crawler.Record)}
}

// FailWith makes subsequent WriteBatch calls fail with err.
func (w *RecordWriter) FailWith(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failErr = err
}

// WriteBatch appends records to history and upserts them into current.
// Repeated identities within one batch are counted as duplicates.
func (w *RecordWriter) WriteBatch(_ context.Context, records []crawler.Record) (crawler.WriteResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++

	var result crawler.WriteResult
	if w.failErr != nil {
		result.Errors = len(records)
		for i := range records {
			result.Failed = append(result.Failed, i)
		}
		return result, w.failErr
	}

	seen := make(map[recordKey]struct{}, len(records))
	for i, rec := range records {
		if rec.ID == "" {
			result.Errors++
			result.Failed = append(result.Failed, i)
			continue
		}
		key := recordKey{category: rec.Category, id: rec.ID}
		if _, dup := seen[key]; dup {
			result.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		w.history = append(w.history, rec)
		w.current[key] = rec
		result.Accepted++
	}
	if result.Errors > 0 {
		return result, errors.New("records without id were not stored")
	}
	return result, nil
}

// History returns a copy of all stored records.
func (w *RecordWriter) History() []crawler.Record {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]crawler.Record, len(w.history))
	copy(out, w.history)
	return out
}

// Current returns the latest record for an identity.
func (w *RecordWriter) Current(category crawler.Category, id string) (crawler.Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rec, ok := w.current[recordKey{category: category, id: id}]
	return rec, ok
}

// Calls reports how many times WriteBatch was invoked.
func (w *RecordWriter) Calls() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.calls
}
