package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher performs a single HTTP attempt and returns the raw response. A
// non-2xx response is not an error.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Parser turns a fetched payload into a structured record.
type Parser interface {
	Parse(payload []byte, rec URLRecord) (Record, error)
}

// WriteResult summarises a WriteBatch call.
type WriteResult struct {
	Accepted   int
	Duplicates int
	Errors     int
	// Failed lists the positions, in the records passed to WriteBatch, of
	// records that were not persisted.
	Failed []int
}

// StorageWriter persists accepted records.
type StorageWriter interface {
	WriteBatch(ctx context.Context, records []Record) (WriteResult, error)
}

// BlobStore reads and writes opaque objects such as the sitemap cache.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
	// GetObject returns ErrObjectNotFound when nothing is stored at path.
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// RunSink receives the sealed metrics of a finished run: the metrics log,
// the run ledger table, and the run announcement topic.
type RunSink interface {
	RecordRun(ctx context.Context, metrics RunMetrics) error
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time so backoff and budgets can be tested without sleeping.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Queue hands work items to workers.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem) error
	Dequeue(ctx context.Context) (WorkItem, error)
}
