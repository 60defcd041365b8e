package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// ErrAlreadyProcessed is returned when a processed URL is reported as failed.
var ErrAlreadyProcessed = errors.New("url already processed")

// Store owns the checkpoint file. All methods are safe for concurrent use;
// writes are serialized.
type Store struct {
	mu    sync.Mutex
	path  string
	clock crawler.Clock
	cp    *Checkpoint
}

// New creates a Store backed by path.
func New(path string, clock crawler.Clock) *Store {
	return &Store{path: path, clock: clock, cp: newCheckpoint()}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the checkpoint file into memory. found is false when no file
// exists, leaving an empty checkpoint.
func (s *Store) Load() (found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.cp = newCheckpoint()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read checkpoint: %w", err)
	}
	cp := newCheckpoint()
	if err := json.Unmarshal(data, cp); err != nil {
		return false, fmt.Errorf("decode checkpoint %s: %w", s.path, err)
	}
	s.cp = cp
	return true, nil
}

// Begin stamps run metadata. A resumed checkpoint keeps its original start
// time.
func (s *Store) Begin(runID string, startedAt time.Time, totalURLs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cp.Metadata.StartTime.IsZero() {
		s.cp.Metadata.StartTime = startedAt
	}
	s.cp.Metadata.RunID = runID
	s.cp.Metadata.TotalURLs = totalURLs
}

// IsProcessed reports whether url already finished successfully.
func (s *Store) IsProcessed(cat crawler.Category, url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.cp.Categories[cat]
	if !ok {
		return false
	}
	_, done := p.Processed[url]
	return done
}

// RecordProcessed marks url done, clearing any earlier failure.
func (s *Store) RecordProcessed(cat crawler.Category, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.cp.progress(cat)
	delete(p.Failed, url)
	p.Processed[url] = struct{}{}
	p.Cursor = url
}

// RecordFailed records the latest failure for url. Attempts replace, not
// add to, the previous value since every run starts with a fresh retry
// budget.
func (s *Store) RecordFailed(cat crawler.Category, url string, attempts int, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.cp.progress(cat)
	if _, done := p.Processed[url]; done {
		return fmt.Errorf("%s: %w", url, ErrAlreadyProcessed)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	p.Failed[url] = Failure{Attempts: attempts, LastError: msg}
	p.Cursor = url
	return nil
}

// Snapshot returns a deep copy of the in-memory checkpoint.
func (s *Store) Snapshot() *Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp.clone()
}

// Persist writes the checkpoint atomically: a temp file in the same
// directory is renamed over the target.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cp.LastUpdate = s.clock.Now()
	data, err := json.MarshalIndent(s.cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Reset deletes the checkpoint file and clears memory.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = newCheckpoint()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
