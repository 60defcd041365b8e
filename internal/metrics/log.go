package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// LogSink appends sealed run metrics to a JSON-lines file.
type LogSink struct {
	mu   sync.Mutex
	path string
}

// NewLogSink creates a LogSink writing to path.
func NewLogSink(path string) *LogSink {
	return &LogSink{path: path}
}

// RecordRun appends one JSON object followed by a newline.
func (l *LogSink) RecordRun(_ context.Context, m crawler.RunMetrics) error {
	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode run metrics: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create metrics log dir: %w", err)
	}
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open metrics log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append metrics log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close metrics log: %w", err)
	}
	return nil
}

// ReadLog returns every run recorded at path, oldest first. A missing file
// yields no runs.
func ReadLog(path string) ([]crawler.RunMetrics, error) {
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open metrics log: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	var runs []crawler.RunMetrics
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var m crawler.RunMetrics
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return nil, fmt.Errorf("decode metrics log line %d: %w", len(runs)+1, err)
		}
		runs = append(runs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read metrics log: %w", err)
	}
	return runs, nil
}
