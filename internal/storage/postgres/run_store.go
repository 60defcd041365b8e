package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// RunStore keeps one row per crawl run.
type RunStore struct {
	db    DB
	table string
}

// NewRunStore builds a RunStore on an existing pool.
func NewRunStore(db DB, table string) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := checkTable(table, "crawl_runs")
	if err != nil {
		return nil, err
	}
	return &RunStore{db: db, table: name}, nil
}

// RecordRun upserts the run summary keyed by run ID.
func (s *RunStore) RecordRun(ctx context.Context, m crawler.RunMetrics) error {
	perCategory, err := json.Marshal(m.PerCategory)
	if err != nil {
		return fmt.Errorf("marshal per-category metrics: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	status,
	started_at,
	finished_at,
	duration_ms,
	request_count,
	retry_count,
	slow_request_count,
	success_rate,
	per_category
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (run_id) DO UPDATE SET
	status = EXCLUDED.status,
	finished_at = EXCLUDED.finished_at,
	duration_ms = EXCLUDED.duration_ms,
	request_count = EXCLUDED.request_count,
	retry_count = EXCLUDED.retry_count,
	slow_request_count = EXCLUDED.slow_request_count,
	success_rate = EXCLUDED.success_rate,
	per_category = EXCLUDED.per_category`, s.table)

	_, err = s.db.Exec(ctx, query,
		m.RunID,
		string(m.Status),
		m.StartedAt,
		m.Timestamp,
		m.DurationMs,
		m.RequestCount,
		m.RetryCount,
		m.SlowRequestCount,
		m.SuccessRate,
		perCategory,
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", m.RunID, err)
	}
	return nil
}
