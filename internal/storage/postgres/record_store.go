package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

const defaultChunkSize = 500

const insertRecordSQL = `
INSERT INTO %s (
	record_id,
	category,
	source_url,
	content_hash,
	payload,
	scraped_at
) VALUES ($1,$2,$3,$4,$5,$6)`

const upsertRecordSuffix = `
ON CONFLICT (record_id, category) DO UPDATE SET
	source_url = EXCLUDED.source_url,
	content_hash = EXCLUDED.content_hash,
	payload = EXCLUDED.payload,
	scraped_at = EXCLUDED.scraped_at`

// RecordStoreConfig names the tables and chunking for record writes.
type RecordStoreConfig struct {
	HistoryTable string
	CurrentTable string
	ChunkSize    int
}

// RecordStore writes accepted records: one append to the history table and
// one upsert to the current table per record, one transaction per chunk.
type RecordStore struct {
	db            DB
	insertHistory string
	upsertCurrent string
	chunkSize     int
	logger        *zap.Logger
}

// NewRecordStore builds a RecordStore on an existing pool.
func NewRecordStore(db DB, cfg RecordStoreConfig, logger *zap.Logger) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	history, err := checkTable(cfg.HistoryTable, "record_history")
	if err != nil {
		return nil, err
	}
	current, err := checkTable(cfg.CurrentTable, "record_current")
	if err != nil {
		return nil, err
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordStore{
		db:            db,
		insertHistory: fmt.Sprintf(insertRecordSQL, history),
		upsertCurrent: fmt.Sprintf(insertRecordSQL+upsertRecordSuffix, current),
		chunkSize:     chunk,
		logger:        logger,
	}, nil
}

// WriteBatch persists records chunk by chunk. A failing chunk is rolled back
// and reported in the result; later chunks are still attempted.
func (s *RecordStore) WriteBatch(ctx context.Context, records []crawler.Record) (crawler.WriteResult, error) {
	var (
		result crawler.WriteResult
		errs   []error
	)
	// unique holds positions into records.
	unique := make([]int, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for i, rec := range records {
		key := string(rec.Category) + "|" + rec.ID
		if _, dup := seen[key]; dup {
			result.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, i)
	}

	for start := 0; start < len(unique); start += s.chunkSize {
		end := min(start+s.chunkSize, len(unique))
		chunk := unique[start:end]
		if err := s.writeChunk(ctx, records, chunk); err != nil {
			s.logger.Error("record chunk rolled back", zap.Int("records", len(chunk)), zap.Error(err))
			result.Errors += len(chunk)
			result.Failed = append(result.Failed, chunk...)
			errs = append(errs, err)
			continue
		}
		result.Accepted += len(chunk)
	}
	return result, errors.Join(errs...)
}

// writeChunk sends one history insert and one current upsert per record as a
// single pgx.Batch inside a transaction.
func (s *RecordStore) writeChunk(ctx context.Context, records []crawler.Record, chunk []int) (err error) {
	batch := &pgx.Batch{}
	for _, i := range chunk {
		rec := records[i]
		if rec.ID == "" {
			return fmt.Errorf("record id is required for %s", rec.SourceURL)
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", rec.ID, err)
		}
		args := []any{rec.ID, string(rec.Category), rec.SourceURL, rec.ContentHash, payload, rec.ScrapedAt}
		batch.Queue(s.insertHistory, args...)
		batch.Queue(s.upsertCurrent, args...)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("batch exec %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
