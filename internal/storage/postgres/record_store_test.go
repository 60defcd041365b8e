package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

func testRecord(id string, cat crawler.Category) crawler.Record {
	return crawler.Record{
		ID:          id,
		Category:    cat,
		SourceURL:   "https://example.com/" + id,
		Name:        "Name " + id,
		ContentHash: "hash-" + id,
		ScrapedAt:   time.Unix(1700000000, 0).UTC(),
	}
}

func recordArgs(rec crawler.Record) []any {
	return []any{rec.ID, string(rec.Category), rec.SourceURL, rec.ContentHash, pgxmock.AnyArg(), rec.ScrapedAt}
}

func expectRecords(mock pgxmock.PgxPoolIface, recs ...crawler.Record) {
	batch := mock.ExpectBatch()
	for _, rec := range recs {
		batch.ExpectExec("INSERT INTO record_history").WithArgs(recordArgs(rec)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		batch.ExpectExec("INSERT INTO record_current").WithArgs(recordArgs(rec)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
}

func TestWriteBatchChunksTransactions(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock, RecordStoreConfig{ChunkSize: 2}, nil)
	require.NoError(t, err)

	a := testRecord("a", crawler.CategoryTemplate)
	b := testRecord("b", crawler.CategoryTemplate)
	c := testRecord("c", crawler.CategoryPlugin)

	mock.ExpectBegin()
	expectRecords(mock, a, b)
	mock.ExpectCommit()
	mock.ExpectBegin()
	expectRecords(mock, c)
	mock.ExpectCommit()

	res, err := store.WriteBatch(context.Background(), []crawler.Record{a, b, a, c})
	require.NoError(t, err)
	require.Equal(t, 3, res.Accepted)
	require.Equal(t, 1, res.Duplicates)
	require.Zero(t, res.Errors)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchRollsBackFailedChunk(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock, RecordStoreConfig{ChunkSize: 1}, nil)
	require.NoError(t, err)

	a := testRecord("a", crawler.CategoryTemplate)
	b := testRecord("b", crawler.CategoryTemplate)

	mock.ExpectBegin()
	failing := mock.ExpectBatch()
	failing.ExpectExec("INSERT INTO record_history").WithArgs(recordArgs(a)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	failing.ExpectExec("INSERT INTO record_current").WithArgs(recordArgs(a)...).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()
	mock.ExpectBegin()
	expectRecords(mock, b)
	mock.ExpectCommit()

	res, err := store.WriteBatch(context.Background(), []crawler.Record{a, b})
	require.ErrorContains(t, err, "boom")
	require.Equal(t, 1, res.Accepted)
	require.Equal(t, 1, res.Errors)
	require.Equal(t, []int{0}, res.Failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBatchFailedPositionsSkipDuplicates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock, RecordStoreConfig{ChunkSize: 1}, nil)
	require.NoError(t, err)

	a := testRecord("a", crawler.CategoryTemplate)
	b := testRecord("b", crawler.CategoryTemplate)

	mock.ExpectBegin()
	expectRecords(mock, a)
	mock.ExpectCommit()
	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	res, err := store.WriteBatch(context.Background(), []crawler.Record{a, a, b})
	require.Error(t, err)
	require.Equal(t, 1, res.Duplicates)
	require.Equal(t, []int{2}, res.Failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRecordStoreValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRecordStore(mock, RecordStoreConfig{HistoryTable: "bad;drop"}, nil)
	require.Error(t, err)
	_, err = NewRecordStore(nil, RecordStoreConfig{}, nil)
	require.Error(t, err)
}

func TestRunStoreRecordRun(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStore(mock, "")
	require.NoError(t, err)

	m := crawler.RunMetrics{
		RunID:        "run-1",
		Status:       crawler.RunCompleted,
		StartedAt:    time.Unix(1700000000, 0).UTC(),
		Timestamp:    time.Unix(1700000600, 0).UTC(),
		DurationMs:   600000,
		RequestCount: 10,
		SuccessRate:  0.9,
	}
	mock.ExpectExec("INSERT INTO crawl_runs").
		WithArgs("run-1", "completed", m.StartedAt, m.Timestamp, int64(600000), 10, 0, 0, 0.9, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordRun(context.Background(), m))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS record_history").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
