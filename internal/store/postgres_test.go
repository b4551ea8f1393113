package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sds-labs/sdsx/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetDocument_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, filename, path, content_hash`).
		WithArgs("missing-doc").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetDocument(context.Background(), "missing-doc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDocumentByHash_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, filename, path, content_hash`).
		WithArgs("unknown-hash").
		WillReturnError(pgx.ErrNoRows)

	doc, err := s.GetDocumentByHash(context.Background(), "unknown-hash")
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDocumentByHash_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"id", "filename", "path", "content_hash", "size_bytes", "file_type",
		"status", "processed_at", "processing_secs", "error_message", "created_at",
	}).AddRow("doc-1", "acetona.pdf", "/docs/acetona.pdf", "h1", int64(2048), "pdf",
		model.DocumentStatusPending, (*time.Time)(nil), 0.0, "", now)

	mock.ExpectQuery(`SELECT id, filename, path, content_hash`).
		WithArgs("h1").
		WillReturnRows(rows)

	doc, err := s.GetDocumentByHash(context.Background(), "h1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "doc-1", doc.ID)
	assert.Equal(t, model.DocumentStatusPending, doc.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateDocumentStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE documents SET status`).
		WithArgs("failed", pgxmock.AnyArg(), 1.5, "boom", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateDocumentStatus(context.Background(), "missing", model.DocumentStatusFailed, 1.5, "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertExtraction(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO extractions`).
		WithArgs("doc-1", model.FieldUNNumber, "UN 1090", 0.95, "trecho",
			"valid", "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	rec := &model.ExtractionRecord{
		DocumentID: "doc-1", FieldName: model.FieldUNNumber,
		Value: "UN 1090", Confidence: 0.95, Context: "trecho",
		ValidationStatus: model.ValidationValid,
	}
	err := s.InsertExtraction(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BulkInsertExtractions_CopyFrom(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"extractions"},
		[]string{"document_id", "field_name", "value", "confidence", "context", "validation_status", "validation_message", "source_urls", "created_at"}).
		WillReturnResult(2)

	recs := []model.ExtractionRecord{
		{DocumentID: "doc-1", FieldName: model.FieldUNNumber, Value: "UN 1090", Confidence: 0.95, ValidationStatus: model.ValidationValid},
		{DocumentID: "doc-1", FieldName: model.FieldCASNumber, Value: "67-64-1", Confidence: 0.8, ValidationStatus: model.ValidationWarning},
	}
	n, err := s.BulkInsertExtractions(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetFieldEntry_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key, field_name, value`).
		WithArgs("missing-key").
		WillReturnError(pgx.ErrNoRows)

	entry, err := s.GetFieldEntry(context.Background(), "missing-key")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutFieldEntry_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO field_cache .+ ON CONFLICT`).
		WithArgs("k1", model.FieldCASNumber, "67-64-1", 0.8, "",
			pgxmock.AnyArg(), 0, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	entry := FieldCacheEntry{
		Key: "k1", FieldName: model.FieldCASNumber, Value: "67-64-1",
		Confidence: 0.8, CreatedAt: now, ExpiresAt: now.Add(30 * 24 * time.Hour),
	}
	err := s.PutFieldEntry(context.Background(), entry)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementFieldHit_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE field_cache SET hit_count`).
		WithArgs("nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.IncrementFieldHit(context.Background(), "nope")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCachedSearch_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT results FROM search_cache`).
		WithArgs("qh-missing").
		WillReturnError(pgx.ErrNoRows)

	hits, err := s.GetCachedSearch(context.Background(), "qh-missing")
	require.NoError(t, err)
	assert.Nil(t, hits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetCachedSearch_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO search_cache .+ ON CONFLICT`).
		WithArgs("qh1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	hits := []model.SearchHit{{Title: "FISPQ", URL: "https://example.com", Snippet: "ONU 1090"}}
	err := s.SetCachedSearch(context.Background(), "qh1", hits, time.Hour)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCachedCrawl_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT content FROM crawl_cache`).
		WithArgs("uh-missing").
		WillReturnError(pgx.ErrNoRows)

	content, err := s.GetCachedCrawl(context.Background(), "uh-missing")
	require.NoError(t, err)
	assert.Empty(t, content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExpired(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM search_cache WHERE expires_at`).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM crawl_cache WHERE expires_at`).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := s.DeleteExpiredSearches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.DeleteExpiredCrawls(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
