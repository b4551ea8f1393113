package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sds-labs/sdsx/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// --- Documents ---

func TestSQLite_CreateAndGetDocument(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc, err := st.CreateDocument(ctx, "acetona.pdf", "/docs/acetona.pdf", "hash-1", 2048, "pdf")
	require.NoError(t, err)
	require.NotEmpty(t, doc.ID)
	assert.Equal(t, model.DocumentStatusPending, doc.Status)

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "acetona.pdf", got.Filename)
	assert.Equal(t, "hash-1", got.ContentHash)
	assert.Equal(t, int64(2048), got.SizeBytes)
	assert.Nil(t, got.ProcessedAt)
}

func TestSQLite_GetDocument_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetDocument(context.Background(), "missing-id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document not found")
}

func TestSQLite_GetDocumentByHash(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc, err := st.CreateDocument(ctx, "a.pdf", "/a.pdf", "samehash", 10, "pdf")
	require.NoError(t, err)

	got, err := st.GetDocumentByHash(ctx, "samehash")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, doc.ID, got.ID)

	missing, err := st.GetDocumentByHash(ctx, "otherhash")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_CreateDocument_DuplicateHash(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CreateDocument(ctx, "a.pdf", "/a.pdf", "dup", 10, "pdf")
	require.NoError(t, err)

	_, err = st.CreateDocument(ctx, "b.pdf", "/b.pdf", "dup", 10, "pdf")
	require.Error(t, err)
}

func TestSQLite_UpdateDocumentStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc, err := st.CreateDocument(ctx, "a.pdf", "/a.pdf", "h1", 10, "pdf")
	require.NoError(t, err)

	err = st.UpdateDocumentStatus(ctx, doc.ID, model.DocumentStatusSuccess, 4.2, "")
	require.NoError(t, err)

	got, err := st.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusSuccess, got.Status)
	assert.InDelta(t, 4.2, got.ProcessingSecs, 1e-9)
	require.NotNil(t, got.ProcessedAt)
}

func TestSQLite_UpdateDocumentStatus_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.UpdateDocumentStatus(context.Background(), "missing", model.DocumentStatusFailed, 0, "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document not found")
}

func TestSQLite_ListDocuments_FilterByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	d1, err := st.CreateDocument(ctx, "a.pdf", "/a.pdf", "h1", 10, "pdf")
	require.NoError(t, err)
	_, err = st.CreateDocument(ctx, "b.pdf", "/b.pdf", "h2", 10, "pdf")
	require.NoError(t, err)

	require.NoError(t, st.UpdateDocumentStatus(ctx, d1.ID, model.DocumentStatusFailed, 1.0, "parse error"))

	failed, err := st.ListDocuments(ctx, DocumentFilter{Status: model.DocumentStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, d1.ID, failed[0].ID)

	all, err := st.ListDocuments(ctx, DocumentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Extractions ---

func TestSQLite_InsertAndLatestExtractions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc, err := st.CreateDocument(ctx, "a.pdf", "/a.pdf", "h1", 10, "pdf")
	require.NoError(t, err)

	first := &model.ExtractionRecord{
		DocumentID: doc.ID, FieldName: model.FieldUNNumber,
		Value: "UN 1090", Confidence: 0.85, ValidationStatus: model.ValidationWarning,
	}
	require.NoError(t, st.InsertExtraction(ctx, first))
	assert.NotZero(t, first.ID)

	second := &model.ExtractionRecord{
		DocumentID: doc.ID, FieldName: model.FieldUNNumber,
		Value: "UN 1090", Confidence: 0.95, ValidationStatus: model.ValidationValid,
		SourceURLs: []string{"https://example.com/sds"},
	}
	require.NoError(t, st.InsertExtraction(ctx, second))

	latest, err := st.LatestExtractions(ctx, doc.ID)
	require.NoError(t, err)
	require.Contains(t, latest, model.FieldUNNumber)
	assert.InDelta(t, 0.95, latest[model.FieldUNNumber].Confidence, 1e-9)
	assert.Equal(t, []string{"https://example.com/sds"}, latest[model.FieldUNNumber].SourceURLs)
}

func TestSQLite_ExtractionHistory_AppendOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc, err := st.CreateDocument(ctx, "a.pdf", "/a.pdf", "h1", 10, "pdf")
	require.NoError(t, err)

	for _, conf := range []float64{0.5, 0.7, 0.9} {
		rec := &model.ExtractionRecord{
			DocumentID: doc.ID, FieldName: model.FieldCASNumber,
			Value: "67-64-1", Confidence: conf, ValidationStatus: model.ValidationValid,
		}
		require.NoError(t, st.InsertExtraction(ctx, rec))
	}

	history, err := st.ExtractionHistory(ctx, doc.ID, model.FieldCASNumber)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.InDelta(t, 0.5, history[0].Confidence, 1e-9)
	assert.InDelta(t, 0.9, history[2].Confidence, 1e-9)
}

func TestSQLite_BulkInsertExtractions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc, err := st.CreateDocument(ctx, "a.pdf", "/a.pdf", "h1", 10, "pdf")
	require.NoError(t, err)

	recs := []model.ExtractionRecord{
		{DocumentID: doc.ID, FieldName: model.FieldUNNumber, Value: "UN 1090", Confidence: 0.95, ValidationStatus: model.ValidationValid},
		{DocumentID: doc.ID, FieldName: model.FieldCASNumber, Value: "67-64-1", Confidence: 0.8, ValidationStatus: model.ValidationWarning},
	}
	n, err := st.BulkInsertExtractions(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	latest, err := st.LatestExtractions(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, latest, 2)
}

func TestSQLite_ClearExtractions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc, err := st.CreateDocument(ctx, "a.pdf", "/a.pdf", "h1", 10, "pdf")
	require.NoError(t, err)

	rec := &model.ExtractionRecord{
		DocumentID: doc.ID, FieldName: model.FieldProductName,
		Value: "Acetona", Confidence: 0.88, ValidationStatus: model.ValidationWarning,
	}
	require.NoError(t, st.InsertExtraction(ctx, rec))

	n, err := st.ClearExtractions(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, err := st.LatestExtractions(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, latest)
}

// --- Field cache ---

func TestSQLite_FieldCache_PutGetAndHit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := FieldCacheEntry{
		Key: "key-1", FieldName: model.FieldUNNumber,
		Value: "UN 1090", Confidence: 0.95, Context: "trecho",
		SourceURLs: []string{"https://example.com"},
		CreatedAt:  now, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, st.PutFieldEntry(ctx, entry))

	got, err := st.GetFieldEntry(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "UN 1090", got.Value)
	assert.Equal(t, 0, got.HitCount)
	assert.False(t, got.Expired(now))

	require.NoError(t, st.IncrementFieldHit(ctx, "key-1"))
	got, err = st.GetFieldEntry(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.HitCount)
}

func TestSQLite_FieldCache_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetFieldEntry(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_FieldCache_PurgeExpired(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := FieldCacheEntry{Key: "live", FieldName: model.FieldCASNumber, Value: "67-64-1", Confidence: 0.8, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	dead := FieldCacheEntry{Key: "dead", FieldName: model.FieldCASNumber, Value: "64-17-5", Confidence: 0.8, CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, st.PutFieldEntry(ctx, live))
	require.NoError(t, st.PutFieldEntry(ctx, dead))

	n, err := st.PurgeExpiredFieldEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetFieldEntry(ctx, "dead")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = st.GetFieldEntry(ctx, "live")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSQLite_FieldCache_Stats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, key := range []string{"k1", "k2"} {
		e := FieldCacheEntry{Key: key, FieldName: model.FieldUNNumber, Value: "UN 1090", Confidence: 0.9, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		require.NoError(t, st.PutFieldEntry(ctx, e))
		if i == 0 {
			require.NoError(t, st.IncrementFieldHit(ctx, key))
		}
	}
	e := FieldCacheEntry{Key: "k3", FieldName: model.FieldCASNumber, Value: "67-64-1", Confidence: 0.8, CreatedAt: now, ExpiresAt: now.Add(-time.Minute)}
	require.NoError(t, st.PutFieldEntry(ctx, e))

	stats, err := st.FieldCacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.TotalHits)
	assert.Equal(t, 2, stats.ByField[model.FieldUNNumber])
	assert.Equal(t, 1, stats.ByField[model.FieldCASNumber])
}

func TestSQLite_FieldCache_Clear(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := FieldCacheEntry{Key: "k1", FieldName: model.FieldUNNumber, Value: "UN 1090", Confidence: 0.9, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, st.PutFieldEntry(ctx, e))

	n, err := st.ClearFieldEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// --- Search and crawl caches ---

func TestSQLite_SearchCache_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	hits := []model.SearchHit{
		{Title: "FISPQ Acetona", URL: "https://example.com/fispq", Snippet: "numero ONU 1090"},
	}
	require.NoError(t, st.SetCachedSearch(ctx, "qh1", hits, time.Hour))

	got, err := st.GetCachedSearch(ctx, "qh1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "FISPQ Acetona", got[0].Title)
}

func TestSQLite_SearchCache_Expired(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	hits := []model.SearchHit{{Title: "old", URL: "https://example.com", Snippet: "stale"}}
	require.NoError(t, st.SetCachedSearch(ctx, "qh2", hits, -time.Hour))

	got, err := st.GetCachedSearch(ctx, "qh2")
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := st.DeleteExpiredSearches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_CrawlCache_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetCachedCrawl(ctx, "uh1", "page body", time.Hour))

	content, err := st.GetCachedCrawl(ctx, "uh1")
	require.NoError(t, err)
	assert.Equal(t, "page body", content)

	content, err = st.GetCachedCrawl(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestSQLite_CrawlCache_Expired(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetCachedCrawl(ctx, "uh2", "stale", -time.Minute))

	content, err := st.GetCachedCrawl(ctx, "uh2")
	require.NoError(t, err)
	assert.Empty(t, content)

	n, err := st.DeleteExpiredCrawls(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
