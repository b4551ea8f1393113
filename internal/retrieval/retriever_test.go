package retrieval

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sds-labs/sdsx/internal/cache"
	"github.com/sds-labs/sdsx/internal/model"
	"github.com/sds-labs/sdsx/internal/store"
)

type fakeSearcher struct {
	hits        []model.SearchHit
	page        string
	searchCalls int
	crawlCalls  int
}

func (f *fakeSearcher) Search(_ context.Context, _ string) ([]model.SearchHit, error) {
	f.searchCalls++
	return f.hits, nil
}

func (f *fakeSearcher) Crawl(_ context.Context, _ string) (string, error) {
	f.crawlCalls++
	return f.page, nil
}

func newRetrievalFixture(t *testing.T, cfg Config, searcher Searcher) (*Retriever, store.Store, *cache.ResultCache, string) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "retrieval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	doc, err := st.CreateDocument(ctx, "a.pdf", "/a.pdf", "hash-r", 10, "pdf")
	require.NoError(t, err)

	rc := cache.New(st, time.Hour)
	return New(st, searcher, rc, cfg), st, rc, doc.ID
}

func fastRetrievalConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	return cfg
}

func TestBuildQueries_WithIdentifiers(t *testing.T) {
	queries := BuildQueries(model.FieldUNNumber, "Acetona", "67-64-1", "")

	require.NotEmpty(t, queries)
	assert.LessOrEqual(t, len(queries), 6)
	assert.Contains(t, queries[0], "Acetona")
	assert.Contains(t, queries[0], "CAS 67-64-1")
	assert.Contains(t, queries[0], "safety data sheet")

	// Variants must be unique.
	seen := map[string]bool{}
	for _, q := range queries {
		assert.False(t, seen[q], "duplicate query %q", q)
		seen[q] = true
	}
}

func TestBuildQueries_NoIdentifiers(t *testing.T) {
	queries := BuildQueries(model.FieldPackingGroup, "", "", "")

	require.NotEmpty(t, queries)
	for _, q := range queries {
		assert.Contains(t, q, "safety data sheet")
	}
}

func TestBuildQueries_UnknownFieldFallsBack(t *testing.T) {
	queries := BuildQueries("campo_desconhecido", "Produto", "", "")
	require.NotEmpty(t, queries)
	assert.Contains(t, queries[0], "campo_desconhecido")
}

func TestRetrieveMissing_CacheShortCircuit(t *testing.T) {
	searcher := &fakeSearcher{}
	r, st, rc, docID := newRetrievalFixture(t, fastRetrievalConfig(), searcher)
	ctx := context.Background()

	key := cache.ProductKey{Name: "Acetona", CAS: "67-64-1"}
	require.NoError(t, rc.Put(ctx, key, model.FieldUNNumber, model.Candidate{
		Value: "UN 1090", Confidence: 0.9, SourceURLs: []string{"https://example.com/fispq"},
	}))

	results := r.RetrieveMissing(ctx, docID, []string{model.FieldUNNumber},
		map[string]string{model.FieldProductName: "Acetona", model.FieldCASNumber: "67-64-1"})

	require.Contains(t, results, model.FieldUNNumber)
	res := results[model.FieldUNNumber]
	assert.True(t, res.FromCache)
	assert.Equal(t, "UN 1090", res.Value)
	assert.Equal(t, 0, searcher.searchCalls, "cache hit must not search")

	// The cached value is persisted as a new extraction row.
	latest, err := st.LatestExtractions(ctx, docID)
	require.NoError(t, err)
	require.Contains(t, latest, model.FieldUNNumber)
	assert.True(t, strings.HasPrefix(latest[model.FieldUNNumber].Context, "cached:"))
}

func TestRetrieveMissing_SearchPersistsAndCaches(t *testing.T) {
	snippet := strings.Repeat("Numero ONU 1090 acetona transporte rodoviario. ", 16) // ~750 chars
	searcher := &fakeSearcher{hits: []model.SearchHit{
		{Title: "FISPQ", URL: "https://example.com/fispq", Snippet: snippet},
	}}
	r, st, rc, docID := newRetrievalFixture(t, fastRetrievalConfig(), searcher)
	ctx := context.Background()

	results := r.RetrieveMissing(ctx, docID, []string{model.FieldUNNumber},
		map[string]string{model.FieldProductName: "Acetona"})

	res := results[model.FieldUNNumber]
	assert.False(t, res.FromCache)
	assert.NotEqual(t, model.ValueNotFound, res.Value)
	assert.GreaterOrEqual(t, res.Confidence, 0.6)
	assert.LessOrEqual(t, res.Confidence, 0.95)
	assert.Equal(t, "https://example.com/fispq", res.Source)

	latest, err := st.LatestExtractions(ctx, docID)
	require.NoError(t, err)
	require.Contains(t, latest, model.FieldUNNumber)
	assert.True(t, strings.HasPrefix(latest[model.FieldUNNumber].Context, "retrieval:"))

	// The result is cached for the next document with the same product.
	cached, err := rc.Get(ctx, cache.ProductKey{Name: "Acetona"}, model.FieldUNNumber)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.InDelta(t, res.Confidence, cached.Confidence, 1e-9)
}

func TestRetrieveMissing_NothingFound(t *testing.T) {
	searcher := &fakeSearcher{} // no hits
	r, st, _, docID := newRetrievalFixture(t, fastRetrievalConfig(), searcher)
	ctx := context.Background()

	results := r.RetrieveMissing(ctx, docID, []string{model.FieldManufacturer},
		map[string]string{model.FieldProductName: "Produto Raro"})

	res := results[model.FieldManufacturer]
	assert.Equal(t, model.ValueNotFound, res.Value)
	assert.Zero(t, res.Confidence)

	// Below threshold: nothing persisted.
	latest, err := st.LatestExtractions(ctx, docID)
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestRetrieveMissing_ZeroConfigKeepsPersistFloor(t *testing.T) {
	// A Config literal that never sets LowThreshold must still get the
	// 0.6 floor, or every failed lookup would supersede a better stored
	// value and poison the cache with a zero-confidence entry.
	searcher := &fakeSearcher{} // no hits
	r, st, rc, docID := newRetrievalFixture(t, Config{
		MaxAttempts:  1,
		BackoffBase:  time.Millisecond,
		HitsPerQuery: 2,
	}, searcher)
	ctx := context.Background()

	require.NoError(t, st.InsertExtraction(ctx, &model.ExtractionRecord{
		DocumentID: docID,
		FieldName:  model.FieldManufacturer,
		Value:      "Quimica Brasil Ltda",
		Confidence: 0.65,
	}))

	known := map[string]string{model.FieldProductName: "Produto Raro"}
	r.RetrieveMissing(ctx, docID, []string{model.FieldManufacturer}, known)

	latest, err := st.LatestExtractions(ctx, docID)
	require.NoError(t, err)
	require.Contains(t, latest, model.FieldManufacturer)
	assert.Equal(t, "Quimica Brasil Ltda", latest[model.FieldManufacturer].Value)
	assert.Equal(t, 0.65, latest[model.FieldManufacturer].Confidence)

	cached, err := rc.Get(ctx, cache.ProductKey{Name: "Produto Raro"}, model.FieldManufacturer)
	require.NoError(t, err)
	assert.Nil(t, cached, "failed lookups must not be cached")

	// A second pass searches again instead of short-circuiting on a
	// cached not-found.
	first := searcher.searchCalls
	r.RetrieveMissing(ctx, docID, []string{model.FieldManufacturer}, known)
	assert.Greater(t, searcher.searchCalls, first)
}

func TestRetrieveField_EarlyExitOnStrongSnippet(t *testing.T) {
	// A snippet scoring above the early-exit bound stops further queries.
	snippet := strings.Repeat("grupo de embalagem II acetona ", 35) // >900 chars
	searcher := &fakeSearcher{hits: []model.SearchHit{
		{URL: "https://example.com", Snippet: snippet},
	}}
	r, _, _, docID := newRetrievalFixture(t, fastRetrievalConfig(), searcher)

	r.RetrieveMissing(context.Background(), docID, []string{model.FieldPackingGroup},
		map[string]string{model.FieldProductName: "Acetona", model.FieldCASNumber: "67-64-1"})

	assert.Equal(t, 1, searcher.searchCalls)
}

func TestRetrieveField_CrawlWhenSnippetsThin(t *testing.T) {
	page := strings.Repeat("x", 1200) + " packing group III conforme regulamento " + strings.Repeat("y", 1200)
	searcher := &fakeSearcher{
		hits: []model.SearchHit{{URL: "https://example.com/page", Snippet: "curto"}},
		page: page,
	}
	cfg := fastRetrievalConfig()
	cfg.CrawlEnabled = true
	r, _, _, docID := newRetrievalFixture(t, cfg, searcher)

	results := r.RetrieveMissing(context.Background(), docID, []string{model.FieldPackingGroup},
		map[string]string{model.FieldProductName: "Acetona"})

	res := results[model.FieldPackingGroup]
	assert.Positive(t, searcher.crawlCalls)
	assert.Contains(t, res.Value, "packing group III")
	assert.Equal(t, "https://example.com/page", res.Source)
	// Focused window is bounded by the configured radius on each side.
	assert.LessOrEqual(t, len(res.Value), 2*cfg.CrawlWindow)
}

func TestRetrieveField_CrawlDisabledByDefault(t *testing.T) {
	searcher := &fakeSearcher{
		hits: []model.SearchHit{{URL: "https://example.com", Snippet: "curto"}},
		page: "packing group II",
	}
	r, _, _, docID := newRetrievalFixture(t, fastRetrievalConfig(), searcher)

	r.RetrieveMissing(context.Background(), docID, []string{model.FieldPackingGroup},
		map[string]string{model.FieldProductName: "Acetona"})

	assert.Zero(t, searcher.crawlCalls)
}
