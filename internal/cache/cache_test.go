package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sds-labs/sdsx/internal/model"
	"github.com/sds-labs/sdsx/internal/store"
)

func newTestCache(t *testing.T, ttl time.Duration) (*ResultCache, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, ttl), st
}

func TestProductKey_Hash_Normalization(t *testing.T) {
	a := ProductKey{Name: "  Acetona ", CAS: "67-64-1", UN: "1090"}
	b := ProductKey{Name: "acetona", CAS: "67-64-1", UN: "1090"}

	assert.Equal(t, a.Hash(model.FieldUNNumber), b.Hash(model.FieldUNNumber))
	assert.NotEqual(t, a.Hash(model.FieldUNNumber), a.Hash(model.FieldCASNumber))
}

func TestProductKey_Hash_PartialIdentifiers(t *testing.T) {
	onlyName := ProductKey{Name: "Etanol"}
	onlyCAS := ProductKey{CAS: "64-17-5"}

	assert.NotEqual(t, onlyName.Hash(model.FieldUNNumber), onlyCAS.Hash(model.FieldUNNumber))
	assert.NotEmpty(t, ProductKey{}.Hash(model.FieldUNNumber))
}

func TestResultCache_PutGet(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)
	ctx := context.Background()
	key := ProductKey{Name: "Acetona", CAS: "67-64-1"}

	cand := model.Candidate{
		Value: "UN 1090", Confidence: 0.9, Context: "trecho da FISPQ",
		SourceURLs: []string{"https://example.com/fispq"},
	}
	require.NoError(t, c.Put(ctx, key, model.FieldUNNumber, cand))

	got, err := c.Get(ctx, key, model.FieldUNNumber)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "UN 1090", got.Value)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	assert.Equal(t, []string{"https://example.com/fispq"}, got.SourceURLs)
}

func TestResultCache_Miss(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)

	got, err := c.Get(context.Background(), ProductKey{Name: "desconhecido"}, model.FieldCASNumber)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResultCache_ExpiredEntryEvictedOnRead(t *testing.T) {
	c, st := newTestCache(t, time.Hour)
	ctx := context.Background()
	key := ProductKey{Name: "Etanol"}
	hash := key.Hash(model.FieldCASNumber)

	// Insert an already-expired entry directly.
	now := time.Now().UTC()
	require.NoError(t, st.PutFieldEntry(ctx, store.FieldCacheEntry{
		Key: hash, FieldName: model.FieldCASNumber, Value: "64-17-5",
		Confidence: 0.8, CreatedAt: now.Add(-31 * 24 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	got, err := c.Get(ctx, key, model.FieldCASNumber)
	require.NoError(t, err)
	assert.Nil(t, got)

	// The lazy eviction must have deleted the row.
	entry, err := st.GetFieldEntry(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestResultCache_HitCountIncrements(t *testing.T) {
	c, st := newTestCache(t, time.Hour)
	ctx := context.Background()
	key := ProductKey{Name: "Acetona"}

	require.NoError(t, c.Put(ctx, key, model.FieldHazardClass, model.Candidate{Value: "3", Confidence: 0.78}))

	for i := 0; i < 3; i++ {
		_, err := c.Get(ctx, key, model.FieldHazardClass)
		require.NoError(t, err)
	}

	entry, err := st.GetFieldEntry(ctx, key.Hash(model.FieldHazardClass))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry.HitCount)
}

func TestResultCache_PurgeAndClear(t *testing.T) {
	c, st := newTestCache(t, time.Hour)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, c.Put(ctx, ProductKey{Name: "a"}, model.FieldUNNumber, model.Candidate{Value: "UN 1090", Confidence: 0.9}))
	require.NoError(t, st.PutFieldEntry(ctx, store.FieldCacheEntry{
		Key: "stale-key", FieldName: model.FieldUNNumber, Value: "UN 1170",
		Confidence: 0.9, CreatedAt: now.Add(-40 * 24 * time.Hour), ExpiresAt: now.Add(-time.Minute),
	}))

	purged, err := c.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	cleared, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
}

func TestResultCache_DefaultTTL(t *testing.T) {
	c, st := newTestCache(t, 0)
	ctx := context.Background()
	key := ProductKey{Name: "Tolueno"}

	require.NoError(t, c.Put(ctx, key, model.FieldUNNumber, model.Candidate{Value: "UN 1294", Confidence: 0.85}))

	entry, err := st.GetFieldEntry(ctx, key.Hash(model.FieldUNNumber))
	require.NoError(t, err)
	require.NotNil(t, entry)
	// The default window is 30 days.
	assert.WithinDuration(t, entry.CreatedAt.Add(DefaultTTL), entry.ExpiresAt, time.Second)
}
