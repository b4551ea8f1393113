// Package cache provides the persistent product/field result cache that
// short-circuits online retrieval for previously resolved fields.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sds-labs/sdsx/internal/model"
	"github.com/sds-labs/sdsx/internal/store"
)

// DefaultTTL is how long a cached field result stays valid.
const DefaultTTL = 30 * 24 * time.Hour

// ProductKey identifies a product by whichever identifiers are known.
// Empty components are allowed; the key hashes whatever is present.
type ProductKey struct {
	Name string
	CAS  string
	UN   string
}

// Hash derives the cache key for one field of this product. Identifiers are
// lowercased and trimmed so formatting differences map to the same entry.
func (k ProductKey) Hash(fieldName string) string {
	canon := fmt.Sprintf("name:%s|cas:%s|un:%s|field:%s",
		normalizeComponent(k.Name),
		normalizeComponent(k.CAS),
		normalizeComponent(k.UN),
		normalizeComponent(fieldName),
	)
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

func normalizeComponent(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ResultCache wraps the store's field_cache table with TTL and hit counting.
type ResultCache struct {
	store store.Store
	ttl   time.Duration
	log   *zap.Logger
}

// New creates a ResultCache. A non-positive ttl falls back to DefaultTTL.
func New(st store.Store, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResultCache{store: st, ttl: ttl, log: zap.L().Named("cache")}
}

// Get returns the cached candidate for a product field, or nil on a miss.
// Expired entries are deleted on read and reported as misses.
func (c *ResultCache) Get(ctx context.Context, key ProductKey, fieldName string) (*model.Candidate, error) {
	hash := key.Hash(fieldName)

	entry, err := c.store.GetFieldEntry(ctx, hash)
	if err != nil {
		return nil, eris.Wrap(err, "cache: get")
	}
	if entry == nil {
		return nil, nil
	}
	if entry.Expired(time.Now().UTC()) {
		if err := c.store.DeleteFieldEntry(ctx, hash); err != nil {
			c.log.Warn("failed to evict expired entry", zap.String("key", hash), zap.Error(err))
		}
		return nil, nil
	}

	if err := c.store.IncrementFieldHit(ctx, hash); err != nil {
		c.log.Warn("failed to increment hit count", zap.String("key", hash), zap.Error(err))
	}

	c.log.Debug("cache hit",
		zap.String("field", fieldName),
		zap.Float64("confidence", entry.Confidence),
		zap.Int("hits", entry.HitCount+1))

	return &model.Candidate{
		Value:      entry.Value,
		Confidence: entry.Confidence,
		Context:    entry.Context,
		SourceURLs: entry.SourceURLs,
	}, nil
}

// Put stores a candidate for a product field, resetting the TTL window.
func (c *ResultCache) Put(ctx context.Context, key ProductKey, fieldName string, cand model.Candidate) error {
	now := time.Now().UTC()
	entry := store.FieldCacheEntry{
		Key:        key.Hash(fieldName),
		FieldName:  fieldName,
		Value:      cand.Value,
		Confidence: cand.Confidence,
		Context:    cand.Context,
		SourceURLs: cand.SourceURLs,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.ttl),
	}
	return eris.Wrap(c.store.PutFieldEntry(ctx, entry), "cache: put")
}

// Invalidate removes the entry for one product field.
func (c *ResultCache) Invalidate(ctx context.Context, key ProductKey, fieldName string) error {
	return eris.Wrap(c.store.DeleteFieldEntry(ctx, key.Hash(fieldName)), "cache: invalidate")
}

// Purge removes all expired entries and returns how many were deleted.
func (c *ResultCache) Purge(ctx context.Context) (int, error) {
	n, err := c.store.PurgeExpiredFieldEntries(ctx)
	return n, eris.Wrap(err, "cache: purge")
}

// Clear removes every entry and returns how many were deleted.
func (c *ResultCache) Clear(ctx context.Context) (int, error) {
	n, err := c.store.ClearFieldEntries(ctx)
	return n, eris.Wrap(err, "cache: clear")
}

// Stats summarizes the current cache contents.
func (c *ResultCache) Stats(ctx context.Context) (*store.CacheStats, error) {
	stats, err := c.store.FieldCacheStats(ctx)
	return stats, eris.Wrap(err, "cache: stats")
}
