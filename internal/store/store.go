package store

import (
	"context"
	"time"

	"github.com/sds-labs/sdsx/internal/model"
)

// DocumentFilter specifies criteria for listing documents.
type DocumentFilter struct {
	Status model.DocumentStatus `json:"status,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty"`
}

// FieldCacheEntry is one row of the product/field result cache. Entries are
// keyed by a hash of the product identifiers plus the field name.
type FieldCacheEntry struct {
	Key        string    `json:"key"`
	FieldName  string    `json:"field_name"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Context    string    `json:"context,omitempty"`
	SourceURLs []string  `json:"source_urls,omitempty"`
	HitCount   int       `json:"hit_count"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e FieldCacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CacheStats summarizes the field cache contents.
type CacheStats struct {
	Entries   int            `json:"entries"`
	Expired   int            `json:"expired"`
	TotalHits int            `json:"total_hits"`
	ByField   map[string]int `json:"by_field"`
}

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	// Documents
	CreateDocument(ctx context.Context, filename, path, contentHash string, sizeBytes int64, fileType string) (*model.DocumentRecord, error)
	GetDocument(ctx context.Context, documentID string) (*model.DocumentRecord, error)
	GetDocumentByHash(ctx context.Context, contentHash string) (*model.DocumentRecord, error)
	UpdateDocumentStatus(ctx context.Context, documentID string, status model.DocumentStatus, processingSecs float64, errorMessage string) error
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.DocumentRecord, error)

	// Extractions (append-only field history)
	InsertExtraction(ctx context.Context, rec *model.ExtractionRecord) error
	BulkInsertExtractions(ctx context.Context, recs []model.ExtractionRecord) (int64, error)
	ClearExtractions(ctx context.Context, documentID string) (int, error)
	LatestExtractions(ctx context.Context, documentID string) (map[string]model.ExtractionRecord, error)
	ExtractionHistory(ctx context.Context, documentID, fieldName string) ([]model.ExtractionRecord, error)

	// Field cache
	GetFieldEntry(ctx context.Context, key string) (*FieldCacheEntry, error)
	PutFieldEntry(ctx context.Context, entry FieldCacheEntry) error
	DeleteFieldEntry(ctx context.Context, key string) error
	IncrementFieldHit(ctx context.Context, key string) error
	PurgeExpiredFieldEntries(ctx context.Context) (int, error)
	ClearFieldEntries(ctx context.Context) (int, error)
	FieldCacheStats(ctx context.Context) (*CacheStats, error)

	// Search and crawl caches
	GetCachedSearch(ctx context.Context, queryHash string) ([]model.SearchHit, error)
	SetCachedSearch(ctx context.Context, queryHash string, hits []model.SearchHit, ttl time.Duration) error
	GetCachedCrawl(ctx context.Context, urlHash string) (string, error)
	SetCachedCrawl(ctx context.Context, urlHash, content string, ttl time.Duration) error
	DeleteExpiredSearches(ctx context.Context) (int, error)
	DeleteExpiredCrawls(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
