package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sds-labs/sdsx/internal/db"
	"github.com/sds-labs/sdsx/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot cache paths.
var preparedStatements = map[string]string{
	"get_field_entry":     `SELECT key, field_name, value, confidence, context, source_urls, hit_count, created_at, expires_at FROM field_cache WHERE key = $1`,
	"increment_field_hit": `UPDATE field_cache SET hit_count = hit_count + 1 WHERE key = $1`,
	"get_cached_search":   `SELECT results FROM search_cache WHERE query_hash = $1 AND expires_at > now()`,
	"get_cached_crawl":    `SELECT content FROM crawl_cache WHERE url_hash = $1 AND expires_at > now()`,
	"insert_extraction":   `INSERT INTO extractions (document_id, field_name, value, confidence, context, validation_status, validation_message, source_urls, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
	"get_document":        `SELECT id, filename, path, content_hash, size_bytes, file_type, status, processed_at, processing_secs, error_message, created_at FROM documents WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests to inject a mock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	filename        TEXT NOT NULL,
	path            TEXT NOT NULL,
	content_hash    TEXT NOT NULL UNIQUE,
	size_bytes      BIGINT NOT NULL,
	file_type       TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	processed_at    TIMESTAMPTZ,
	processing_secs DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extractions (
	id                 BIGSERIAL PRIMARY KEY,
	document_id        TEXT NOT NULL REFERENCES documents(id),
	field_name         TEXT NOT NULL,
	value              TEXT NOT NULL,
	confidence         DOUBLE PRECISION NOT NULL,
	context            TEXT NOT NULL DEFAULT '',
	validation_status  TEXT NOT NULL DEFAULT 'not_validated',
	validation_message TEXT NOT NULL DEFAULT '',
	source_urls        JSONB NOT NULL DEFAULT '[]',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS field_cache (
	key         TEXT PRIMARY KEY,
	field_name  TEXT NOT NULL,
	value       TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	context     TEXT NOT NULL DEFAULT '',
	source_urls JSONB NOT NULL DEFAULT '[]',
	hit_count   INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS search_cache (
	query_hash TEXT PRIMARY KEY,
	results    JSONB NOT NULL,
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS crawl_cache (
	url_hash   TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(content_hash);
CREATE INDEX IF NOT EXISTS idx_extractions_document_id ON extractions(document_id);
CREATE INDEX IF NOT EXISTS idx_extractions_doc_field ON extractions(document_id, field_name, id DESC);
CREATE INDEX IF NOT EXISTS idx_field_cache_field_name ON field_cache(field_name);
CREATE INDEX IF NOT EXISTS idx_field_cache_expires_at ON field_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_search_cache_expires_at ON search_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_crawl_cache_expires_at ON crawl_cache(expires_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, filename, path, contentHash string, sizeBytes int64, fileType string) (*model.DocumentRecord, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, filename, path, content_hash, size_bytes, file_type, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, filename, path, contentHash, sizeBytes, fileType, string(model.DocumentStatusPending), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert document")
	}

	return &model.DocumentRecord{
		ID:          id,
		Filename:    filename,
		Path:        path,
		ContentHash: contentHash,
		SizeBytes:   sizeBytes,
		FileType:    fileType,
		Status:      model.DocumentStatusPending,
		CreatedAt:   now,
	}, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (*model.DocumentRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, filename, path, content_hash, size_bytes, file_type, status, processed_at, processing_secs, error_message, created_at
		 FROM documents WHERE id = $1`,
		documentID,
	)
	doc, err := scanPgDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("document not found: %s", documentID)
		}
		return nil, eris.Wrapf(err, "postgres: get document %s", documentID)
	}
	return doc, nil
}

func (s *PostgresStore) GetDocumentByHash(ctx context.Context, contentHash string) (*model.DocumentRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, filename, path, content_hash, size_bytes, file_type, status, processed_at, processing_secs, error_message, created_at
		 FROM documents WHERE content_hash = $1`,
		contentHash,
	)
	doc, err := scanPgDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get document by hash")
	}
	return doc, nil
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, documentID string, status model.DocumentStatus, processingSecs float64, errorMessage string) error {
	var processedAt *time.Time
	if status == model.DocumentStatusSuccess || status == model.DocumentStatusFailed {
		now := time.Now().UTC()
		processedAt = &now
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = $1, processed_at = $2, processing_secs = $3, error_message = $4 WHERE id = $5`,
		string(status), processedAt, processingSecs, errorMessage, documentID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update document status %s", documentID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("document not found: %s", documentID)
	}
	return nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.DocumentRecord, error) {
	query := `SELECT id, filename, path, content_hash, size_bytes, file_type, status, processed_at, processing_secs, error_message, created_at
	          FROM documents WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var docs []model.DocumentRecord
	for rows.Next() {
		d, err := scanPgDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) InsertExtraction(ctx context.Context, rec *model.ExtractionRecord) error {
	urlsJSON, err := json.Marshal(rec.SourceURLs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal source urls")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO extractions (document_id, field_name, value, confidence, context, validation_status, validation_message, source_urls, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		rec.DocumentID, rec.FieldName, rec.Value, rec.Confidence, rec.Context,
		string(rec.ValidationStatus), rec.ValidationMessage, urlsJSON, rec.CreatedAt,
	).Scan(&rec.ID)
	return eris.Wrapf(err, "postgres: insert extraction %s/%s", rec.DocumentID, rec.FieldName)
}

func (s *PostgresStore) BulkInsertExtractions(ctx context.Context, recs []model.ExtractionRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	columns := []string{"document_id", "field_name", "value", "confidence", "context", "validation_status", "validation_message", "source_urls", "created_at"}
	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		urlsJSON, err := json.Marshal(rec.SourceURLs)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal source urls")
		}
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		rows = append(rows, []any{
			rec.DocumentID, rec.FieldName, rec.Value, rec.Confidence, rec.Context,
			string(rec.ValidationStatus), rec.ValidationMessage, urlsJSON, createdAt,
		})
	}
	return db.CopyFrom(ctx, s.pool, "extractions", columns, rows)
}

func (s *PostgresStore) ClearExtractions(ctx context.Context, documentID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM extractions WHERE document_id = $1`,
		documentID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: clear extractions %s", documentID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) LatestExtractions(ctx context.Context, documentID string) (map[string]model.ExtractionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (field_name)
		        id, document_id, field_name, value, confidence, context, validation_status, validation_message, source_urls, created_at
		 FROM extractions WHERE document_id = $1
		 ORDER BY field_name, id DESC`,
		documentID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest extractions %s", documentID)
	}
	defer rows.Close()

	latest := make(map[string]model.ExtractionRecord)
	for rows.Next() {
		e, err := scanPgExtraction(rows)
		if err != nil {
			return nil, err
		}
		latest[e.FieldName] = *e
	}
	return latest, eris.Wrap(rows.Err(), "postgres: latest extractions iterate")
}

func (s *PostgresStore) ExtractionHistory(ctx context.Context, documentID, fieldName string) ([]model.ExtractionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, field_name, value, confidence, context, validation_status, validation_message, source_urls, created_at
		 FROM extractions WHERE document_id = $1 AND field_name = $2 ORDER BY id ASC`,
		documentID, fieldName,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: extraction history %s/%s", documentID, fieldName)
	}
	defer rows.Close()

	var recs []model.ExtractionRecord
	for rows.Next() {
		e, err := scanPgExtraction(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *e)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: extraction history iterate")
}

func (s *PostgresStore) GetFieldEntry(ctx context.Context, key string) (*FieldCacheEntry, error) {
	var e FieldCacheEntry
	var urlsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT key, field_name, value, confidence, context, source_urls, hit_count, created_at, expires_at
		 FROM field_cache WHERE key = $1`,
		key,
	).Scan(&e.Key, &e.FieldName, &e.Value, &e.Confidence, &e.Context, &urlsJSON, &e.HitCount, &e.CreatedAt, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get field entry")
	}
	if err := json.Unmarshal(urlsJSON, &e.SourceURLs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal source urls")
	}
	return &e, nil
}

func (s *PostgresStore) PutFieldEntry(ctx context.Context, entry FieldCacheEntry) error {
	urlsJSON, err := json.Marshal(entry.SourceURLs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal source urls")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO field_cache (key, field_name, value, confidence, context, source_urls, hit_count, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (key) DO UPDATE SET
		   field_name = $2, value = $3, confidence = $4, context = $5,
		   source_urls = $6, created_at = $8, expires_at = $9`,
		entry.Key, entry.FieldName, entry.Value, entry.Confidence, entry.Context,
		urlsJSON, entry.HitCount, entry.CreatedAt, entry.ExpiresAt,
	)
	return eris.Wrap(err, "postgres: put field entry")
}

func (s *PostgresStore) DeleteFieldEntry(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM field_cache WHERE key = $1`, key)
	return eris.Wrap(err, "postgres: delete field entry")
}

func (s *PostgresStore) IncrementFieldHit(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE field_cache SET hit_count = hit_count + 1 WHERE key = $1`,
		key,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: increment field hit")
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("field_cache entry not found: %s", key)
	}
	return nil
}

func (s *PostgresStore) PurgeExpiredFieldEntries(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM field_cache WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge expired field entries")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ClearFieldEntries(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM field_cache`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: clear field entries")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) FieldCacheStats(ctx context.Context) (*CacheStats, error) {
	stats := &CacheStats{ByField: make(map[string]int)}

	rows, err := s.pool.Query(ctx,
		`SELECT field_name, COUNT(*), COALESCE(SUM(hit_count), 0), COUNT(*) FILTER (WHERE expires_at <= now())
		 FROM field_cache GROUP BY field_name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: field cache stats")
	}
	defer rows.Close()

	for rows.Next() {
		var field string
		var count, hits, expired int
		if err := rows.Scan(&field, &count, &hits, &expired); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache stats")
		}
		stats.ByField[field] = count
		stats.Entries += count
		stats.TotalHits += hits
		stats.Expired += expired
	}
	return stats, eris.Wrap(rows.Err(), "postgres: field cache stats iterate")
}

func (s *PostgresStore) GetCachedSearch(ctx context.Context, queryHash string) ([]model.SearchHit, error) {
	var resultsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT results FROM search_cache WHERE query_hash = $1 AND expires_at > now()`,
		queryHash,
	).Scan(&resultsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cached search")
	}

	var hits []model.SearchHit
	if err := json.Unmarshal(resultsJSON, &hits); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal cached search")
	}
	return hits, nil
}

func (s *PostgresStore) SetCachedSearch(ctx context.Context, queryHash string, hits []model.SearchHit, ttl time.Duration) error {
	resultsJSON, err := json.Marshal(hits)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal search hits")
	}
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO search_cache (query_hash, results, cached_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (query_hash) DO UPDATE SET results = $2, cached_at = $3, expires_at = $4`,
		queryHash, resultsJSON, now, now.Add(ttl),
	)
	return eris.Wrap(err, "postgres: set cached search")
}

func (s *PostgresStore) GetCachedCrawl(ctx context.Context, urlHash string) (string, error) {
	var content string
	err := s.pool.QueryRow(ctx,
		`SELECT content FROM crawl_cache WHERE url_hash = $1 AND expires_at > now()`,
		urlHash,
	).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", eris.Wrap(err, "postgres: get cached crawl")
	}
	return content, nil
}

func (s *PostgresStore) SetCachedCrawl(ctx context.Context, urlHash, content string, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO crawl_cache (url_hash, content, cached_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (url_hash) DO UPDATE SET content = $2, cached_at = $3, expires_at = $4`,
		urlHash, content, now, now.Add(ttl),
	)
	return eris.Wrap(err, "postgres: set cached crawl")
}

func (s *PostgresStore) DeleteExpiredSearches(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM search_cache WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired searches")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DeleteExpiredCrawls(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM crawl_cache WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired crawls")
	}
	return int(tag.RowsAffected()), nil
}

// helpers

type pgScannable interface {
	Scan(dest ...any) error
}

func scanPgDocument(row pgScannable) (*model.DocumentRecord, error) {
	var d model.DocumentRecord
	var processedAt *time.Time

	err := row.Scan(&d.ID, &d.Filename, &d.Path, &d.ContentHash, &d.SizeBytes, &d.FileType,
		&d.Status, &processedAt, &d.ProcessingSecs, &d.ErrorMessage, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.ProcessedAt = processedAt
	return &d, nil
}

func scanPgExtraction(row pgScannable) (*model.ExtractionRecord, error) {
	var e model.ExtractionRecord
	var urlsJSON []byte

	err := row.Scan(&e.ID, &e.DocumentID, &e.FieldName, &e.Value, &e.Confidence, &e.Context,
		&e.ValidationStatus, &e.ValidationMessage, &urlsJSON, &e.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan extraction")
	}
	if err := json.Unmarshal(urlsJSON, &e.SourceURLs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal source urls")
	}
	return &e, nil
}
