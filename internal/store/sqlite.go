package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sds-labs/sdsx/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. A coarse mutex
// serializes statements so pipeline workers can share one handle.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id              TEXT PRIMARY KEY,
	filename        TEXT NOT NULL,
	path            TEXT NOT NULL,
	content_hash    TEXT NOT NULL UNIQUE,
	size_bytes      INTEGER NOT NULL,
	file_type       TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	processed_at    DATETIME,
	processing_secs REAL NOT NULL DEFAULT 0,
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS extractions (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id        TEXT NOT NULL REFERENCES documents(id),
	field_name         TEXT NOT NULL,
	value              TEXT NOT NULL,
	confidence         REAL NOT NULL,
	context            TEXT NOT NULL DEFAULT '',
	validation_status  TEXT NOT NULL DEFAULT 'not_validated',
	validation_message TEXT NOT NULL DEFAULT '',
	source_urls        TEXT NOT NULL DEFAULT '[]',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS field_cache (
	key         TEXT PRIMARY KEY,
	field_name  TEXT NOT NULL,
	value       TEXT NOT NULL,
	confidence  REAL NOT NULL,
	context     TEXT NOT NULL DEFAULT '',
	source_urls TEXT NOT NULL DEFAULT '[]',
	hit_count   INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS search_cache (
	query_hash TEXT PRIMARY KEY,
	results    TEXT NOT NULL,
	cached_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS crawl_cache (
	url_hash   TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	cached_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateDocument(ctx context.Context, filename, path, contentHash string, sizeBytes int64, fileType string) (*model.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, filename, path, content_hash, size_bytes, file_type, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, filename, path, contentHash, sizeBytes, fileType, string(model.DocumentStatusPending), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert document")
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

func (s *SQLiteStore) GetDocument(ctx context.Context, documentID string) (*model.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, filename, path, content_hash, size_bytes, file_type, status, processed_at, processing_secs, error_message, created_at
		 FROM documents WHERE id = ?`,
		documentID,
	)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("document not found: %s", documentID)
	}
	return doc, err
}

func (s *SQLiteStore) GetDocumentByHash(ctx context.Context, contentHash string) (*model.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, filename, path, content_hash, size_bytes, file_type, status, processed_at, processing_secs, error_message, created_at
		 FROM documents WHERE content_hash = ?`,
		contentHash,
	)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return doc, err
}

func (s *SQLiteStore) UpdateDocumentStatus(ctx context.Context, documentID string, status model.DocumentStatus, processingSecs float64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var processedAt any
	if status == model.DocumentStatusSuccess || status == model.DocumentStatusFailed {
		processedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, processed_at = ?, processing_secs = ?, error_message = ? WHERE id = ?`,
		string(status), processedAt, processingSecs, errorMessage, documentID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update document status %s", documentID)
	}
	return checkRowsAffected(res, "document", documentID)
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]model.DocumentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, filename, path, content_hash, size_bytes, file_type, status, processed_at, processing_secs, error_message, created_at
	          FROM documents WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	var docs []model.DocumentRecord
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) InsertExtraction(ctx context.Context, rec *model.ExtractionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	urlsJSON, err := json.Marshal(rec.SourceURLs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal source urls")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO extractions (document_id, field_name, value, confidence, context, validation_status, validation_message, source_urls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DocumentID, rec.FieldName, rec.Value, rec.Confidence, rec.Context,
		string(rec.ValidationStatus), rec.ValidationMessage, string(urlsJSON), rec.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert extraction %s/%s", rec.DocumentID, rec.FieldName)
	}
	rec.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: last insert id")
}

func (s *SQLiteStore) BulkInsertExtractions(ctx context.Context, recs []model.ExtractionRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin bulk insert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO extractions (document_id, field_name, value, confidence, context, validation_status, validation_message, source_urls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare bulk insert")
	}
	defer stmt.Close()

	var n int64
	for _, rec := range recs {
		urlsJSON, err := json.Marshal(rec.SourceURLs)
		if err != nil {
			return n, eris.Wrap(err, "sqlite: marshal source urls")
		}
		createdAt := rec.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			rec.DocumentID, rec.FieldName, rec.Value, rec.Confidence, rec.Context,
			string(rec.ValidationStatus), rec.ValidationMessage, string(urlsJSON), createdAt,
		); err != nil {
			return n, eris.Wrapf(err, "sqlite: bulk insert extraction %s/%s", rec.DocumentID, rec.FieldName)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit bulk insert")
	}
	return n, nil
}

func (s *SQLiteStore) ClearExtractions(ctx context.Context, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM extractions WHERE document_id = ?`,
		documentID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: clear extractions %s", documentID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) LatestExtractions(ctx context.Context, documentID string) (map[string]model.ExtractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, field_name, value, confidence, context, validation_status, validation_message, source_urls, created_at
		 FROM extractions WHERE document_id = ? ORDER BY id ASC`,
		documentID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest extractions %s", documentID)
	}
	defer rows.Close()

	// Later rows overwrite earlier ones, leaving the newest per field.
	latest := make(map[string]model.ExtractionRecord)
	for rows.Next() {
		e, err := scanExtraction(rows)
		if err != nil {
			return nil, err
		}
		latest[e.FieldName] = *e
	}
	return latest, eris.Wrap(rows.Err(), "sqlite: latest extractions iterate")
}

func (s *SQLiteStore) ExtractionHistory(ctx context.Context, documentID, fieldName string) ([]model.ExtractionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, field_name, value, confidence, context, validation_status, validation_message, source_urls, created_at
		 FROM extractions WHERE document_id = ? AND field_name = ? ORDER BY id ASC`,
		documentID, fieldName,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: extraction history %s/%s", documentID, fieldName)
	}
	defer rows.Close()

	var recs []model.ExtractionRecord
	for rows.Next() {
		e, err := scanExtraction(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *e)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: extraction history iterate")
}

func (s *SQLiteStore) GetFieldEntry(ctx context.Context, key string) (*FieldCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT key, field_name, value, confidence, context, source_urls, hit_count, created_at, expires_at
		 FROM field_cache WHERE key = ?`,
		key,
	)

	var e FieldCacheEntry
	var urlsJSON string
	err := row.Scan(&e.Key, &e.FieldName, &e.Value, &e.Confidence, &e.Context, &urlsJSON, &e.HitCount, &e.CreatedAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get field entry")
	}
	if err := json.Unmarshal([]byte(urlsJSON), &e.SourceURLs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal source urls")
	}
	return &e, nil
}

func (s *SQLiteStore) PutFieldEntry(ctx context.Context, entry FieldCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	urlsJSON, err := json.Marshal(entry.SourceURLs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal source urls")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO field_cache (key, field_name, value, confidence, context, source_urls, hit_count, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   field_name = excluded.field_name, value = excluded.value, confidence = excluded.confidence,
		   context = excluded.context, source_urls = excluded.source_urls,
		   created_at = excluded.created_at, expires_at = excluded.expires_at`,
		entry.Key, entry.FieldName, entry.Value, entry.Confidence, entry.Context,
		string(urlsJSON), entry.HitCount, entry.CreatedAt, entry.ExpiresAt,
	)
	return eris.Wrap(err, "sqlite: put field entry")
}

func (s *SQLiteStore) DeleteFieldEntry(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM field_cache WHERE key = ?`, key)
	return eris.Wrap(err, "sqlite: delete field entry")
}

func (s *SQLiteStore) IncrementFieldHit(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE field_cache SET hit_count = hit_count + 1 WHERE key = ?`,
		key,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: increment field hit")
	}
	return checkRowsAffected(res, "field_cache entry", key)
}

func (s *SQLiteStore) PurgeExpiredFieldEntries(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM field_cache WHERE expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge expired field entries")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ClearFieldEntries(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM field_cache`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: clear field entries")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) FieldCacheStats(ctx context.Context) (*CacheStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &CacheStats{ByField: make(map[string]int)}
	now := time.Now().UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT field_name, COUNT(*), SUM(hit_count), SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END)
		 FROM field_cache GROUP BY field_name`,
		now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: field cache stats")
	}
	defer rows.Close()

	for rows.Next() {
		var field string
		var count, hits, expired int
		if err := rows.Scan(&field, &count, &hits, &expired); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cache stats")
		}
		stats.ByField[field] = count
		stats.Entries += count
		stats.TotalHits += hits
		stats.Expired += expired
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: field cache stats iterate")
}

func (s *SQLiteStore) GetCachedSearch(ctx context.Context, queryHash string) ([]model.SearchHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT results FROM search_cache WHERE query_hash = ? AND expires_at > ?`,
		queryHash, time.Now().UTC(),
	)

	var resultsJSON string
	err := row.Scan(&resultsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached search")
	}

	var hits []model.SearchHit
	if err := json.Unmarshal([]byte(resultsJSON), &hits); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cached search")
	}
	return hits, nil
}

func (s *SQLiteStore) SetCachedSearch(ctx context.Context, queryHash string, hits []model.SearchHit, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resultsJSON, err := json.Marshal(hits)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal search hits")
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO search_cache (query_hash, results, cached_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (query_hash) DO UPDATE SET results = excluded.results, cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		queryHash, string(resultsJSON), now, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set cached search")
}

func (s *SQLiteStore) GetCachedCrawl(ctx context.Context, urlHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT content FROM crawl_cache WHERE url_hash = ? AND expires_at > ?`,
		urlHash, time.Now().UTC(),
	)

	var content string
	err := row.Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrap(err, "sqlite: get cached crawl")
	}
	return content, nil
}

func (s *SQLiteStore) SetCachedCrawl(ctx context.Context, urlHash, content string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crawl_cache (url_hash, content, cached_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (url_hash) DO UPDATE SET content = excluded.content, cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		urlHash, content, now, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set cached crawl")
}

func (s *SQLiteStore) DeleteExpiredSearches(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM search_cache WHERE expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired searches")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) DeleteExpiredCrawls(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM crawl_cache WHERE expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired crawls")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDocument(row scannable) (*model.DocumentRecord, error) {
	var d model.DocumentRecord
	var processedAt sql.NullTime

	err := row.Scan(&d.ID, &d.Filename, &d.Path, &d.ContentHash, &d.SizeBytes, &d.FileType,
		&d.Status, &processedAt, &d.ProcessingSecs, &d.ErrorMessage, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan document")
	}
	if processedAt.Valid {
		t := processedAt.Time
		d.ProcessedAt = &t
	}
	return &d, nil
}

func scanExtraction(row scannable) (*model.ExtractionRecord, error) {
	var e model.ExtractionRecord
	var urlsJSON string

	err := row.Scan(&e.ID, &e.DocumentID, &e.FieldName, &e.Value, &e.Confidence, &e.Context,
		&e.ValidationStatus, &e.ValidationMessage, &urlsJSON, &e.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan extraction")
	}
	if err := json.Unmarshal([]byte(urlsJSON), &e.SourceURLs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal source urls")
	}
	return &e, nil
}
