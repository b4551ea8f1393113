package retrieval

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sds-labs/sdsx/internal/cache"
	"github.com/sds-labs/sdsx/internal/model"
	"github.com/sds-labs/sdsx/internal/store"
	"github.com/sds-labs/sdsx/internal/validate"
)

// Searcher is the online lookup surface the retriever depends on. Satisfied
// by search.RateLimitedClient.
type Searcher interface {
	Search(ctx context.Context, query string) ([]model.SearchHit, error)
	Crawl(ctx context.Context, pageURL string) (string, error)
}

// Result is one field's retrieval outcome.
type Result struct {
	FieldName  string
	Value      string
	Confidence float64
	Source     string
	FromCache  bool
}

// Config tunes the retrieval loop.
type Config struct {
	// MaxAttempts bounds full passes over the query variants.
	MaxAttempts int
	// BackoffBase is the delay before the second attempt; it doubles per
	// attempt with ±15% jitter.
	BackoffBase time.Duration
	// HitsPerQuery limits how many results per query are scored.
	HitsPerQuery int
	// EarlyExitScore stops querying once the best raw score passes it.
	EarlyExitScore float64
	// CrawlBelowScore triggers page crawling while the best score is under it.
	CrawlBelowScore float64
	// MaxCrawlPages caps crawled pages per field.
	MaxCrawlPages int
	// CrawlWindow is the character radius around a keyword match.
	CrawlWindow int
	// SnippetMax caps the stored snippet length.
	SnippetMax int
	// LowThreshold gates persisting and caching a result.
	LowThreshold float64
	// CrawlEnabled turns page crawling on. Off by default to avoid IP bans.
	CrawlEnabled bool
}

// DefaultConfig returns the standard retrieval tuning.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		BackoffBase:     500 * time.Millisecond,
		HitsPerQuery:    2,
		EarlyExitScore:  900,
		CrawlBelowScore: 400,
		MaxCrawlPages:   2,
		CrawlWindow:     400,
		SnippetMax:      800,
		LowThreshold:    0.6,
	}
}

// Retriever executes per-field retrieval and stores intermediate extractions.
type Retriever struct {
	store  store.Store
	search Searcher
	cache  *cache.ResultCache
	cfg    Config
	log    *zap.Logger
}

// New creates a Retriever. cache may be nil to disable result caching.
func New(st store.Store, searcher Searcher, rc *cache.ResultCache, cfg Config) *Retriever {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.HitsPerQuery <= 0 {
		cfg.HitsPerQuery = 2
	}
	if cfg.SnippetMax <= 0 {
		cfg.SnippetMax = 800
	}
	// A zero floor would persist and cache every failed lookup, and the
	// cached zero would then short-circuit all future retrieval.
	if cfg.LowThreshold <= 0 {
		cfg.LowThreshold = 0.6
	}
	return &Retriever{store: st, search: searcher, cache: rc, cfg: cfg, log: zap.L().Named("retrieval")}
}

// RetrieveMissing resolves each missing field from the cache or the open
// web. known carries the identifiers already extracted from the document.
// Per-field errors are logged and skipped; the pipeline keeps going.
func (r *Retriever) RetrieveMissing(ctx context.Context, documentID string, missing []string, known map[string]string) map[string]Result {
	results := make(map[string]Result, len(missing))
	key := cache.ProductKey{
		Name: known[model.FieldProductName],
		CAS:  known[model.FieldCASNumber],
		UN:   known[model.FieldUNNumber],
	}

	for _, field := range missing {
		if ctx.Err() != nil {
			break
		}

		if res, ok := r.fromCache(ctx, documentID, key, field); ok {
			results[field] = res
			continue
		}

		res := r.retrieveField(ctx, key, field)
		results[field] = res

		if res.Confidence >= r.cfg.LowThreshold {
			r.persist(ctx, documentID, key, res)
		}
	}
	return results
}

func (r *Retriever) fromCache(ctx context.Context, documentID string, key cache.ProductKey, field string) (Result, bool) {
	if r.cache == nil {
		return Result{}, false
	}
	cached, err := r.cache.Get(ctx, key, field)
	if err != nil {
		r.log.Warn("cache lookup failed", zap.String("field", field), zap.Error(err))
		return Result{}, false
	}
	if cached == nil || cached.Confidence < r.cfg.LowThreshold {
		return Result{}, false
	}

	source := ""
	if len(cached.SourceURLs) > 0 {
		source = cached.SourceURLs[0]
	}
	r.log.Info("using cached field value",
		zap.String("field", field),
		zap.Float64("confidence", cached.Confidence))

	status, message := validate.Field(field, *cached)
	rec := &model.ExtractionRecord{
		DocumentID:        documentID,
		FieldName:         field,
		Value:             cached.Value,
		Confidence:        cached.Confidence,
		Context:           "cached:" + source,
		ValidationStatus:  status,
		ValidationMessage: message,
		SourceURLs:        cached.SourceURLs,
	}
	if err := r.store.InsertExtraction(ctx, rec); err != nil {
		r.log.Warn("failed to persist cached value", zap.String("field", field), zap.Error(err))
	}
	return Result{FieldName: field, Value: cached.Value, Confidence: cached.Confidence, Source: source, FromCache: true}, true
}

// retrieveField runs the query/score/crawl loop for one field.
func (r *Retriever) retrieveField(ctx context.Context, key cache.ProductKey, field string) Result {
	queries := BuildQueries(field, key.Name, key.CAS, key.UN)
	terms := keywords(field)

	var bestSnippet, bestSource string
	var bestScore float64

	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			rand.Shuffle(len(queries), func(i, j int) {
				queries[i], queries[j] = queries[j], queries[i]
			})
		}

		for _, q := range queries {
			hits, err := r.search.Search(ctx, q)
			if err != nil {
				r.log.Debug("search failed",
					zap.String("field", field),
					zap.String("query", q),
					zap.Int("attempt", attempt+1),
					zap.Error(err))
				continue
			}
			for i, hit := range hits {
				if i >= r.cfg.HitsPerQuery {
					break
				}
				snippet := strings.TrimSpace(hit.Snippet)
				if snippet == "" {
					continue
				}
				score := float64(len(snippet))
				if containsAny(strings.ToLower(snippet), terms) {
					score *= 1.1
				}
				if score > bestScore {
					bestScore = score
					bestSnippet = truncate(snippet, r.cfg.SnippetMax)
					bestSource = hit.URL
				}
			}
			if bestScore > r.cfg.EarlyExitScore {
				break
			}
		}

		if bestScore < r.cfg.CrawlBelowScore && r.cfg.CrawlEnabled && r.cfg.MaxCrawlPages > 0 {
			r.crawlForContext(ctx, queries, terms, &bestSnippet, &bestSource, &bestScore)
		}

		sufficient := bestSnippet != ""
		if sufficient || attempt == r.cfg.MaxAttempts-1 {
			break
		}
		if !r.backoff(ctx, attempt) {
			break
		}
	}

	if bestSnippet == "" {
		return Result{FieldName: field, Value: model.ValueNotFound, Confidence: 0, Source: "search"}
	}

	// Normalize the raw score into 0..1.
	conf := 0.4 + bestScore/2500
	if conf > 0.95 {
		conf = 0.95
	}
	source := bestSource
	if source == "" {
		source = "search"
	}
	return Result{FieldName: field, Value: bestSnippet, Confidence: conf, Source: source}
}

// crawlForContext fetches top result pages and extracts a window around the
// first keyword match when snippets alone were too thin.
func (r *Retriever) crawlForContext(ctx context.Context, queries, terms []string, bestSnippet, bestSource *string, bestScore *float64) {
	crawled := 0
	for _, q := range queries {
		if crawled >= r.cfg.MaxCrawlPages {
			return
		}
		hits, err := r.search.Search(ctx, q)
		if err != nil || len(hits) == 0 || hits[0].URL == "" {
			continue
		}
		url := hits[0].URL

		page, err := r.search.Crawl(ctx, url)
		if err != nil || page == "" {
			continue
		}
		crawled++

		lowered := strings.ToLower(page)
		idx := -1
		for _, term := range terms {
			if i := strings.Index(lowered, term); i >= 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		start := maxInt(0, idx-r.cfg.CrawlWindow)
		end := minInt(len(page), idx+r.cfg.CrawlWindow)
		focused := strings.TrimSpace(page[start:end])
		if focused != "" && len(focused) > len(*bestSnippet) {
			*bestSnippet = truncate(focused, r.cfg.SnippetMax)
			*bestScore = float64(len(focused))
			*bestSource = url
		}
	}
}

// backoff sleeps before the next attempt; returns false on cancellation.
func (r *Retriever) backoff(ctx context.Context, attempt int) bool {
	base := r.cfg.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := float64(base) * float64(int(1)<<attempt)
	jitter := delay * (rand.Float64()*0.3 - 0.15)
	sleep := time.Duration(delay + jitter)
	if sleep < 50*time.Millisecond {
		sleep = 50 * time.Millisecond
	}

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *Retriever) persist(ctx context.Context, documentID string, key cache.ProductKey, res Result) {
	cand := model.Candidate{Value: res.Value, Confidence: res.Confidence}
	status, message := validate.Field(res.FieldName, cand)

	var urls []string
	if res.Source != "" && res.Source != "search" {
		urls = []string{res.Source}
	}

	rec := &model.ExtractionRecord{
		DocumentID:        documentID,
		FieldName:         res.FieldName,
		Value:             res.Value,
		Confidence:        res.Confidence,
		Context:           "retrieval:" + res.Source,
		ValidationStatus:  status,
		ValidationMessage: message,
		SourceURLs:        urls,
	}
	if err := r.store.InsertExtraction(ctx, rec); err != nil {
		r.log.Warn("failed to persist retrieval result", zap.String("field", res.FieldName), zap.Error(err))
	}

	if r.cache != nil {
		cand.SourceURLs = urls
		if err := r.cache.Put(ctx, key, res.FieldName, cand); err != nil {
			r.log.Warn("failed to cache retrieval result", zap.String("field", res.FieldName), zap.Error(err))
		}
	}
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
