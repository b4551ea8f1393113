// Package search wraps the SearXNG clients with rate limiting, instance
// rotation, persistent caching, and retry for all online lookups.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sds-labs/sdsx/internal/model"
	"github.com/sds-labs/sdsx/internal/resilience"
	"github.com/sds-labs/sdsx/internal/store"
	"github.com/sds-labs/sdsx/pkg/searx"
)

// defaultUserAgents is the rotation pool for outgoing requests.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
}

// Config controls the rate-limited search client.
type Config struct {
	Instances       []string      `yaml:"instances" mapstructure:"instances"`
	RatePerSec      float64       `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst           int           `yaml:"burst" mapstructure:"burst"`
	MinDelay        time.Duration `yaml:"min_delay" mapstructure:"min_delay"`
	Language        string        `yaml:"language" mapstructure:"language"`
	SearchTTL       time.Duration `yaml:"search_ttl" mapstructure:"search_ttl"`
	CrawlTTL        time.Duration `yaml:"crawl_ttl" mapstructure:"crawl_ttl"`
	UnhealthyWindow time.Duration `yaml:"unhealthy_window" mapstructure:"unhealthy_window"`
	UserAgents      []string      `yaml:"user_agents" mapstructure:"user_agents"`
}

// DefaultConfig returns the standard tuning: two requests per second with a
// burst of five, at least one second between requests, and a five minute
// quarantine for failing instances.
func DefaultConfig(instances []string) Config {
	return Config{
		Instances:       instances,
		RatePerSec:      2,
		Burst:           5,
		MinDelay:        time.Second,
		Language:        "pt-BR",
		SearchTTL:       24 * time.Hour,
		CrawlTTL:        7 * 24 * time.Hour,
		UnhealthyWindow: 5 * time.Minute,
	}
}

// RateLimitedClient multiplexes queries across a pool of SearXNG instances.
// The token bucket is shared, so the aggregate request rate stays bounded no
// matter how many pipeline workers are searching concurrently.
type RateLimitedClient struct {
	cfg     Config
	clients []searx.Client
	limiter *rate.Limiter
	store   store.Store
	log     *zap.Logger
	retry   resilience.RetryConfig

	mu          sync.Mutex
	next        int
	quarantined []time.Time
	lastRequest time.Time
	uaIdx       int
}

// New builds a client pool from the configured instance URLs.
func New(cfg Config, st store.Store) (*RateLimitedClient, error) {
	if len(cfg.Instances) == 0 {
		return nil, eris.New("search: no instances configured")
	}
	clients := make([]searx.Client, len(cfg.Instances))
	for i, base := range cfg.Instances {
		clients[i] = searx.NewClient(strings.TrimRight(base, "/"))
	}
	return NewWithClients(cfg, st, clients...), nil
}

// NewWithClients wires pre-built instance clients. Used by tests.
func NewWithClients(cfg Config, st store.Store, clients ...searx.Client) *RateLimitedClient {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.UnhealthyWindow <= 0 {
		cfg.UnhealthyWindow = 5 * time.Minute
	}
	if cfg.SearchTTL <= 0 {
		cfg.SearchTTL = 24 * time.Hour
	}
	if cfg.CrawlTTL <= 0 {
		cfg.CrawlTTL = 7 * 24 * time.Hour
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = defaultUserAgents
	}
	return &RateLimitedClient{
		cfg:         cfg,
		clients:     clients,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		store:       st,
		log:         zap.L().Named("search"),
		retry:       resilience.SearchRetryConfig(),
		quarantined: make([]time.Time, len(clients)),
	}
}

// Search runs a query through the pool, consulting the persistent search
// cache first. Transient failures rotate to the next instance and retry.
func (c *RateLimitedClient) Search(ctx context.Context, query string) ([]model.SearchHit, error) {
	queryHash := hashKey(query)

	if c.store != nil {
		cached, err := c.store.GetCachedSearch(ctx, queryHash)
		if err != nil {
			c.log.Warn("search cache read failed", zap.Error(err))
		} else if cached != nil {
			c.log.Debug("search cache hit", zap.String("query", query))
			return cached, nil
		}
	}

	cfg := c.retry
	cfg.ShouldRetry = isRetryable
	cfg.OnRetry = resilience.RetryLogger("searx", "search")

	hits, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]model.SearchHit, error) {
		if err := c.throttle(ctx); err != nil {
			return nil, err
		}
		client, idx := c.pickClient()
		resp, err := client.Search(ctx, query,
			searx.WithLanguage(c.cfg.Language),
			searx.WithUserAgent(c.nextUserAgent()),
		)
		if err != nil {
			c.noteFailure(idx, err)
			return nil, classify(err)
		}

		hits := make([]model.SearchHit, 0, len(resp.Results))
		for _, r := range resp.Results {
			hits = append(hits, model.SearchHit{Title: r.Title, URL: r.URL, Snippet: r.Content})
		}
		return hits, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "search: query %q", query)
	}

	if c.store != nil {
		if err := c.store.SetCachedSearch(ctx, queryHash, hits, c.cfg.SearchTTL); err != nil {
			c.log.Warn("search cache write failed", zap.Error(err))
		}
	}
	return hits, nil
}

// maxCrawlChars bounds what a crawled page contributes. Long pages add
// noise past this point and bloat the cache.
const maxCrawlChars = 5000

// Crawl fetches one result page as text, consulting the crawl cache first.
// Page text is truncated to maxCrawlChars before caching.
func (c *RateLimitedClient) Crawl(ctx context.Context, pageURL string) (string, error) {
	urlHash := hashKey(pageURL)

	if c.store != nil {
		cached, err := c.store.GetCachedCrawl(ctx, urlHash)
		if err != nil {
			c.log.Warn("crawl cache read failed", zap.Error(err))
		} else if cached != "" {
			c.log.Debug("crawl cache hit", zap.String("url", pageURL))
			return cached, nil
		}
	}

	cfg := c.retry
	cfg.ShouldRetry = isRetryable
	cfg.OnRetry = resilience.RetryLogger("searx", "crawl")

	content, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		if err := c.throttle(ctx); err != nil {
			return "", err
		}
		client, idx := c.pickClient()
		content, err := client.Fetch(ctx, pageURL, searx.WithUserAgent(c.nextUserAgent()))
		if err != nil {
			c.noteFailure(idx, err)
			return "", classify(err)
		}
		return content, nil
	})
	if err != nil {
		return "", eris.Wrapf(err, "search: crawl %s", pageURL)
	}
	if len(content) > maxCrawlChars {
		content = content[:maxCrawlChars]
	}

	if c.store != nil && content != "" {
		if err := c.store.SetCachedCrawl(ctx, urlHash, content, c.cfg.CrawlTTL); err != nil {
			c.log.Warn("crawl cache write failed", zap.Error(err))
		}
	}
	return content, nil
}

// throttle blocks until the shared token bucket yields a token and the
// minimum inter-request delay has elapsed.
func (c *RateLimitedClient) throttle(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if c.cfg.MinDelay <= 0 {
		return nil
	}

	c.mu.Lock()
	wait := c.cfg.MinDelay - time.Since(c.lastRequest)
	c.lastRequest = time.Now().Add(maxDuration(wait, 0))
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pickClient returns the next healthy instance round-robin. When every
// instance is quarantined the rotation proceeds anyway.
func (c *RateLimitedClient) pickClient() (searx.Client, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for i := 0; i < len(c.clients); i++ {
		idx := (c.next + i) % len(c.clients)
		if c.quarantined[idx].Before(now) {
			c.next = idx + 1
			return c.clients[idx], idx
		}
	}
	idx := c.next % len(c.clients)
	c.next = idx + 1
	return c.clients[idx], idx
}

func (c *RateLimitedClient) noteFailure(idx int, err error) {
	c.mu.Lock()
	c.quarantined[idx] = time.Now().Add(c.cfg.UnhealthyWindow)
	c.mu.Unlock()
	c.log.Warn("instance failed",
		zap.String("instance", c.clients[idx].BaseURL()),
		zap.Error(err))
}

func (c *RateLimitedClient) nextUserAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ua := c.cfg.UserAgents[c.uaIdx%len(c.cfg.UserAgents)]
	c.uaIdx++
	return ua
}

// classify wraps instance-side throttling and outages as transient so the
// retry loop rotates and tries again.
func classify(err error) error {
	var se *searx.StatusError
	if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.Code) {
		return resilience.NewTransientError(err, se.Code)
	}
	return err
}

func isRetryable(err error) bool {
	return resilience.IsTransient(err)
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(s))))
	return hex.EncodeToString(sum[:])
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
