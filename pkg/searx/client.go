// Package searx provides a client for the SearXNG metasearch JSON API.
package searx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the SearXNG operations.
type Client interface {
	// Search runs a query against the instance and returns parsed results.
	Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error)
	// Fetch downloads a result page as text for snippet extraction.
	Fetch(ctx context.Context, pageURL string, opts ...SearchOption) (string, error)
	// BaseURL reports the instance this client talks to.
	BaseURL() string
}

// SearchResponse is the parsed SearXNG API response.
type SearchResponse struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
}

// Result represents a single search result.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Engine  string  `json:"engine"`
	Score   float64 `json:"score"`
}

// StatusError reports a non-success HTTP status from the instance. Callers
// use the code to decide whether to rotate instances and retry.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("searx: status %d: %s", e.Code, e.Body)
}

// SearchOption configures a single request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	language  string
	userAgent string
	pageNo    int
}

// WithLanguage sets the result language (e.g. "pt-BR").
func WithLanguage(lang string) SearchOption {
	return func(o *searchOpts) {
		o.language = lang
	}
}

// WithUserAgent overrides the User-Agent header for this request.
func WithUserAgent(ua string) SearchOption {
	return func(o *searchOpts) {
		o.userAgent = ua
	}
}

// WithPage requests a specific result page (1-based).
func WithPage(n int) SearchOption {
	return func(o *searchOpts) {
		o.pageNo = n
	}
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for one SearXNG instance.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) BaseURL() string {
	return c.baseURL
}

func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error) {
	so := &searchOpts{}
	for _, opt := range opts {
		opt(so)
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	if so.language != "" {
		params.Set("language", so.language)
	}
	if so.pageNo > 1 {
		params.Set("pageno", fmt.Sprintf("%d", so.pageNo))
	}

	reqURL := fmt.Sprintf("%s/search?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "searx: create request")
	}
	req.Header.Set("Accept", "application/json")
	if so.userAgent != "" {
		req.Header.Set("User-Agent", so.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "searx: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "searx: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "searx: unmarshal response")
	}
	return &result, nil
}

func (c *httpClient) Fetch(ctx context.Context, pageURL string, opts ...SearchOption) (string, error) {
	so := &searchOpts{}
	for _, opt := range opts {
		opt(so)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "searx: create fetch request")
	}
	if so.userAgent != "" {
		req.Header.Set("User-Agent", so.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "searx: fetch failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	// Pages are capped so a hostile server cannot exhaust memory.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", eris.Wrap(err, "searx: read page body")
	}

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return string(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
