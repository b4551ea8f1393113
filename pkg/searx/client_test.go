package searx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch_Success(t *testing.T) {
	t.Parallel()

	want := SearchResponse{
		Query: "acetona FISPQ",
		Results: []Result{
			{Title: "FISPQ Acetona", URL: "https://example.com/fispq.pdf", Content: "Numero ONU: 1090", Engine: "google"},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "acetona FISPQ", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "pt-BR", r.URL.Query().Get("language"))
		assert.Equal(t, "Mozilla/5.0 (test)", r.Header.Get("User-Agent"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	got, err := client.Search(context.Background(), "acetona FISPQ",
		WithLanguage("pt-BR"), WithUserAgent("Mozilla/5.0 (test)"))

	require.NoError(t, err)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "FISPQ Acetona", got.Results[0].Title)
	assert.Equal(t, "Numero ONU: 1090", got.Results[0].Content)
}

func TestSearch_RateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("Too Many Requests")) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Search(context.Background(), "etanol SDS")
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
}

func TestSearch_MalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>")) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Search(context.Background(), "tolueno")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestSearch_Pagination(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("pageno"))
		json.NewEncoder(w).Encode(SearchResponse{}) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Search(context.Background(), "q", WithPage(2))
	require.NoError(t, err)
}

func TestFetch_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Mozilla/5.0 (crawler)", r.Header.Get("User-Agent"))
		w.Write([]byte("Grupo de embalagem: II")) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	content, err := client.Fetch(context.Background(), srv.URL+"/page", WithUserAgent("Mozilla/5.0 (crawler)"))
	require.NoError(t, err)
	assert.Equal(t, "Grupo de embalagem: II", content)
}

func TestFetch_NotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestBaseURL(t *testing.T) {
	t.Parallel()
	client := NewClient("https://searx.example.org")
	assert.Equal(t, "https://searx.example.org", client.BaseURL())
}
