package discovery

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestSearchParsesBraveResults(t *testing.T) {
	t.Parallel()
	var gotToken, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Subscription-Token")
		gotQuery = r.URL.Query().Get("q")
		_, _ = w.Write([]byte(`{
			"web": {"results": [
				{"title": "Go", "url": "https://go.dev", "description": "The Go language"},
				{"title": "Blog", "url": "https://go.dev/blog", "description": "Go blog"},
				{"title": "Empty", "url": "", "description": "dropped"}
			]}
		}`))
	}))
	defer srv.Close()

	s := NewService(config.SearchConfig{
		BraveAPIKey:    "token-123",
		BraveSearchURL: srv.URL,
		MaxResults:     10,
		FetchTimeout:   time.Second,
	}, testLogger())

	results, err := s.Search(context.Background(), "golang", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotToken != "token-123" {
		t.Fatalf("subscription token = %q", gotToken)
	}
	if gotQuery != "golang" {
		t.Fatalf("query = %q", gotQuery)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].URL != "https://go.dev" || results[0].Title != "Go" {
		t.Fatalf("first result = %+v", results[0])
	}
}

func TestSearchTruncatesToMaxResults(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"web": {"results": [
			{"title": "a", "url": "https://a.test"},
			{"title": "b", "url": "https://b.test"},
			{"title": "c", "url": "https://c.test"}
		]}}`))
	}))
	defer srv.Close()

	s := NewService(config.SearchConfig{
		BraveAPIKey:    "t",
		BraveSearchURL: srv.URL,
		MaxResults:     10,
		FetchTimeout:   time.Second,
	}, testLogger())

	results, err := s.Search(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
}

func TestSearchRequiresAPIKey(t *testing.T) {
	t.Parallel()
	s := NewService(config.SearchConfig{}, testLogger())
	if _, err := s.Search(context.Background(), "q", 3); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestFetchAllKeepsInputOrderAndRecordsFailures(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`<html><head><title>Sample</title></head><body>
				<article><h1>Sample</h1><p>` + longParagraph() + `</p></article></body></html>`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewFetcher(config.SearchConfig{FetchConcurrency: 2, FetchTimeout: time.Second}, testLogger())
	results := f.FetchAll(context.Background(), []string{
		srv.URL + "/missing",
		srv.URL + "/ok",
		"not a url",
	})

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Error == "" {
		t.Fatal("404 page should record an error")
	}
	if results[1].Error != "" || results[1].Content == "" {
		t.Fatalf("ok page = %+v", results[1])
	}
	if results[2].Error == "" {
		t.Fatal("invalid url should record an error")
	}
}

func longParagraph() string {
	s := "Readable extraction needs enough body text to treat this as an article. "
	out := ""
	for i := 0; i < 20; i++ {
		out += s
	}
	return out
}
