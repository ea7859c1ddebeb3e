// Package discovery finds and fetches web sources for the research
// pipeline: Brave keyword search plus readable-text extraction of the
// result pages.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
)

// Brave free tier allows roughly one request per second; keep a little
// headroom between calls.
const braveMinInterval = 1100 * time.Millisecond

// SearchResult is one entry returned by web search.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content,omitempty"`
}

// Service performs throttled web search and bounded-concurrency page
// fetches.
type Service struct {
	cfg        config.SearchConfig
	httpClient *http.Client
	fetcher    *Fetcher
	logger     *log.Logger

	mu       sync.Mutex
	lastCall time.Time
}

func NewService(cfg config.SearchConfig, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[DISCOVERY] ", log.LstdFlags)
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Service{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		fetcher:    NewFetcher(cfg, logger),
		logger:     logger,
	}
}

// throttle spaces Brave API calls out so concurrent searches do not trip
// the per-second quota.
func (s *Service) throttle(ctx context.Context) error {
	s.mu.Lock()
	wait := braveMinInterval - time.Since(s.lastCall)
	if wait < 0 {
		wait = 0
	}
	s.lastCall = time.Now().Add(wait)
	s.mu.Unlock()

	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search runs a Brave keyword search and returns up to maxResults hits.
// A non-positive maxResults falls back to the configured default.
func (s *Service) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if s.cfg.BraveAPIKey == "" {
		return nil, fmt.Errorf("brave search is not configured (search.brave_api_key)")
	}
	if maxResults <= 0 {
		maxResults = s.cfg.MaxResults
	}
	if err := s.throttle(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", s.cfg.BraveSearchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	q := req.URL.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", maxResults))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.cfg.BraveAPIKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("brave search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parsing search response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Description: r.Description,
		})
		if len(results) >= maxResults {
			break
		}
	}
	s.logger.Printf("search %q returned %d results", query, len(results))
	return results, nil
}

// Fetch retrieves the given URLs concurrently and extracts readable text.
func (s *Service) Fetch(ctx context.Context, urls []string) []FetchResult {
	return s.fetcher.FetchAll(ctx, urls)
}
