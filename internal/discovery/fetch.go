package discovery

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	nurl "net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/sync/semaphore"

	"github.com/mohammad-safakhou/deepresearch/config"
)

const (
	fetchUserAgent = "DeepResearchBot/1.0 (+research pipeline)"
	maxContentRune = 20000
)

// FetchResult is the outcome of fetching one URL. Error is a short
// message rather than an error value so results serialize cleanly into
// tool outputs.
type FetchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Fetcher downloads pages with bounded concurrency and extracts the
// readable article text. When browser rendering is enabled, pages are
// loaded in headless Chrome first so script-driven sites produce text.
type Fetcher struct {
	cfg        config.SearchConfig
	httpClient *http.Client
	sem        *semaphore.Weighted
	logger     *log.Logger
}

func NewFetcher(cfg config.SearchConfig, logger *log.Logger) *Fetcher {
	concurrency := cfg.FetchConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[DISCOVERY] ", log.LstdFlags)
	}
	return &Fetcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		sem:        semaphore.NewWeighted(int64(concurrency)),
		logger:     logger,
	}
}

// FetchAll fetches every URL and returns results in input order. Failures
// are recorded per URL; one bad page never fails the batch.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) []FetchResult {
	results := make([]FetchResult, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		if err := f.sem.Acquire(ctx, 1); err != nil {
			results[i] = FetchResult{URL: u, Error: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			defer f.sem.Release(1)
			results[i] = f.fetchOne(ctx, u)
		}(i, u)
	}
	wg.Wait()
	return results
}

func (f *Fetcher) fetchOne(ctx context.Context, rawURL string) FetchResult {
	parsed, err := nurl.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return FetchResult{URL: rawURL, Error: "invalid url"}
	}

	var html string
	if f.cfg.UseBrowser {
		html, err = f.renderPage(ctx, rawURL)
	} else {
		html, err = f.downloadPage(ctx, rawURL)
	}
	if err != nil {
		f.logger.Printf("fetch %s failed: %v", rawURL, err)
		return FetchResult{URL: rawURL, Error: err.Error()}
	}

	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		return FetchResult{URL: rawURL, Error: fmt.Sprintf("extraction failed: %v", err)}
	}
	content := strings.TrimSpace(article.TextContent)
	if runes := []rune(content); len(runes) > maxContentRune {
		content = string(runes[:maxContentRune])
	}
	return FetchResult{URL: rawURL, Title: article.Title, Content: content}
}

func (f *Fetcher) downloadPage(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned status %d", resp.StatusCode)
	}
	// Cap the download; readable articles never need more.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading page: %w", err)
	}
	return string(body), nil
}

func (f *Fetcher) renderPage(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(fetchUserAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("rendering page: %w", err)
	}
	return html, nil
}
