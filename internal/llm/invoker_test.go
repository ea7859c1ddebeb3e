package llm

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/ratelimit"
)

func TestSplitModel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		id       string
		provider string
		model    string
	}{
		{"openai:gpt-4o", "openai", "gpt-4o"},
		{"anthropic:claude-sonnet-4", "anthropic", "claude-sonnet-4"},
		{"ollama:llama3:8b", "ollama", "llama3:8b"},
		{"openai", "openai", "default"},
	}
	for _, c := range cases {
		provider, model := SplitModel(c.id)
		if provider != c.provider || model != c.model {
			t.Fatalf("SplitModel(%q) = (%q, %q), want (%q, %q)", c.id, provider, model, c.provider, c.model)
		}
	}
}

func TestRetryPredicates(t *testing.T) {
	t.Parallel()
	status := func(code int) error { return &APIError{Provider: "x", StatusCode: code} }

	if !retryPredicateFor("openai")(status(429)) {
		t.Fatal("openai 429 should be retryable")
	}
	if retryPredicateFor("openai")(status(529)) {
		t.Fatal("openai 529 should not be retryable")
	}
	if !retryPredicateFor("anthropic")(status(529)) {
		t.Fatal("anthropic 529 should be retryable")
	}
	if retryPredicateFor("anthropic")(status(500)) {
		t.Fatal("anthropic 500 should not be retryable")
	}
	googleExhausted := &APIError{Provider: "google", StatusCode: 400, Message: `{"status": "RESOURCE_EXHAUSTED"}`}
	if !retryPredicateFor("google")(googleExhausted) {
		t.Fatal("google RESOURCE_EXHAUSTED should be retryable")
	}
	if retryPredicateFor("openai")(errors.New("connection refused")) {
		t.Fatal("plain errors should not be retryable")
	}
}

func TestRetryHintHeaders(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		header http.Header
		msg    string
		want   time.Duration
		ok     bool
	}{
		{
			name:   "retry-after seconds",
			header: http.Header{"Retry-After": []string{"7"}},
			want:   7 * time.Second,
			ok:     true,
		},
		{
			name:   "reset requests seconds",
			header: http.Header{"X-Ratelimit-Reset-Requests": []string{"12"}},
			want:   12 * time.Second,
			ok:     true,
		},
		{
			name: "google retryDelay in body",
			msg:  `{"error": {"details": [{"retryDelay": "34s"}]}}`,
			want: 34 * time.Second,
			ok:   true,
		},
		{
			name: "no hint",
			msg:  "rate limited",
			ok:   false,
		},
	}
	for _, c := range cases {
		e := &APIError{Provider: "p", StatusCode: 429, Header: c.header, Message: c.msg}
		got, ok := e.RetryHint()
		if ok != c.ok {
			t.Fatalf("%s: RetryHint ok = %v, want %v", c.name, ok, c.ok)
		}
		if ok && got != c.want {
			t.Fatalf("%s: RetryHint = %s, want %s", c.name, got, c.want)
		}
	}
}

type fakeProvider struct {
	name  string
	calls int
	errs  []error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req Request) (Response, error) {
	f.calls++
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return Response{}, f.errs[f.calls-1]
	}
	return Response{Message: TextMessage(RoleAssistant, "ok")}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req Request, onDelta func(StreamDelta)) (Response, error) {
	return f.Complete(ctx, req)
}

func newTestInvoker(p Provider) *Invoker {
	cfg := config.LLMConfig{
		RateLimits: config.RateLimitConfig{
			ProviderRPM: map[string]int{"openai": 1000},
			DefaultRPM:  1000,
		},
	}
	logger := log.New(io.Discard, "", 0)
	return NewInvoker(ratelimit.NewRegistry(), map[string]Provider{p.Name(): p}, cfg, 3, logger)
}

func TestInvokerRetriesThrottledCalls(t *testing.T) {
	t.Parallel()
	throttled := &APIError{Provider: "openai", StatusCode: 429, Header: http.Header{"Retry-After": []string{"0"}}}
	p := &fakeProvider{name: "openai", errs: []error{throttled, throttled}}
	inv := newTestInvoker(p)

	resp, err := inv.Complete(context.Background(), "openai:gpt-4o", Request{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if p.calls != 3 {
		t.Fatalf("provider called %d times, want 3", p.calls)
	}
	if got := resp.Message.Text(); got != "ok" {
		t.Fatalf("response text = %q, want %q", got, "ok")
	}
}

func TestInvokerDoesNotRetryHardFailures(t *testing.T) {
	t.Parallel()
	denied := &APIError{Provider: "openai", StatusCode: 401, Message: "invalid api key"}
	p := &fakeProvider{name: "openai", errs: []error{denied, denied, denied}}
	inv := newTestInvoker(p)

	_, err := inv.Complete(context.Background(), "openai:gpt-4o", Request{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 {
		t.Fatalf("Complete = %v, want 401 APIError", err)
	}
	if p.calls != 1 {
		t.Fatalf("provider called %d times, want 1", p.calls)
	}
}

func TestInvokerUnknownProvider(t *testing.T) {
	t.Parallel()
	inv := newTestInvoker(&fakeProvider{name: "openai"})
	if _, err := inv.Complete(context.Background(), "mystery:model", Request{}); err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
}

func TestRPMFallbacks(t *testing.T) {
	t.Parallel()
	cfg := config.LLMConfig{RateLimits: config.RateLimitConfig{
		ProviderRPM: map[string]int{"google": 5},
		DefaultRPM:  10,
	}}
	inv := NewInvoker(ratelimit.NewRegistry(), nil, cfg, 3, log.New(io.Discard, "", 0))

	cases := []struct {
		provider string
		want     int
	}{
		{"google", 5},
		{"openai", 50},
		{"ollama", 30},
		{"somebody", 10},
	}
	for _, c := range cases {
		if got := inv.rpmFor(c.provider); got != c.want {
			t.Fatalf("rpmFor(%q) = %d, want %d", c.provider, got, c.want)
		}
	}
}
