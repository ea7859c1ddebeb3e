package research

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/discovery"
	"github.com/mohammad-safakhou/deepresearch/internal/llm"
)

func TestExecuteAllRunsSearchAndReportsErrorsAsContent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"web": {"results": [{"title": "Go", "url": "https://go.dev"}]}}`))
	}))
	defer srv.Close()

	svc := discovery.NewService(config.SearchConfig{
		BraveAPIKey:    "t",
		BraveSearchURL: srv.URL,
		MaxResults:     10,
		FetchTimeout:   time.Second,
	}, testLogger())
	tools := NewToolset(svc)
	rec := &eventRecorder{}

	calls := []llm.Part{
		{Kind: llm.PartToolCall, ToolCallID: "c1", ToolName: ToolWebSearch, Args: json.RawMessage(`{"query": "golang"}`)},
		{Kind: llm.PartToolCall, ToolCallID: "c2", ToolName: "telepathy", Args: json.RawMessage(`{}`)},
	}
	results, err := tools.ExecuteAll(context.Background(), "subagent-1", calls, rec.emit)
	if err != nil {
		t.Fatalf("ExecuteAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	first := results[0].Parts[0]
	if first.ToolCallID != "c1" {
		t.Fatalf("result order broken: %+v", first)
	}
	if !strings.Contains(string(first.Content), "https://go.dev") {
		t.Fatalf("search result content = %s", first.Content)
	}

	second := results[1].Parts[0]
	if second.ToolCallID != "c2" {
		t.Fatalf("result order broken: %+v", second)
	}
	if !strings.Contains(string(second.Content), "unknown tool") {
		t.Fatalf("unknown tool content = %s", second.Content)
	}

	if len(rec.byName(EventToolQuery)) != 1 || len(rec.byName(EventToolResults)) != 1 {
		t.Fatalf("unexpected event mix: %+v", rec.events)
	}
}

func TestExecuteAllValidatesArguments(t *testing.T) {
	t.Parallel()
	tools := NewToolset(discovery.NewService(config.SearchConfig{}, testLogger()))
	calls := []llm.Part{
		{Kind: llm.PartToolCall, ToolCallID: "c1", ToolName: ToolWebSearch, Args: json.RawMessage(`{"query": "  "}`)},
		{Kind: llm.PartToolCall, ToolCallID: "c2", ToolName: ToolWebFetch, Args: json.RawMessage(`{"urls": []}`)},
	}
	results, err := tools.ExecuteAll(context.Background(), "subagent-1", calls, (&eventRecorder{}).emit)
	if err != nil {
		t.Fatalf("ExecuteAll: %v", err)
	}
	for i, r := range results {
		if !strings.Contains(string(r.Parts[0].Content), "error") {
			t.Fatalf("call %d should fail validation: %s", i, r.Parts[0].Content)
		}
	}
}
