package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAnthropicCompleteMapsToolUse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("version header = %q, want %q", got, anthropicVersion)
		}
		var body anthRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if body.System != "be brief" {
			t.Errorf("system = %q, want %q", body.System, "be brief")
		}
		_, _ = w.Write([]byte(`{
			"content": [
				{"type": "text", "text": "searching"},
				{"type": "tool_use", "id": "toolu_1", "name": "web_search", "input": {"query": "go"}}
			],
			"usage": {"input_tokens": 11, "output_tokens": 6}
		}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("key", srv.URL, time.Second)
	resp, err := c.Complete(context.Background(), Request{
		Model:    "claude-test",
		System:   "be brief",
		Messages: []Message{TextMessage(RoleUser, "hi")},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := resp.Message.Text(); got != "searching" {
		t.Fatalf("text = %q, want %q", got, "searching")
	}
	calls := resp.Message.ToolCalls()
	if len(calls) != 1 || calls[0].ToolName != "web_search" || calls[0].ToolCallID != "toolu_1" {
		t.Fatalf("tool calls = %+v", calls)
	}
	if resp.Usage.InputTokens != 11 || resp.Usage.OutputTokens != 6 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestAnthropicResponseSchemaReachesSystemPrompt(t *testing.T) {
	t.Parallel()
	schema := json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}}}`)
	var wireSystem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body anthRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		wireSystem = body.System
		_, _ = w.Write([]byte(`{"content": [{"type": "text", "text": "{\"n\": 1}"}], "usage": {}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("key", srv.URL, time.Second)
	_, err := c.Complete(context.Background(), Request{
		Model:          "claude-test",
		System:         "cite things",
		Messages:       []Message{TextMessage(RoleUser, "report")},
		ResponseSchema: schema,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !strings.HasPrefix(wireSystem, "cite things") {
		t.Fatalf("original system prompt lost: %q", wireSystem)
	}
	if !strings.Contains(wireSystem, string(schema)) {
		t.Fatalf("schema missing from system prompt: %q", wireSystem)
	}
	if !strings.Contains(wireSystem, "single JSON object") {
		t.Fatalf("format instruction missing: %q", wireSystem)
	}
}
