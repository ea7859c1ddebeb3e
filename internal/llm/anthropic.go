package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
)

// AnthropicClient implements Provider against the Anthropic messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewAnthropicClient(apiKey, baseURL string, timeout time.Duration) *AnthropicClient {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

type anthContent struct {
	Type string `json:"type"`

	// text / thinking
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthMessage struct {
	Role    string        `json:"role"`
	Content []anthContent `json:"content"`
}

type anthTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []anthMessage `json:"messages"`
	Tools     []anthTool    `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream,omitempty"`
}

type anthUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthResponse struct {
	Content []anthContent `json:"content"`
	Usage   anthUsage     `json:"usage"`
}

func (c *AnthropicClient) buildRequest(req Request, stream bool) anthRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	system := req.System
	if req.ResponseSchema != nil {
		// The messages API has no response_format; the schema rides in as
		// a system instruction instead.
		instruction := fmt.Sprintf(
			"Respond with a single JSON object matching this JSON schema, with no surrounding text:\n%s",
			req.ResponseSchema)
		if system != "" {
			system += "\n\n" + instruction
		} else {
			system = instruction
		}
	}
	body := anthRequest{
		Model:     req.Model,
		System:    system,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	for _, msg := range req.Messages {
		m := anthMessage{Role: string(msg.Role)}
		for _, p := range msg.Parts {
			switch p.Kind {
			case PartText:
				m.Content = append(m.Content, anthContent{Type: "text", Text: p.Text})
			case PartThinking:
				// Thinking blocks are not resent on subsequent turns.
			case PartToolCall:
				m.Content = append(m.Content, anthContent{
					Type:  "tool_use",
					ID:    p.ToolCallID,
					Name:  p.ToolName,
					Input: p.Args,
				})
			case PartToolResult:
				m.Content = append(m.Content, anthContent{
					Type:      "tool_result",
					ToolUseID: p.ToolCallID,
					Content:   string(p.Content),
				})
			}
		}
		if len(m.Content) > 0 {
			body.Messages = append(body.Messages, m)
		}
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return body
}

func (c *AnthropicClient) post(ctx context.Context, body anthRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{
			Provider:   "anthropic",
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return resp, nil
}

// Complete implements Provider. Structured output is approximated by
// embedding the schema in the system prompt since the messages API has
// no response_format; callers validate the JSON they get back.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	body := c.buildRequest(req, false)
	resp, err := c.post(ctx, body)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	var parsed anthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Response{}, fmt.Errorf("parsing response: %w", err)
	}
	return Response{
		Message: fromAnthContent(parsed.Content),
		Usage:   Usage{InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens},
	}, nil
}

type anthStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *anthContent `json:"content_block"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Usage   *anthUsage `json:"usage"`
	Message *struct {
		Usage anthUsage `json:"usage"`
	} `json:"message"`
}

// Stream implements Provider.
func (c *AnthropicClient) Stream(ctx context.Context, req Request, onDelta func(StreamDelta)) (Response, error) {
	body := c.buildRequest(req, true)
	resp, err := c.post(ctx, body)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	type block struct {
		content anthContent
		args    strings.Builder
	}
	blocks := map[int]*block{}
	order := []int{}
	var usage Usage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var ev anthStreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return Response{}, fmt.Errorf("parsing stream event: %w", err)
		}
		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_start":
			if ev.ContentBlock != nil {
				b := &block{content: *ev.ContentBlock}
				b.content.Input = nil
				blocks[ev.Index] = b
				order = append(order, ev.Index)
			}
		case "content_block_delta":
			b, ok := blocks[ev.Index]
			if !ok || ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				b.content.Text += ev.Delta.Text
				onDelta(StreamDelta{Text: ev.Delta.Text})
			case "thinking_delta":
				b.content.Thinking += ev.Delta.Thinking
				onDelta(StreamDelta{Thinking: ev.Delta.Thinking})
			case "input_json_delta":
				b.args.WriteString(ev.Delta.PartialJSON)
			}
		case "message_delta":
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("reading stream: %w", err)
	}

	content := make([]anthContent, 0, len(order))
	for _, idx := range order {
		b := blocks[idx]
		if b.content.Type == "tool_use" {
			args := b.args.String()
			if args == "" {
				args = "{}"
			}
			b.content.Input = json.RawMessage(args)
		}
		content = append(content, b.content)
	}
	return Response{Message: fromAnthContent(content), Usage: usage}, nil
}

func fromAnthContent(content []anthContent) Message {
	msg := Message{Role: RoleAssistant}
	for _, c := range content {
		switch c.Type {
		case "text":
			msg.Parts = append(msg.Parts, Part{Kind: PartText, Text: c.Text})
		case "thinking":
			msg.Parts = append(msg.Parts, Part{Kind: PartThinking, Text: c.Thinking})
		case "tool_use":
			msg.Parts = append(msg.Parts, Part{
				Kind:       PartToolCall,
				ToolCallID: c.ID,
				ToolName:   c.Name,
				Args:       c.Input,
			})
		}
	}
	return msg
}
