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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient implements Provider against the OpenAI chat completions
// API. It also serves OpenAI-compatible endpoints (ollama, gateways) via
// a custom base URL.
type OpenAIClient struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIClient creates a chat-completions client. name is the provider
// family used in errors and rate-limit keys ("openai", "ollama", ...).
func NewOpenAIClient(name, apiKey, baseURL string, timeout time.Duration) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIClient{
		name:       name,
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *OpenAIClient) Name() string { return c.name }

type oaToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type oaMessage struct {
	Role             string       `json:"role"`
	Content          string       `json:"content,omitempty"`
	ReasoningContent string       `json:"reasoning_content,omitempty"`
	ToolCalls        []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string       `json:"tool_call_id,omitempty"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type oaRequest struct {
	Model          string          `json:"model"`
	Messages       []oaMessage     `json:"messages"`
	Tools          []oaTool        `json:"tools,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type oaUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type oaResponse struct {
	Choices []struct {
		Message oaMessage `json:"message"`
	} `json:"choices"`
	Usage oaUsage `json:"usage"`
}

type oaChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *oaUsage `json:"usage"`
}

func (c *OpenAIClient) buildRequest(req Request, stream bool) (oaRequest, error) {
	body := oaRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, oaMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			m := oaMessage{Role: "assistant", Content: msg.Text()}
			for _, p := range msg.ToolCalls() {
				tc := oaToolCall{ID: p.ToolCallID, Type: "function"}
				tc.Function.Name = p.ToolName
				tc.Function.Arguments = string(p.Args)
				m.ToolCalls = append(m.ToolCalls, tc)
			}
			body.Messages = append(body.Messages, m)
		case RoleUser:
			for _, p := range msg.Parts {
				switch p.Kind {
				case PartText:
					body.Messages = append(body.Messages, oaMessage{Role: "user", Content: p.Text})
				case PartToolResult:
					body.Messages = append(body.Messages, oaMessage{
						Role:       "tool",
						ToolCallID: p.ToolCallID,
						Content:    string(p.Content),
					})
				}
			}
		default:
			return oaRequest{}, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	for _, t := range req.Tools {
		tool := oaTool{Type: "function"}
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, tool)
	}
	if req.ResponseSchema != nil {
		rf, err := json.Marshal(map[string]interface{}{
			"type": "json_schema",
			"json_schema": map[string]interface{}{
				"name":   "response",
				"strict": true,
				"schema": req.ResponseSchema,
			},
		})
		if err != nil {
			return oaRequest{}, fmt.Errorf("marshalling response format: %w", err)
		}
		body.ResponseFormat = rf
	}
	return body, nil
}

func (c *OpenAIClient) post(ctx context.Context, body oaRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{
			Provider:   c.name,
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return resp, nil
}

// Complete implements Provider.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	body, err := c.buildRequest(req, false)
	if err != nil {
		return Response{}, err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	var parsed oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Response{}, fmt.Errorf("parsing response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("no choices in response")
	}
	return Response{
		Message: fromOAMessage(parsed.Choices[0].Message),
		Usage:   Usage{InputTokens: parsed.Usage.PromptTokens, OutputTokens: parsed.Usage.CompletionTokens},
	}, nil
}

// Stream implements Provider.
func (c *OpenAIClient) Stream(ctx context.Context, req Request, onDelta func(StreamDelta)) (Response, error) {
	body, err := c.buildRequest(req, true)
	if err != nil {
		return Response{}, err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	var (
		text     strings.Builder
		thinking strings.Builder
		usage    Usage
	)
	calls := map[int]*oaToolCall{}
	maxCallIdx := -1

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk oaChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return Response{}, fmt.Errorf("parsing stream chunk: %w", err)
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			onDelta(StreamDelta{Text: delta.Content})
		}
		if delta.ReasoningContent != "" {
			thinking.WriteString(delta.ReasoningContent)
			onDelta(StreamDelta{Thinking: delta.ReasoningContent})
		}
		for _, tc := range delta.ToolCalls {
			cur, ok := calls[tc.Index]
			if !ok {
				cur = &oaToolCall{}
				calls[tc.Index] = cur
				if tc.Index > maxCallIdx {
					maxCallIdx = tc.Index
				}
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Function.Name = tc.Function.Name
			}
			cur.Function.Arguments += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, fmt.Errorf("reading stream: %w", err)
	}

	msg := Message{Role: RoleAssistant}
	if thinking.Len() > 0 {
		msg.Parts = append(msg.Parts, Part{Kind: PartThinking, Text: thinking.String()})
	}
	if text.Len() > 0 {
		msg.Parts = append(msg.Parts, Part{Kind: PartText, Text: text.String()})
	}
	for i := 0; i <= maxCallIdx; i++ {
		tc, ok := calls[i]
		if !ok {
			continue
		}
		msg.Parts = append(msg.Parts, Part{
			Kind:       PartToolCall,
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Args:       json.RawMessage(tc.Function.Arguments),
		})
	}
	return Response{Message: msg, Usage: usage}, nil
}

func fromOAMessage(m oaMessage) Message {
	msg := Message{Role: RoleAssistant}
	if m.ReasoningContent != "" {
		msg.Parts = append(msg.Parts, Part{Kind: PartThinking, Text: m.ReasoningContent})
	}
	if m.Content != "" {
		msg.Parts = append(msg.Parts, Part{Kind: PartText, Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		msg.Parts = append(msg.Parts, Part{
			Kind:       PartToolCall,
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Args:       json.RawMessage(tc.Function.Arguments),
		})
	}
	return msg
}
