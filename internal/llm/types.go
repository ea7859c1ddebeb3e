package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartKind discriminates the typed parts a message is composed of.
type PartKind string

const (
	PartText       PartKind = "text"
	PartThinking   PartKind = "thinking"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
)

// Part is one typed segment of a message. Exactly the fields relevant to
// its kind are populated.
type Part struct {
	Kind PartKind `json:"kind"`

	// PartText / PartThinking
	Text string `json:"text,omitempty"`

	// PartToolCall / PartToolResult
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
}

// Message is one entry of a conversation transcript.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// TextMessage builds a single-part text message.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{{Kind: PartText, Text: text}}}
}

// ToolResultMessage builds a user-side message answering a tool call.
func ToolResultMessage(callID, toolName string, content json.RawMessage) Message {
	return Message{Role: RoleUser, Parts: []Part{{
		Kind:       PartToolResult,
		ToolCallID: callID,
		ToolName:   toolName,
		Content:    content,
	}}}
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the tool-call parts of the message in order.
func (m Message) ToolCalls() []Part {
	var calls []Part
	for _, p := range m.Parts {
		if p.Kind == PartToolCall {
			calls = append(calls, p)
		}
	}
	return calls
}

// ToolDefinition declares a tool the model may call. Parameters is a JSON
// schema object.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a provider-agnostic model invocation.
type Request struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDefinition
	// ResponseSchema, when set, constrains the output to a JSON document
	// matching the schema (structured output).
	ResponseSchema json.RawMessage
	MaxTokens      int
	Temperature    float64
}

// Usage reports token consumption of one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the provider-agnostic result of one model call.
type Response struct {
	Message Message
	Usage   Usage
}

// StreamDelta carries an incremental piece of a streamed response.
type StreamDelta struct {
	Text     string
	Thinking string
}

// Provider is implemented by each model API client.
type Provider interface {
	// Name returns the provider family name, e.g. "openai".
	Name() string

	// Complete performs one bounded (non-streaming) call.
	Complete(ctx context.Context, req Request) (Response, error)

	// Stream performs one streaming call, invoking onDelta for each text
	// or thinking increment, and returns the assembled response. A call
	// that has started streaming cannot be retried.
	Stream(ctx context.Context, req Request, onDelta func(StreamDelta)) (Response, error)
}
