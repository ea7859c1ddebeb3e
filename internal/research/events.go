// Package research implements the lead/subagent answering pipeline:
// a lead agent plans and delegates, parallel subagents search and fetch
// the web, and a citation pass stabilizes source references before the
// final report is produced.
package research

import (
	"encoding/json"
	"fmt"
)

// Event names streamed to clients over SSE.
const (
	EventSessionCreated       = "session_created"
	EventLeadThinking         = "lead_thinking"
	EventLeadAnswer           = "lead_answer"
	EventToolQuery            = "tool_query"
	EventToolResults          = "tool_results"
	EventWorkerBatchCompleted = "worker_batch_completed"
	EventFinalReport          = "final_report"
	EventError                = "error"
)

// Event is one streamed pipeline update. Data must marshal to JSON.
type Event struct {
	Name string
	Data interface{}
}

// Emitter receives pipeline events as they happen. Implementations must
// be safe for concurrent use; subagents emit from their own goroutines.
type Emitter func(Event)

// ToolQueryData describes a tool invocation about to run.
type ToolQueryData struct {
	AgentID string `json:"agent_id"`
	Tool    string `json:"tool"`
	Input   string `json:"input"`
}

// ToolResultsData summarizes a finished tool invocation.
type ToolResultsData struct {
	AgentID string   `json:"agent_id"`
	Tool    string   `json:"tool"`
	Count   int      `json:"count"`
	URLs    []string `json:"urls,omitempty"`
}

// WorkerBatchData summarizes a completed parallel subagent batch.
type WorkerBatchData struct {
	Count  int `json:"count"`
	Failed int `json:"failed"`
}

// FinalReportData carries the finished report with its citation table.
type FinalReportData struct {
	Report    string          `json:"report"`
	Citations []CitationEntry `json:"citations"`
}

// ErrorData is the payload of a terminal error event.
type ErrorData struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
	Details   string `json:"details,omitempty"`
}

func SessionCreatedEvent(sessionID, conversationID string) Event {
	return Event{Name: EventSessionCreated, Data: map[string]string{
		"session_id":      sessionID,
		"conversation_id": conversationID,
	}}
}

func LeadThinkingEvent(text string) Event {
	return Event{Name: EventLeadThinking, Data: map[string]string{"text": text}}
}

func LeadAnswerEvent(text string) Event {
	return Event{Name: EventLeadAnswer, Data: map[string]string{"text": text}}
}

func ErrorEvent(err error, errType string) Event {
	return Event{Name: EventError, Data: ErrorData{
		Error:     "research run failed",
		ErrorType: errType,
		Details:   err.Error(),
	}}
}

// FormatSSE renders an event in server-sent-event wire form:
// an event line, a data line holding the JSON payload, and a blank line.
func FormatSSE(ev Event) (string, error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return "", fmt.Errorf("marshalling %s event: %w", ev.Name, err)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Name, payload), nil
}
