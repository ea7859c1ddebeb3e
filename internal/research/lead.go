package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
)

// State tracks where the lead loop is.
type State string

const (
	StatePlanning           State = "PLANNING"
	StateAwaitingToolResult State = "AWAITING_TOOL_RESULT"
	StateDone               State = "DONE"
	StateFailed             State = "FAILED"
)

// RunStore persists conversation transcripts. Persistence is best
// effort; a storage failure never fails a run.
type RunStore interface {
	AppendMessages(ctx context.Context, conversationID string, msgs []llm.Message) error
}

// RunParams describes one research run.
type RunParams struct {
	SessionID      string
	ConversationID string
	Query          string
	History        []llm.Message
}

// Lead drives the top-level loop: the lead model plans, delegates
// batches of research to the worker pool through its one deferred tool,
// and finally writes the user-facing report.
type Lead struct {
	invoker   *llm.Invoker
	model     string
	pool      *WorkerPool
	store     RunStore
	maxRounds int
	logger    *log.Logger
}

func NewLead(invoker *llm.Invoker, model string, pool *WorkerPool, store RunStore, maxRounds int, logger *log.Logger) *Lead {
	if maxRounds <= 0 {
		maxRounds = 8
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[LEAD] ", log.LstdFlags)
	}
	return &Lead{
		invoker:   invoker,
		model:     model,
		pool:      pool,
		store:     store,
		maxRounds: maxRounds,
		logger:    logger,
	}
}

// Run executes a research run to completion. It returns the final report
// after emitting it, or an error after emitting a terminal error event.
// Exactly one of final_report and error terminates the stream.
func (l *Lead) Run(ctx context.Context, params RunParams, emit Emitter) (FinalReportData, error) {
	messages := append(append([]llm.Message(nil), params.History...),
		llm.TextMessage(llm.RoleUser, params.Query))
	l.persist(ctx, params.ConversationID, llm.TextMessage(llm.RoleUser, params.Query))

	var citations []CitationEntry
	state := StatePlanning

	for round := 0; round < l.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return l.fail(emit, err, "cancelled")
		}
		l.logger.Printf("session %s round %d state %s", params.SessionID, round+1, state)

		resp, err := l.streamLeadTurn(ctx, messages, true, emit)
		if err != nil {
			return l.fail(emit, err, "llm_error")
		}
		messages = append(messages, resp.Message)

		calls := resp.Message.ToolCalls()
		if len(calls) == 0 {
			state = StateDone
			return l.finish(ctx, params, resp.Message, citations, emit)
		}

		state = StateAwaitingToolResult
		l.persist(ctx, params.ConversationID, resp.Message)
		for _, call := range calls {
			result, grown := l.runDelegation(ctx, call, citations, emit)
			citations = grown
			messages = append(messages, result)
			l.persist(ctx, params.ConversationID, result)
		}
		state = StatePlanning
	}

	// Round budget exhausted; force a final answer without tools.
	l.logger.Printf("session %s hit round limit, forcing final answer", params.SessionID)
	messages = append(messages, llm.TextMessage(llm.RoleUser,
		"Stop delegating. Write the final answer now from the research you already have."))
	resp, err := l.streamLeadTurn(ctx, messages, false, emit)
	if err != nil {
		return l.fail(emit, err, "llm_error")
	}
	return l.finish(ctx, params, resp.Message, citations, emit)
}

// streamLeadTurn makes one streaming lead call. Admission goes through
// the shared quota, but a stream that has begun is never retried.
func (l *Lead) streamLeadTurn(ctx context.Context, messages []llm.Message, withTools bool, emit Emitter) (llm.Response, error) {
	if err := l.invoker.Acquire(ctx, l.model); err != nil {
		return llm.Response{}, fmt.Errorf("lead quota admission: %w", err)
	}
	provider, model, err := l.invoker.ProviderFor(l.model)
	if err != nil {
		return llm.Response{}, err
	}
	req := llm.Request{
		Model:    model,
		System:   leadSystemPrompt,
		Messages: messages,
	}
	if withTools {
		req.Tools = LeadTools()
	}
	resp, err := provider.Stream(ctx, req, func(d llm.StreamDelta) {
		if d.Thinking != "" {
			emit(LeadThinkingEvent(d.Thinking))
		}
		if d.Text != "" {
			emit(LeadAnswerEvent(d.Text))
		}
	})
	if err != nil {
		return llm.Response{}, fmt.Errorf("lead model call: %w", err)
	}
	return resp, nil
}

type delegationReport struct {
	Prompt string `json:"prompt"`
	Report string `json:"report"`
	Error  string `json:"error,omitempty"`
}

// runDelegation answers one run_parallel_subagents call. The reports
// returned to the lead keep their numeric markers so the lead can carry
// them into the final answer.
func (l *Lead) runDelegation(ctx context.Context, call llm.Part, citations []CitationEntry, emit Emitter) (llm.Message, []CitationEntry) {
	var args SubagentPromptsArgs
	if err := json.Unmarshal(call.Args, &args); err != nil || len(args.Prompts) == 0 {
		return llm.ToolResultMessage(call.ToolCallID, call.ToolName,
			toolError("run_parallel_subagents requires a non-empty prompts array")), citations
	}

	emit(Event{Name: EventToolQuery, Data: ToolQueryData{
		AgentID: "lead",
		Tool:    ToolRunParallelSubagents,
		Input:   strings.Join(args.Prompts, "\n"),
	}})

	results, grown := l.pool.RunBatch(ctx, args.Prompts, citations, emit)

	reports := make([]delegationReport, len(results))
	for i, r := range results {
		reports[i] = delegationReport{Prompt: r.Prompt, Report: r.Report}
		if r.Err != nil {
			reports[i].Error = r.Err.Error()
		}
	}
	payload, err := json.Marshal(map[string]interface{}{"reports": reports})
	if err != nil {
		payload = toolError(fmt.Sprintf("encoding subagent reports: %v", err))
	}
	return llm.ToolResultMessage(call.ToolCallID, call.ToolName, payload), grown
}

// finish emits the terminal final_report. The emitted and persisted text
// carries markdown source links in place of numeric markers; the raw
// markers live on in the citation table.
func (l *Lead) finish(ctx context.Context, params RunParams, final llm.Message, citations []CitationEntry, emit Emitter) (FinalReportData, error) {
	report := ReplaceMarkers(final.Text(), citations)
	data := FinalReportData{Report: report, Citations: citations}
	emit(Event{Name: EventFinalReport, Data: data})
	l.persist(ctx, params.ConversationID, llm.TextMessage(llm.RoleAssistant, report))
	return data, nil
}

func (l *Lead) fail(emit Emitter, err error, errType string) (FinalReportData, error) {
	emit(ErrorEvent(err, errType))
	return FinalReportData{}, err
}

func (l *Lead) persist(ctx context.Context, conversationID string, msgs ...llm.Message) {
	if l.store == nil || conversationID == "" {
		return
	}
	if err := l.store.AppendMessages(ctx, conversationID, msgs); err != nil {
		l.logger.Printf("persisting conversation %s failed: %v", conversationID, err)
	}
}
