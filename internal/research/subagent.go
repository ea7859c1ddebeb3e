package research

import (
	"context"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
)

// Subagent runs one research task: a tool loop of web searches and page
// fetches ending in a written report.
type Subagent struct {
	invoker       *llm.Invoker
	model         string
	tools         *Toolset
	maxToolRounds int
	logger        *log.Logger
}

func NewSubagent(invoker *llm.Invoker, model string, tools *Toolset, maxToolRounds int, logger *log.Logger) *Subagent {
	if maxToolRounds <= 0 {
		maxToolRounds = 20
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SUBAGENT] ", log.LstdFlags)
	}
	return &Subagent{
		invoker:       invoker,
		model:         model,
		tools:         tools,
		maxToolRounds: maxToolRounds,
		logger:        logger,
	}
}

// Research executes the task and returns the report together with the
// full transcript, which the citation pass later mines for evidence.
func (a *Subagent) Research(ctx context.Context, agentID, prompt string, emit Emitter) (string, []llm.Message, error) {
	messages := []llm.Message{llm.TextMessage(llm.RoleUser, prompt)}

	for round := 0; round < a.maxToolRounds; round++ {
		resp, err := a.invoker.Complete(ctx, a.model, llm.Request{
			System:   subagentSystemPrompt,
			Messages: messages,
			Tools:    SubagentTools(),
		})
		if err != nil {
			return "", messages, fmt.Errorf("subagent model call: %w", err)
		}
		messages = append(messages, resp.Message)

		calls := resp.Message.ToolCalls()
		if len(calls) == 0 {
			return resp.Message.Text(), messages, nil
		}
		a.logger.Printf("%s round %d: %d tool call(s)", agentID, round+1, len(calls))

		results, err := a.tools.ExecuteAll(ctx, agentID, calls, emit)
		if err != nil {
			return "", messages, err
		}
		messages = append(messages, results...)
	}

	// Tool budget exhausted; force a report from what was gathered.
	messages = append(messages, llm.TextMessage(llm.RoleUser,
		"Stop researching. Write your report now using only the material you already have."))
	resp, err := a.invoker.Complete(ctx, a.model, llm.Request{
		System:   subagentSystemPrompt,
		Messages: messages,
	})
	if err != nil {
		return "", messages, fmt.Errorf("subagent wrap-up call: %w", err)
	}
	messages = append(messages, resp.Message)
	return resp.Message.Text(), messages, nil
}
