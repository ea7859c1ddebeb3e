package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/deepresearch/internal/discovery"
	"github.com/mohammad-safakhou/deepresearch/internal/llm"
)

// Tool names exposed to the models.
const (
	ToolWebSearch             = "web_search"
	ToolWebFetch              = "web_fetch"
	ToolRunParallelSubagents  = "run_parallel_subagents"
	defaultSearchResultsCount = 10
)

// SubagentTools returns the tool surface research subagents may call.
func SubagentTools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        ToolWebSearch,
			Description: "Search the web for a query and return result titles, URLs and snippets.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "The search query"},
					"max_results": {"type": "integer", "description": "Maximum results to return", "default": 10}
				},
				"required": ["query"],
				"additionalProperties": false
			}`),
		},
		{
			Name:        ToolWebFetch,
			Description: "Fetch one or more URLs and return the readable page text. Fetch pages before citing them.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"urls": {"type": "array", "items": {"type": "string"}, "description": "URLs to fetch"}
				},
				"required": ["urls"],
				"additionalProperties": false
			}`),
		},
	}
}

// LeadTools returns the lead agent's single delegation tool. The tool is
// deferred: the model's call is answered only after the whole subagent
// batch has finished.
func LeadTools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        ToolRunParallelSubagents,
			Description: "Run research subagents in parallel, one per prompt. Each subagent independently searches and reads the web and returns a research report. Use focused, self-contained prompts.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"prompts": {
						"type": "array",
						"items": {"type": "string"},
						"description": "One self-contained research task per subagent"
					}
				},
				"required": ["prompts"],
				"additionalProperties": false
			}`),
		},
	}
}

// SubagentPromptsArgs is the payload of a run_parallel_subagents call.
type SubagentPromptsArgs struct {
	Prompts []string `json:"prompts"`
}

type webSearchArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type webFetchArgs struct {
	URLs []string `json:"urls"`
}

// Toolset executes subagent tool calls against the discovery service.
type Toolset struct {
	discovery *discovery.Service
}

func NewToolset(d *discovery.Service) *Toolset {
	return &Toolset{discovery: d}
}

// ExecuteAll runs every tool call of one assistant turn, in parallel when
// there is more than one, and returns the result messages in call order.
// Tool failures are reported back to the model as content, never as
// errors; only context cancellation aborts the batch.
func (t *Toolset) ExecuteAll(ctx context.Context, agentID string, calls []llm.Part, emit Emitter) ([]llm.Message, error) {
	results := make([]llm.Message, len(calls))
	g, ctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			content := t.execute(ctx, agentID, call, emit)
			results[i] = llm.ToolResultMessage(call.ToolCallID, call.ToolName, content)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (t *Toolset) execute(ctx context.Context, agentID string, call llm.Part, emit Emitter) json.RawMessage {
	switch call.ToolName {
	case ToolWebSearch:
		return t.executeSearch(ctx, agentID, call, emit)
	case ToolWebFetch:
		return t.executeFetch(ctx, agentID, call, emit)
	default:
		return toolError(fmt.Sprintf("unknown tool %q", call.ToolName))
	}
}

func (t *Toolset) executeSearch(ctx context.Context, agentID string, call llm.Part, emit Emitter) json.RawMessage {
	var args webSearchArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return toolError(fmt.Sprintf("invalid web_search arguments: %v", err))
	}
	if strings.TrimSpace(args.Query) == "" {
		return toolError("web_search requires a non-empty query")
	}
	if args.MaxResults <= 0 {
		args.MaxResults = defaultSearchResultsCount
	}
	emit(Event{Name: EventToolQuery, Data: ToolQueryData{AgentID: agentID, Tool: ToolWebSearch, Input: args.Query}})

	results, err := t.discovery.Search(ctx, args.Query, args.MaxResults)
	if err != nil {
		return toolError(fmt.Sprintf("search failed: %v", err))
	}
	urls := make([]string, 0, len(results))
	for _, r := range results {
		urls = append(urls, r.URL)
	}
	emit(Event{Name: EventToolResults, Data: ToolResultsData{
		AgentID: agentID, Tool: ToolWebSearch, Count: len(results), URLs: urls,
	}})
	payload, err := json.Marshal(results)
	if err != nil {
		return toolError(fmt.Sprintf("encoding search results: %v", err))
	}
	return payload
}

func (t *Toolset) executeFetch(ctx context.Context, agentID string, call llm.Part, emit Emitter) json.RawMessage {
	var args webFetchArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return toolError(fmt.Sprintf("invalid web_fetch arguments: %v", err))
	}
	if len(args.URLs) == 0 {
		return toolError("web_fetch requires at least one url")
	}
	emit(Event{Name: EventToolQuery, Data: ToolQueryData{
		AgentID: agentID, Tool: ToolWebFetch, Input: strings.Join(args.URLs, ", "),
	}})

	results := t.discovery.Fetch(ctx, args.URLs)
	fetched := 0
	for _, r := range results {
		if r.Error == "" {
			fetched++
		}
	}
	emit(Event{Name: EventToolResults, Data: ToolResultsData{
		AgentID: agentID, Tool: ToolWebFetch, Count: fetched, URLs: args.URLs,
	}})
	payload, err := json.Marshal(results)
	if err != nil {
		return toolError(fmt.Sprintf("encoding fetch results: %v", err))
	}
	return payload
}

func toolError(msg string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	return payload
}
