package research

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
)

// researcher runs one research task. Satisfied by *Subagent.
type researcher interface {
	Research(ctx context.Context, agentID, prompt string, emit Emitter) (string, []llm.Message, error)
}

// reportStabilizer annotates a report with stable citations. Satisfied
// by *Stabilizer.
type reportStabilizer interface {
	Stabilize(ctx context.Context, report string, pages []FetchedPage, seed []CitationEntry) (string, []CitationEntry, error)
}

// TaskResult is the outcome of one delegated research task. Report holds
// the citation-annotated text, or a short failure note when Err is set.
type TaskResult struct {
	Prompt string
	Report string
	Err    error
}

// WorkerPool fans research tasks out to parallel subagents and fans
// their reports back in. Results always come back in input order, the
// batch is capped at maxTasks, and a failed task is substituted with a
// failure note instead of sinking the batch.
type WorkerPool struct {
	agent       researcher
	stabilizer  reportStabilizer
	maxTasks    int
	concurrency int
	taskTimeout time.Duration
	logger      *log.Logger
}

func NewWorkerPool(agent researcher, stab reportStabilizer, maxTasks, concurrency int, taskTimeout time.Duration, logger *log.Logger) *WorkerPool {
	if maxTasks <= 0 {
		maxTasks = 10
	}
	if concurrency <= 0 {
		concurrency = 3
	}
	if taskTimeout <= 0 {
		taskTimeout = 6 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[POOL] ", log.LstdFlags)
	}
	return &WorkerPool{
		agent:       agent,
		stabilizer:  stab,
		maxTasks:    maxTasks,
		concurrency: concurrency,
		taskTimeout: taskTimeout,
		logger:      logger,
	}
}

// RunBatch runs one batch of research prompts and returns per-task
// results plus the citation table grown from seed. Research runs in
// parallel under the concurrency bound; citation stabilization then runs
// sequentially in task order, so citation numbers never depend on which
// subagent happened to finish first.
func (p *WorkerPool) RunBatch(ctx context.Context, prompts []string, seed []CitationEntry, emit Emitter) ([]TaskResult, []CitationEntry) {
	if len(prompts) > p.maxTasks {
		p.logger.Printf("capping batch from %d to %d tasks", len(prompts), p.maxTasks)
		prompts = prompts[:p.maxTasks]
	}

	type rawResult struct {
		report     string
		transcript []llm.Message
		err        error
	}
	raw := make([]rawResult, len(prompts))

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for i, prompt := range prompts {
		wg.Add(1)
		go func(i int, prompt string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			taskCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
			defer cancel()

			agentID := fmt.Sprintf("subagent-%d", i+1)
			report, transcript, err := p.agent.Research(taskCtx, agentID, prompt, emit)
			raw[i] = rawResult{report: report, transcript: transcript, err: err}
		}(i, prompt)
	}
	wg.Wait()

	results := make([]TaskResult, len(prompts))
	table := seed
	failed := 0
	for i, r := range raw {
		results[i] = TaskResult{Prompt: prompts[i]}
		if r.err != nil {
			failed++
			p.logger.Printf("task %d failed: %v", i+1, r.err)
			results[i].Err = r.err
			results[i].Report = fmt.Sprintf("Research task failed: %v", r.err)
			continue
		}
		pages := FilterFetchResults(r.transcript)
		annotated, grown, err := p.stabilizer.Stabilize(ctx, r.report, pages, table)
		if err != nil {
			// Citation failure keeps the unannotated report.
			p.logger.Printf("citation pass for task %d failed: %v", i+1, err)
			results[i].Report = r.report
			continue
		}
		results[i].Report = annotated
		table = grown
	}

	emit(Event{Name: EventWorkerBatchCompleted, Data: WorkerBatchData{Count: len(results), Failed: failed}})
	return results, table
}
