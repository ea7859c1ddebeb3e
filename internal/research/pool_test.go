package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
)

// fakeResearcher returns a canned report per prompt, optionally sleeping
// so later tasks finish before earlier ones.
type fakeResearcher struct {
	delays map[string]time.Duration
	fail   map[string]error

	mu      sync.Mutex
	started []string
}

func (f *fakeResearcher) Research(ctx context.Context, agentID, prompt string, emit Emitter) (string, []llm.Message, error) {
	f.mu.Lock()
	f.started = append(f.started, prompt)
	f.mu.Unlock()

	if d, ok := f.delays[prompt]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	if err, ok := f.fail[prompt]; ok {
		return "", nil, err
	}
	return "report for " + prompt, nil, nil
}

// passthroughStabilizer numbers each report's source without a model:
// every report gets one citation derived from its prompt.
type passthroughStabilizer struct{}

func (passthroughStabilizer) Stabilize(ctx context.Context, report string, pages []FetchedPage, seed []CitationEntry) (string, []CitationEntry, error) {
	url := "https://" + strings.TrimPrefix(report, "report for ") + ".test"
	proposed := []CitationEntry{{N: 1, URL: url}}
	annotated, entries := Renumber(report+" [1]", proposed, seed)
	return annotated, entries, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byName(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunBatchKeepsInputOrderDespiteCompletionOrder(t *testing.T) {
	t.Parallel()
	agent := &fakeResearcher{delays: map[string]time.Duration{
		"slow":   80 * time.Millisecond,
		"medium": 40 * time.Millisecond,
		"fast":   0,
	}}
	pool := NewWorkerPool(agent, passthroughStabilizer{}, 10, 3, time.Minute, testLogger())
	rec := &eventRecorder{}

	results, _ := pool.RunBatch(context.Background(), []string{"slow", "medium", "fast"}, nil, rec.emit)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, prompt := range []string{"slow", "medium", "fast"} {
		if results[i].Prompt != prompt {
			t.Fatalf("result %d prompt = %q, want %q", i, results[i].Prompt, prompt)
		}
		if !strings.Contains(results[i].Report, "report for "+prompt) {
			t.Fatalf("result %d report = %q", i, results[i].Report)
		}
	}
}

func TestRunBatchCapsTaskCount(t *testing.T) {
	t.Parallel()
	agent := &fakeResearcher{}
	pool := NewWorkerPool(agent, passthroughStabilizer{}, 10, 3, time.Minute, testLogger())

	prompts := make([]string, 15)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("task-%d", i)
	}
	results, _ := pool.RunBatch(context.Background(), prompts, nil, (&eventRecorder{}).emit)

	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	if len(agent.started) != 10 {
		t.Fatalf("started %d tasks, want 10", len(agent.started))
	}
}

func TestRunBatchSubstitutesFailedTasks(t *testing.T) {
	t.Parallel()
	boom := errors.New("model unavailable")
	agent := &fakeResearcher{fail: map[string]error{"b": boom}}
	pool := NewWorkerPool(agent, passthroughStabilizer{}, 10, 2, time.Minute, testLogger())
	rec := &eventRecorder{}

	results, _ := pool.RunBatch(context.Background(), []string{"a", "b", "c"}, nil, rec.emit)

	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("healthy tasks failed: %+v", results)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Fatalf("result 1 err = %v, want %v", results[1].Err, boom)
	}
	if !strings.Contains(results[1].Report, "failed") {
		t.Fatalf("failed task report = %q", results[1].Report)
	}

	batches := rec.byName(EventWorkerBatchCompleted)
	if len(batches) != 1 {
		t.Fatalf("got %d batch events, want 1", len(batches))
	}
	data := batches[0].Data.(WorkerBatchData)
	if data.Count != 3 || data.Failed != 1 {
		t.Fatalf("batch data = %+v", data)
	}
}

func TestRunBatchNumbersCitationsInTaskOrder(t *testing.T) {
	t.Parallel()
	// The slowest task is first; if stabilization followed completion
	// order its source would not get number 1.
	agent := &fakeResearcher{delays: map[string]time.Duration{
		"alpha": 60 * time.Millisecond,
	}}
	pool := NewWorkerPool(agent, passthroughStabilizer{}, 10, 3, time.Minute, testLogger())

	_, table := pool.RunBatch(context.Background(), []string{"alpha", "beta"}, nil, (&eventRecorder{}).emit)

	if len(table) != 2 {
		t.Fatalf("got %d citations, want 2", len(table))
	}
	if table[0].N != 1 || table[0].URL != "https://alpha.test" {
		t.Fatalf("citation 1 = %+v", table[0])
	}
	if table[1].N != 2 || table[1].URL != "https://beta.test" {
		t.Fatalf("citation 2 = %+v", table[1])
	}
}

func TestRunBatchGrowsSeededTable(t *testing.T) {
	t.Parallel()
	seed := []CitationEntry{{N: 1, URL: "https://seeded.test"}}
	pool := NewWorkerPool(&fakeResearcher{}, passthroughStabilizer{}, 10, 2, time.Minute, testLogger())

	_, table := pool.RunBatch(context.Background(), []string{"gamma"}, seed, (&eventRecorder{}).emit)

	if len(table) != 2 {
		t.Fatalf("got %d citations, want 2", len(table))
	}
	if table[0].URL != "https://seeded.test" || table[0].N != 1 {
		t.Fatalf("seeded citation moved: %+v", table[0])
	}
	if table[1].N != 2 {
		t.Fatalf("new citation = %+v", table[1])
	}
}
