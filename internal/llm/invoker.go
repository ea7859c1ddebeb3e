package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/ratelimit"
	"github.com/mohammad-safakhou/deepresearch/internal/telemetry"
)

const limiterWindow = 60 * time.Second

// Built-in requests-per-minute quotas per provider family, used when the
// configuration does not override them.
var builtinRPM = map[string]int{
	"openai":    50,
	"anthropic": 50,
	"ollama":    30,
	"google":    5,
}

// Invoker routes model ids of the form "provider:model" to the right
// Provider and wraps every call in sliding-window admission plus
// provider-aware retry. Limiters come from a shared registry so all
// callers hitting the same provider/model share one quota.
type Invoker struct {
	registry    *ratelimit.Registry
	providers   map[string]Provider
	rpm         map[string]int
	defaultRPM  int
	maxAttempts int
	logger      *log.Logger
}

// NewInvoker wires providers against a shared limiter registry.
func NewInvoker(registry *ratelimit.Registry, providers map[string]Provider, cfg config.LLMConfig, maxAttempts int, logger *log.Logger) *Invoker {
	if logger == nil {
		logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	defaultRPM := cfg.RateLimits.DefaultRPM
	if defaultRPM <= 0 {
		defaultRPM = 10
	}
	return &Invoker{
		registry:    registry,
		providers:   providers,
		rpm:         cfg.RateLimits.ProviderRPM,
		defaultRPM:  defaultRPM,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// BuildProviders constructs provider clients from configuration, keyed by
// provider family name.
func BuildProviders(cfg config.LLMConfig) (map[string]Provider, error) {
	providers := make(map[string]Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		switch pc.Type {
		case "openai", "":
			providers[name] = NewOpenAIClient(name, pc.APIKey, pc.BaseURL, pc.Timeout)
		case "anthropic":
			providers[name] = NewAnthropicClient(pc.APIKey, pc.BaseURL, pc.Timeout)
		default:
			return nil, fmt.Errorf("unknown provider type %q for provider %q", pc.Type, name)
		}
	}
	return providers, nil
}

// SplitModel resolves a "provider:model" id. The id is split at the first
// colon so model names containing colons survive; an id with no colon is
// treated as a provider with its default model.
func SplitModel(id string) (provider, model string) {
	if i := strings.Index(id, ":"); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, "default"
}

func (inv *Invoker) rpmFor(provider string) int {
	if rpm, ok := inv.rpm[provider]; ok && rpm > 0 {
		return rpm
	}
	if rpm, ok := builtinRPM[provider]; ok {
		return rpm
	}
	return inv.defaultRPM
}

func (inv *Invoker) limiterFor(provider, model string) (*ratelimit.SlidingWindow, error) {
	rpm := inv.rpmFor(provider)
	key := fmt.Sprintf("rpm:%s:%s:%d", provider, model, rpm)
	return inv.registry.Get(key, rpm, limiterWindow)
}

// ProviderFor resolves a model id to its provider client and bare model
// name.
func (inv *Invoker) ProviderFor(id string) (Provider, string, error) {
	provider, model := SplitModel(id)
	p, ok := inv.providers[provider]
	if !ok {
		return nil, "", fmt.Errorf("no provider configured for %q (model id %q)", provider, id)
	}
	return p, model, nil
}

// Acquire blocks until the model's quota admits one call. Streaming calls
// use this for admission and then stream without retry, since a stream
// that has already emitted deltas cannot be replayed.
func (inv *Invoker) Acquire(ctx context.Context, id string) error {
	provider, model := SplitModel(id)
	limiter, err := inv.limiterFor(provider, model)
	if err != nil {
		return err
	}
	return limiter.Acquire(ctx)
}

// Run executes op under quota admission and provider-aware retry. The
// limiter is acquired before every attempt, so retries queue behind the
// shared quota rather than bypassing it.
func (inv *Invoker) Run(ctx context.Context, id string, op func(ctx context.Context, p Provider, model string) error) error {
	provider, model := SplitModel(id)
	p, ok := inv.providers[provider]
	if !ok {
		return fmt.Errorf("no provider configured for %q (model id %q)", provider, id)
	}
	limiter, err := inv.limiterFor(provider, model)
	if err != nil {
		return err
	}
	policy := ratelimit.Policy{
		MaxAttempts: inv.maxAttempts,
		Retryable:   retryPredicateFor(provider),
		Wait:        waitStrategyFor(provider, inv.logger),
	}
	return policy.Run(ctx, func(ctx context.Context) error {
		waitStart := time.Now()
		if err := limiter.Acquire(ctx); err != nil {
			return err
		}
		telemetry.RateLimitWait.WithLabelValues(provider).Observe(time.Since(waitStart).Seconds())

		callStart := time.Now()
		callErr := op(ctx, p, model)
		telemetry.ModelCallDuration.WithLabelValues(provider, model).Observe(time.Since(callStart).Seconds())
		outcome := "ok"
		if callErr != nil {
			outcome = "error"
		}
		telemetry.ModelCalls.WithLabelValues(provider, model, outcome).Inc()
		return callErr
	})
}

// Complete is the common non-streaming path: resolve, admit, call, retry.
func (inv *Invoker) Complete(ctx context.Context, id string, req Request) (Response, error) {
	var resp Response
	err := inv.Run(ctx, id, func(ctx context.Context, p Provider, model string) error {
		req.Model = model
		var callErr error
		resp, callErr = p.Complete(ctx, req)
		return callErr
	})
	return resp, err
}

// retryPredicateFor returns the transient-error test for a provider
// family. Only throttling-class failures are retried; everything else
// surfaces immediately.
func retryPredicateFor(provider string) func(error) bool {
	return func(err error) bool {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return false
		}
		switch provider {
		case "anthropic":
			return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == 529
		case "google":
			return apiErr.StatusCode == http.StatusTooManyRequests ||
				strings.Contains(apiErr.Message, "RESOURCE_EXHAUSTED")
		default:
			return apiErr.StatusCode == http.StatusTooManyRequests
		}
	}
}

// waitStrategyFor prefers the server's own throttling hint, scaled up per
// attempt, and falls back to plain exponential backoff.
func waitStrategyFor(provider string, logger *log.Logger) ratelimit.WaitStrategy {
	fallback := ratelimit.ExpBackoff(time.Second, 60*time.Second)
	return func(s ratelimit.AttemptState) time.Duration {
		var apiErr *APIError
		if errors.As(s.Err, &apiErr) {
			if hint, ok := apiErr.RetryHint(); ok {
				wait := ratelimit.HintBackoff(hint, s.Attempt, 300*time.Second)
				logger.Printf("%s throttled (attempt %d), server hint %s, waiting %s", provider, s.Attempt, hint, wait)
				return wait
			}
		}
		wait := fallback(s)
		logger.Printf("%s transient failure (attempt %d), waiting %s", provider, s.Attempt, wait)
		return wait
	}
}
