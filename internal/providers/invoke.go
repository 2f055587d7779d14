package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/navillasa/assistant-orchestrator/internal/cost"
	"github.com/navillasa/assistant-orchestrator/internal/transport"
)

// DefaultTimeout bounds a provider call when none is configured
const DefaultTimeout = 30 * time.Second

// Invoker calls providers with a per-call timeout and turns the outcome into
// a Result priced by the cost engine, or an *Error.
type Invoker struct {
	costs *cost.Engine
	now   func() time.Time
}

// NewInvoker creates an invoker pricing results with costs
func NewInvoker(costs *cost.Engine) *Invoker {
	return &Invoker{costs: costs, now: time.Now}
}

type completionOutcome struct {
	completion *Completion
	err        error
}

// Invoke sends history plus prompt to p. A call exceeding timeout is
// abandoned, its late result discarded, and reported as ErrTimeout.
func (iv *Invoker) Invoke(ctx context.Context, p Provider, model string, history []Message, prompt string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if model == "" {
		model = p.DefaultModel()
	}

	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: prompt})

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := iv.now()
	done := make(chan completionOutcome, 1)
	go func() {
		c, err := p.Complete(callCtx, Request{Model: model, Messages: messages})
		done <- completionOutcome{completion: c, err: err}
	}()

	var out completionOutcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		return nil, &Error{
			Provider: p.Name(),
			Kind:     ErrTimeout,
			Message:  fmt.Sprintf("no response within %s", timeout),
			Err:      callCtx.Err(),
		}
	}
	latency := iv.now().Sub(start)

	if out.err != nil {
		if errors.Is(out.err, context.DeadlineExceeded) && callCtx.Err() != nil {
			return nil, &Error{Provider: p.Name(), Kind: ErrTimeout, Message: out.err.Error(), Err: out.err}
		}
		return nil, Normalize(p.Name(), out.err)
	}
	if out.completion == nil || strings.TrimSpace(out.completion.Content) == "" {
		return nil, invalidResponse(p.Name(), "empty completion")
	}

	c := out.completion
	if c.Model == "" {
		c.Model = model
	}
	promptTokens, completionTokens := c.PromptTokens, c.CompletionTokens
	if promptTokens == 0 {
		for _, m := range messages {
			promptTokens += cost.EstimateTokens(m.Content)
		}
	}
	if completionTokens == 0 {
		completionTokens = cost.EstimateTokens(c.Content)
	}

	return &Result{
		Provider:         p.Name(),
		Model:            c.Model,
		Content:          c.Content,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             iv.costs.Calculate(p.Name(), c.Model, promptTokens, completionTokens).Total,
		Latency:          latency,
		FinishReason:     c.FinishReason,
	}, nil
}

// New builds a provider adapter from its configuration and registers its
// pricing with costs. A provider with its own pricing table gets a private
// pricing family instead of sharing its type's.
func New(cfg ProviderConfig, costs *cost.Engine) (Provider, error) {
	client, err := transport.NewClient(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}

	p, err := NewWithClient(cfg, client)
	if err != nil {
		return nil, err
	}

	if costs != nil {
		if len(cfg.Pricing) == 0 {
			costs.RegisterProvider(p.Name(), p.Type())
		} else {
			costs.RegisterProvider(p.Name(), p.Name())
			for model, pricing := range cfg.Pricing {
				costs.SetPricing(p.Name(), model, pricing)
			}
			costs.SetDefaultModel(p.Name(), p.DefaultModel())
		}
	}
	return p, nil
}

// NewWithClient builds a provider adapter on an explicit HTTP client
func NewWithClient(cfg ProviderConfig, client *http.Client) (Provider, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}

	switch cfg.Type {
	case "openai":
		return NewOpenAIProvider(cfg, client), nil
	case "claude", "anthropic":
		return NewClaudeProvider(cfg, client), nil
	case "gemini", "google":
		return NewGeminiProvider(cfg, client), nil
	}
	return nil, fmt.Errorf("provider %s: unknown type %q", cfg.Name, cfg.Type)
}
