package providers

import (
	"context"
	"time"

	"github.com/navillasa/assistant-orchestrator/internal/cost"
	"github.com/navillasa/assistant-orchestrator/internal/transport"
)

// Provider represents an external LLM provider
type Provider interface {
	// Name returns the configured provider name (e.g., "primary", "openai")
	Name() string

	// Type returns the adapter and pricing family ("openai", "claude", "gemini")
	Type() string

	// DefaultModel returns the model used when a request names none
	DefaultModel() string

	// Complete sends a chat completion request. Errors are *Error values.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// Health checks if the provider is reachable with the configured credentials
	Health(ctx context.Context) error
}

// Message is a provider-agnostic chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic completion request
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// Completion is what an adapter extracted from a provider response
type Completion struct {
	Model            string
	Content          string
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
}

// Result is the normalized outcome of a successful provider call
type Result struct {
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	Content          string        `json:"content"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Cost             float64       `json:"cost"`
	Latency          time.Duration `json:"latency"`
	FinishReason     string        `json:"finish_reason,omitempty"`
}

// ProviderConfig represents configuration for an external provider
type ProviderConfig struct {
	Name         string                       `yaml:"name"`
	Type         string                       `yaml:"type"` // "openai", "claude", "gemini"
	APIKey       string                       `yaml:"apiKey"`
	BaseURL      string                       `yaml:"baseURL,omitempty"`
	DefaultModel string                       `yaml:"defaultModel"`
	Disabled     bool                         `yaml:"disabled,omitempty"`
	Timeout      time.Duration                `yaml:"timeout"`
	MaxTokens    int                          `yaml:"maxTokens,omitempty"`
	Pricing      map[string]cost.ModelPricing `yaml:"pricing,omitempty"`
	Transport    transport.Config             `yaml:"transport,omitempty"`
}

// Registry holds providers in fallback priority order
type Registry struct {
	providers map[string]Provider
	order     []string
	timeouts  map[string]time.Duration
}

// NewRegistry creates an empty provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		timeouts:  make(map[string]time.Duration),
	}
}

// Register appends a provider to the end of the priority order.
// Re-registering a name replaces the provider but keeps its position.
func (r *Registry) Register(p Provider, timeout time.Duration) {
	if _, exists := r.providers[p.Name()]; !exists {
		r.order = append(r.order, p.Name())
	}
	r.providers[p.Name()] = p
	r.timeouts[p.Name()] = timeout
}

// Timeout returns the per-call timeout of a provider
func (r *Registry) Timeout(name string) time.Duration {
	return r.timeouts[name]
}

// Ordered returns providers in priority order
func (r *Registry) Ordered() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// Names returns provider names in priority order
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered providers
func (r *Registry) Len() int {
	return len(r.order)
}
