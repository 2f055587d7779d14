package cost

import (
	"sync"
)

// ModelPricing represents pricing information for a model
type ModelPricing struct {
	InputPricePer1K  float64 `yaml:"inputPricePer1K" json:"input_price_per_1k"`
	OutputPricePer1K float64 `yaml:"outputPricePer1K" json:"output_price_per_1k"`
	ContextWindow    int     `yaml:"contextWindow,omitempty" json:"context_window,omitempty"`
}

// Breakdown is the cost of a single provider call
type Breakdown struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	InputCost        float64 `json:"input_cost"`
	OutputCost       float64 `json:"output_cost"`
	Total            float64 `json:"total"`
}

// Engine maps (provider, model, token counts) to a monetary cost.
// Pricing tables are kept per pricing family ("openai", "claude", "gemini");
// configured provider names are aliased onto a family.
type Engine struct {
	mu       sync.RWMutex
	families map[string]map[string]ModelPricing
	defaults map[string]string // family -> default model
	aliases  map[string]string // provider name -> family
}

// NewEngine creates a cost engine preloaded with the built-in price tables
func NewEngine() *Engine {
	e := &Engine{
		families: make(map[string]map[string]ModelPricing),
		defaults: make(map[string]string),
		aliases:  make(map[string]string),
	}
	for family, models := range builtinPricing {
		table := make(map[string]ModelPricing, len(models))
		for model, p := range models {
			table[model] = p
		}
		e.families[family] = table
	}
	for family, model := range builtinDefaults {
		e.defaults[family] = model
	}
	return e
}

// RegisterProvider aliases a configured provider name onto a pricing family
func (e *Engine) RegisterProvider(name, family string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aliases[name] = family
}

// SetPricing adds or overrides the price of a model.
// provider may be a family or a registered provider name.
func (e *Engine) SetPricing(provider, model string, pricing ModelPricing) {
	e.mu.Lock()
	defer e.mu.Unlock()

	family := e.familyLocked(provider)
	table, ok := e.families[family]
	if !ok {
		table = make(map[string]ModelPricing)
		e.families[family] = table
	}
	table[model] = pricing
}

// SetDefaultModel sets the model whose price is used for unknown models
func (e *Engine) SetDefaultModel(provider, model string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaults[e.familyLocked(provider)] = model
}

// Pricing returns the price used for a provider/model pair.
// Unknown models resolve to the family's default model.
func (e *Engine) Pricing(provider, model string) (ModelPricing, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	table, ok := e.families[e.familyLocked(provider)]
	if !ok {
		return ModelPricing{}, false
	}
	if p, ok := table[model]; ok {
		return p, true
	}
	p, ok := table[e.defaults[e.familyLocked(provider)]]
	return p, ok
}

// Calculate computes the cost of a call. It is a pure function of the
// current price table: identical inputs always yield identical output.
// Unknown providers cost nothing.
func (e *Engine) Calculate(provider, model string, promptTokens, completionTokens int) Breakdown {
	b := Breakdown{
		Provider:         provider,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	}

	pricing, ok := e.Pricing(provider, model)
	if !ok {
		return b
	}
	if promptTokens > 0 {
		b.InputCost = float64(promptTokens) * pricing.InputPricePer1K / 1000.0
	}
	if completionTokens > 0 {
		b.OutputCost = float64(completionTokens) * pricing.OutputPricePer1K / 1000.0
	}
	b.Total = b.InputCost + b.OutputCost
	return b
}

func (e *Engine) familyLocked(provider string) string {
	if family, ok := e.aliases[provider]; ok {
		return family
	}
	return provider
}

// EstimateTokens provides a rough estimation of tokens.
// ~1 token per 4 characters for English text, at least 1 for non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
