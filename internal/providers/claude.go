package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const anthropicVersion = "2023-06-01"

// ClaudeProvider implements the Provider interface for Anthropic Claude
type ClaudeProvider struct {
	config     ProviderConfig
	httpClient *http.Client
}

type claudeRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type claudeResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewClaudeProvider creates a new Claude provider
func NewClaudeProvider(config ProviderConfig, client *http.Client) *ClaudeProvider {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.anthropic.com"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-3-haiku-20240307"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 1024
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &ClaudeProvider{config: config, httpClient: client}
}

func (p *ClaudeProvider) Name() string         { return p.config.Name }
func (p *ClaudeProvider) Type() string         { return "claude" }
func (p *ClaudeProvider) DefaultModel() string { return p.config.DefaultModel }

func (p *ClaudeProvider) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Normalize(p.Name(), err)
	}
	defer resp.Body.Close()

	// A rate-limited key is still a working key
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusTooManyRequests {
		return classifyHTTPError(p.Name(), resp, refineClaude)
	}
	return nil
}

func (p *ClaudeProvider) Complete(ctx context.Context, r Request) (*Completion, error) {
	model := r.Model
	if model == "" {
		model = p.config.DefaultModel
	}
	maxTokens := r.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	// Claude takes system prompts as a top-level field, not as messages
	var system []string
	messages := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, m)
	}

	body, err := json.Marshal(claudeRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		Temperature: r.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, Normalize(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(p.Name(), resp, refineClaude)
	}

	var out claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, invalidResponse(p.Name(), "failed to decode response: %v", err)
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if out.Model == "" {
		out.Model = model
	}
	return &Completion{
		Model:            out.Model,
		Content:          text.String(),
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
		FinishReason:     out.StopReason,
	}, nil
}

func (p *ClaudeProvider) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("User-Agent", userAgent)
}

// Anthropic reports overload as HTTP 529 with type overloaded_error.
func refineClaude(status int, body apiErrorBody, kind ErrorKind) ErrorKind {
	switch body.Error.Type {
	case "authentication_error", "permission_error":
		return ErrAuthFailure
	case "rate_limit_error":
		return ErrRateLimited
	case "overloaded_error", "api_error":
		return ErrUnavailable
	}
	return kind
}
