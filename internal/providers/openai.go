package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const userAgent = "assistant-orchestrator/1.0"

// OpenAIProvider implements the Provider interface for OpenAI and any
// OpenAI-compatible endpoint (self-hosted clusters, gateways).
type OpenAIProvider struct {
	config     ProviderConfig
	httpClient *http.Client
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(config ProviderConfig, client *http.Client) *OpenAIProvider {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-3.5-turbo"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAIProvider{config: config, httpClient: client}
}

func (p *OpenAIProvider) Name() string         { return p.config.Name }
func (p *OpenAIProvider) Type() string         { return "openai" }
func (p *OpenAIProvider) DefaultModel() string { return p.config.DefaultModel }

func (p *OpenAIProvider) Health(ctx context.Context) error {
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

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPError(p.Name(), resp, refineOpenAI)
	}
	return nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, r Request) (*Completion, error) {
	model := r.Model
	if model == "" {
		model = p.config.DefaultModel
	}
	maxTokens := r.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	body, err := json.Marshal(openAIRequest{
		Model:       model,
		Messages:    r.Messages,
		MaxTokens:   maxTokens,
		Temperature: r.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
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
		return nil, classifyHTTPError(p.Name(), resp, refineOpenAI)
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, invalidResponse(p.Name(), "failed to decode response: %v", err)
	}
	if len(out.Choices) == 0 {
		return nil, invalidResponse(p.Name(), "response has no choices")
	}

	if out.Model == "" {
		out.Model = model
	}
	return &Completion{
		Model:            out.Model,
		Content:          out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		FinishReason:     out.Choices[0].FinishReason,
	}, nil
}

func (p *OpenAIProvider) setHeaders(req *http.Request) {
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	req.Header.Set("User-Agent", userAgent)
}

// An exhausted quota looks like a 429 but will not clear up on its own.
func refineOpenAI(status int, body apiErrorBody, kind ErrorKind) ErrorKind {
	if status == http.StatusTooManyRequests && body.errorCode() == "insufficient_quota" {
		return ErrAuthFailure
	}
	if status == http.StatusNotFound && body.errorCode() == "model_not_found" {
		return ErrInvalidResponse
	}
	return kind
}
