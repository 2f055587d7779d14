package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// GeminiProvider implements the Provider interface for Google Gemini
type GeminiProvider struct {
	config     ProviderConfig
	httpClient *http.Client
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(config ProviderConfig, client *http.Client) *GeminiProvider {
	if config.BaseURL == "" {
		config.BaseURL = "https://generativelanguage.googleapis.com"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-pro"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &GeminiProvider{config: config, httpClient: client}
}

func (p *GeminiProvider) Name() string         { return p.config.Name }
func (p *GeminiProvider) Type() string         { return "gemini" }
func (p *GeminiProvider) DefaultModel() string { return p.config.DefaultModel }

func (p *GeminiProvider) Health(ctx context.Context) error {
	target := fmt.Sprintf("%s/v1beta/models?key=%s", p.config.BaseURL, url.QueryEscape(p.config.APIKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Normalize(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPError(p.Name(), resp, refineGemini)
	}
	return nil
}

func (p *GeminiProvider) Complete(ctx context.Context, r Request) (*Completion, error) {
	model := r.Model
	if model == "" {
		model = p.config.DefaultModel
	}
	maxTokens := r.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	body, err := json.Marshal(p.toGeminiRequest(r.Messages, maxTokens, r.Temperature))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	target := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		p.config.BaseURL, url.PathEscape(model), url.QueryEscape(p.config.APIKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// The key travels in the URL; keep it out of the error text
		return nil, Normalize(p.Name(), redactURLError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(p.Name(), resp, refineGemini)
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, invalidResponse(p.Name(), "failed to decode response: %v", err)
	}
	if out.PromptFeedback.BlockReason != "" {
		return nil, invalidResponse(p.Name(), "prompt blocked: %s", out.PromptFeedback.BlockReason)
	}
	if len(out.Candidates) == 0 {
		return nil, invalidResponse(p.Name(), "response has no candidates")
	}

	var text strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	return &Completion{
		Model:            model,
		Content:          text.String(),
		PromptTokens:     out.UsageMetadata.PromptTokenCount,
		CompletionTokens: out.UsageMetadata.CandidatesTokenCount,
		FinishReason:     out.Candidates[0].FinishReason,
	}, nil
}

func (p *GeminiProvider) toGeminiRequest(messages []Message, maxTokens int, temperature *float64) geminiRequest {
	var req geminiRequest
	var system []geminiPart

	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, geminiPart{Text: m.Content})
		case "assistant":
			req.Contents = append(req.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	if len(system) > 0 {
		req.SystemInstruction = &geminiContent{Parts: system}
	}
	if maxTokens > 0 || temperature != nil {
		req.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: maxTokens,
			Temperature:     temperature,
		}
	}
	return req
}

// Gemini rejects bad keys with 400 INVALID_ARGUMENT and quota with RESOURCE_EXHAUSTED.
func refineGemini(status int, body apiErrorBody, kind ErrorKind) ErrorKind {
	switch body.Error.Status {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return ErrAuthFailure
	case "RESOURCE_EXHAUSTED":
		return ErrRateLimited
	case "UNAVAILABLE", "INTERNAL", "DEADLINE_EXCEEDED":
		return ErrUnavailable
	}
	if status == http.StatusBadRequest && strings.Contains(strings.ToLower(body.Error.Message), "api key not valid") {
		return ErrAuthFailure
	}
	return kind
}

func redactURLError(err error) error {
	if ue, ok := err.(*url.Error); ok {
		if u, perr := url.Parse(ue.URL); perr == nil {
			q := u.Query()
			if q.Has("key") {
				q.Set("key", "REDACTED")
				u.RawQuery = q.Encode()
			}
			return &url.Error{Op: ue.Op, URL: u.String(), Err: ue.Err}
		}
	}
	return err
}
