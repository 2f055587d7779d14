package providers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/navillasa/assistant-orchestrator/internal/cost"
)

// newTestServer creates an httptest server that is closed when the test ends.
func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func TestOpenAI_Complete(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected /v1/chat/completions, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("expected Bearer sk-test, got %s", got)
		}

		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("expected model gpt-4o, got %s", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[1].Content != "What is Go?" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}

		writeJSON(w, http.StatusOK, `{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"A language."},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`)
	})

	p := NewOpenAIProvider(ProviderConfig{Name: "primary", APIKey: "sk-test", BaseURL: srv.URL, DefaultModel: "gpt-4o"}, srv.Client())
	c, err := p.Complete(context.Background(), Request{Messages: []Message{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "What is Go?"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Content != "A language." || c.PromptTokens != 12 || c.CompletionTokens != 3 {
		t.Errorf("unexpected completion: %+v", c)
	}
}

func TestClaude_CompleteMovesSystemPrompt(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("expected /v1/messages, got %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "ant-key" || r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("missing anthropic headers: %v", r.Header)
		}

		var req claudeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.System != "Be brief." {
			t.Errorf("expected system prompt, got %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("expected only the user message, got %+v", req.Messages)
		}
		if req.MaxTokens != 1024 {
			t.Errorf("expected default max_tokens 1024, got %d", req.MaxTokens)
		}

		writeJSON(w, http.StatusOK, `{"model":"claude-3-haiku-20240307","content":[{"type":"text","text":"Hi "},{"type":"text","text":"there"}],"stop_reason":"end_turn","usage":{"input_tokens":7,"output_tokens":2}}`)
	})

	p := NewClaudeProvider(ProviderConfig{Name: "claude", APIKey: "ant-key", BaseURL: srv.URL}, srv.Client())
	c, err := p.Complete(context.Background(), Request{Messages: []Message{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hello"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Content != "Hi there" || c.PromptTokens != 7 || c.CompletionTokens != 2 {
		t.Errorf("unexpected completion: %+v", c)
	}
}

func TestGemini_CompleteMapsRoles(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-1.5-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "g-key" {
			t.Errorf("expected key query parameter")
		}

		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "Be brief." {
			t.Errorf("expected system instruction, got %+v", req.SystemInstruction)
		}
		if len(req.Contents) != 3 || req.Contents[1].Role != "model" {
			t.Errorf("expected user/model/user contents, got %+v", req.Contents)
		}

		writeJSON(w, http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"Sure."}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":20,"candidatesTokenCount":1}}`)
	})

	p := NewGeminiProvider(ProviderConfig{Name: "gemini", APIKey: "g-key", BaseURL: srv.URL, DefaultModel: "gemini-1.5-flash"}, srv.Client())
	c, err := p.Complete(context.Background(), Request{Messages: []Message{
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello!"},
		{Role: "user", Content: "Help?"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Content != "Sure." || c.PromptTokens != 20 {
		t.Errorf("unexpected completion: %+v", c)
	}
}

func TestErrorNormalization(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		status   int
		body     string
		want     ErrorKind
	}{
		{"openai unauthorized", "openai", 401, `{"error":{"message":"Incorrect API key"}}`, ErrAuthFailure},
		{"openai rate limited", "openai", 429, `{"error":{"message":"slow down","code":"rate_limit_exceeded"}}`, ErrRateLimited},
		{"openai quota", "openai", 429, `{"error":{"message":"quota","code":"insufficient_quota"}}`, ErrAuthFailure},
		{"openai bad request", "openai", 400, `{"error":{"message":"bad"}}`, ErrInvalidResponse},
		{"openai server error", "openai", 500, `oops`, ErrUnavailable},
		{"openai bad gateway", "openai", 502, ``, ErrUnavailable},
		{"claude overloaded", "claude", 529, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, ErrUnavailable},
		{"claude auth", "claude", 401, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, ErrAuthFailure},
		{"claude rate limit", "claude", 429, `{"type":"error","error":{"type":"rate_limit_error","message":"limit"}}`, ErrRateLimited},
		{"gemini bad key", "gemini", 400, `{"error":{"code":400,"message":"API key not valid. Please pass a valid API key.","status":"INVALID_ARGUMENT"}}`, ErrAuthFailure},
		{"gemini quota", "gemini", 429, `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`, ErrRateLimited},
		{"gemini unavailable", "gemini", 503, `{"error":{"code":503,"message":"down","status":"UNAVAILABLE"}}`, ErrUnavailable},
		{"gemini bad request", "gemini", 400, `{"error":{"code":400,"message":"bad field","status":"INVALID_ARGUMENT"}}`, ErrInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			p, err := NewWithClient(ProviderConfig{Name: tt.provider, Type: tt.provider, APIKey: "k", BaseURL: srv.URL}, srv.Client())
			if err != nil {
				t.Fatalf("new provider: %v", err)
			}

			_, err = p.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}})
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("expected *Error, got %T: %v", err, err)
			}
			if pe.Kind != tt.want {
				t.Errorf("expected %s, got %s", tt.want, pe.Kind)
			}
			if pe.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, pe.StatusCode)
			}
		})
	}
}

func TestComplete_UndecodableBodyIsInvalidResponse(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `not json`)
	})
	p := NewOpenAIProvider(ProviderConfig{Name: "openai", BaseURL: srv.URL}, srv.Client())

	_, err := p.Complete(context.Background(), Request{})
	if KindOf(err) != ErrInvalidResponse {
		t.Errorf("expected invalid_response, got %v", err)
	}
}

func TestComplete_ConnectionRefusedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewOpenAIProvider(ProviderConfig{Name: "openai", BaseURL: url}, nil)
	_, err := p.Complete(context.Background(), Request{})
	if KindOf(err) != ErrUnavailable {
		t.Errorf("expected unavailable, got %v", err)
	}
}

func TestInvoke_ComputesCost(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"model":"gpt-4","choices":[{"message":{"role":"assistant","content":"ok"}}],"usage":{"prompt_tokens":1000,"completion_tokens":1000}}`)
	})

	costs := cost.NewEngine()
	p, err := New(ProviderConfig{Name: "primary", Type: "openai", BaseURL: srv.URL, DefaultModel: "gpt-4"}, costs)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	res, err := NewInvoker(costs).Invoke(context.Background(), p, "", nil, "hi", time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Provider != "primary" || res.Model != "gpt-4" {
		t.Errorf("unexpected result identity: %+v", res)
	}
	if math.Abs(res.Cost-0.09) > 1e-12 {
		t.Errorf("expected cost 0.09, got %f", res.Cost)
	}
}

func TestInvoke_EstimatesMissingUsage(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":"twelve chars"}}]}`)
	})
	p := NewOpenAIProvider(ProviderConfig{Name: "openai", BaseURL: srv.URL}, srv.Client())

	res, err := NewInvoker(cost.NewEngine()).Invoke(context.Background(), p, "", []Message{{Role: "user", Content: "earlier turn"}}, "new prompt", time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.PromptTokens != 5 {
		t.Errorf("expected 5 estimated prompt tokens, got %d", res.PromptTokens)
	}
	if res.CompletionTokens != 3 {
		t.Errorf("expected 3 estimated completion tokens, got %d", res.CompletionTokens)
	}
}

func TestInvoke_TimeoutAbandonsCall(t *testing.T) {
	release := make(chan struct{})
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	p := NewOpenAIProvider(ProviderConfig{Name: "slow", BaseURL: srv.URL}, srv.Client())

	start := time.Now()
	_, err := NewInvoker(cost.NewEngine()).Invoke(context.Background(), p, "", nil, "hi", 50*time.Millisecond)
	if KindOf(err) != ErrTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("invoke did not return promptly: %s", elapsed)
	}
}

// stubProvider returns canned completions without HTTP.
type stubProvider struct {
	name string
	fn   func(ctx context.Context) (*Completion, error)
}

func (s *stubProvider) Name() string                 { return s.name }
func (s *stubProvider) Type() string                 { return "openai" }
func (s *stubProvider) DefaultModel() string         { return "gpt-4o" }
func (s *stubProvider) Health(context.Context) error { return nil }
func (s *stubProvider) Complete(ctx context.Context, _ Request) (*Completion, error) {
	return s.fn(ctx)
}

func TestInvoke_EmptyCompletionIsInvalid(t *testing.T) {
	p := &stubProvider{name: "stub", fn: func(context.Context) (*Completion, error) {
		return &Completion{Content: "   "}, nil
	}}
	_, err := NewInvoker(cost.NewEngine()).Invoke(context.Background(), p, "", nil, "hi", time.Second)
	if KindOf(err) != ErrInvalidResponse {
		t.Errorf("expected invalid_response, got %v", err)
	}
}

func TestInvoke_NormalizesForeignErrors(t *testing.T) {
	p := &stubProvider{name: "stub", fn: func(context.Context) (*Completion, error) {
		return nil, errors.New("socket closed")
	}}
	_, err := NewInvoker(cost.NewEngine()).Invoke(context.Background(), p, "", nil, "hi", time.Second)

	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if pe.Kind != ErrUnavailable || pe.Provider != "stub" {
		t.Errorf("unexpected error: %+v", pe)
	}
}

func TestErrorKind_TextRoundTrip(t *testing.T) {
	for _, k := range []ErrorKind{ErrUnavailable, ErrTimeout, ErrAuthFailure, ErrRateLimited, ErrInvalidResponse} {
		b, _ := k.MarshalText()
		var got ErrorKind
		if err := got.UnmarshalText(b); err != nil || got != k {
			t.Errorf("round trip of %s gave %s (%v)", k, got, err)
		}
	}
	if _, err := ParseErrorKind("bogus"); err == nil {
		t.Error("expected error for unknown kind")
	}
	if !ErrAuthFailure.Misconfiguration() || ErrTimeout.Misconfiguration() {
		t.Error("unexpected misconfiguration classification")
	}
}

func TestRegistry_PriorityOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProvider{name: "a"}, time.Second)
	r.Register(&stubProvider{name: "b"}, 2*time.Second)
	r.Register(&stubProvider{name: "c"}, 3*time.Second)
	r.Register(&stubProvider{name: "a"}, 4*time.Second)

	if got := strings.Join(r.Names(), ","); got != "a,b,c" {
		t.Errorf("expected a,b,c, got %s", got)
	}
	if r.Timeout("a") != 4*time.Second {
		t.Errorf("expected replaced timeout, got %s", r.Timeout("a"))
	}
	if r.Len() != 3 || r.Timeout("missing") != 0 {
		t.Errorf("unexpected registry size %d", r.Len())
	}
}

func TestNew_UnknownType(t *testing.T) {
	if _, err := New(ProviderConfig{Name: "x", Type: "mystery"}, cost.NewEngine()); err == nil {
		t.Error("expected error for unknown provider type")
	}
}

func TestNew_PrivatePricing(t *testing.T) {
	costs := cost.NewEngine()
	_, err := New(ProviderConfig{
		Name:         "cluster",
		Type:         "openai",
		DefaultModel: "llama-3-8b",
		Pricing:      map[string]cost.ModelPricing{"llama-3-8b": {InputPricePer1K: 0.001}},
	}, costs)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if b := costs.Calculate("cluster", "llama-3-8b", 1000, 0); math.Abs(b.Total-0.001) > 1e-12 {
		t.Errorf("expected private pricing, got %f", b.Total)
	}
	if p, ok := costs.Pricing("openai", "llama-3-8b"); ok && p.InputPricePer1K == 0.001 {
		t.Error("private pricing leaked into the openai family")
	}
}
