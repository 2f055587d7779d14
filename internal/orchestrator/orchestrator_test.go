package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/navillasa/assistant-orchestrator/internal/conversation"
	"github.com/navillasa/assistant-orchestrator/internal/cost"
	"github.com/navillasa/assistant-orchestrator/internal/monitor"
	"github.com/navillasa/assistant-orchestrator/internal/providers"
	"github.com/navillasa/assistant-orchestrator/internal/ratelimit"
	"github.com/sirupsen/logrus/hooks/test"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeProvider answers from fn and records what it was sent
type fakeProvider struct {
	name  string
	model string

	mu    sync.Mutex
	calls int
	last  []providers.Message
	fn    func(req providers.Request) (*providers.Completion, error)
}

func (p *fakeProvider) Name() string                 { return p.name }
func (p *fakeProvider) Type() string                 { return p.name }
func (p *fakeProvider) DefaultModel() string         { return p.model }
func (p *fakeProvider) Health(context.Context) error { return nil }

func (p *fakeProvider) Complete(_ context.Context, req providers.Request) (*providers.Completion, error) {
	p.mu.Lock()
	p.calls++
	p.last = req.Messages
	p.mu.Unlock()
	return p.fn(req)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) lastMessages() []providers.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func replying(text string) func(providers.Request) (*providers.Completion, error) {
	return func(req providers.Request) (*providers.Completion, error) {
		return &providers.Completion{Content: text, PromptTokens: 100, CompletionTokens: 50}, nil
	}
}

func failing(kind providers.ErrorKind) func(providers.Request) (*providers.Completion, error) {
	return func(providers.Request) (*providers.Completion, error) {
		return nil, &providers.Error{Kind: kind, Message: "raw upstream detail"}
	}
}

type recorder struct {
	mu      sync.Mutex
	metrics []monitor.UsageMetric
}

func (r *recorder) Record(m monitor.UsageMetric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, m)
}

func (r *recorder) all() []monitor.UsageMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]monitor.UsageMetric, len(r.metrics))
	copy(out, r.metrics)
	return out
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (failingCache) Delete(context.Context, string) error { return errors.New("connection refused") }

type harness struct {
	clock *clock
	store *conversation.Store
	rec   *recorder
	orch  *Orchestrator
}

func newHarness(t *testing.T, cfg Config, cache conversation.Cache, ps ...providers.Provider) *harness {
	t.Helper()
	c := &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	logger, _ := test.NewNullLogger()

	if cache == nil {
		cache = conversation.NewMemoryCache(c.now)
	}
	store := conversation.NewStore(cache, conversation.Config{TTL: 30 * time.Minute},
		conversation.WithClock(c.now), conversation.WithLogger(logger))

	costs := cost.NewEngine()
	reg := providers.NewRegistry()
	for _, p := range ps {
		costs.RegisterProvider(p.Name(), p.Type())
		reg.Register(p, time.Second)
	}

	rec := &recorder{}
	ids := 0
	orch := New(cfg, store, reg, rec,
		WithClock(c.now),
		WithLogger(logger),
		WithInvoker(providers.NewInvoker(costs)),
		WithSessionIDs(func() string {
			ids++
			return fmt.Sprintf("session-%d", ids)
		}),
	)
	return &harness{clock: c, store: store, rec: rec, orch: orch}
}

func TestPrompt_RateLimitScenario(t *testing.T) {
	openai := &fakeProvider{name: "openai", model: "gpt-4", fn: replying("hello")}
	h := newHarness(t, Config{RateLimit: 3}, nil, openai)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.orch.Prompt(ctx, PromptRequest{UserID: "alice", Text: "hi"}); err != nil {
			t.Fatalf("prompt %d: unexpected error %v", i+1, err)
		}
	}
	_, err := h.orch.Prompt(ctx, PromptRequest{UserID: "alice", Text: "hi"})
	if !errors.Is(err, ratelimit.ErrRateLimitExceeded) {
		t.Fatalf("expected rate limit on 4th prompt, got %v", err)
	}
	if openai.callCount() != 3 {
		t.Errorf("rejected prompt must not reach a provider; calls=%d", openai.callCount())
	}

	if _, err := h.orch.Prompt(ctx, PromptRequest{UserID: "bob", Text: "hi"}); err != nil {
		t.Errorf("other users are unaffected, got %v", err)
	}

	h.clock.advance(61 * time.Second)
	if _, err := h.orch.Prompt(ctx, PromptRequest{UserID: "alice", Text: "hi"}); err != nil {
		t.Errorf("expected re-admission after the window, got %v", err)
	}
}

func TestPrompt_AllProvidersFailScenario(t *testing.T) {
	ps := []providers.Provider{
		&fakeProvider{name: "openai", model: "gpt-4", fn: failing(providers.ErrUnavailable)},
		&fakeProvider{name: "claude", model: "claude-3-haiku-20240307", fn: failing(providers.ErrUnavailable)},
		&fakeProvider{name: "gemini", model: "gemini-pro", fn: failing(providers.ErrUnavailable)},
	}
	h := newHarness(t, Config{}, nil, ps...)

	resp, err := h.orch.Prompt(context.Background(), PromptRequest{UserID: "alice", Text: "hi"})
	if resp != nil {
		t.Errorf("expected no response, got %+v", resp)
	}
	var apf *AllProvidersFailedError
	if !errors.As(err, &apf) {
		t.Fatalf("expected AllProvidersFailedError, got %v", err)
	}
	if len(apf.Failures) != 3 {
		t.Fatalf("expected 3 failures, got %+v", apf.Failures)
	}
	for i, k := range apf.Kinds() {
		if k != providers.ErrUnavailable {
			t.Errorf("failure %d: expected unavailable, got %s", i, k)
		}
	}
	if apf.Failures[0].Provider != "openai" || apf.Failures[2].Provider != "gemini" {
		t.Errorf("failures not in chain order: %+v", apf.Failures)
	}

	metrics := h.rec.all()
	if len(metrics) != 1 {
		t.Fatalf("expected exactly one usage metric, got %d", len(metrics))
	}
	m := metrics[0]
	if m.Success || m.ErrorKind == nil || *m.ErrorKind != providers.ErrUnavailable {
		t.Errorf("unexpected failure metric %+v", m)
	}
	if m.Provider != "gemini" || len(m.Attempts) != 2 {
		t.Errorf("expected last provider with two preceding attempts, got %+v", m)
	}

	if len(h.orch.Disabled()) != 0 {
		t.Error("unavailable providers must not be disabled")
	}
}

func TestPrompt_SessionExpiryScenario(t *testing.T) {
	openai := &fakeProvider{name: "openai", model: "gpt-4", fn: replying("answer")}
	h := newHarness(t, Config{}, nil, openai)
	ctx := context.Background()

	first, err := h.orch.Prompt(ctx, PromptRequest{SessionID: "s1", UserID: "alice", Text: "first question"})
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID != "s1" {
		t.Fatalf("expected caller session id, got %s", first.SessionID)
	}

	h.clock.advance(31 * time.Minute)
	resp, err := h.orch.Prompt(ctx, PromptRequest{SessionID: "s1", UserID: "alice", Text: "second question"})
	if err != nil {
		t.Fatalf("expected transparent recovery, got %v", err)
	}
	if resp.SessionID != "s1" || resp.Stateless {
		t.Errorf("unexpected response %+v", resp)
	}

	if msgs := openai.lastMessages(); len(msgs) != 1 || msgs[0].Content != "second question" {
		t.Errorf("expired history must not be sent, got %+v", msgs)
	}
	sess, ok, err := h.store.Session(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("expected live session, ok=%v err=%v", ok, err)
	}
	if len(sess.Messages) != 2 || sess.Messages[0].Content != "second question" {
		t.Errorf("expected a fresh session with one turn, got %+v", sess.Messages)
	}
	if !sess.CreatedAt.Equal(h.clock.now()) {
		t.Errorf("expected session to be recreated, created at %v", sess.CreatedAt)
	}
}

func TestPrompt_FallbackTrace(t *testing.T) {
	openai := &fakeProvider{name: "openai", model: "gpt-4", fn: failing(providers.ErrTimeout)}
	claude := &fakeProvider{name: "claude", model: "claude-3-haiku-20240307", fn: replying("from claude")}
	h := newHarness(t, Config{}, nil, openai, claude)

	resp, err := h.orch.Prompt(context.Background(), PromptRequest{UserID: "alice", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "claude" || resp.Reply != "from claude" || resp.Fallbacks != 1 {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Cost <= 0 {
		t.Errorf("expected priced response, got %v", resp.Cost)
	}

	metrics := h.rec.all()
	if len(metrics) != 1 || !metrics[0].Success {
		t.Fatalf("expected one success metric, got %+v", metrics)
	}
	if a := metrics[0].Attempts; len(a) != 1 || a[0].Provider != "openai" || a[0].ErrorKind != providers.ErrTimeout {
		t.Errorf("unexpected attempts %+v", a)
	}

	traces := h.orch.RecentTraces(0)
	if len(traces) != 1 {
		t.Fatalf("expected one trace, got %d", len(traces))
	}
	tr := traces[0]
	if !tr.Success || len(tr.Attempts) != 2 {
		t.Fatalf("unexpected trace %+v", tr)
	}
	if tr.Attempts[0].Provider != "openai" || *tr.Attempts[0].ErrorKind != providers.ErrTimeout {
		t.Errorf("unexpected first attempt %+v", tr.Attempts[0])
	}
	if tr.Attempts[1].Provider != "claude" || tr.Attempts[1].ErrorKind != nil {
		t.Errorf("unexpected second attempt %+v", tr.Attempts[1])
	}

	// a request that needed no fallback leaves no trace
	openai.fn = replying("ok")
	if _, err := h.orch.Prompt(context.Background(), PromptRequest{UserID: "alice", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if n := len(h.orch.RecentTraces(0)); n != 1 {
		t.Errorf("expected still one trace, got %d", n)
	}
}

func TestPrompt_TraceOmitsProviderText(t *testing.T) {
	openai := &fakeProvider{name: "openai", model: "gpt-4", fn: func(providers.Request) (*providers.Completion, error) {
		return nil, &providers.Error{Kind: providers.ErrUnavailable, StatusCode: 503, Message: "internal host db-7.corp refused"}
	}}
	claude := &fakeProvider{name: "claude", model: "claude-3-haiku-20240307", fn: replying("ok")}
	h := newHarness(t, Config{}, nil, openai, claude)

	if _, err := h.orch.Prompt(context.Background(), PromptRequest{UserID: "alice", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	traces := h.orch.RecentTraces(0)
	if len(traces) != 1 {
		t.Fatalf("expected one trace, got %d", len(traces))
	}
	if a := traces[0].Attempts[0]; a.StatusCode != 503 || *a.ErrorKind != providers.ErrUnavailable {
		t.Errorf("unexpected attempt %+v", a)
	}
	raw, err := json.Marshal(traces)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "db-7.corp") {
		t.Errorf("provider error text leaked into trace: %s", raw)
	}
}

func TestPrompt_MisconfiguredProviderIsDisabled(t *testing.T) {
	tests := []providers.ErrorKind{providers.ErrAuthFailure, providers.ErrInvalidResponse}
	for _, kind := range tests {
		t.Run(kind.String(), func(t *testing.T) {
			openai := &fakeProvider{name: "openai", model: "gpt-4", fn: failing(kind)}
			claude := &fakeProvider{name: "claude", model: "claude-3-haiku-20240307", fn: replying("ok")}
			h := newHarness(t, Config{}, nil, openai, claude)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				if _, err := h.orch.Prompt(ctx, PromptRequest{UserID: "alice", Text: "hi"}); err != nil {
					t.Fatal(err)
				}
			}
			if openai.callCount() != 1 {
				t.Errorf("disabled provider called %d times", openai.callCount())
			}
			if got := h.orch.Disabled()["openai"]; got != kind {
				t.Errorf("expected openai disabled with %s, got %v", kind, h.orch.Disabled())
			}
		})
	}
}

func TestPrompt_RetryableFailuresDoNotDisable(t *testing.T) {
	for _, kind := range []providers.ErrorKind{providers.ErrTimeout, providers.ErrUnavailable, providers.ErrRateLimited} {
		openai := &fakeProvider{name: "openai", model: "gpt-4", fn: failing(kind)}
		claude := &fakeProvider{name: "claude", model: "claude-3-haiku-20240307", fn: replying("ok")}
		h := newHarness(t, Config{}, nil, openai, claude)

		h.orch.Prompt(context.Background(), PromptRequest{UserID: "alice", Text: "hi"})
		h.orch.Prompt(context.Background(), PromptRequest{UserID: "alice", Text: "hi"})
		if openai.callCount() != 2 {
			t.Errorf("%s: expected openai to be retried on the next request, calls=%d", kind, openai.callCount())
		}
	}
}

func TestPrompt_AllDisabled(t *testing.T) {
	openai := &fakeProvider{name: "openai", model: "gpt-4", fn: failing(providers.ErrAuthFailure)}
	h := newHarness(t, Config{}, nil, openai)
	ctx := context.Background()

	h.orch.Prompt(ctx, PromptRequest{UserID: "alice", Text: "hi"})
	_, err := h.orch.Prompt(ctx, PromptRequest{UserID: "alice", Text: "hi"})

	var apf *AllProvidersFailedError
	if !errors.As(err, &apf) {
		t.Fatalf("expected AllProvidersFailedError, got %v", err)
	}
	if len(apf.Failures) != 1 || !apf.Failures[0].Skipped || apf.Failures[0].Kind != providers.ErrAuthFailure {
		t.Errorf("unexpected failures %+v", apf.Failures)
	}
	if !strings.Contains(apf.Error(), "disabled") {
		t.Errorf("unexpected message %q", apf.Error())
	}
	if n := len(h.rec.all()); n != 1 {
		t.Errorf("a request that called no provider records no metric, got %d metrics", n)
	}
}

func TestPrompt_HistoryIsSentAndCommitted(t *testing.T) {
	openai := &fakeProvider{name: "openai", model: "gpt-4", fn: replying("reply")}
	h := newHarness(t, Config{HistoryLimit: 2}, nil, openai)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.orch.Prompt(ctx, PromptRequest{SessionID: "s1", UserID: "alice", Text: fmt.Sprintf("q%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	msgs := openai.lastMessages()
	if len(msgs) != 3 {
		t.Fatalf("expected two history messages plus prompt, got %+v", msgs)
	}
	if msgs[0].Content != "q1" || msgs[1].Role != conversation.RoleAssistant || msgs[2].Content != "q2" {
		t.Errorf("unexpected context %+v", msgs)
	}

	sess, ok, _ := h.store.Session(ctx, "s1")
	if !ok || len(sess.Messages) != 6 {
		t.Fatalf("expected 6 stored messages, got %+v", sess)
	}
	assistant := sess.Messages[1]
	if assistant.Provider != "openai" || assistant.Model != "gpt-4" || assistant.Cost <= 0 || assistant.TokenCount != 50 {
		t.Errorf("unexpected assistant message %+v", assistant)
	}
}

func TestPrompt_ForeignSessionStartsFresh(t *testing.T) {
	openai := &fakeProvider{name: "openai", model: "gpt-4", fn: replying("ok")}
	h := newHarness(t, Config{}, nil, openai)
	ctx := context.Background()

	if _, err := h.orch.Prompt(ctx, PromptRequest{SessionID: "s1", UserID: "alice", Text: "my secret is 42"}); err != nil {
		t.Fatal(err)
	}

	resp, err := h.orch.Prompt(ctx, PromptRequest{SessionID: "s1", UserID: "mallory", Text: "what did I say?"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SessionID == "s1" || resp.SessionID == "" {
		t.Errorf("expected a new session id, got %q", resp.SessionID)
	}
	if msgs := openai.lastMessages(); len(msgs) != 1 || msgs[0].Content != "what did I say?" {
		t.Errorf("another user's history reached the provider: %+v", msgs)
	}

	sess, ok, _ := h.store.Session(ctx, "s1")
	if !ok || sess.UserID != "alice" || len(sess.Messages) != 2 {
		t.Errorf("expected alice's session untouched, got %+v", sess)
	}
	fresh, ok, _ := h.store.Session(ctx, resp.SessionID)
	if !ok || fresh.UserID != "mallory" || len(fresh.Messages) != 2 {
		t.Errorf("expected mallory's turn in the new session, got %+v", fresh)
	}
}

func TestPrompt_CacheUnavailableDegradesToStateless(t *testing.T) {
	openai := &fakeProvider{name: "openai", model: "gpt-4", fn: replying("still here")}
	h := newHarness(t, Config{}, failingCache{}, openai)

	resp, err := h.orch.Prompt(context.Background(), PromptRequest{UserID: "alice", Text: "hi"})
	if err != nil {
		t.Fatalf("expected stateless answer, got %v", err)
	}
	if !resp.Stateless || resp.Reply != "still here" {
		t.Errorf("unexpected response %+v", resp)
	}
	if msgs := openai.lastMessages(); len(msgs) != 1 {
		t.Errorf("expected single-turn context, got %+v", msgs)
	}
}

func TestPrompt_NewSessionID(t *testing.T) {
	openai := &fakeProvider{name: "openai", model: "gpt-4", fn: replying("hi")}
	h := newHarness(t, Config{}, nil, openai)

	resp, err := h.orch.Prompt(context.Background(), PromptRequest{UserID: "alice", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.SessionID != "session-1" {
		t.Errorf("expected generated session id, got %q", resp.SessionID)
	}
	if m := h.rec.all()[0]; m.SessionID != "session-1" || m.UserID != "alice" {
		t.Errorf("unexpected metric %+v", m)
	}
}

func TestPrompt_BadInput(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 1}, nil, &fakeProvider{name: "openai", fn: replying("x")})
	ctx := context.Background()

	if _, err := h.orch.Prompt(ctx, PromptRequest{Text: "hi"}); !errors.Is(err, ErrMissingUser) {
		t.Errorf("expected ErrMissingUser, got %v", err)
	}
	if _, err := h.orch.Prompt(ctx, PromptRequest{UserID: "alice", Text: "  "}); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("expected ErrEmptyPrompt, got %v", err)
	}
	if _, err := h.orch.Prompt(ctx, PromptRequest{UserID: "alice", Text: "hi"}); err != nil {
		t.Errorf("invalid prompts must not consume quota, got %v", err)
	}
}

func TestPrompt_CanceledContextStopsChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	openai := &fakeProvider{name: "openai", model: "gpt-4"}
	openai.fn = func(providers.Request) (*providers.Completion, error) {
		cancel()
		return nil, &providers.Error{Kind: providers.ErrUnavailable}
	}
	claude := &fakeProvider{name: "claude", fn: replying("late")}
	h := newHarness(t, Config{}, nil, openai, claude)

	_, err := h.orch.Prompt(ctx, PromptRequest{UserID: "alice", Text: "hi"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if claude.callCount() != 0 {
		t.Error("chain must stop once the caller is gone")
	}
}

func TestRecentTraces_Bounded(t *testing.T) {
	openai := &fakeProvider{name: "openai", model: "gpt-4", fn: failing(providers.ErrRateLimited)}
	claude := &fakeProvider{name: "claude", fn: replying("ok")}
	h := newHarness(t, Config{TraceCapacity: 2}, nil, openai, claude)

	for i := 0; i < 3; i++ {
		h.orch.Prompt(context.Background(), PromptRequest{SessionID: fmt.Sprintf("s%d", i), UserID: "alice", Text: "hi"})
	}
	traces := h.orch.RecentTraces(0)
	if len(traces) != 2 || traces[0].SessionID != "s2" || traces[1].SessionID != "s1" {
		t.Errorf("expected newest two traces, got %+v", traces)
	}
	if got := h.orch.RecentTraces(1); len(got) != 1 || got[0].SessionID != "s2" {
		t.Errorf("unexpected limited traces %+v", got)
	}
}

func TestSuggester(t *testing.T) {
	s := NewSuggester(SuggestionConfig{
		Rules: map[string][]string{"Billing": {"Custom billing question"}},
		Max:   2,
	})

	if got := s.Suggest([]string{"billing"}); len(got) != 1 || got[0] != "Custom billing question" {
		t.Errorf("configured rules override built-ins, got %v", got)
	}
	got := s.Suggest([]string{"dashboard", "reports"})
	if len(got) != 2 || got[0] != "Summarize my recent activity" {
		t.Errorf("unexpected suggestions %v", got)
	}
	if got := s.Suggest([]string{"unknown"}); len(got) != 1 || got[0] != defaultSuggestions[0] {
		t.Errorf("expected default suggestion, got %v", got)
	}
	if got := s.Suggest(nil); got == nil {
		t.Error("suggestions must never be nil")
	}
}
