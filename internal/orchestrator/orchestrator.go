// Package orchestrator turns a user prompt into an assistant reply: it
// admits the request against the user's rate limit, assembles bounded
// conversation context, walks the provider fallback chain, commits the
// exchange and reports a usage metric for every outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/navillasa/assistant-orchestrator/internal/conversation"
	"github.com/navillasa/assistant-orchestrator/internal/cost"
	"github.com/navillasa/assistant-orchestrator/internal/monitor"
	"github.com/navillasa/assistant-orchestrator/internal/providers"
	"github.com/navillasa/assistant-orchestrator/internal/ratelimit"
	"github.com/sirupsen/logrus"
)

// FallbackReply is returned to callers when no provider could answer.
// Provider error text is never surfaced.
const FallbackReply = "Sorry, the assistant is temporarily unavailable. Please try again in a moment."

var (
	// ErrMissingUser is returned when a prompt carries no user id
	ErrMissingUser = errors.New("user id is required")
	// ErrEmptyPrompt is returned when a prompt has no text
	ErrEmptyPrompt = errors.New("prompt text is required")
)

// Failure is one provider's part in a failed fallback chain
type Failure struct {
	Provider string              `json:"provider"`
	Kind     providers.ErrorKind `json:"error_kind"`
	Skipped  bool                `json:"skipped,omitempty"`
}

// AllProvidersFailedError is returned when every provider in the chain
// failed or was disabled
type AllProvidersFailedError struct {
	Failures []Failure
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		s := f.String()
		if f.Skipped {
			s += " (disabled)"
		}
		parts = append(parts, s)
	}
	return "all providers failed: " + strings.Join(parts, ", ")
}

// Kinds returns the recorded error kinds in chain order
func (e *AllProvidersFailedError) Kinds() []providers.ErrorKind {
	out := make([]providers.ErrorKind, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Kind
	}
	return out
}

// Recorder receives usage metrics. Record must not block.
type Recorder interface {
	Record(m monitor.UsageMetric)
}

// Invoker calls one provider
type Invoker interface {
	Invoke(ctx context.Context, p providers.Provider, model string, history []providers.Message, prompt string, timeout time.Duration) (*providers.Result, error)
}

// PromptRequest is one user turn
type PromptRequest struct {
	SessionID   string   `json:"session_id,omitempty"`
	UserID      string   `json:"user_id"`
	Text        string   `json:"text"`
	ContextTags []string `json:"context_tags,omitempty"`
}

// Response is the assistant's answer to a prompt
type Response struct {
	Reply            string   `json:"reply"`
	Suggestions      []string `json:"suggestions"`
	SessionID        string   `json:"session_id"`
	Provider         string   `json:"provider"`
	Model            string   `json:"model"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	Cost             float64  `json:"cost"`
	Stateless        bool     `json:"stateless,omitempty"`
	Fallbacks        int      `json:"fallbacks,omitempty"`
}

// TraceAttempt is one provider call within a trace
type TraceAttempt struct {
	Provider  string               `json:"provider"`
	Model     string               `json:"model"`
	LatencyMs float64              `json:"latency_ms"`
	ErrorKind *providers.ErrorKind `json:"error_kind,omitempty"`
	// StatusCode is the upstream HTTP status, if any. The provider's own
	// error text stays in the logs.
	StatusCode int `json:"status_code,omitempty"`
}

// Trace records the provider attempts of a request that fell back at least once
type Trace struct {
	Time      time.Time      `json:"time"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Attempts  []TraceAttempt `json:"attempts"`
	Success   bool           `json:"success"`
}

// Config holds orchestrator settings
type Config struct {
	// RateLimit is the number of prompts a user may send per RateWindow. 0 disables.
	RateLimit  int
	RateWindow time.Duration
	// HistoryLimit caps the messages handed to a provider. 0 uses the store default.
	HistoryLimit int
	// TraceCapacity bounds the ring of recent fallback traces.
	TraceCapacity int
	Suggestions   SuggestionConfig
}

// Orchestrator coordinates the conversation store, the provider chain and the monitor
type Orchestrator struct {
	cfg      Config
	store    *conversation.Store
	registry *providers.Registry
	invoker  Invoker
	limiter  *ratelimit.Limiter
	recorder Recorder
	suggest  *Suggester
	logger   logrus.FieldLogger
	now      func() time.Time
	newID    func() string

	mu       sync.RWMutex
	disabled map[string]providers.ErrorKind

	traceMu sync.Mutex
	traces  []Trace
	next    int
	full    bool
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock sets the time source used for rate limiting, metrics and traces
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithInvoker replaces the provider invoker
func WithInvoker(iv Invoker) Option {
	return func(o *Orchestrator) { o.invoker = iv }
}

// WithSessionIDs sets the generator for new session ids
func WithSessionIDs(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// New creates an orchestrator. The invoker defaults to one pricing with the
// built-in cost table; callers normally pass WithInvoker.
func New(cfg Config, store *conversation.Store, registry *providers.Registry, recorder Recorder, opts ...Option) *Orchestrator {
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.TraceCapacity <= 0 {
		cfg.TraceCapacity = 100
	}

	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		registry: registry,
		recorder: recorder,
		logger:   logrus.StandardLogger(),
		now:      time.Now,
		newID:    uuid.NewString,
		disabled: make(map[string]providers.ErrorKind),
		traces:   make([]Trace, cfg.TraceCapacity),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.invoker == nil {
		o.invoker = providers.NewInvoker(cost.NewEngine())
	}
	o.limiter = ratelimit.New(cfg.RateLimit, cfg.RateWindow, o.now)
	o.suggest = NewSuggester(cfg.Suggestions)
	return o
}

// Limiter exposes the rate limiter for rate-limit headers and sweeping
func (o *Orchestrator) Limiter() *ratelimit.Limiter {
	return o.limiter
}

// Prompt answers one user turn
func (o *Orchestrator) Prompt(ctx context.Context, req PromptRequest) (*Response, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, ErrMissingUser
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyPrompt
	}

	// RateCheck
	if err := o.limiter.Check(req.UserID); err != nil {
		o.logger.WithField("user_id", req.UserID).Debug("prompt rejected by rate limit")
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = o.newID()
	}
	log := o.logger.WithFields(logrus.Fields{
		"user_id":    req.UserID,
		"session_id": sessionID,
	})

	// ContextAssembly
	stateless := false
	stored, err := o.store.History(ctx, sessionID, req.UserID, o.cfg.HistoryLimit)
	if errors.Is(err, conversation.ErrForeignSession) {
		// Never reuse another user's context; the reply carries the new id.
		log.Warn("session id belongs to another user, starting a new session")
		sessionID = o.newID()
		log = log.WithField("session_id", sessionID)
		stored, err = nil, nil
	}
	if err != nil {
		log.WithError(err).Warn("conversation context unavailable, answering statelessly")
		stateless = true
		stored = nil
	}
	history := make([]providers.Message, 0, len(stored))
	for _, m := range stored {
		history = append(history, providers.Message{Role: m.Role, Content: m.Content})
	}

	// ProviderSelection
	result, failures, attempts, trace, err := o.fallback(ctx, log, history, req.Text)

	if len(trace) > 0 && (len(failures) > 0 || result == nil) {
		o.addTrace(Trace{
			Time:      o.now(),
			UserID:    req.UserID,
			SessionID: sessionID,
			Attempts:  trace,
			Success:   result != nil,
		})
	}

	if result == nil {
		if len(attempts) > 0 {
			last := attempts[len(attempts)-1]
			kind := last.ErrorKind
			o.record(monitor.UsageMetric{
				Provider:  last.Provider,
				Model:     last.Model,
				LatencyMs: last.LatencyMs,
				Success:   false,
				ErrorKind: &kind,
				UserID:    req.UserID,
				SessionID: sessionID,
				Timestamp: o.now(),
				Attempts:  attempts[:len(attempts)-1],
			})
		}
		if err != nil {
			return nil, err
		}
		apf := &AllProvidersFailedError{Failures: failures}
		log.WithField("error_kinds", apf.Kinds()).Error("all providers failed")
		return nil, apf
	}

	// Commit
	o.record(monitor.UsageMetric{
		Provider:         result.Provider,
		Model:            result.Model,
		LatencyMs:        durationMs(result.Latency),
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		Cost:             result.Cost,
		Success:          true,
		UserID:           req.UserID,
		SessionID:        sessionID,
		Timestamp:        o.now(),
		Attempts:         attempts,
	})

	if !stateless {
		if err := o.commit(ctx, sessionID, req, result); err != nil {
			log.WithError(err).Warn("failed to store conversation turn")
			stateless = true
		}
	}

	return &Response{
		Reply:            result.Content,
		Suggestions:      o.suggest.Suggest(req.ContextTags),
		SessionID:        sessionID,
		Provider:         result.Provider,
		Model:            result.Model,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		Cost:             result.Cost,
		Stateless:        stateless,
		Fallbacks:        len(attempts),
	}, nil
}

// fallback walks the providers in priority order. It returns the first
// result, the failures in chain order, the failed calls as monitor
// attempts and the full call trace. A non-nil error means ctx ended the
// chain early.
func (o *Orchestrator) fallback(ctx context.Context, log logrus.FieldLogger, history []providers.Message, prompt string) (*providers.Result, []Failure, []monitor.Attempt, []TraceAttempt, error) {
	var (
		failures []Failure
		attempts []monitor.Attempt
		trace    []TraceAttempt
	)

	for _, p := range o.registry.Ordered() {
		name := p.Name()
		if kind, off := o.isDisabled(name); off {
			failures = append(failures, Failure{Provider: name, Kind: kind, Skipped: true})
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, failures, attempts, trace, err
		}

		start := o.now()
		result, err := o.invoker.Invoke(ctx, p, p.DefaultModel(), history, prompt, o.registry.Timeout(name))
		latency := durationMs(o.now().Sub(start))

		if err == nil {
			trace = append(trace, TraceAttempt{Provider: name, Model: result.Model, LatencyMs: durationMs(result.Latency)})
			return result, failures, attempts, trace, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The caller went away; the provider is not to blame.
			return nil, failures, attempts, trace, ctxErr
		}

		kind := providers.KindOf(err)
		failures = append(failures, Failure{Provider: name, Kind: kind})
		attempts = append(attempts, monitor.Attempt{
			Provider:  name,
			Model:     p.DefaultModel(),
			ErrorKind: kind,
			LatencyMs: latency,
		})
		trace = append(trace, TraceAttempt{
			Provider:   name,
			Model:      p.DefaultModel(),
			LatencyMs:  latency,
			ErrorKind:  &kind,
			StatusCode: statusCode(err),
		})

		entry := log.WithFields(logrus.Fields{
			"provider":   name,
			"error_kind": kind.String(),
		})
		if kind.Misconfiguration() {
			o.disable(name, kind)
			entry.WithError(err).Error("provider disabled until restart")
		} else {
			entry.WithError(err).Warn("provider failed, falling back")
		}
	}
	return nil, failures, attempts, trace, nil
}

func statusCode(err error) int {
	var pe *providers.Error
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}

func (o *Orchestrator) commit(ctx context.Context, sessionID string, req PromptRequest, result *providers.Result) error {
	msgs := []conversation.Message{
		{Role: conversation.RoleUser, Content: req.Text},
		{
			Role:       conversation.RoleAssistant,
			Content:    result.Content,
			TokenCount: result.CompletionTokens,
			Provider:   result.Provider,
			Model:      result.Model,
			Cost:       result.Cost,
		},
	}

	err := o.store.Append(ctx, sessionID, req.UserID, msgs...)
	if errors.Is(err, conversation.ErrSessionExpired) {
		o.logger.WithField("session_id", sessionID).Info("session expired, starting a fresh one")
		if err := o.store.Reset(ctx, sessionID, req.UserID); err != nil {
			return err
		}
		err = o.store.Append(ctx, sessionID, req.UserID, msgs...)
	}
	return err
}

func (o *Orchestrator) record(m monitor.UsageMetric) {
	if o.recorder != nil {
		o.recorder.Record(m)
	}
}

func (o *Orchestrator) isDisabled(name string) (providers.ErrorKind, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	k, ok := o.disabled[name]
	return k, ok
}

func (o *Orchestrator) disable(name string, kind providers.ErrorKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disabled[name] = kind
}

// Disabled returns the providers taken out of rotation and the error kind that caused it
func (o *Orchestrator) Disabled() map[string]providers.ErrorKind {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]providers.ErrorKind, len(o.disabled))
	for k, v := range o.disabled {
		out[k] = v
	}
	return out
}

// Providers returns provider names in fallback order
func (o *Orchestrator) Providers() []string {
	return o.registry.Names()
}

func (o *Orchestrator) addTrace(t Trace) {
	o.traceMu.Lock()
	defer o.traceMu.Unlock()
	o.traces[o.next] = t
	o.next++
	if o.next == len(o.traces) {
		o.next = 0
		o.full = true
	}
}

// RecentTraces returns up to n recent fallback traces, newest first. n <= 0 returns all retained.
func (o *Orchestrator) RecentTraces(n int) []Trace {
	o.traceMu.Lock()
	defer o.traceMu.Unlock()

	size := o.next
	if o.full {
		size = len(o.traces)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Trace, 0, n)
	for i := 0; i < n; i++ {
		idx := (o.next - 1 - i + len(o.traces)) % len(o.traces)
		out = append(out, o.traces[idx])
	}
	return out
}

func durationMs(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// String describes the failure chain for logs
func (f Failure) String() string {
	return fmt.Sprintf("%s:%s", f.Provider, f.Kind)
}
