package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/navillasa/assistant-orchestrator/internal/conversation"
	"github.com/navillasa/assistant-orchestrator/internal/monitor"
	"github.com/navillasa/assistant-orchestrator/internal/orchestrator"
	"github.com/navillasa/assistant-orchestrator/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// UserHeader carries the verified caller id set by the fronting product
const UserHeader = "X-User-ID"

// Error codes returned in JSON error bodies
const (
	CodeBadRequest         = "bad_request"
	CodeRateLimited        = "rate_limit_exceeded"
	CodeAllProvidersFailed = "all_providers_failed"
	CodeCacheUnavailable   = "cache_unavailable"
	CodeNotFound           = "not_found"
	CodeUnavailable        = "unavailable"
)

// Deps are the components the HTTP surface exposes
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Store        *conversation.Store
	Monitor      *monitor.Monitor
	Gatherer     prometheus.Gatherer
	Logger       logrus.FieldLogger
	Now          func() time.Time
}

// Server holds the HTTP handlers
type Server struct {
	orch     *orchestrator.Orchestrator
	store    *conversation.Store
	monitor  *monitor.Monitor
	gatherer prometheus.Gatherer
	logger   logrus.FieldLogger
	now      func() time.Time
	upgrader websocket.Upgrader
}

// New creates the HTTP surface
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		orch:     d.Orchestrator,
		store:    d.Store,
		monitor:  d.Monitor,
		gatherer: d.Gatherer,
		logger:   d.Logger,
		now:      d.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard is served from the product's own origin behind the same proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	// Health endpoint
	router.HandleFunc("/health", s.healthHandler).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/prompt", s.promptHandler).Methods("POST")
	api.HandleFunc("/conversations/{id}", s.historyHandler).Methods("GET")
	api.HandleFunc("/conversations/{id}", s.deleteHandler).Methods("DELETE")

	perf := api.PathPrefix("/performance").Subrouter()
	perf.HandleFunc("/stats", s.statsHandler).Methods("GET")
	perf.HandleFunc("/health", s.providerHealthHandler).Methods("GET")
	perf.HandleFunc("/recommendations", s.recommendationsHandler).Methods("GET")
	perf.HandleFunc("/costs", s.costsHandler).Methods("GET")
	perf.HandleFunc("/traces", s.tracesHandler).Methods("GET")
	perf.HandleFunc("/resources", s.resourcesHandler).Methods("GET")
	perf.HandleFunc("/stream", s.streamHandler).Methods("GET")

	return router
}

type promptBody struct {
	SessionID   string   `json:"session_id"`
	UserID      string   `json:"user_id"`
	Text        string   `json:"text"`
	ContextTags []string `json:"context_tags"`
}

type errorBody struct {
	Error      string                 `json:"error"`
	Message    string                 `json:"message"`
	Reply      string                 `json:"reply,omitempty"`
	Failures   []orchestrator.Failure `json:"failures,omitempty"`
	RetryAfter float64                `json:"retry_after_seconds,omitempty"`
}

func (s *Server) promptHandler(w http.ResponseWriter, r *http.Request) {
	var body promptBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, errorBody{Error: CodeBadRequest, Message: fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	// The verified header always names the caller; the body is only a
	// fallback for deployments without the fronting proxy.
	if user := r.Header.Get(UserHeader); user != "" {
		body.UserID = user
	}

	resp, err := s.orch.Prompt(r.Context(), orchestrator.PromptRequest{
		SessionID:   body.SessionID,
		UserID:      body.UserID,
		Text:        body.Text,
		ContextTags: body.ContextTags,
	})

	if limiter := s.orch.Limiter(); limiter.Limit() > 0 && strings.TrimSpace(body.UserID) != "" {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(strings.TrimSpace(body.UserID))))
	}

	var apf *orchestrator.AllProvidersFailedError
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, orchestrator.ErrMissingUser), errors.Is(err, orchestrator.ErrEmptyPrompt):
		s.writeError(w, http.StatusBadRequest, errorBody{Error: CodeBadRequest, Message: err.Error()})
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		retry := s.orch.Limiter().RetryAfter(strings.TrimSpace(body.UserID))
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		s.writeError(w, http.StatusTooManyRequests, errorBody{
			Error:      CodeRateLimited,
			Message:    "too many prompts, slow down",
			RetryAfter: retry.Seconds(),
		})
	case errors.As(err, &apf):
		s.writeError(w, http.StatusBadGateway, errorBody{
			Error:    CodeAllProvidersFailed,
			Message:  "no provider could answer the prompt",
			Reply:    orchestrator.FallbackReply,
			Failures: apf.Failures,
		})
	default:
		s.logger.WithError(err).Warn("prompt aborted")
		s.writeError(w, http.StatusServiceUnavailable, errorBody{Error: CodeUnavailable, Message: "request aborted"})
	}
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok, err := s.store.Session(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, errorBody{Error: CodeCacheUnavailable, Message: "conversation store unavailable"})
		return
	}
	// A caller only sees its own sessions.
	if user := r.Header.Get(UserHeader); ok && user != "" && user != sess.UserID {
		ok = false
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, errorBody{Error: CodeNotFound, Message: "conversation not found or expired"})
		return
	}

	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(sess.Messages) {
		sess.Messages = sess.Messages[len(sess.Messages)-limit:]
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if user := r.Header.Get(UserHeader); user != "" {
		sess, ok, err := s.store.Session(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, errorBody{Error: CodeCacheUnavailable, Message: "conversation store unavailable"})
			return
		}
		if ok && sess.UserID != user {
			s.writeError(w, http.StatusNotFound, errorBody{Error: CodeNotFound, Message: "conversation not found or expired"})
			return
		}
	}
	if err := s.store.Clear(r.Context(), id); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, errorBody{Error: CodeCacheUnavailable, Message: "conversation store unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "deleted": true})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	f, err := s.parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errorBody{Error: CodeBadRequest, Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, s.monitor.Statistics(f))
}

func (s *Server) providerHealthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": s.monitor.HealthAll(),
		"disabled":  s.orch.Disabled(),
		"order":     s.orch.Providers(),
	})
}

func (s *Server) recommendationsHandler(w http.ResponseWriter, r *http.Request) {
	recs := s.monitor.Recommendations()
	if recs == nil {
		recs = []monitor.Recommendation{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"recommendations": recs})
}

func (s *Server) costsHandler(w http.ResponseWriter, r *http.Request) {
	f, err := s.parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errorBody{Error: CodeBadRequest, Message: err.Error()})
		return
	}

	q := r.URL.Query()
	groupBy := []string{monitor.GroupProvider}
	if g := q.Get("group_by"); g != "" {
		groupBy = strings.Split(g, ",")
	}
	var bucket time.Duration
	if b := q.Get("bucket"); b != "" {
		if bucket, err = time.ParseDuration(b); err != nil || bucket < 0 {
			s.writeError(w, http.StatusBadRequest, errorBody{Error: CodeBadRequest, Message: fmt.Sprintf("invalid bucket %q", b)})
			return
		}
	}

	records, err := s.monitor.Costs(f, groupBy, bucket)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errorBody{Error: CodeBadRequest, Message: err.Error()})
		return
	}
	var total float64
	for _, rec := range records {
		total += rec.Cost
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_by":   groupBy,
		"records":    records,
		"total_cost": total,
	})
}

func (s *Server) tracesHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"traces": s.orch.RecentTraces(limit)})
}

func (s *Server) resourcesHandler(w http.ResponseWriter, r *http.Request) {
	history := s.monitor.ResourceHistory()
	if limit, _ := strconv.Atoi(r.URL.Query().Get("limit")); limit > 0 && limit < len(history) {
		history = history[len(history)-limit:]
	}
	body := map[string]interface{}{"samples": history}
	if latest, ok := s.monitor.LatestResources(); ok {
		body["latest"] = latest
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.monitor.Statistics(monitor.Filter{Since: s.now().Add(-s.monitor.Config().HealthWindow)})

	status := map[string]interface{}{
		"status":             "healthy",
		"providers_status":   stats.HealthStatus,
		"total_providers":    len(s.orch.Providers()),
		"disabled_providers": len(s.orch.Disabled()),
		"dropped_events":     stats.Dropped,
		"timestamp":          s.now().Format(time.RFC3339),
	}
	s.writeJSON(w, http.StatusOK, status)
}

// parseFilter reads provider, since, until (RFC 3339) and range (a duration
// back from now, used when since is absent)
func (s *Server) parseFilter(r *http.Request) (monitor.Filter, error) {
	q := r.URL.Query()
	f := monitor.Filter{Provider: q.Get("provider")}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid since %q: %w", v, err)
		}
		f.Since = t
	} else if v := q.Get("range"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return f, fmt.Errorf("invalid range %q", v)
		}
		f.Since = s.now().Add(-d)
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid until %q: %w", v, err)
		}
		f.Until = t
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return f, errors.New("until is before since")
	}
	return f, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Debug("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, body errorBody) {
	s.writeJSON(w, status, body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps Server-Sent Events working through the recorder
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the websocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request served")
	})
}
