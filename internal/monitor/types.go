package monitor

import (
	"time"

	"github.com/navillasa/assistant-orchestrator/internal/health"
	"github.com/navillasa/assistant-orchestrator/internal/providers"
)

// Attempt is a failed provider call that preceded a request's final outcome
type Attempt struct {
	Provider  string              `json:"provider"`
	Model     string              `json:"model"`
	ErrorKind providers.ErrorKind `json:"error_kind"`
	LatencyMs float64             `json:"latency_ms"`
}

// UsageMetric is one recorded outcome of a prompt request. It is immutable
// once recorded. Attempts holds the fallback trace that led to it.
type UsageMetric struct {
	Provider         string               `json:"provider"`
	Model            string               `json:"model"`
	LatencyMs        float64              `json:"latency_ms"`
	PromptTokens     int                  `json:"prompt_tokens"`
	CompletionTokens int                  `json:"completion_tokens"`
	Cost             float64              `json:"cost"`
	Success          bool                 `json:"success"`
	ErrorKind        *providers.ErrorKind `json:"error_kind"`
	UserID           string               `json:"user_id"`
	SessionID        string               `json:"session_id,omitempty"`
	Timestamp        time.Time            `json:"timestamp"`
	Attempts         []Attempt            `json:"attempts,omitempty"`

	// fallback marks a log entry derived from another metric's Attempts
	fallback bool
}

// TotalTokens returns prompt plus completion tokens
func (m UsageMetric) TotalTokens() int {
	return m.PromptTokens + m.CompletionTokens
}

// Status is a coarse classification of a provider's recent behaviour
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

func (s Status) rank() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// HealthRecord is the derived health of one provider over the trailing window
type HealthRecord struct {
	Provider     string              `json:"provider"`
	Status       Status              `json:"status"`
	AvgLatencyMs float64             `json:"avg_latency_ms"`
	ErrorRate    float64             `json:"error_rate"`
	Samples      int                 `json:"samples"`
	Window       string              `json:"window"`
	Probe        *health.ProbeStatus `json:"probe,omitempty"`
}

// Filter narrows statistics and cost views
type Filter struct {
	Provider string
	Since    time.Time
	Until    time.Time
}

func (f Filter) match(m *UsageMetric) bool {
	if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && m.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Stats is the aggregate view of recorded usage. Count covers provider
// calls, so a failed fallback attempt counts against its provider just as
// it does in the health windows. Attempts is the part of Count that came
// from such attempts.
type Stats struct {
	Count            int                     `json:"count"`
	Attempts         int                     `json:"fallback_attempts"`
	SuccessCount     int                     `json:"success_count"`
	SuccessRate      float64                 `json:"success_rate"`
	AvgLatencyMs     float64                 `json:"avg_latency_ms"`
	P50LatencyMs     float64                 `json:"p50_latency_ms"`
	P95LatencyMs     float64                 `json:"p95_latency_ms"`
	P99LatencyMs     float64                 `json:"p99_latency_ms"`
	PromptTokens     int                     `json:"prompt_tokens"`
	CompletionTokens int                     `json:"completion_tokens"`
	TotalTokens      int                     `json:"total_tokens"`
	TotalCost        float64                 `json:"total_cost"`
	HealthStatus     Status                  `json:"health_status"`
	Providers        map[string]HealthRecord `json:"providers"`
	Resources        *ResourceSample         `json:"resources,omitempty"`
	Dropped          int64                   `json:"dropped_events"`
	SinkFailures     int64                   `json:"sink_failures"`
}

// CostRecord is an aggregate of cost grouped by provider/model/user/time bucket.
// Fields not part of the grouping are left empty.
type CostRecord struct {
	Provider         string    `json:"provider,omitempty"`
	Model            string    `json:"model,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	BucketStart      time.Time `json:"bucket_start,omitempty"`
	Requests         int       `json:"requests"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
}

// Recommendation is an advisory produced by the rule set; nothing acts on it automatically
type Recommendation struct {
	Provider string `json:"provider,omitempty"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
}

// ResourceSample is a snapshot of process resource usage
type ResourceSample struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	HeapBytes  uint64    `json:"heap_bytes"`
	Goroutines int       `json:"goroutines"`
}

// Delta types
const (
	DeltaUsage     = "usage"
	DeltaResources = "resources"
)

// Delta is a push update for live dashboards
type Delta struct {
	Type      string          `json:"type"`
	Metric    *UsageMetric    `json:"metric,omitempty"`
	Health    *HealthRecord   `json:"health,omitempty"`
	Resources *ResourceSample `json:"resources,omitempty"`
}
