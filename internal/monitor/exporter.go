package monitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exporter publishes monitor data as Prometheus metrics
type Exporter struct {
	monitor *Monitor

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	costTotal       *prometheus.CounterVec
	fallbacksTotal  *prometheus.CounterVec
	providerHealth  *prometheus.GaugeVec
	errorRate       *prometheus.GaugeVec
}

// NewExporter registers the monitor collectors with reg and subscribes to ingestion
func NewExporter(m *Monitor, reg prometheus.Registerer) (*Exporter, error) {
	e := &Exporter{
		monitor: m,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_provider_requests_total",
				Help: "Total number of prompt requests by final provider and outcome",
			},
			[]string{"provider", "model", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assistant_provider_request_duration_seconds",
				Help:    "Provider call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_provider_tokens_total",
				Help: "Tokens consumed by provider and direction",
			},
			[]string{"provider", "direction"},
		),
		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_provider_cost_dollars_total",
				Help: "Accumulated provider cost in dollars",
			},
			[]string{"provider", "model"},
		),
		fallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_provider_fallbacks_total",
				Help: "Failed provider attempts that moved a request down the fallback chain",
			},
			[]string{"provider", "error_kind"},
		),
		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "assistant_provider_health",
				Help: "Provider health status (0=healthy, 1=degraded, 2=critical)",
			},
			[]string{"provider"},
		),
		errorRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "assistant_provider_error_rate",
				Help: "Provider error rate over the health window",
			},
			[]string{"provider"},
		),
	}

	collectors := []prometheus.Collector{
		e.requestsTotal,
		e.requestDuration,
		e.tokensTotal,
		e.costTotal,
		e.fallbacksTotal,
		e.providerHealth,
		e.errorRate,
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "assistant_monitor_dropped_events_total",
				Help: "Usage events dropped because the queue was full or the store failed",
			},
			func() float64 { return float64(m.Dropped()) },
		),
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "assistant_monitor_sink_failures_total",
				Help: "Durable store writes that failed",
			},
			func() float64 { return float64(m.SinkFailures()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "assistant_process_cpu_percent",
				Help: "Process CPU utilisation from the last resource sample",
			},
			func() float64 {
				s, _ := m.LatestResources()
				return s.CPUPercent
			},
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "assistant_process_heap_bytes",
				Help: "Go heap in use from the last resource sample",
			},
			func() float64 {
				s, _ := m.LatestResources()
				return float64(s.HeapBytes)
			},
		),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	m.AddObserver(e)
	return e, nil
}

// Observe updates counters for one ingested metric
func (e *Exporter) Observe(m UsageMetric, rec HealthRecord) {
	status := "success"
	if !m.Success {
		status = "error"
		if m.ErrorKind != nil {
			status = m.ErrorKind.String()
		}
	}
	e.requestsTotal.WithLabelValues(m.Provider, m.Model, status).Inc()
	e.requestDuration.WithLabelValues(m.Provider).Observe(m.LatencyMs / 1000)
	e.tokensTotal.WithLabelValues(m.Provider, "prompt").Add(float64(m.PromptTokens))
	e.tokensTotal.WithLabelValues(m.Provider, "completion").Add(float64(m.CompletionTokens))
	if m.Cost > 0 {
		e.costTotal.WithLabelValues(m.Provider, m.Model).Add(m.Cost)
	}
	for _, a := range m.Attempts {
		e.fallbacksTotal.WithLabelValues(a.Provider, a.ErrorKind.String()).Inc()
	}
	e.setHealth(rec)
}

// Run refreshes the health gauges every interval so that they decay as
// windows age out even when no traffic arrives
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Refresh()
		}
	}
}

// Refresh recomputes the health gauges for every known provider
func (e *Exporter) Refresh() {
	for _, rec := range e.monitor.HealthAll() {
		e.setHealth(rec)
	}
}

func (e *Exporter) setHealth(rec HealthRecord) {
	e.providerHealth.WithLabelValues(rec.Provider).Set(float64(rec.Status.rank()))
	e.errorRate.WithLabelValues(rec.Provider).Set(rec.ErrorRate)
}
