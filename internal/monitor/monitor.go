package monitor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/navillasa/assistant-orchestrator/internal/health"
	"github.com/navillasa/assistant-orchestrator/internal/providers"
	"github.com/sirupsen/logrus"
)

// Thresholds drive health classification. A provider is healthy below both
// degraded thresholds and critical at or above either critical threshold.
type Thresholds struct {
	DegradedErrorRate float64 `yaml:"degradedErrorRate" json:"degraded_error_rate"`
	CriticalErrorRate float64 `yaml:"criticalErrorRate" json:"critical_error_rate"`
	DegradedLatencyMs float64 `yaml:"degradedLatencyMs" json:"degraded_latency_ms"`
	CriticalLatencyMs float64 `yaml:"criticalLatencyMs" json:"critical_latency_ms"`
}

// DefaultThresholds returns 5%/10% error rate and 5s/10s average latency
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedErrorRate: 0.05,
		CriticalErrorRate: 0.10,
		DegradedLatencyMs: 5000,
		CriticalLatencyMs: 10000,
	}
}

// WithDefaults fills unset thresholds from DefaultThresholds
func (t Thresholds) WithDefaults() Thresholds {
	d := DefaultThresholds()
	if t.DegradedErrorRate <= 0 {
		t.DegradedErrorRate = d.DegradedErrorRate
	}
	if t.CriticalErrorRate <= 0 {
		t.CriticalErrorRate = d.CriticalErrorRate
	}
	if t.DegradedLatencyMs <= 0 {
		t.DegradedLatencyMs = d.DegradedLatencyMs
	}
	if t.CriticalLatencyMs <= 0 {
		t.CriticalLatencyMs = d.CriticalLatencyMs
	}
	return t
}

// Classify maps an error rate and average latency to a status
func (t Thresholds) Classify(errorRate, avgLatencyMs float64) Status {
	if errorRate >= t.CriticalErrorRate || avgLatencyMs >= t.CriticalLatencyMs {
		return StatusCritical
	}
	if errorRate < t.DegradedErrorRate && avgLatencyMs < t.DegradedLatencyMs {
		return StatusHealthy
	}
	return StatusDegraded
}

// Config holds monitor settings
type Config struct {
	Windows        []time.Duration
	BucketWidth    time.Duration
	HealthWindow   time.Duration
	LogCapacity    int
	QueueSize      int
	MinSamples     int
	SampleInterval time.Duration
	SampleHistory  int
	CostShareAlert float64
	Thresholds     Thresholds
}

func (c *Config) setDefaults() {
	if len(c.Windows) == 0 {
		c.Windows = []time.Duration{time.Minute, 5 * time.Minute}
	}
	if c.BucketWidth <= 0 {
		c.BucketWidth = 10 * time.Second
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = c.Windows[len(c.Windows)-1]
	}
	if c.LogCapacity <= 0 {
		c.LogCapacity = 10000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 10 * time.Second
	}
	if c.SampleHistory <= 0 {
		c.SampleHistory = 360
	}
	if c.CostShareAlert <= 0 {
		c.CostShareAlert = 0.8
	}
	c.Thresholds = c.Thresholds.WithDefaults()
}

// Sink durably stores what the monitor ingests
type Sink interface {
	RecordUsage(m UsageMetric) error
	RecordResources(s ResourceSample) error
}

// ProbeSource reports liveness probe results by provider name
type ProbeSource interface {
	Status(name string) (health.ProbeStatus, bool)
}

// Observer is notified synchronously of every ingested metric
type Observer interface {
	Observe(m UsageMetric, rec HealthRecord)
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithSink sets the durable sink
func WithSink(s Sink) Option {
	return func(m *Monitor) { m.sink = s }
}

// WithProbes attaches liveness probe results to health records
func WithProbes(p ProbeSource) Option {
	return func(m *Monitor) { m.probes = p }
}

// WithDisabled supplies the providers the orchestrator has taken out of rotation
func WithDisabled(fn func() map[string]providers.ErrorKind) Option {
	return func(m *Monitor) { m.disabled = fn }
}

// AddObserver registers an observer after construction
func (m *Monitor) AddObserver(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

type providerState struct {
	mu      sync.RWMutex
	windows []*Window
	health  *Window
	log     *metricLog
}

// Monitor aggregates usage metrics into rolling per-provider windows and
// derives health, statistics, cost and recommendation views from them.
type Monitor struct {
	cfg       Config
	logger    logrus.FieldLogger
	now       func() time.Time
	sink      Sink
	probes    ProbeSource
	disabled  func() map[string]providers.ErrorKind

	obsMu     sync.RWMutex
	observers []Observer

	queue     chan UsageMetric
	providers sync.Map // name -> *providerState

	dropped      atomic.Int64
	sinkFailures atomic.Int64

	subMu   sync.Mutex
	subs    map[int]chan Delta
	nextSub int

	res     *resourceSampler
	resMu   sync.RWMutex
	samples *sampleRing
}

// New creates a monitor
func New(cfg Config, opts ...Option) *Monitor {
	cfg.setDefaults()
	m := &Monitor{
		cfg:     cfg,
		logger:  logrus.StandardLogger(),
		now:     time.Now,
		queue:   make(chan UsageMetric, cfg.QueueSize),
		subs:    make(map[int]chan Delta),
		res:     &resourceSampler{},
		samples: newSampleRing(cfg.SampleHistory),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration
func (m *Monitor) Config() Config {
	return m.cfg
}

// Record queues a metric for ingestion without blocking. When the queue is
// full the metric is dropped and the dropped counter incremented.
func (m *Monitor) Record(metric UsageMetric) {
	select {
	case m.queue <- metric:
	default:
		n := m.dropped.Add(1)
		m.logger.WithFields(logrus.Fields{
			"provider": metric.Provider,
			"dropped":  n,
		}).Warn("monitor queue full, usage metric dropped")
	}
}

// Run ingests queued metrics until ctx is cancelled, then drains the queue
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case metric := <-m.queue:
					m.Ingest(metric)
				default:
					return
				}
			}
		case metric := <-m.queue:
			m.Ingest(metric)
		}
	}
}

// Ingest applies a metric synchronously
func (m *Monitor) Ingest(metric UsageMetric) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = m.now()
	}
	m.apply(metric)

	if m.sink != nil {
		if err := m.sink.RecordUsage(metric); err != nil {
			n := m.sinkFailures.Add(1)
			m.dropped.Add(1)
			m.logger.WithError(err).WithField("sink_failures", n).Warn("failed to persist usage metric")
		}
	}

	rec := m.Health(metric.Provider)
	m.obsMu.RLock()
	for _, o := range m.observers {
		o.Observe(metric, rec)
	}
	m.obsMu.RUnlock()
	m.broadcast(Delta{Type: DeltaUsage, Metric: &metric, Health: &rec})
}

// Restore replays persisted metrics without touching the sink or subscribers
func (m *Monitor) Restore(metrics []UsageMetric) {
	for _, metric := range metrics {
		m.apply(metric)
	}
}

func (m *Monitor) apply(metric UsageMetric) {
	st := m.state(metric.Provider)
	st.mu.Lock()
	for _, w := range st.windows {
		w.Add(metric.Timestamp, metric.Success, metric.LatencyMs, metric.TotalTokens(), metric.Cost)
	}
	st.log.append(metric)
	st.mu.Unlock()

	for _, a := range metric.Attempts {
		if a.Provider == "" {
			continue
		}
		kind := a.ErrorKind
		ast := m.state(a.Provider)
		ast.mu.Lock()
		for _, w := range ast.windows {
			w.Add(metric.Timestamp, false, a.LatencyMs, 0, 0)
		}
		ast.log.append(UsageMetric{
			Provider:  a.Provider,
			Model:     a.Model,
			LatencyMs: a.LatencyMs,
			ErrorKind: &kind,
			UserID:    metric.UserID,
			SessionID: metric.SessionID,
			Timestamp: metric.Timestamp,
			fallback:  true,
		})
		ast.mu.Unlock()
	}
}

func (m *Monitor) state(provider string) *providerState {
	if v, ok := m.providers.Load(provider); ok {
		return v.(*providerState)
	}
	st := &providerState{log: newMetricLog(m.cfg.LogCapacity)}
	for _, size := range m.cfg.Windows {
		w := NewWindow(size, m.cfg.BucketWidth)
		st.windows = append(st.windows, w)
		if size == m.cfg.HealthWindow {
			st.health = w
		}
	}
	if st.health == nil {
		st.health = NewWindow(m.cfg.HealthWindow, m.cfg.BucketWidth)
		st.windows = append(st.windows, st.health)
	}
	v, _ := m.providers.LoadOrStore(provider, st)
	return v.(*providerState)
}

func (m *Monitor) lookup(provider string) (*providerState, bool) {
	v, ok := m.providers.Load(provider)
	if !ok {
		return nil, false
	}
	return v.(*providerState), true
}

// Providers returns the names of every provider seen, sorted
func (m *Monitor) Providers() []string {
	var names []string
	m.providers.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// Health classifies a provider over the health window. Providers with fewer
// than MinSamples requests in the window are healthy.
func (m *Monitor) Health(provider string) HealthRecord {
	rec := HealthRecord{
		Provider: provider,
		Status:   StatusHealthy,
		Window:   m.cfg.HealthWindow.String(),
	}
	if st, ok := m.lookup(provider); ok {
		st.mu.RLock()
		snap := st.health.Snapshot(m.now())
		st.mu.RUnlock()

		rec.Samples = snap.Requests
		rec.ErrorRate = snap.ErrorRate()
		rec.AvgLatencyMs = snap.AvgLatencyMs
		if snap.Requests >= m.cfg.MinSamples {
			rec.Status = m.cfg.Thresholds.Classify(rec.ErrorRate, rec.AvgLatencyMs)
		}
	}
	if m.probes != nil {
		if ps, ok := m.probes.Status(provider); ok && ps.Checked() {
			rec.Probe = &ps
		}
	}
	return rec
}

// HealthAll returns the health of every provider seen
func (m *Monitor) HealthAll() map[string]HealthRecord {
	out := make(map[string]HealthRecord)
	for _, name := range m.Providers() {
		out[name] = m.Health(name)
	}
	return out
}

// Statistics aggregates the retained usage log
func (m *Monitor) Statistics(f Filter) Stats {
	stats := Stats{
		HealthStatus: StatusHealthy,
		Providers:    make(map[string]HealthRecord),
		Dropped:      m.dropped.Load(),
		SinkFailures: m.sinkFailures.Load(),
	}

	var latencies []float64
	var latencySum float64
	for _, name := range m.Providers() {
		if f.Provider != "" && name != f.Provider {
			continue
		}
		st, _ := m.lookup(name)
		st.mu.RLock()
		st.log.each(func(metric *UsageMetric) {
			if !f.match(metric) {
				return
			}
			stats.Count++
			if metric.fallback {
				stats.Attempts++
			}
			if metric.Success {
				stats.SuccessCount++
			}
			latencies = append(latencies, metric.LatencyMs)
			latencySum += metric.LatencyMs
			stats.PromptTokens += metric.PromptTokens
			stats.CompletionTokens += metric.CompletionTokens
			stats.TotalCost += metric.Cost
		})
		st.mu.RUnlock()

		rec := m.Health(name)
		stats.Providers[name] = rec
		if rec.Status.rank() > stats.HealthStatus.rank() {
			stats.HealthStatus = rec.Status
		}
	}

	stats.TotalTokens = stats.PromptTokens + stats.CompletionTokens
	if stats.Count > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.Count)
		stats.AvgLatencyMs = latencySum / float64(stats.Count)
		sort.Float64s(latencies)
		stats.P50LatencyMs = percentile(latencies, 50)
		stats.P95LatencyMs = percentile(latencies, 95)
		stats.P99LatencyMs = percentile(latencies, 99)
	}
	if s, ok := m.LatestResources(); ok {
		stats.Resources = &s
	}
	return stats
}

// percentile returns the nearest-rank percentile of sorted values
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// Group-by dimensions for Costs
const (
	GroupProvider = "provider"
	GroupModel    = "model"
	GroupUser     = "user"
)

type costKey struct {
	provider string
	model    string
	user     string
	bucket   int64
}

// Costs projects the usage log into cost records grouped by the given
// dimensions. A positive bucket additionally groups by time slice.
func (m *Monitor) Costs(f Filter, groupBy []string, bucket time.Duration) ([]CostRecord, error) {
	var byProvider, byModel, byUser bool
	for _, g := range groupBy {
		switch g {
		case GroupProvider:
			byProvider = true
		case GroupModel:
			byModel = true
		case GroupUser:
			byUser = true
		case "":
		default:
			return nil, fmt.Errorf("unknown cost grouping %q", g)
		}
	}

	groups := make(map[costKey]*CostRecord)
	for _, name := range m.Providers() {
		if f.Provider != "" && name != f.Provider {
			continue
		}
		st, _ := m.lookup(name)
		st.mu.RLock()
		st.log.each(func(metric *UsageMetric) {
			if metric.fallback || !f.match(metric) {
				return
			}
			var k costKey
			if byProvider {
				k.provider = metric.Provider
			}
			if byModel {
				k.model = metric.Model
			}
			if byUser {
				k.user = metric.UserID
			}
			if bucket > 0 {
				k.bucket = metric.Timestamp.UnixNano() / int64(bucket)
			}
			rec, ok := groups[k]
			if !ok {
				rec = &CostRecord{Provider: k.provider, Model: k.model, UserID: k.user}
				if bucket > 0 {
					rec.BucketStart = time.Unix(0, k.bucket*int64(bucket)).UTC()
				}
				groups[k] = rec
			}
			rec.Requests++
			rec.PromptTokens += metric.PromptTokens
			rec.CompletionTokens += metric.CompletionTokens
			rec.Cost += metric.Cost
		})
		st.mu.RUnlock()
	}

	out := make([]CostRecord, 0, len(groups))
	for _, rec := range groups {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.BucketStart.Equal(b.BucketStart) {
			return a.BucketStart.Before(b.BucketStart)
		}
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		return a.UserID < b.UserID
	})
	return out, nil
}

// Recommendation rules
const (
	RuleHighLatency      = "high_latency"
	RuleHighErrorRate    = "high_error_rate"
	RuleProbeFailing     = "probe_failing"
	RuleProviderDisabled = "provider_disabled"
	RuleCostShare        = "cost_share"
	RuleDroppedEvents    = "dropped_events"
)

// Recommendations evaluates the advisory rule set over the health window
func (m *Monitor) Recommendations() []Recommendation {
	var out []Recommendation
	t := m.cfg.Thresholds

	disabled := map[string]providers.ErrorKind{}
	if m.disabled != nil {
		disabled = m.disabled()
	}

	names := m.Providers()
	for name := range disabled {
		if _, ok := m.lookup(name); !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var totalCost float64
	costs := make(map[string]float64)
	now := m.now()
	for _, name := range names {
		if kind, ok := disabled[name]; ok {
			out = append(out, Recommendation{
				Provider: name,
				Rule:     RuleProviderDisabled,
				Message:  fmt.Sprintf("provider %s is disabled after %s; fix its configuration and restart", name, kind),
			})
		}

		rec := m.Health(name)
		if rec.Samples >= m.cfg.MinSamples {
			if rec.AvgLatencyMs >= t.DegradedLatencyMs {
				out = append(out, Recommendation{
					Provider: name,
					Rule:     RuleHighLatency,
					Message: fmt.Sprintf("provider %s average latency %.0fms exceeds %.0fms; consider deprioritizing it in the fallback order",
						name, rec.AvgLatencyMs, t.DegradedLatencyMs),
				})
			}
			if rec.ErrorRate >= t.DegradedErrorRate {
				out = append(out, Recommendation{
					Provider: name,
					Rule:     RuleHighErrorRate,
					Message: fmt.Sprintf("provider %s error rate %.1f%% exceeds %.1f%%; investigate credentials and quota",
						name, rec.ErrorRate*100, t.DegradedErrorRate*100),
				})
			}
		}
		if rec.Probe != nil && !rec.Probe.Reachable {
			out = append(out, Recommendation{
				Provider: name,
				Rule:     RuleProbeFailing,
				Message: fmt.Sprintf("provider %s failed %d consecutive liveness probes: %s",
					name, rec.Probe.ConsecutiveError, rec.Probe.LastError),
			})
		}

		if st, ok := m.lookup(name); ok {
			st.mu.RLock()
			c := st.health.Snapshot(now).Cost
			st.mu.RUnlock()
			costs[name] = c
			totalCost += c
		}
	}

	if len(costs) > 1 && totalCost > 0 {
		for _, name := range names {
			share := costs[name] / totalCost
			if share > m.cfg.CostShareAlert {
				out = append(out, Recommendation{
					Provider: name,
					Rule:     RuleCostShare,
					Message: fmt.Sprintf("provider %s accounts for %.0f%% of spend over the last %s; review model choice or routing",
						name, share*100, m.cfg.HealthWindow),
				})
			}
		}
	}

	if n := m.dropped.Load(); n > 0 {
		out = append(out, Recommendation{
			Rule:    RuleDroppedEvents,
			Message: fmt.Sprintf("%d usage events were dropped; raise the monitor queue size or check the metrics store", n),
		})
	}
	return out
}

// Dropped returns how many usage events were not ingested or persisted
func (m *Monitor) Dropped() int64 {
	return m.dropped.Load()
}

// SinkFailures returns how many sink writes failed
func (m *Monitor) SinkFailures() int64 {
	return m.sinkFailures.Load()
}

// Subscribe returns a channel of deltas and a func that ends the
// subscription. Deltas are skipped for a subscriber whose buffer is full.
func (m *Monitor) Subscribe(buffer int) (<-chan Delta, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Delta, buffer)

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Monitor) broadcast(d Delta) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- d:
		default:
		}
	}
}
