package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// processStats reads cumulative CPU seconds and resident memory for the process
type processStats func() (cpuSeconds float64, rssBytes uint64, err error)

func procSelfStats() (float64, uint64, error) {
	p, err := procfs.Self()
	if err != nil {
		return 0, 0, err
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, 0, err
	}
	return stat.CPUTime(), uint64(stat.ResidentMemory()), nil
}

// resourceSampler turns cumulative CPU time into a utilisation percentage
// between consecutive samples
type resourceSampler struct {
	mu       sync.Mutex
	read     processStats
	lastCPU  float64
	lastWall time.Time
	procOK   bool
}

func (s *resourceSampler) sample(now time.Time) ResourceSample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	out := ResourceSample{
		Timestamp:  now,
		HeapBytes:  ms.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	read := s.read
	if read == nil {
		read = procSelfStats
	}
	cpu, rss, err := read()
	if err != nil {
		// No /proc on this platform; fall back to what the runtime knows.
		out.RSSBytes = ms.Sys
		s.procOK = false
		return out
	}
	out.RSSBytes = rss

	if s.procOK && now.After(s.lastWall) {
		wall := now.Sub(s.lastWall).Seconds()
		out.CPUPercent = (cpu - s.lastCPU) * 100 / wall
		if out.CPUPercent < 0 {
			out.CPUPercent = 0
		}
	}
	s.lastCPU = cpu
	s.lastWall = now
	s.procOK = true
	return out
}

// SampleResources takes one resource sample, stores it and pushes it to
// subscribers and the sink
func (m *Monitor) SampleResources() ResourceSample {
	return m.sampleAt(m.now())
}

func (m *Monitor) sampleAt(at time.Time) ResourceSample {
	s := m.res.sample(at)

	m.resMu.Lock()
	m.samples.append(s)
	m.resMu.Unlock()

	if m.sink != nil {
		if err := m.sink.RecordResources(s); err != nil {
			m.sinkFailures.Add(1)
			m.logger.WithError(err).Warn("failed to persist resource sample")
		}
	}
	m.broadcast(Delta{Type: DeltaResources, Resources: &s})
	return s
}

// LatestResources returns the most recent resource sample
func (m *Monitor) LatestResources() (ResourceSample, bool) {
	m.resMu.RLock()
	defer m.resMu.RUnlock()
	return m.samples.latest()
}

// ResourceHistory returns retained resource samples, oldest first
func (m *Monitor) ResourceHistory() []ResourceSample {
	m.resMu.RLock()
	defer m.resMu.RUnlock()
	return m.samples.all()
}

// RestoreResources seeds the sample history, e.g. from the durable store
// after a restart. Samples are neither persisted again nor broadcast.
func (m *Monitor) RestoreResources(samples []ResourceSample) {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	for _, s := range samples {
		m.samples.append(s)
	}
}

// RunSampler takes a sample on every tick until ctx is cancelled or ticks closes
func (m *Monitor) RunSampler(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case at, ok := <-ticks:
			if !ok {
				return
			}
			m.sampleAt(at)
		}
	}
}

// StartSampler samples immediately and then every SampleInterval
func (m *Monitor) StartSampler(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	m.SampleResources()
	m.RunSampler(ctx, ticker.C)
}
