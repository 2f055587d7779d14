package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober is anything that can report its own liveness
type Prober interface {
	Name() string
	Health(ctx context.Context) error
}

// ProbeStatus holds the liveness probe results for a provider
type ProbeStatus struct {
	Reachable        bool      `json:"reachable"`
	LastCheck        time.Time `json:"last_check"`
	ResponseTime     float64   `json:"response_time_ms"`
	ErrorCount       int       `json:"error_count"`
	ConsecutiveError int       `json:"consecutive_errors"`
	LastError        string    `json:"last_error,omitempty"`
}

// Checked reports whether the provider has been probed at least once
func (s ProbeStatus) Checked() bool {
	return !s.LastCheck.IsZero()
}

type target struct {
	prober Prober
	status ProbeStatus
}

// Checker periodically probes providers. A provider is marked unreachable
// after maxConsecutiveErrors failed probes and reachable on the next success.
type Checker struct {
	mu                   sync.RWMutex
	targets              map[string]*target
	checkInterval        time.Duration
	probeTimeout         time.Duration
	maxConsecutiveErrors int
	logger               logrus.FieldLogger
	now                  func() time.Time
}

// NewChecker creates a new liveness checker
func NewChecker(checkInterval, probeTimeout time.Duration, logger logrus.FieldLogger) *Checker {
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Checker{
		targets:              make(map[string]*target),
		checkInterval:        checkInterval,
		probeTimeout:         probeTimeout,
		maxConsecutiveErrors: 3,
		logger:               logger,
		now:                  time.Now,
	}
}

// Add adds a provider to be probed
func (c *Checker) Add(p Prober) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[p.Name()] = &target{prober: p}
}

// Start begins the probing loop
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	// Initial check
	c.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes every provider concurrently and waits for the results
func (c *Checker) CheckAll(ctx context.Context) {
	c.mu.RLock()
	names := make([]string, 0, len(c.targets))
	for name := range c.targets {
		names = append(names, name)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			c.check(ctx, name)
		}(name)
	}
	wg.Wait()
}

// Status returns the probe status of a provider
func (c *Checker) Status(name string) (ProbeStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.targets[name]
	if !ok {
		return ProbeStatus{}, false
	}
	return t.status, true
}

func (c *Checker) check(ctx context.Context, name string) {
	c.mu.RLock()
	t, ok := c.targets[name]
	c.mu.RUnlock()
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	start := c.now()
	err := t.prober.Health(probeCtx)
	responseTime := float64(c.now().Sub(start).Nanoseconds()) / 1e6

	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return // shutting down
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := &t.status
	s.LastCheck = c.now()
	s.ResponseTime = responseTime

	if err == nil {
		if !s.Reachable && s.ConsecutiveError > 0 {
			c.logger.WithField("provider", name).Info("provider reachable again")
		}
		s.Reachable = true
		s.ConsecutiveError = 0
		s.LastError = ""
		return
	}

	s.ErrorCount++
	s.ConsecutiveError++
	s.LastError = err.Error()
	if s.ConsecutiveError >= c.maxConsecutiveErrors {
		if s.Reachable || s.ConsecutiveError == c.maxConsecutiveErrors {
			c.logger.WithFields(logrus.Fields{
				"provider": name,
				"errors":   s.ConsecutiveError,
			}).Warn("provider marked unreachable after consecutive probe failures")
		}
		s.Reachable = false
	}
}
