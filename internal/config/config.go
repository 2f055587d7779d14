package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/navillasa/assistant-orchestrator/internal/conversation"
	"github.com/navillasa/assistant-orchestrator/internal/cost"
	"github.com/navillasa/assistant-orchestrator/internal/monitor"
	"github.com/navillasa/assistant-orchestrator/internal/orchestrator"
	"github.com/navillasa/assistant-orchestrator/internal/providers"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the service configuration
type Config struct {
	Server       ServerConfig                  `yaml:"server"`
	Logging      LoggingConfig                 `yaml:"logging"`
	Providers    []providers.ProviderConfig    `yaml:"providers"`
	RateLimit    RateLimitConfig               `yaml:"rateLimit"`
	Conversation ConversationConfig            `yaml:"conversation"`
	Monitor      MonitorConfig                 `yaml:"monitor"`
	Suggestions  orchestrator.SuggestionConfig `yaml:"suggestions"`

	// Pricing adds or overrides per-model prices, keyed by provider type then model
	Pricing map[string]map[string]cost.ModelPricing `yaml:"pricing"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	Window            time.Duration `yaml:"window"`
}

type ConversationConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	Grace             time.Duration `yaml:"grace"`
	HistoryLimit      int           `yaml:"historyLimit"`
	MaxStoredMessages int           `yaml:"maxStoredMessages"`
	MaxTokens         int           `yaml:"maxTokens"`
	RedisAddr         string        `yaml:"redisAddr,omitempty"`
	RedisPassword     string        `yaml:"redisPassword,omitempty"`
	RedisDB           int           `yaml:"redisDB,omitempty"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
}

type MonitorConfig struct {
	Windows               []time.Duration    `yaml:"windows"`
	BucketWidth           time.Duration      `yaml:"bucketWidth"`
	HealthWindow          time.Duration      `yaml:"healthWindow"`
	QueueSize             int                `yaml:"queueSize"`
	LogCapacity           int                `yaml:"logCapacity"`
	MinSamples            int                `yaml:"minSamples"`
	SampleInterval        time.Duration      `yaml:"sampleInterval"`
	Thresholds            monitor.Thresholds `yaml:"thresholds"`
	SQLitePath            string             `yaml:"sqlitePath,omitempty"`
	Retention             time.Duration      `yaml:"retention"`
	HealthCheckInterval   time.Duration      `yaml:"healthCheckInterval"`
	MetricsUpdateInterval time.Duration      `yaml:"metricsUpdateInterval"`
}

// Load reads a YAML configuration file. ${VAR} references are expanded
// from the environment before parsing so secrets can stay out of the file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML configuration
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// Large enough for the whole fallback chain
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.Conversation.TTL == 0 {
		c.Conversation.TTL = 30 * time.Minute
	}
	if c.Conversation.HistoryLimit == 0 {
		c.Conversation.HistoryLimit = 10
	}
	if c.Conversation.MaxStoredMessages == 0 {
		c.Conversation.MaxStoredMessages = 50
	}
	if c.Conversation.SweepInterval == 0 {
		c.Conversation.SweepInterval = time.Minute
	}
	c.Monitor.Thresholds = c.Monitor.Thresholds.WithDefaults()
	if c.Monitor.Retention == 0 {
		c.Monitor.Retention = 24 * time.Hour
	}
	if c.Monitor.HealthCheckInterval == 0 {
		c.Monitor.HealthCheckInterval = 30 * time.Second
	}
	if c.Monitor.MetricsUpdateInterval == 0 {
		c.Monitor.MetricsUpdateInterval = 30 * time.Second
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			p.Name = p.Type
		}
		if p.Timeout == 0 {
			p.Timeout = providers.DefaultTimeout
		}
	}
}

// Validate reports configuration errors
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("rateLimit.requestsPerMinute must not be negative"))
	}

	enabled := 0
	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Type == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: type is required", i))
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if !p.Disabled {
			enabled++
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("at least one enabled provider is required"))
	}

	th := c.Monitor.Thresholds
	if th.CriticalErrorRate < th.DegradedErrorRate {
		errs = append(errs, errors.New("monitor.thresholds: critical error rate is below degraded"))
	}
	if th.CriticalLatencyMs < th.DegradedLatencyMs {
		errs = append(errs, errors.New("monitor.thresholds: critical latency is below degraded"))
	}
	return errors.Join(errs...)
}

// ConversationStore returns the conversation store settings
func (c *Config) ConversationStore() conversation.Config {
	return conversation.Config{
		TTL:               c.Conversation.TTL,
		Grace:             c.Conversation.Grace,
		MaxStoredMessages: c.Conversation.MaxStoredMessages,
		MaxTokens:         c.Conversation.MaxTokens,
		HistoryLimit:      c.Conversation.HistoryLimit,
	}
}

// MonitorSettings returns the performance monitor settings
func (c *Config) MonitorSettings() monitor.Config {
	return monitor.Config{
		Windows:        c.Monitor.Windows,
		BucketWidth:    c.Monitor.BucketWidth,
		HealthWindow:   c.Monitor.HealthWindow,
		LogCapacity:    c.Monitor.LogCapacity,
		QueueSize:      c.Monitor.QueueSize,
		MinSamples:     c.Monitor.MinSamples,
		SampleInterval: c.Monitor.SampleInterval,
		Thresholds:     c.Monitor.Thresholds,
	}
}

// Orchestrator returns the request orchestrator settings
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		RateLimit:    c.RateLimit.RequestsPerMinute,
		RateWindow:   c.RateLimit.Window,
		HistoryLimit: c.Conversation.HistoryLimit,
		Suggestions:  c.Suggestions,
	}
}

// ApplyPricing registers configured price overrides with the cost engine
func (c *Config) ApplyPricing(e *cost.Engine) {
	for provider, models := range c.Pricing {
		for model, p := range models {
			e.SetPricing(provider, model, p)
		}
	}
}

// NewLogger builds the root logger from the logging settings
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if c.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
