// Package transport builds the HTTP clients provider adapters talk through,
// including mTLS client certificates and HMAC request signing for
// self-hosted OpenAI-compatible clusters.
package transport

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Authentication types
const (
	AuthNone = ""
	AuthHMAC = "hmac"
	AuthMTLS = "mtls"
)

// Config configures the HTTP client of a single provider
type Config struct {
	AuthType        string        `yaml:"authType,omitempty"` // "hmac" or "mtls"
	SharedSecret    string        `yaml:"sharedSecret,omitempty"`
	CertFile        string        `yaml:"certFile,omitempty"`
	KeyFile         string        `yaml:"keyFile,omitempty"`
	CAFile          string        `yaml:"caFile,omitempty"`
	ServerName      string        `yaml:"serverName,omitempty"`
	MaxIdleConns    int           `yaml:"maxIdleConns,omitempty"`
	IdleConnTimeout time.Duration `yaml:"idleConnTimeout,omitempty"`
}

// NewClient creates an HTTP client for a provider. It sets no client-wide
// timeout; callers bound each request with a context deadline.
func NewClient(cfg Config) (*http.Client, error) {
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	var rt http.RoundTripper = base
	switch cfg.AuthType {
	case AuthNone:
	case AuthMTLS:
		tlsConfig, err := loadTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		base.TLSClientConfig = tlsConfig
	case AuthHMAC:
		if cfg.SharedSecret == "" {
			return nil, fmt.Errorf("hmac auth requires a shared secret")
		}
		rt = &HMACRoundTripper{Secret: cfg.SharedSecret, Next: base}
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.AuthType)
	}

	return &http.Client{Transport: rt}, nil
}

func loadTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("mtls auth requires certFile and keyFile")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   cfg.ServerName,
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// HMACRoundTripper signs every request with an HMAC-SHA256 of
// timestamp + method + path + body.
type HMACRoundTripper struct {
	Secret string
	Next   http.RoundTripper
	Now    func() time.Time
}

func (t *HMACRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	signed := req.Clone(req.Context())
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	Sign(signed, t.Secret, body, now())

	next := t.Next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(signed)
}

// Sign adds the HMAC signature headers to req
func Sign(req *http.Request, secret string, body []byte, at time.Time) {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", signature(secret, timestamp, req.Method, req.URL.Path, body))
	req.Header.Set("X-Auth-Type", "hmac-sha256")
}

func signature(secret, timestamp, method, path string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp + method + path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
