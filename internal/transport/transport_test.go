package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClient_HMACSignsRequests(t *testing.T) {
	var valid bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		want := signature("s3cret", r.Header.Get("X-Timestamp"), r.Method, r.URL.Path, body)
		valid = r.Header.Get("X-Auth-Type") == "hmac-sha256" && r.Header.Get("X-Signature") == want
		if string(body) != `{"hello":"world"}` {
			t.Errorf("body not forwarded intact: %s", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{AuthType: AuthHMAC, SharedSecret: "s3cret"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	if !valid {
		t.Error("expected server to accept the signature")
	}
}

func TestSign(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	body := []byte("payload")

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	Sign(req, "secret", body, at)

	if got := req.Header.Get("X-Timestamp"); got != "1700000000" {
		t.Errorf("expected unix timestamp header, got %q", got)
	}
	sig := req.Header.Get("X-Signature")
	if len(sig) != 64 {
		t.Fatalf("expected hex sha256 signature, got %q", sig)
	}

	tests := []struct {
		name   string
		secret string
		body   []byte
		at     time.Time
	}{
		{"body", "secret", []byte("tampered"), at},
		{"secret", "other", body, at},
		{"timestamp", "secret", body, at.Add(time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			Sign(other, tt.secret, tt.body, tt.at)
			if other.Header.Get("X-Signature") == sig {
				t.Errorf("changing the %s must change the signature", tt.name)
			}
		})
	}
}

func TestNewClient_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"hmac without secret", Config{AuthType: AuthHMAC}},
		{"mtls without cert", Config{AuthType: AuthMTLS}},
		{"mtls with missing files", Config{AuthType: AuthMTLS, CertFile: "/nonexistent.crt", KeyFile: "/nonexistent.key"}},
		{"unknown auth", Config{AuthType: "kerberos"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
