package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// ErrorKind is the closed set of provider failures the fallback policy acts on
type ErrorKind int

const (
	ErrUnavailable     ErrorKind = iota // 5xx, 408, transport failures
	ErrTimeout                          // per-call deadline exceeded
	ErrAuthFailure                      // 401, 403, invalid key, exhausted quota
	ErrRateLimited                      // 429
	ErrInvalidResponse                  // 400/404, undecodable body, empty reply
)

// String returns the wire name of the error kind
func (k ErrorKind) String() string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrAuthFailure:
		return "auth_failure"
	case ErrRateLimited:
		return "rate_limited"
	case ErrInvalidResponse:
		return "invalid_response"
	default:
		return "unavailable"
	}
}

// ParseErrorKind is the inverse of String
func ParseErrorKind(s string) (ErrorKind, error) {
	for _, k := range []ErrorKind{ErrUnavailable, ErrTimeout, ErrAuthFailure, ErrRateLimited, ErrInvalidResponse} {
		if k.String() == s {
			return k, nil
		}
	}
	return ErrUnavailable, fmt.Errorf("unknown error kind %q", s)
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ErrorKind) UnmarshalText(b []byte) error {
	parsed, err := ParseErrorKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Misconfiguration reports whether the failure will not go away by itself.
// Such providers are skipped for the rest of the process lifetime.
func (k ErrorKind) Misconfiguration() bool {
	return k == ErrAuthFailure || k == ErrInvalidResponse
}

// Error is the normalized failure of a provider call
type Error struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s (HTTP %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind of err, normalizing unknown errors
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Normalize("", err).Kind
}

// Normalize converts any error into an *Error
func Normalize(provider string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = provider
		}
		return pe
	}

	kind := ErrUnavailable
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = ErrTimeout
	}
	return &Error{Provider: provider, Kind: kind, Message: err.Error(), Err: err}
}

func invalidResponse(provider, format string, args ...interface{}) *Error {
	return &Error{Provider: provider, Kind: ErrInvalidResponse, Message: fmt.Sprintf(format, args...)}
}

// apiErrorBody covers the error envelopes of OpenAI, Anthropic and Gemini
type apiErrorBody struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
		Status  string          `json:"status"`
	} `json:"error"`
}

// classifyHTTPError maps a non-2xx response onto an ErrorKind.
// refine may reclassify provider-specific cases.
func classifyHTTPError(provider string, resp *http.Response, refine func(status int, body apiErrorBody, kind ErrorKind) ErrorKind) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body apiErrorBody
	json.Unmarshal(raw, &body) //nolint:errcheck // best-effort parse

	msg := body.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	var kind ErrorKind
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = ErrAuthFailure
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		kind = ErrUnavailable
	default:
		kind = ErrInvalidResponse
	}
	if refine != nil {
		kind = refine(resp.StatusCode, body, kind)
	}

	return &Error{
		Provider:   provider,
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}

// errorCode returns the error code whether it was sent as a string or a number
func (b apiErrorBody) errorCode() string {
	var s string
	if err := json.Unmarshal(b.Error.Code, &s); err == nil {
		return s
	}
	return strings.Trim(string(b.Error.Code), `"`)
}
