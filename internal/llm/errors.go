package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ProtocolError reports a malformed or mid-stream embedded backend error.
// Raw preserves the backend's original diagnostic payload.
type ProtocolError struct {
	Provider string
	Message  string
	Raw      string
}

func (e *ProtocolError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("%s protocol error: %s (%s)", e.Provider, e.Message, e.Raw)
	}
	return fmt.Sprintf("%s protocol error: %s", e.Provider, e.Message)
}

// AuthError reports an authentication or authorization failure.
type AuthError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// authFailurePatterns match auth failures reported in error bodies rather
// than status codes. Some gateways wrap upstream 401s in a 200 envelope.
var authFailurePatterns = []string{
	"invalid api key",
	"invalid_api_key",
	"authentication_error",
	"token expired",
	"token has expired",
	"permission denied",
	"unauthorized",
}

// IsAuthFailure reports whether err represents an authentication failure,
// either by type, status code, or message pattern.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == 401 || statusErr.StatusCode == 403 {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range authFailurePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// StatusError carries an HTTP status from a backend response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, body)
}

// RateLimitError carries the retry-after hint when a backend returns 429.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s: %s", e.Provider, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Message)
}

// parseRateLimitError extracts a retry-after hint from a 429 body when the
// backend includes one. Durations come either as "resets_in_seconds" or a
// human string like "try again in 2.5s" inside the message.
func parseRateLimitError(provider, body string) *RateLimitError {
	rle := &RateLimitError{Provider: provider, Message: gjson.Get(body, "error.message").String()}
	if rle.Message == "" {
		rle.Message = body
	}
	if secs := gjson.Get(body, "error.resets_in_seconds"); secs.Exists() {
		rle.RetryAfter = time.Duration(secs.Float() * float64(time.Second))
		return rle
	}
	lower := strings.ToLower(rle.Message)
	if idx := strings.Index(lower, "try again in "); idx >= 0 {
		rest := lower[idx+len("try again in "):]
		if end := strings.IndexAny(rest, " .,"); end > 0 {
			if d, err := time.ParseDuration(rest[:end] + "s"); err == nil {
				rle.RetryAfter = d
			} else if d, err := time.ParseDuration(rest[:end]); err == nil {
				rle.RetryAfter = d
			}
		}
	}
	return rle
}

// embeddedStreamError checks a raw SSE data payload for an error object the
// backend embedded mid-stream with a 200 status. Returns nil when the
// payload is a normal event.
func embeddedStreamError(provider, data string) *ProtocolError {
	errObj := gjson.Get(data, "error")
	if !errObj.Exists() || errObj.Type == gjson.Null {
		return nil
	}
	msg := errObj.Get("message").String()
	if msg == "" {
		msg = errObj.Raw
	}
	return &ProtocolError{Provider: provider, Message: msg, Raw: data}
}
