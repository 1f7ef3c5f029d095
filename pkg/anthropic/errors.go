package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"
)

// APIError is a provider error with the HTTP status, the provider's error
// type tag (e.g. "rate_limit_error"), and any Retry-After hint.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic: HTTP %d %s: %s", e.StatusCode, e.Type, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// HTTPStatusCode returns the response status.
func (e *APIError) HTTPStatusCode() int { return e.StatusCode }

// ErrorType returns the provider's error type tag.
func (e *APIError) ErrorType() string { return e.Type }

// RetryAfterHint returns the server's Retry-After delay, if any.
func (e *APIError) RetryAfterHint() time.Duration { return e.RetryAfter }

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// convertError maps SDK errors to *APIError so callers can classify them
// without importing the SDK. Other errors are wrapped unchanged.
func convertError(err error) error {
	var sdkErr *sdk.Error
	if !errors.As(err, &sdkErr) {
		return eris.Wrap(err, "anthropic: create message")
	}

	out := &APIError{StatusCode: sdkErr.StatusCode, Err: err}

	var body errorBody
	if raw := sdkErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &body) == nil {
		out.Type = body.Error.Type
		out.Message = body.Error.Message
	}
	if out.Message == "" {
		out.Message = http.StatusText(out.StatusCode)
	}
	if sdkErr.Response != nil {
		out.RetryAfter = retryAfter(sdkErr.Response.Header, time.Now())
	}
	return out
}

// retryAfter reads retry-after-ms first, then Retry-After (seconds or date).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if ms := h.Get("retry-after-ms"); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
