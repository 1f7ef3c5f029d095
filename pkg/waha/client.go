// Package waha provides a client for a WAHA (WhatsApp HTTP API) gateway.
package waha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Session statuses reported by the gateway.
const (
	StatusStarting   = "STARTING"
	StatusScanQRCode = "SCAN_QR_CODE"
	StatusWorking    = "WORKING"
	StatusStopped    = "STOPPED"
	StatusFailed     = "FAILED"
)

// Client defines the gateway operations used for outreach.
type Client interface {
	// StartSession starts (or resumes) the named session.
	StartSession(ctx context.Context, session string) (*Session, error)

	// GetSession returns the session's current status.
	GetSession(ctx context.Context, session string) (*Session, error)

	// SendText sends a text message to chatID ("<digits>@c.us").
	SendText(ctx context.Context, req SendTextRequest) (*SendTextResponse, error)

	// StopSession stops the named session.
	StopSession(ctx context.Context, session string) error
}

// Session is a gateway session.
type Session struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// SendTextRequest is the body of POST /api/sendText.
type SendTextRequest struct {
	Session string `json:"session"`
	ChatID  string `json:"chatId"`
	Text    string `json:"text"`
}

// SendTextResponse is the gateway's acknowledgement of a sent message.
type SendTextResponse struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// APIError is returned when the gateway responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("waha: HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPStatusCode returns the response status.
func (e *APIError) HTTPStatusCode() int { return e.StatusCode }

// ChatID converts a phone number into a WhatsApp chat ID, keeping digits only.
// Returns "" when no digits remain.
func ChatID(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return b.String() + "@c.us"
}

// Option configures the WAHA client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a WAHA client for the gateway at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) StartSession(ctx context.Context, session string) (*Session, error) {
	var out Session
	path := "/api/sessions/" + url.PathEscape(session) + "/start"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, eris.Wrapf(err, "waha: start session %s", session)
	}
	return &out, nil
}

func (c *httpClient) GetSession(ctx context.Context, session string) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(session), nil, &out); err != nil {
		return nil, eris.Wrapf(err, "waha: get session %s", session)
	}
	return &out, nil
}

func (c *httpClient) SendText(ctx context.Context, req SendTextRequest) (*SendTextResponse, error) {
	var out SendTextResponse
	if err := c.do(ctx, http.MethodPost, "/api/sendText", req, &out); err != nil {
		return nil, eris.Wrap(err, "waha: send text")
	}
	return &out, nil
}

func (c *httpClient) StopSession(ctx context.Context, session string) error {
	path := "/api/sessions/" + url.PathEscape(session) + "/stop"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return eris.Wrapf(err, "waha: stop session %s", session)
	}
	return nil
}

func (c *httpClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "unmarshal response")
	}
	return nil
}
