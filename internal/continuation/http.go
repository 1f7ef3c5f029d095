package continuation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

// HTTP schedules hops by POSTing to this service's own
// /internal/continue/{a|b} endpoints, alternating on every hop.
type HTTP struct {
	baseURL string
	secret  string
	client  *http.Client
	retry   resilience.RetryConfig
}

// HTTPOption configures the HTTP driver.
type HTTPOption func(*HTTP)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithRetry replaces the retry schedule.
func WithRetry(cfg resilience.RetryConfig) HTTPOption {
	return func(h *HTTP) { h.retry = cfg }
}

// NewHTTP creates the self-call driver.
func NewHTTP(cfg config.ContinuationConfig, opts ...HTTPOption) *HTTP {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	h := &HTTP{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  cfg.Secret,
		client:  &http.Client{Timeout: timeout},
		retry:   resilience.FromRetryConfig(cfg.MaxAttempts, cfg.RetryDelayMs),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.retry.ShouldRetry = func(err error) bool { return !errors.Is(err, ErrLoopDetected) }
	h.retry.OnRetry = resilience.RetryLogger("continuation", "http")
	return h
}

// Schedule posts the hop. A loop rejection returns ErrLoopDetected at once;
// other failures are retried and the last one returned.
func (h *HTTP) Schedule(ctx context.Context, runID string, stage model.Stage) error {
	phase, depth := HopFrom(ctx)
	next := phase.Next()

	body, err := json.Marshal(Hop{RunID: runID, Stage: stage})
	if err != nil {
		return eris.Wrap(err, "continuation: marshal hop")
	}
	url := fmt.Sprintf("%s/internal/continue/%s", h.baseURL, next)

	err = resilience.Do(ctx, h.retry, func(ctx context.Context) error {
		return h.post(ctx, url, body, depth+1)
	})
	if err != nil {
		return err
	}
	zap.L().Debug("continuation: hop scheduled",
		zap.String("run_id", runID),
		zap.String("stage", string(stage)),
		zap.String("phase", string(next)),
		zap.Int("depth", depth+1),
	)
	return nil
}

func (h *HTTP) post(ctx context.Context, url string, body []byte, depth int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "continuation: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DepthHeader, strconv.Itoa(depth))
	if h.secret != "" {
		req.Header.Set(SecretHeader, h.secret)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "continuation: post hop")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusLoopDetected || strings.Contains(strings.ToLower(string(data)), LoopMarker) {
		return eris.Wrapf(ErrLoopDetected, "continuation: %s returned %d", url, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resilience.NewTransientError(
			eris.Errorf("continuation: %s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(data))),
			resp.StatusCode,
		)
	}
	return nil
}
