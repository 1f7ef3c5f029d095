package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RateLimitCode is the machine-readable code carried by rate-limit errors.
const RateLimitCode = "rate_limit"

// RateLimitError is raised once rate-limit retries are exhausted. It still
// classifies as a rate limit so callers can pause instead of failing.
type RateLimitError struct {
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited after %d attempts (retry after %s): %v", e.Attempts, e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ErrorCode implements the explicit-code classification hook.
func (e *RateLimitError) ErrorCode() string { return RateLimitCode }

// RetryAfterHint returns the last server hint seen.
func (e *RateLimitError) RetryAfterHint() time.Duration { return e.RetryAfter }

type errorCoder interface {
	error
	ErrorCode() string
}

type httpStatusCoder interface {
	error
	HTTPStatusCode() int
}

type providerTyped interface {
	error
	ErrorType() string
}

type retryHinter interface {
	error
	RetryAfterHint() time.Duration
}

// IsRateLimit reports whether err, or anything it wraps, is provider-side
// throttling: an explicit rate_limit code, HTTP 429, a nested
// "rate_limit_error" type tag, or a message mentioning "rate limit" or "429".
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if walkChain(err, isRateLimitNode) {
		return true
	}

	// Some wrappers only expose their cause through As.
	var c errorCoder
	if errors.As(err, &c) && isRateLimitNode(c) {
		return true
	}
	var s httpStatusCoder
	if errors.As(err, &s) && isRateLimitNode(s) {
		return true
	}
	var p providerTyped
	if errors.As(err, &p) && isRateLimitNode(p) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429")
}

func isRateLimitNode(err error) bool {
	if c, ok := err.(errorCoder); ok && c.ErrorCode() == RateLimitCode {
		return true
	}
	if s, ok := err.(httpStatusCoder); ok && s.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}
	if p, ok := err.(providerTyped); ok && p.ErrorType() == "rate_limit_error" {
		return true
	}
	return false
}

// RetryAfterFrom returns the first server delay hint found in err's chain.
func RetryAfterFrom(err error) time.Duration {
	var hint time.Duration
	walkChain(err, func(e error) bool {
		if h, ok := e.(retryHinter); ok && h.RetryAfterHint() > 0 {
			hint = h.RetryAfterHint()
			return true
		}
		return false
	})
	if hint == 0 {
		var h retryHinter
		if errors.As(err, &h) {
			hint = h.RetryAfterHint()
		}
	}
	return hint
}

// ParseRetryAfter parses a Retry-After value given either as whole seconds
// or as an HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}

// RateLimitConfig controls DoRateLimited.
type RateLimitConfig struct {
	// MaxRetries is the number of retries after the first call. Default: 3.
	MaxRetries int

	// Schedule is the base delay per retry, clamped to its last entry.
	// Default: 30s, 90s, 180s.
	Schedule []time.Duration

	// MaxJitter bounds the uniform jitter added to each scheduled delay.
	// Default: 5s.
	MaxJitter time.Duration

	// OnRetry is called before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration
}

// DefaultRateLimitConfig returns the standard schedule.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRetries: 3,
		Schedule:   []time.Duration{30 * time.Second, 90 * time.Second, 180 * time.Second},
		MaxJitter:  5 * time.Second,
	}
}

// WithSleep returns a copy of c that waits with fn instead of a timer.
func (c RateLimitConfig) WithSleep(fn func(ctx context.Context, d time.Duration) error) RateLimitConfig {
	c.sleep = fn
	return c
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	def := DefaultRateLimitConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if len(c.Schedule) == 0 {
		c.Schedule = def.Schedule
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	} else if c.MaxJitter == 0 {
		c.MaxJitter = def.MaxJitter
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	if c.jitter == nil {
		c.jitter = uniformJitter
	}
	return c
}

func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

// RateLimitDelay returns the wait before retry attempt (1-based) under the
// default schedule: the larger of the server hint and the scheduled delay
// plus up to 5s of jitter.
func RateLimitDelay(attempt int, hint time.Duration) time.Duration {
	return DefaultRateLimitConfig().withDefaults().delay(attempt, hint)
}

func (c RateLimitConfig) delay(attempt int, hint time.Duration) time.Duration {
	idx := min(max(attempt-1, 0), len(c.Schedule)-1)
	d := c.Schedule[idx] + c.jitter(c.MaxJitter)
	return max(hint, d)
}

// DoRateLimited runs fn and retries it while it fails with a rate limit.
// Other errors are returned unchanged. When retries run out, or ctx ends
// during a wait, a *RateLimitError wrapping the last cause is returned.
func DoRateLimited(ctx context.Context, cfg RateLimitConfig, fn func(ctx context.Context) error) error {
	_, err := DoRateLimitedVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoRateLimitedVal is DoRateLimited for calls that return a value.
func DoRateLimitedVal[T any](ctx context.Context, cfg RateLimitConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	for attempt := 0; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if !IsRateLimit(err) {
			return zero, err
		}

		// Already exhausted by an inner wrapper.
		var exhausted *RateLimitError
		if errors.As(err, &exhausted) {
			return zero, err
		}

		hint := RetryAfterFrom(err)
		if attempt >= cfg.MaxRetries {
			return zero, &RateLimitError{RetryAfter: hint, Attempts: attempt + 1, Err: err}
		}

		d := cfg.delay(attempt+1, hint)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, d, err)
		}
		if serr := cfg.sleep(ctx, d); serr != nil {
			return zero, &RateLimitError{RetryAfter: hint, Attempts: attempt + 1, Err: err}
		}
	}
}

// RateLimitLogger returns an OnRetry callback that logs each pause.
func RateLimitLogger(service, operation string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		zap.L().Warn("rate limited, backing off",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
