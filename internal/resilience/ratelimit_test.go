package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rotisserie/eris"
)

type statusErr struct{ code int }

func (e statusErr) Error() string       { return "upstream failure" }
func (e statusErr) HTTPStatusCode() int { return e.code }

type providerErr struct{ typ string }

func (e providerErr) Error() string     { return "provider error" }
func (e providerErr) ErrorType() string { return e.typ }

type codedErr struct{ code string }

func (e codedErr) Error() string     { return "coded" }
func (e codedErr) ErrorCode() string { return e.code }

func TestIsRateLimit(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status 429", statusErr{code: 429}, true},
		{"status 500", statusErr{code: 500}, false},
		{"nested provider type", eris.Wrap(providerErr{typ: "rate_limit_error"}, "anthropic: create message"), true},
		{"other provider type", providerErr{typ: "invalid_request_error"}, false},
		{"message 429", errors.New("server returned 429"), true},
		{"message rate limit", errors.New("Rate Limit exceeded for key"), true},
		{"explicit instance", &RateLimitError{Err: errors.New("x")}, true},
		{"explicit code", codedErr{code: RateLimitCode}, true},
		{"transient 429", NewTransientError(errors.New("slow"), 429), true},
		{"joined", errors.Join(errors.New("a"), statusErr{code: 429}), true},
		{"validation", errors.New("validation failed: name is required"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimit(tt.err); got != tt.want {
				t.Errorf("IsRateLimit(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRateLimitDelay_Ranges(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := RateLimitDelay(1, 0)
		if d < 30*time.Second || d >= 35*time.Second {
			t.Fatalf("attempt 1 delay out of range: %v", d)
		}
		d = RateLimitDelay(3, 0)
		if d < 180*time.Second || d >= 185*time.Second {
			t.Fatalf("attempt 3 delay out of range: %v", d)
		}
		d = RateLimitDelay(7, 0)
		if d < 180*time.Second || d >= 185*time.Second {
			t.Fatalf("attempt 7 should clamp to last entry: %v", d)
		}
	}
}

func TestRateLimitDelay_HintWins(t *testing.T) {
	if d := RateLimitDelay(1, 2*time.Minute); d != 2*time.Minute {
		t.Errorf("expected hint to win, got %v", d)
	}
	if d := RateLimitDelay(1, time.Second); d < 30*time.Second {
		t.Errorf("small hint should not shorten schedule, got %v", d)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if d := ParseRetryAfter("45", now); d != 45*time.Second {
		t.Errorf("seconds: got %v", d)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if d := ParseRetryAfter(date, now); d != 90*time.Second {
		t.Errorf("http date: got %v", d)
	}
	past := now.Add(-time.Minute).Format(http.TimeFormat)
	if d := ParseRetryAfter(past, now); d != 0 {
		t.Errorf("past date: got %v", d)
	}
	for _, v := range []string{"", "soon", "-3"} {
		if d := ParseRetryAfter(v, now); d != 0 {
			t.Errorf("%q: got %v", v, d)
		}
	}
}

func testRateLimitConfig(slept *[]time.Duration) RateLimitConfig {
	cfg := DefaultRateLimitConfig()
	cfg.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	cfg.jitter = func(time.Duration) time.Duration { return 0 }
	return cfg
}

func TestDoRateLimited_RetriesThenSucceeds(t *testing.T) {
	var slept []time.Duration
	var calls int
	val, err := DoRateLimitedVal(context.Background(), testRateLimitConfig(&slept), func(_ context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, statusErr{code: 429}
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 42 || calls != 3 {
		t.Errorf("val=%d calls=%d", val, calls)
	}
	if len(slept) != 2 || slept[0] != 30*time.Second || slept[1] != 90*time.Second {
		t.Errorf("unexpected sleeps: %v", slept)
	}
}

func TestDoRateLimited_ExhaustsWithDistinguishedError(t *testing.T) {
	var slept []time.Duration
	var calls int
	cause := &TransientError{Err: errors.New("429 too many"), StatusCode: 429, RetryAfter: 4 * time.Minute}
	err := DoRateLimited(context.Background(), testRateLimitConfig(&slept), func(_ context.Context) error {
		calls++
		return cause
	})

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected first call plus 3 retries, got %d", calls)
	}
	if rl.RetryAfter != 4*time.Minute {
		t.Errorf("hint not carried: %v", rl.RetryAfter)
	}
	if !errors.Is(err, cause) {
		t.Error("expected original cause in chain")
	}
	if !IsRateLimit(err) {
		t.Error("exhausted error must still classify as rate limit")
	}
	for _, d := range slept {
		if d != 4*time.Minute {
			t.Errorf("hint should win every sleep, got %v", d)
		}
	}
}

func TestDoRateLimited_OtherErrorsPropagateUnchanged(t *testing.T) {
	var slept []time.Duration
	want := fmt.Errorf("bad input")
	err := DoRateLimited(context.Background(), testRateLimitConfig(&slept), func(_ context.Context) error {
		return want
	})
	if err != want {
		t.Errorf("expected unchanged error, got %v", err)
	}
	if len(slept) != 0 {
		t.Errorf("no sleeps expected, got %v", slept)
	}
}

func TestDoRateLimited_ContextCancelledDuringWait(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.sleep = func(_ context.Context, _ time.Duration) error { return context.Canceled }

	var calls int
	err := DoRateLimited(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return statusErr{code: 429}
	})
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
}

func TestRateLimitConfig_WithSleep(t *testing.T) {
	var waits int
	cfg := DefaultRateLimitConfig().WithSleep(func(_ context.Context, _ time.Duration) error {
		waits++
		return nil
	})

	err := DoRateLimited(context.Background(), cfg, func(_ context.Context) error {
		return statusErr{code: 429}
	})
	if !IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if waits != 3 {
		t.Errorf("expected 3 waits, got %d", waits)
	}
}
