package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig.
func FromRetryConfig(maxAttempts int, delaysMs []int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	for _, ms := range delaysMs {
		if ms > 0 {
			cfg.Delays = append(cfg.Delays, time.Duration(ms)*time.Millisecond)
		}
	}
	return cfg
}

// FromRateLimitConfig converts config values to a RateLimitConfig.
func FromRateLimitConfig(maxRetries int, scheduleSecs []int, maxJitterMs int) RateLimitConfig {
	cfg := DefaultRateLimitConfig()
	if maxRetries > 0 {
		cfg.MaxRetries = maxRetries
	}
	if len(scheduleSecs) > 0 {
		cfg.Schedule = nil
		for _, s := range scheduleSecs {
			cfg.Schedule = append(cfg.Schedule, time.Duration(s)*time.Second)
		}
	}
	if maxJitterMs > 0 {
		cfg.MaxJitter = time.Duration(maxJitterMs) * time.Millisecond
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
