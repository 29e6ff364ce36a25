package resilience

import "time"

// Config bounds retries and sets when a breaker trips.
type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

var baseline = Config{
	RetryMaxAttempts:    3,
	RetryInitialBackoff: 100 * time.Millisecond,
	RetryMaxBackoff:     400 * time.Millisecond,
	RetryMultiplier:     2,

	BreakerEnabled:          true,
	BreakerMinRequests:      10,
	BreakerFailureRatio:     0.5,
	BreakerOpenTimeout:      30 * time.Second,
	BreakerHalfOpenMaxCalls: 2,
}

// DetectionDBConfig allows one reconnect per checkout. Operator SQL errors
// are never retried, so the breaker only trips on connectivity loss.
func DetectionDBConfig() Config {
	cfg := baseline
	cfg.RetryMaxAttempts = 2
	cfg.RetryInitialBackoff = 50 * time.Millisecond
	cfg.RetryMaxBackoff = 50 * time.Millisecond
	cfg.BreakerMinRequests = 5
	cfg.BreakerOpenTimeout = 15 * time.Second
	return cfg
}

// PublisherConfig keeps event publishing short; events are best effort.
func PublisherConfig() Config {
	cfg := baseline
	cfg.RetryMaxAttempts = 2
	cfg.RetryMaxBackoff = 200 * time.Millisecond
	return cfg
}

// normalize fills zero or out of range fields from the baseline.
func (c Config) normalize() Config {
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = baseline.RetryMaxAttempts
	}
	c.RetryInitialBackoff = max(c.RetryInitialBackoff, 0)
	c.RetryMaxBackoff = max(c.RetryMaxBackoff, c.RetryInitialBackoff)
	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = baseline.RetryMultiplier
	}

	if c.BreakerMinRequests == 0 {
		c.BreakerMinRequests = baseline.BreakerMinRequests
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		c.BreakerFailureRatio = baseline.BreakerFailureRatio
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = baseline.BreakerOpenTimeout
	}
	if c.BreakerHalfOpenMaxCalls == 0 {
		c.BreakerHalfOpenMaxCalls = baseline.BreakerHalfOpenMaxCalls
	}
	return c
}
