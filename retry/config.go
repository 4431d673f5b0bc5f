package retry

import (
	"time"

	"github.com/ggoodman/rpcguard-go/rpcerror"
)

// Circuit breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// Config controls Execute.
type Config struct {
	// MaxRetries is the number of retries after the first attempt, so an
	// operation runs at most MaxRetries+1 times.
	MaxRetries int
	// RetryDelay is the base delay between attempts.
	RetryDelay time.Duration
	// ExponentialBackoff doubles the delay after every failed attempt.
	ExponentialBackoff bool
	// MaxRetryDelay caps the backoff delay.
	MaxRetryDelay time.Duration
	// Timeout bounds every single attempt.
	Timeout time.Duration
	// RetryCondition decides whether a failure is worth another attempt.
	// Defaults to rpcerror.Retryable.
	RetryCondition func(error) bool
	// Parallelism bounds ExecuteParallel fan-out.
	Parallelism int
}

// DefaultConfig returns the process-wide retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		RetryDelay:         time.Second,
		ExponentialBackoff: true,
		MaxRetryDelay:      10 * time.Second,
		Timeout:            30 * time.Second,
		RetryCondition:     rpcerror.Retryable,
		Parallelism:        8,
	}
}

// applyDefaults fills unset fields. MaxRetries is taken as given; zero
// means a single attempt.
func (c Config) applyDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = def.MaxRetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.RetryCondition == nil {
		c.RetryCondition = def.RetryCondition
	}
	if c.Parallelism <= 0 {
		c.Parallelism = def.Parallelism
	}
	return c
}

// Delay returns the wait before the attempt following failed attempt n
// (0-indexed).
func (c Config) Delay(attempt int) time.Duration {
	if !c.ExponentialBackoff {
		return c.RetryDelay
	}
	d := c.RetryDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.MaxRetryDelay || d <= 0 {
			return c.MaxRetryDelay
		}
	}
	return min(d, c.MaxRetryDelay)
}
