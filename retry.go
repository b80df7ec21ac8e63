package statehistory

import (
	"context"
	"errors"
	"io/fs"
	"math/rand/v2"
	"strings"
	"time"
)

// RetryConfig configures retries of remote artifact operations.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 3
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`

	// InitialBackoff is the delay before the first retry.
	// Default: 100ms
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`

	// MaxBackoff caps the delay between retries.
	// Default: 10s
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`

	// Jitter randomizes each delay by ±Jitter (0..1).
	// Default: 0.1
	Jitter float64 `yaml:"jitter" env:"JITTER"`

	// RetryIf decides whether an error is worth retrying. Defaults to
	// IsRetryable.
	RetryIf func(error) bool `yaml:"-"`
}

// DefaultRetryConfig returns the retry settings used for S3.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Jitter:         0.1,
		RetryIf:        IsRetryable,
	}
}

// Retryer runs operations with exponential backoff.
type Retryer struct {
	config RetryConfig
}

// NewRetryer fills unset fields from DefaultRetryConfig.
func NewRetryer(config RetryConfig) *Retryer {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = def.Jitter
	}
	if config.RetryIf == nil {
		config.RetryIf = def.RetryIf
	}
	return &Retryer{config: config}
}

// RetryResult reports how many attempts an operation took.
type RetryResult struct {
	Attempts int
	LastErr  error
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// attempts are exhausted, or ctx is done.
func (r *Retryer) Do(ctx context.Context, op func() error) RetryResult {
	backoff := r.config.InitialBackoff
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return RetryResult{Attempts: attempt}
		}
		if !r.config.RetryIf(lastErr) || attempt == r.config.MaxAttempts {
			return RetryResult{Attempts: attempt, LastErr: lastErr}
		}

		timer := time.NewTimer(r.jitter(backoff))
		select {
		case <-ctx.Done():
			timer.Stop()
			return RetryResult{Attempts: attempt, LastErr: ctx.Err()}
		case <-timer.C:
		}
		backoff = min(2*backoff, r.config.MaxBackoff)
	}
}

// retryValue is Do for operations producing a value.
func retryValue[T any](ctx context.Context, r *Retryer, op func() (T, error)) (T, RetryResult) {
	var out T
	res := r.Do(ctx, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, res
}

func (r *Retryer) jitter(d time.Duration) time.Duration {
	if r.config.Jitter == 0 {
		return d
	}
	spread := float64(d) * r.config.Jitter
	return time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"slow down",
	"too many requests",
	"503",
	"502",
	"504",
	"429",
}

// IsRetryable reports whether err looks transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, fs.ErrNotExist) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
