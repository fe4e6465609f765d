package transport

import (
	"fmt"
	"sync"
	"time"
)

// Retry defaults.
const (
	DefaultTimeout           = 60 * time.Second
	DefaultMaxRetries        = 1
	DefaultBackoffMultiplier = 1.0
)

// RetryPolicy is the per-request backoff state consulted by the Transport before every
// attempt. Each Request owns its own policy; policies are not shared.
type RetryPolicy struct {
	mu                sync.Mutex
	currentTimeout    time.Duration
	currentRetryCount int
	maxRetries        int
	backoffMultiplier float64
}

// NewRetryPolicy creates a policy. Negative inputs are clamped to zero.
func NewRetryPolicy(initialTimeout time.Duration, maxRetries int, backoffMultiplier float64) *RetryPolicy {
	if initialTimeout < 0 {
		initialTimeout = 0
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoffMultiplier < 0 {
		backoffMultiplier = 0
	}
	return &RetryPolicy{
		currentTimeout:    initialTimeout,
		maxRetries:        maxRetries,
		backoffMultiplier: backoffMultiplier,
	}
}

// DefaultRetryPolicy allows one retry at double the original 60s timeout.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(DefaultTimeout, DefaultMaxRetries, DefaultBackoffMultiplier)
}

// CurrentTimeout returns the timeout for the next attempt.
func (p *RetryPolicy) CurrentTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentTimeout
}

// CurrentRetryCount returns the number of retries performed so far.
func (p *RetryPolicy) CurrentRetryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentRetryCount
}

// MaxRetries returns the retry ceiling.
func (p *RetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// BackoffMultiplier returns the multiplier applied to the timeout on each retry.
func (p *RetryPolicy) BackoffMultiplier() float64 {
	return p.backoffMultiplier
}

// AttemptsRemaining returns how many more retries the policy allows.
func (p *RetryPolicy) AttemptsRemaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remaining()
}

func (p *RetryPolicy) remaining() int {
	if n := p.maxRetries - p.currentRetryCount; n > 0 {
		return n
	}
	return 0
}

// Retry prepares the next attempt after lastErr. It fails with ErrRetryExhausted
// (wrapping lastErr) once no attempts remain and leaves the state untouched in that case.
func (p *RetryPolicy) Retry(lastErr error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remaining() == 0 {
		return fmt.Errorf("%w after %d retries: %w", ErrRetryExhausted, p.currentRetryCount, lastErr)
	}

	p.currentRetryCount++
	p.currentTimeout += time.Duration(float64(p.currentTimeout) * p.backoffMultiplier)
	return nil
}
