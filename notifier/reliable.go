package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ReliabilityConfig tunes the Reliable decorator
type ReliabilityConfig struct {
	// Attempts per send, including the first
	Attempts uint
	// RatePerSecond and Burst bound outgoing sends
	RatePerSecond float64
	Burst         int
	// BreakerFailures consecutive failures open the circuit
	BreakerFailures uint32
	// BreakerTimeout is how long the circuit stays open
	BreakerTimeout time.Duration
	// BaseDelay is the first backoff delay; zero uses the retry default
	BaseDelay time.Duration
}

// DefaultReliabilityConfig returns settings suitable for chat webhooks
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Attempts:        3,
		RatePerSecond:   1,
		Burst:           5,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// ReliableChannel wraps a channel with a rate limiter, a circuit breaker and
// retries, in that order
type ReliableChannel struct {
	next    Channel
	cfg     ReliabilityConfig
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Reliable decorates next. Zero fields in cfg take their defaults.
func Reliable(next Channel, cfg ReliabilityConfig) *ReliableChannel {
	defaults := DefaultReliabilityConfig()
	if cfg.Attempts == 0 {
		cfg.Attempts = defaults.Attempts
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaults.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaults.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaults.BreakerTimeout
	}

	threshold := cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})

	return &ReliableChannel{
		next:    next,
		cfg:     cfg,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// Name returns the wrapped channel's name
func (r *ReliableChannel) Name() string {
	return r.next.Name()
}

// State reports the circuit breaker state
func (r *ReliableChannel) State() gobreaker.State {
	return r.cb.State()
}

// Send delivers msg through the limiter, breaker and retry loop
func (r *ReliableChannel) Send(ctx context.Context, msg Message) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	_, err := r.cb.Execute(func() (interface{}, error) {
		retrier := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.cfg.Attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var throttled *RetryAfterError
				if errors.As(err, &throttled) {
					return throttled.RetryAfter
				}
				if r.cfg.BaseDelay > 0 {
					return r.cfg.BaseDelay << n
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, retrier.Do(func() error {
			return r.next.Send(ctx, msg)
		})
	})
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", r.next.Name(), err)
	}
	return nil
}
