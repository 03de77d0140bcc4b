// Package resilience decorates remote calls with retry, backoff, per-attempt
// timeouts and named circuit breakers. Every component that talks to a
// cluster, a state store or a metrics backend goes through an Executor.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/plantmetric/rollout/pkg/faults"
)

type BreakerConfig struct {
	Name                     string        `json:"name"`
	ErrorThresholdPercentage float64       `json:"error-threshold-percentage"`
	ResetTimeout             time.Duration `json:"reset-timeout"`
	RollingWindow            time.Duration `json:"rolling-window"`
}

type Policy struct {
	MaxAttempts       int           `json:"max-attempts"`
	InitialDelay      time.Duration `json:"initial-delay"`
	MaxDelay          time.Duration `json:"max-delay"`
	BackoffMultiplier float64       `json:"backoff-multiplier"`
	Jitter            bool          `json:"jitter"`
	Timeout           time.Duration `json:"timeout"`
	Breaker           *BreakerConfig
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
		Timeout:           30 * time.Second,
	}
}

type Action func(ctx context.Context) error

type retryNotifierKey struct{}

// WithRetryNotifier arranges for fn to be called once for every retried
// attempt under the returned context. The strategy executor uses this to
// count retries on the step that triggered them.
func WithRetryNotifier(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, retryNotifierKey{}, fn)
}

func notifyRetry(ctx context.Context) {
	if fn, ok := ctx.Value(retryNotifierKey{}).(func()); ok && fn != nil {
		fn()
	}
}

// Executor holds the circuit breakers, keyed by name. It carries no other
// state and is safe for concurrent use.
type Executor struct {
	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewExecutor() *Executor {
	return &Executor{
		breakers: make(map[string]*breaker),
	}
}

// Execute runs action under policy. Only failures classified as transient
// (or conflicts, which resolve on re-read) are retried; anything else
// propagates to the caller on the first attempt.
func (e *Executor) Execute(ctx context.Context, name string, policy Policy, action Action) error {
	var br *breaker
	if policy.Breaker != nil {
		br = e.breaker(*policy.Breaker)
	}

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval: policy.InitialDelay,
		MaxInterval:     policy.MaxDelay,
		Multiplier:      policy.BackoffMultiplier,
		Clock:           backoff.SystemClock,
		Stop:            backoff.Stop,
	}
	if policy.Jitter {
		bo.RandomizationFactor = 0.5
	}
	bo.Reset()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if br != nil && !br.allow() {
			return faults.New(faults.KindBreakerOpen, "circuit breaker '%s' is open", policy.Breaker.Name)
		}

		err = e.attempt(ctx, policy, action)
		if br != nil {
			br.record(err)
		}
		if err == nil {
			return nil
		}
		if !faults.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			delay = policy.MaxDelay
		}
		log.WithField("operation", name).Debugf("Attempt %d/%d failed, retrying in %s: %s", attempt, attempts, delay, err)

		select {
		case <-ctx.Done():
			return faults.Wrap(faults.KindTransient, ctx.Err(), "%s aborted between retries", name)
		case <-time.After(delay):
		}
		notifyRetry(ctx)
	}

	return err
}

func (e *Executor) attempt(ctx context.Context, policy Policy, action Action) error {
	if policy.Timeout <= 0 {
		return action(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	err := action(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		// A per-attempt timeout counts as a transient failure.
		return faults.Wrap(faults.KindTransient, err, "call exceeded %s timeout", policy.Timeout)
	}
	return err
}

func (e *Executor) breaker(cfg BreakerConfig) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	br, ok := e.breakers[cfg.Name]
	if !ok {
		br = newBreaker(cfg)
		e.breakers[cfg.Name] = br
	}
	return br
}
