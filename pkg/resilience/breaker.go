package resilience

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// minimum observations within the rolling window before the error rate
// is considered meaningful.
const breakerMinSamples = 5

type outcome struct {
	at     time.Time
	failed bool
}

// breaker tracks call outcomes over a rolling window. It opens once the
// error rate crosses the configured threshold, fails fast for the reset
// timeout, then half-opens to probe a single call.
type breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    breakerState
	outcomes []outcome
	openedAt time.Time
	probing  bool
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.openedAt) < b.cfg.ResetTimeout {
			return false
		}
		b.state = stateHalfOpen
		b.probing = false
		fallthrough
	case stateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if b.state == stateHalfOpen {
		b.probing = false
		if err == nil {
			log.Infof("Circuit breaker '%s' closing after successful probe", b.cfg.Name)
			b.state = stateClosed
			b.outcomes = nil
		} else {
			log.Warnf("Circuit breaker '%s' re-opening after failed probe: %s", b.cfg.Name, err)
			b.state = stateOpen
			b.openedAt = now
		}
		return
	}

	b.outcomes = append(b.outcomes, outcome{at: now, failed: err != nil})
	b.trim(now)

	if b.state == stateClosed && b.errorRate() >= b.cfg.ErrorThresholdPercentage && len(b.outcomes) >= breakerMinSamples {
		log.Warnf("Circuit breaker '%s' opening; error rate %.1f%% over the last %s", b.cfg.Name, b.errorRate(), b.cfg.RollingWindow)
		b.state = stateOpen
		b.openedAt = now
	}
}

func (b *breaker) trim(now time.Time) {
	cutoff := now.Add(-b.cfg.RollingWindow)
	i := 0
	for ; i < len(b.outcomes); i++ {
		if b.outcomes[i].at.After(cutoff) {
			break
		}
	}
	b.outcomes = b.outcomes[i:]
}

func (b *breaker) errorRate() float64 {
	if len(b.outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, o := range b.outcomes {
		if o.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(b.outcomes)) * 100
}
