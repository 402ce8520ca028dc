package lesson

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/isqad/livelook-lesson/internal/config"
)

type HealthState int

const (
	HealthConnecting HealthState = iota
	HealthConnected
	HealthRetrying
	HealthFailed
)

func (s HealthState) String() string {
	switch s {
	case HealthConnecting:
		return "connecting"
	case HealthConnected:
		return "connected"
	case HealthRetrying:
		return "retrying"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Health is the connection health of one peer: connecting -> connected,
// connecting -> retrying(n) -> failed
type Health struct {
	State   HealthState
	Attempt int
}

func (h Health) String() string {
	if h.State == HealthRetrying {
		return fmt.Sprintf("retrying(%d)", h.Attempt)
	}
	return h.State.String()
}

// supervisor counts reconnect attempts to one peer until it connects again
type supervisor struct {
	attempts int
	backoff  backoff.BackOff
	timer    *time.Timer
}

func newSupervisor(conf config.ReconnectConfig) *supervisor {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = conf.InitialInterval
	b.MaxInterval = conf.MaxInterval
	if conf.Multiplier >= 1 {
		b.Multiplier = conf.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()

	return &supervisor{
		backoff: backoff.WithMaxRetries(b, uint64(conf.MaxAttempts)),
	}
}

// next returns the delay before the next attempt, false once attempts are exhausted
func (s *supervisor) next() (time.Duration, bool) {
	wait := s.backoff.NextBackOff()
	if wait == backoff.Stop {
		return 0, false
	}
	s.attempts++

	return wait, true
}

func (s *supervisor) stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
}
