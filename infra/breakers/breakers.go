// Package breakers provides a small wrapper around gobreaker so every
// breaker in the process trips and recovers on the same policy. The mirror
// REST client uses it; the push subscriber's dial does not go through a
// breaker.
package breakers

import (
	"time"

	cb "github.com/sony/gobreaker"
)

// Breaker wraps a named gobreaker.CircuitBreaker.
type Breaker struct{ cb *cb.CircuitBreaker }

// New builds a breaker that trips after 5 consecutive failures and stays
// open for timeout before allowing a single trial request through.
func New(name string, timeout time.Duration) *Breaker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	st := cb.Settings{Name: name}
	st.Timeout = timeout
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) { return b.cb.Execute(fn) }

// IsOpen reports whether err came from the breaker itself rejecting the
// call (open or half-open quota exhausted) rather than fn failing.
func IsOpen(err error) bool {
	return err == cb.ErrOpenState || err == cb.ErrTooManyRequests
}
