// Package circuit provides a small circuit breaker for background
// reconciliation calls that must not hammer an unreachable server.
package circuit

import (
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	// StateClosed means calls flow normally.
	StateClosed State = iota
	// StateOpen means recent calls kept failing and callers should skip
	// the protected operation until the probe interval elapses.
	StateOpen
)

// Breaker tracks consecutive failures of a fail-safe operation. After
// FailureThreshold consecutive failures the breaker opens; while open,
// Allow permits a single probe per ProbeInterval. One success closes it.
type Breaker struct {
	mu               sync.Mutex
	name             string
	state            State
	failureCount     int
	failureThreshold int
	probeInterval    time.Duration
	lastProbe        time.Time
	now              func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the consecutive failures needed to open the
// breaker. Default is 3.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithProbeInterval sets how often a probe call is allowed while open.
// Default is 30 seconds.
func WithProbeInterval(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.probeInterval = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a breaker with the given name and options.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: 3,
		probeInterval:    30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Name returns the breaker's name for logging.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether the protected operation should run now. While the
// breaker is open it returns true at most once per probe interval.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return true
	}
	if b.now().Sub(b.lastProbe) >= b.probeInterval {
		b.lastProbe = b.now()
		return true
	}
	return false
}

// RecordFailure records a failed call. Returns true if the breaker just
// transitioned to open.
func (b *Breaker) RecordFailure() (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	if b.state == StateOpen {
		return false
	}
	if b.failureCount >= b.failureThreshold {
		b.state = StateOpen
		b.lastProbe = b.now()
		return true
	}
	return false
}

// RecordSuccess records a successful call, closing the breaker. Returns
// true if the breaker just transitioned to closed.
func (b *Breaker) RecordSuccess() (closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasOpen := b.state == StateOpen
	b.state = StateClosed
	b.failureCount = 0
	return wasOpen
}
