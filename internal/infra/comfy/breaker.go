package comfy

import (
	"errors"
	"sync"
	"time"
)

// ─── Submit Breaker ─────────────────────────────────────────────────────────
//
// Breaker states:
//   - closed    submissions pass; consecutive failures trip it open
//   - open      submissions fail fast until the cooldown elapses
//   - half-open one trial submission is let through; success closes, failure reopens

// ErrBreakerOpen is returned by Submit while the backend is considered down.
var ErrBreakerOpen = errors.New("backend unavailable, submissions paused")

// BreakerState is the breaker's position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breaker guards submissions to a backend that stopped answering, so a
// batch does not burn through its whole queue against a dead server.
type breaker struct {
	mu        sync.Mutex
	threshold int // 0 disables the breaker
	cooldown  time.Duration
	state     BreakerState
	failures  int
	probing   bool
	openedAt  time.Time
	trips     int
	now       func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// allow reports whether a submission may go out.
func (b *breaker) allow() bool {
	if b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
	}
	return true
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// failure records a submission the backend did not answer. It returns true
// when this failure tripped the breaker.
func (b *breaker) failure() bool {
	if b.threshold <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.trip()
		return true
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
			return true
		}
	}
	return false
}

// release returns an unused half-open trial slot, e.g. when the caller's context
// ended before the backend answered.
func (b *breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

func (b *breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.probing = false
	b.trips++
}

// advance moves open to half-open once the cooldown has passed. mu held.
func (b *breaker) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.probing = false
	}
}

// BreakerSnapshot is a point-in-time view of the submit breaker.
type BreakerSnapshot struct {
	State    string    `json:"state"`
	Failures int       `json:"failures"`
	Trips    int       `json:"trips"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

func (b *breaker) snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return BreakerSnapshot{
		State:    b.state.String(),
		Failures: b.failures,
		Trips:    b.trips,
		OpenedAt: b.openedAt,
	}
}
