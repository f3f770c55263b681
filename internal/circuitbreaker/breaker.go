// Package circuitbreaker trips RPC traffic after consecutive failures so
// settlements fail fast instead of each eating its full confirmation timeout
// against a dead node.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit open")

type State uint8

const (
	Closed   State = iota
	Open           // rejecting calls until the cooldown elapses
	HalfOpen       // letting probe calls through
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

type Config struct {
	Failures      int           // consecutive failures that trip the breaker (default 5)
	Probes        int           // consecutive half-open successes that close it (default 2)
	Cooldown      time.Duration // open duration before probing resumes (default 30s)
	OnStateChange func(from, to State)
}

// Breaker is a consecutive-failure circuit breaker: closed trips to open
// after Failures failures in a row, open admits probe traffic once Cooldown
// elapses, and half-open closes after Probes successes or reopens on the
// first failure.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	probes   int
	openedAt time.Time
}

func New(cfg Config) *Breaker {
	if cfg.Failures <= 0 {
		cfg.Failures = 5
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. While open it returns ErrOpen
// until the cooldown elapses, then switches to half-open and lets the call
// through as a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.transition(HalfOpen)
	}
	return nil
}

// Record feeds the outcome of an allowed call back into the breaker. A nil
// err counts as a success.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.probes = 0
		b.openedAt = b.now()
		if b.state == HalfOpen || (b.state == Closed && b.failures >= b.cfg.Failures) {
			b.transition(Open)
		}
		return
	}

	b.failures = 0
	if b.state == HalfOpen {
		b.probes++
		if b.probes >= b.cfg.Probes {
			b.transition(Closed)
		}
	}
}

// State returns the effective state, reporting half-open for an open breaker
// whose cooldown has already elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.probes = 0
	if to == Closed {
		b.failures = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
