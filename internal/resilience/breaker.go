// Package resilience keeps a broken speech backend from being retried on
// every utterance.
//
// A [Breaker] counts consecutive failures of one backend. Once the count
// reaches the threshold the breaker opens and rejects calls until a cooldown
// has passed; then a single probe call decides whether it closes again. A
// [Chain] puts several backends of the same kind behind their own breakers
// and tries them in order.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota
	// Open rejects calls until the cooldown has passed.
	Open
	// HalfOpen lets one probe call through at a time.
	HalfOpen
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

// Defaults for zero [BreakerConfig] fields. A local synthesizer that fails
// three times in a row is usually misconfigured, not flaky.
const (
	DefaultThreshold = 3
	DefaultCooldown  = 30 * time.Second
	DefaultProbes    = 1
)

// BreakerConfig configures a [Breaker].
type BreakerConfig struct {
	// Name labels log lines and transition callbacks.
	Name string

	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// Probes is the number of successful probes needed to close again.
	Probes int

	// IsFailure reports whether err counts against the backend. By default
	// context cancellation and deadline expiry are neutral: they say nothing
	// about the backend.
	IsFailure func(error) bool

	// OnTransition is called, with the breaker unlocked, after every state
	// change.
	OnTransition func(name string, from, to State)

	// Now replaces [time.Now] in tests.
	Now func() time.Time
}

func contextNeutral(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probing   bool
	successes int
}

// NewBreaker returns a closed breaker. Zero fields of cfg take the package
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = DefaultProbes
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = contextNeutral
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Do calls fn unless the breaker is open or a probe is already running, in
// which case it returns [ErrOpen] without calling fn.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var moved bool
	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = HalfOpen
		b.successes = 0
		moved = true
	}
	switch {
	case b.state == Open, b.state == HalfOpen && b.probing:
		err = ErrOpen
	case b.state == HalfOpen:
		b.probing = true
		probe = true
	}
	b.mu.Unlock()

	if moved {
		b.notify(Open, HalfOpen)
	}
	return probe, err
}

func (b *Breaker) record(probe bool, err error) {
	failed := err != nil && b.cfg.IsFailure(err)

	b.mu.Lock()
	from := b.state
	if probe {
		b.probing = false
	}
	switch {
	case err == nil && probe:
		b.successes++
		if b.successes >= b.cfg.Probes {
			b.state = Closed
			b.failures = 0
		}
	case err == nil:
		b.failures = 0
	case !failed:
		// Neutral outcome leaves the counters alone.
	case probe:
		b.state = Open
		b.openedAt = b.cfg.Now()
	default:
		b.failures++
		if b.state == Closed && b.failures >= b.cfg.Threshold {
			b.state = Open
			b.openedAt = b.cfg.Now()
		}
	}
	to, failures := b.state, b.failures
	b.mu.Unlock()

	if from != to {
		if to == Open {
			slog.Warn("resilience: circuit opened", "backend", b.cfg.Name,
				"consecutive_failures", failures, "err", err)
		}
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if to != Open {
		slog.Info("resilience: circuit state changed", "backend", b.cfg.Name,
			"from", from.String(), "to", to.String())
	}
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(b.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose cooldown has passed
// reports [HalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Failures returns the current count of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.mu.Unlock()
	if from != Closed {
		b.notify(from, Closed)
	}
}
