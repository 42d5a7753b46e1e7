// Package resilience guards flaky resources with a circuit breaker.
//
// Audio hardware fails in bursts: a missing USB headset or a revoked
// microphone permission rejects every open until the user intervenes. A
// [Breaker] stops hammering such a device after a run of failures and lets a
// single trial call through once the cooldown has elapsed.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker rejects
// calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults applied by [New] to zero config fields.
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 10 * time.Second
	DefaultTrials      = 1
)

// Config tunes a [Breaker].
type Config struct {
	// Name labels log lines and transition callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before a trial call is let
	// through. Default: 10s.
	Cooldown time.Duration

	// Trials is the number of successful half-open calls needed to close the
	// breaker. Default: 1.
	Trials int

	// IsFailure decides whether an error counts against the breaker. The
	// default ignores context cancellation and deadline errors.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Logger receives transition logs. Default: [slog.Default].
	Logger *slog.Logger

	// Now is the clock. Default: [time.Now].
	Now func() time.Time
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	inTrial     int
	trialWins   int
	lastFailure error
}

// New creates a closed [Breaker]. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Trials <= 0 {
		cfg.Trials = DefaultTrials
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = countsAsFailure
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Execute runs fn if the breaker allows it. A rejected call returns an error
// wrapping [ErrCircuitOpen] and the failure that opened the breaker.
func (b *Breaker) Execute(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(trial, err)
	return err
}

// Do is [Breaker.Execute] for calls that return a value.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var v T
	err := b.Execute(func() error {
		var err error
		v, err = fn()
		return err
	})
	return v, err
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, b.rejectErr()
		}
		changed = b.transition(StateHalfOpen)
		b.inTrial, b.trialWins = 0, 0
	case StateHalfOpen:
		if b.inTrial >= b.cfg.Trials {
			return false, b.rejectErr()
		}
	}
	if b.state == StateHalfOpen {
		b.inTrial++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) rejectErr() error {
	if b.lastFailure == nil {
		return ErrCircuitOpen
	}
	return fmt.Errorf("%w: %w", ErrCircuitOpen, b.lastFailure)
}

func (b *Breaker) record(trial bool, err error) {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	if err != nil && !b.cfg.IsFailure(err) {
		if trial {
			b.inTrial--
		}
		return
	}

	if err != nil {
		b.lastFailure = err
		if trial || b.failures+1 >= b.cfg.MaxFailures {
			b.failures = b.cfg.MaxFailures
			b.openedAt = b.cfg.Now()
			if b.state != StateOpen {
				changed = b.transition(StateOpen)
			}
			return
		}
		b.failures++
		return
	}

	if trial {
		b.trialWins++
		if b.trialWins < b.cfg.Trials {
			return
		}
		changed = b.transition(StateClosed)
	}
	b.failures = 0
	b.lastFailure = nil
}

// transition switches state and returns the deferred notification. Must be
// called with b.mu held.
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	name, log, hook := b.cfg.Name, b.cfg.Logger, b.cfg.OnStateChange
	return func() {
		if to == StateOpen {
			log.Warn("circuit breaker opened", "name", name, "from", from)
		} else {
			log.Info("circuit breaker state changed", "name", name, "from", from, "to", to)
		}
		if hook != nil {
			hook(name, from, to)
		}
	}
}

// State returns the current state. An open breaker whose cooldown has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed, e.g. after the user reconnected a device.
func (b *Breaker) Reset() {
	b.mu.Lock()
	if b.state == StateClosed && b.failures == 0 {
		b.mu.Unlock()
		return
	}
	b.failures, b.inTrial, b.trialWins = 0, 0, 0
	b.lastFailure = nil
	var changed func()
	if b.state != StateClosed {
		changed = b.transition(StateClosed)
	}
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}
