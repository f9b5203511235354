// Package resilience guards remote asset fetches with circuit breakers.
//
// A [Breaker] is a three-state breaker (closed, open, half-open). [Hosts]
// keeps one breaker per remote host so that a catalog full of URLs on a dead
// server fails fast after a few attempts instead of waiting out every
// request. Local sources bypass the breakers.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probes through. A failed probe
	// re-opens the breaker; enough successes close it.
	StateHalfOpen
)

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

// Config tunes a [Breaker].
type Config struct {
	// Name labels log lines, usually the host.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget of the half-open state. Default: 1.
	HalfOpenMax int

	// Now is the time source. Default: [time.Now].
	Now func() time.Time

	// Logger receives state transitions. Default: [slog.Default].
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Breaker is a circuit breaker.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	halfOpenCalls int
	halfOpenOK    int
}

// New creates a closed [Breaker]. Zero config fields take their defaults.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Do runs fn unless the breaker is open. Context errors, whether returned by
// fn or already present on ctx, are passed through without being counted:
// a cancelled load says nothing about the host.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		b.release(probe)
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failLocked(probe)
	} else {
		b.succeedLocked(probe)
	}
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.halfOpenCalls, b.halfOpenOK = 0, 0
		b.cfg.Logger.Info("circuit breaker half-open", "name", b.cfg.Name)
	}
	if b.state == StateHalfOpen {
		if b.halfOpenCalls >= b.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		b.halfOpenCalls++
		return true, nil
	}
	return false, nil
}

// release returns an unused probe slot.
func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
}

func (b *Breaker) failLocked(probe bool) {
	if probe && b.state == StateHalfOpen {
		b.openLocked()
		b.cfg.Logger.Warn("circuit breaker re-opened", "name", b.cfg.Name)
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
		b.openLocked()
		b.cfg.Logger.Warn("circuit breaker opened",
			"name", b.cfg.Name,
			"consecutive_failures", b.failures)
	}
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = b.cfg.Now()
}

func (b *Breaker) succeedLocked(probe bool) {
	if probe && b.state == StateHalfOpen {
		b.halfOpenOK++
		if b.halfOpenOK < b.cfg.HalfOpenMax {
			return
		}
		b.cfg.Logger.Info("circuit breaker closed", "name", b.cfg.Name)
	}
	b.state = StateClosed
	b.failures = 0
}

// State returns the current state. An open breaker whose timeout has elapsed
// reports half-open; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.halfOpenCalls, b.halfOpenOK = 0, 0
}
