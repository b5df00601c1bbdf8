// Package resilience guards calls to the session API with a circuit breaker.
//
// A [Breaker] is a three-state breaker (closed, open, half-open). After
// MaxFailures consecutive failures it rejects calls with [ErrOpen] until
// ResetTimeout has passed, then lets a limited number of probes through.
// Errors the caller classifies as non-failures (for example 4xx responses)
// neither trip nor reset it.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/intervoice/internal/clock"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	StateClosed State = iota
	StateOpen
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

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax successful probes close the breaker again. Default: 1.
	HalfOpenMax int

	// IsFailure decides which errors count against the breaker. Default:
	// every non-nil error except context cancellation.
	IsFailure func(error) bool

	// OnStateChange is called, without locks held, after every transition.
	OnStateChange func(from, to State)

	Clock clock.Clock
}

// Breaker implements the circuit breaker pattern. It is safe for concurrent
// use.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	isFailure    func(error) bool
	onChange     func(from, to State)
	clock        clock.Clock

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		isFailure:    cfg.IsFailure,
		onChange:     cfg.OnStateChange,
		clock:        cfg.Clock,
	}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Do runs fn unless the breaker is open. fn's error is returned unchanged.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var from State
	changed := false
	switch b.state {
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.resetTimeout {
			b.mu.Unlock()
			return false, ErrOpen
		}
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.probes, b.successes = 0, 0
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.halfOpenMax {
			b.mu.Unlock()
			b.notify(changed, from, StateHalfOpen)
			return false, ErrOpen
		}
		b.probes++
		probe = true
	}
	b.mu.Unlock()
	b.notify(changed, from, StateHalfOpen)
	return probe, nil
}

func (b *Breaker) record(probe bool, err error) {
	failed := b.isFailure(err)

	b.mu.Lock()
	from := b.state
	switch {
	case probe && b.state != StateHalfOpen:
		// A Reset or a concurrent probe already decided.
	case probe && failed:
		b.trip()
	case probe && err == nil:
		b.successes++
		if b.successes >= b.halfOpenMax {
			b.state = StateClosed
			b.failures = 0
		} else {
			// Let the next probe in.
			b.probes--
		}
	case probe:
		// Not a failure, not a success: give the slot back.
		b.probes--
	case failed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	case err == nil:
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from != to, from, to)
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.clock.Now()
	b.failures = b.maxFailures
}

func (b *Breaker) notify(changed bool, from, to State) {
	if !changed {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "resilience: circuit "+to.String(),
		"name", b.name, "from", from.String())
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures, b.probes, b.successes = 0, 0, 0
	b.mu.Unlock()
	b.notify(from != StateClosed, from, StateClosed)
}
