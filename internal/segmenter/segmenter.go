// Package segmenter turns a stream of level readings into speech segments.
//
// A [Segmenter] polls a [LevelSource] on a fixed cadence and runs a two-state
// machine. While Idle, the first reading above the threshold opens a segment;
// while Speaking, every reading above the threshold restarts the trailing
// silence timer, and the segment closes once that timer elapses. During a
// segment two more tickers run: one asking for the next audio chunk and one
// requesting a progressive transcript.
//
// All four timers belong to the Segmenter and are torn down by [Segmenter.Stop].
package segmenter

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/intervoice/internal/clock"
)

// State is the segmenter state.
type State int

const (
	Idle State = iota
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event is a speech boundary.
type Event int

const (
	EventStart Event = iota + 1
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventStop:
		return "stop"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// LevelSource reports the current signal level on a 0..255 scale.
// [level.Monitor] implements it.
type LevelSource interface {
	Level() float64
}

// Sink receives the segmenter's output. All methods are called from the
// segmenter goroutine, one at a time, and should return promptly.
type Sink interface {
	// Boundary reports a segment opening or closing.
	Boundary(e Event)

	// Chunk asks for the audio captured since the previous chunk.
	Chunk()

	// Progressive asks for a transcript of the still-open segment.
	Progressive()
}

// Config holds the tunable thresholds and durations.
type Config struct {
	// Threshold is the level a reading must exceed to count as speech.
	Threshold float64

	// PollInterval is the level sampling cadence.
	PollInterval time.Duration

	// SilenceDuration is how long the level must stay at or below the
	// threshold before a segment closes.
	SilenceDuration time.Duration

	// ProgressiveInterval is the progressive transcript cadence during a
	// segment. Zero disables progressive requests.
	ProgressiveInterval time.Duration

	// ChunkInterval is the chunk cadence during a segment.
	ChunkInterval time.Duration
}

// DefaultConfig returns the defaults used by the interview client.
func DefaultConfig() Config {
	return Config{
		Threshold:           10,
		PollInterval:        100 * time.Millisecond,
		SilenceDuration:     time.Second,
		ProgressiveInterval: 2 * time.Second,
		ChunkInterval:       500 * time.Millisecond,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold < 0 || c.Threshold > 255 {
		errs = append(errs, fmt.Errorf("threshold %v outside 0..255", c.Threshold))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.SilenceDuration <= 0 {
		errs = append(errs, errors.New("silence duration must be positive"))
	}
	if c.ProgressiveInterval < 0 {
		errs = append(errs, errors.New("progressive interval must not be negative"))
	}
	if c.ChunkInterval <= 0 {
		errs = append(errs, errors.New("chunk interval must be positive"))
	}
	return errors.Join(errs...)
}

// Option configures a [Segmenter].
type Option func(*Segmenter)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Segmenter) { s.clock = c }
}

// Segmenter is the speech/silence state machine.
type Segmenter struct {
	clock  clock.Clock
	source LevelSource
	sink   Sink

	mu      sync.Mutex
	cfg     Config
	state   State
	started bool
	stopped bool

	// Owned by the loop goroutine until it exits, then by Stop.
	seg         Config
	poll        clock.Ticker
	pollEvery   time.Duration
	silence     clock.Timer
	progressive clock.Ticker
	chunk       clock.Ticker

	done   chan struct{}
	exited chan struct{}

	handled func() // test hook, called after each event
}

// New creates an idle Segmenter. It does nothing until [Segmenter.Start].
func New(source LevelSource, sink Sink, cfg Config, opts ...Option) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("segmenter: %w", err)
	}
	s := &Segmenter{
		clock:  clock.Real{},
		source: source,
		sink:   sink,
		cfg:    cfg,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start arms the poll ticker and launches the segmenter goroutine. A
// Segmenter can be started once.
func (s *Segmenter) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return errors.New("segmenter: already started")
	}
	s.started = true
	s.pollEvery = s.cfg.PollInterval
	s.poll = s.clock.NewTicker(s.pollEvery)
	go s.loop()
	return nil
}

// Stop cancels all timers and waits for the segmenter goroutine to exit. No
// Sink method runs after Stop returns. It returns the state the machine was
// in, so the caller can close a segment that was still open. Stop must not be
// called from a Sink method.
func (s *Segmenter) Stop() State {
	s.mu.Lock()
	if !s.started || s.stopped {
		st := s.state
		s.stopped = true
		s.mu.Unlock()
		return st
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)
	<-s.exited

	s.poll.Stop()
	s.stopSegmentTimers()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	s.state = Idle
	return st
}

// State returns the current state.
func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the configuration used for the next segment.
func (s *Segmenter) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Tune replaces the configuration. The threshold and poll interval apply from
// the next poll; the segment durations apply from the next segment.
func (s *Segmenter) Tune(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("segmenter: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

func (s *Segmenter) loop() {
	defer close(s.exited)

	for {
		var silenceC, progressiveC, chunkC <-chan time.Time
		if s.silence != nil {
			silenceC = s.silence.C()
		}
		if s.progressive != nil {
			progressiveC = s.progressive.C()
		}
		if s.chunk != nil {
			chunkC = s.chunk.C()
		}

		select {
		case <-s.done:
			return
		case <-s.poll.C():
			s.onPoll()
		case <-silenceC:
			s.closeSegment()
		case <-progressiveC:
			s.sink.Progressive()
		case <-chunkC:
			s.sink.Chunk()
		}

		if s.handled != nil {
			s.handled()
		}
	}
}

func (s *Segmenter) onPoll() {
	lvl := s.source.Level()

	s.mu.Lock()
	cfg, state := s.cfg, s.state
	s.mu.Unlock()

	if cfg.PollInterval != s.pollEvery {
		s.pollEvery = cfg.PollInterval
		s.poll.Reset(s.pollEvery)
	}
	if lvl <= cfg.Threshold {
		return
	}
	if state == Speaking {
		s.silence.Reset(s.seg.SilenceDuration)
		return
	}
	s.openSegment(cfg, lvl)
}

func (s *Segmenter) openSegment(cfg Config, lvl float64) {
	s.seg = cfg
	s.mu.Lock()
	s.state = Speaking
	s.mu.Unlock()

	slog.Debug("segmenter: speech started", "level", lvl, "threshold", cfg.Threshold)
	s.sink.Boundary(EventStart)

	s.silence = s.clock.NewTimer(cfg.SilenceDuration)
	s.chunk = s.clock.NewTicker(cfg.ChunkInterval)
	if cfg.ProgressiveInterval > 0 {
		s.progressive = s.clock.NewTicker(cfg.ProgressiveInterval)
	}
}

func (s *Segmenter) closeSegment() {
	s.stopSegmentTimers()
	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()

	slog.Debug("segmenter: speech ended", "silence", s.seg.SilenceDuration)
	s.sink.Boundary(EventStop)
}

func (s *Segmenter) stopSegmentTimers() {
	if s.silence != nil {
		s.silence.Stop()
		s.silence = nil
	}
	if s.progressive != nil {
		s.progressive.Stop()
		s.progressive = nil
	}
	if s.chunk != nil {
		s.chunk.Stop()
		s.chunk = nil
	}
}
