// Package mock provides an in-memory [playback.Sink] for tests.
package mock

import (
	"sync"

	"github.com/MrWong99/intervoice/pkg/audio"
	"github.com/MrWong99/intervoice/pkg/audio/playback"
)

var _ playback.Sink = (*Sink)(nil)

// Sink records every block written to it. [Sink.Hold] makes subsequent writes
// block until [Sink.Release], letting tests act while an item is mid-play.
type Sink struct {
	mu      sync.Mutex
	format  audio.Format
	samples []int16
	writes  int
	gate    chan struct{}
	closed  bool

	// WriteErr, if non-nil, is returned by every Write.
	WriteErr error

	entered chan struct{}
}

// NewSink returns a Sink expecting PCM in format f.
func NewSink(f audio.Format) *Sink {
	return &Sink{format: f, entered: make(chan struct{}, 1)}
}

func (s *Sink) Format() audio.Format { return s.format }

// Write records p after the gate, if any, opens.
func (s *Sink) Write(p audio.PCM) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	select {
	case s.entered <- struct{}{}:
	default:
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.writes++
	s.samples = append(s.samples, p.Samples...)
	return nil
}

// Hold blocks all following writes until Release.
func (s *Sink) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// Release unblocks writes waiting on Hold.
func (s *Sink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Entered receives a value whenever a Write starts.
func (s *Sink) Entered() <-chan struct{} { return s.entered }

// Samples returns a copy of every sample written so far.
func (s *Sink) Samples() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int16, len(s.samples))
	copy(out, s.samples)
	return out
}

// Writes returns the number of successful Write calls.
func (s *Sink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
