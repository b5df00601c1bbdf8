// Package mock provides an in-memory [capture.Source] for tests.
//
// Tests push frames through [Stream.Push] and inspect [Source.Opens] and
// [Stream.Closed] afterwards. All types are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/intervoice/pkg/audio"
	"github.com/MrWong99/intervoice/pkg/audio/capture"
)

// Source is a mock [capture.Source].
type Source struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// Stream is returned by Open. If nil, Open creates a new one.
	Stream *Stream

	// Opens records the Config of every Open call.
	Opens []capture.Config
}

// Open records cfg and returns Stream or OpenErr.
func (s *Source) Open(_ context.Context, cfg capture.Config) (capture.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Opens = append(s.Opens, cfg)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.Stream == nil {
		s.Stream = NewStream(16)
	}
	return s.Stream, nil
}

// OpenCount returns how many times Open was called.
func (s *Source) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Opens)
}

// Stream is a mock [capture.Stream] fed by [Stream.Push].
type Stream struct {
	mu     sync.Mutex
	frames chan audio.Frame
	closed bool

	// Error is returned by Err.
	Error error

	// CloseCalls counts Close invocations.
	CloseCalls int
}

// NewStream returns a Stream whose frame channel has the given capacity.
func NewStream(buffer int) *Stream {
	return &Stream{frames: make(chan audio.Frame, buffer)}
}

// Push delivers f to the consumer. It reports false after Close.
func (s *Stream) Push(f audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- f
	return true
}

// Frames implements [capture.Stream].
func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Err implements [capture.Stream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Error
}

// Close implements [capture.Stream]. The frame channel is closed once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
