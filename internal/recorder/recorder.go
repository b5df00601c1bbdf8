// Package recorder turns captured PCM into encoded chunks, one container
// stream per speech segment.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/intervoice/pkg/audio"
	"github.com/MrWong99/intervoice/pkg/audio/codec"
)

// ErrSegmentOpen is returned by Begin while a segment is already open.
var ErrSegmentOpen = errors.New("recorder: segment already open")

// Chunk is one piece of an encoded speech segment.
type Chunk struct {
	// Segment numbers speech segments from 1.
	Segment int

	// Seq numbers chunks within a segment from 1, in capture order.
	Seq int

	Data []byte

	// Final marks the chunk returned by End.
	Final bool
}

// Recorder encodes audio for the open speech segment. It is safe for
// concurrent use: capture writes and chunk requests come from different
// goroutines.
type Recorder struct {
	format   audio.Format
	mimeType string

	mu        sync.Mutex
	enc       codec.StreamEncoder
	segment   int
	seq       int
	discarded int
}

// New negotiates the container from prefs once; it stays fixed for the
// lifetime of the Recorder. Captured audio is converted to format.
func New(format audio.Format, prefs []string) (*Recorder, error) {
	mimeType, err := codec.Negotiate(prefs)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	slog.Info("recorder: container negotiated", "mime", mimeType, "format", format)
	return &Recorder{format: format, mimeType: mimeType}, nil
}

// MIMEType returns the negotiated container.
func (r *Recorder) MIMEType() string { return r.mimeType }

// Begin opens a segment with a fresh container stream.
func (r *Recorder) Begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc != nil {
		return ErrSegmentOpen
	}
	enc, err := codec.NewEncoder(r.mimeType, r.format)
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	r.enc = enc
	r.segment++
	r.seq = 0
	return nil
}

// Write appends p to the open segment. Audio arriving while no segment is
// open is dropped and Write reports false.
func (r *Recorder) Write(p audio.PCM) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		r.discarded++
		return false
	}
	if err := r.enc.Write(p.Convert(r.format)); err != nil {
		slog.Warn("recorder: dropping frame", "err", err)
		return false
	}
	return true
}

// Flush returns the audio encoded since the previous chunk. It reports false
// when no segment is open or nothing new was written.
func (r *Recorder) Flush() (Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return Chunk{}, false
	}
	return r.takeLocked(false)
}

// End closes the segment and returns its last chunk. It reports false when
// no segment was open or the last chunk would be empty.
func (r *Recorder) End() (Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return Chunk{}, false
	}
	c, ok := r.takeLocked(true)
	r.enc = nil
	return c, ok
}

// Discarded returns how many writes were dropped for lack of an open segment.
func (r *Recorder) Discarded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discarded
}

func (r *Recorder) takeLocked(final bool) (Chunk, bool) {
	data := r.enc.Flush()
	if len(data) == 0 {
		return Chunk{}, false
	}
	r.seq++
	return Chunk{Segment: r.segment, Seq: r.seq, Data: data, Final: final}, true
}
