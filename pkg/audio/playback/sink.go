// Package playback plays assistant speech units strictly in arrival order.
//
// A [Queue] owns a pending list of encoded payloads and a single drain
// goroutine that decodes the head item and writes it to a [Sink] in short
// blocks. [Queue.Flush] cancels the item being played and discards everything
// pending, which is how barge-in silences the assistant the moment the user
// starts talking.
package playback

import (
	"fmt"

	"github.com/MrWong99/intervoice/pkg/audio"
)

// Sink is an audio output device.
//
// Write blocks roughly until p has been handed to the device. The queue never
// calls Write concurrently.
type Sink interface {
	// Format is the PCM layout Write expects. The queue converts decoded
	// audio to it before writing.
	Format() audio.Format

	Write(p audio.PCM) error

	Close() error
}

// DecodeError reports a payload that could not be decoded. The queue skips
// the item and continues with the next one.
type DecodeError struct {
	// Seq is the item's position in arrival order, starting at 1.
	Seq uint64

	// Size is the payload length in bytes.
	Size int

	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("playback: decode item %d (%d bytes): %v", e.Seq, e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
