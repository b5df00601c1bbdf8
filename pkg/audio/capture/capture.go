// Package capture acquires a live microphone stream.
//
// A [Source] opens the input device with a fixed configuration and returns a
// [Stream] delivering [audio.Frame] values until it is closed. Opening fails
// with an error wrapping [ErrPermissionDenied] or [ErrDeviceUnavailable] so
// that callers can offer a retry without inspecting backend-specific errors.
package capture

import (
	"context"
	"errors"

	"github.com/MrWong99/intervoice/pkg/audio"
)

var (
	// ErrPermissionDenied is returned when the operating system refuses
	// access to the microphone.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrDeviceUnavailable is returned when no usable input device exists or
	// the device is busy.
	ErrDeviceUnavailable = errors.New("capture: microphone unavailable")
)

// Config describes the requested input stream.
type Config struct {
	// SampleRate in Hz. Default: 16000.
	SampleRate int

	// Channels is the number of input channels. Default: 1.
	Channels int

	// FramesPerBuffer is the number of sample frames delivered per [audio.Frame].
	// Default: 512 (32 ms at 16 kHz).
	FramesPerBuffer int

	// Device selects an input device by name. Empty selects the system default.
	Device string

	// EchoCancellation and NoiseSuppression are requested from the backend
	// when it supports them.
	EchoCancellation bool
	NoiseSuppression bool

	// Buffer is the capacity of the frame channel. Frames are dropped when
	// the consumer falls this far behind. Default: 32.
	Buffer int
}

// DefaultConfig returns the configuration used for interview capture: mono
// 16 kHz with echo cancellation and noise suppression requested.
func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		Channels:         1,
		FramesPerBuffer:  512,
		EchoCancellation: true,
		NoiseSuppression: true,
		Buffer:           32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = d.Channels
	}
	if c.FramesPerBuffer <= 0 {
		c.FramesPerBuffer = d.FramesPerBuffer
	}
	if c.Buffer <= 0 {
		c.Buffer = d.Buffer
	}
	return c
}

// Source opens capture streams.
type Source interface {
	// Open acquires the input device. It may block while the operating
	// system asks the user for permission; ctx bounds that wait.
	Open(ctx context.Context, cfg Config) (Stream, error)
}

// Stream is a live capture handle.
type Stream interface {
	// Frames returns the channel of captured audio. It is closed after Close
	// or when the device fails.
	Frames() <-chan audio.Frame

	// Err returns the error that ended the stream, if any.
	Err() error

	// Close stops capture and releases the device. It is idempotent and
	// returns only after the device has been released.
	Close() error
}
