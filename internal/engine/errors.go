package engine

import (
	"fmt"

	"github.com/MrWong99/intervoice/internal/channel"
	"github.com/MrWong99/intervoice/pkg/audio/capture"
	"github.com/MrWong99/intervoice/pkg/audio/playback"
)

// Device acquisition failures. [Engine.Start] returns an error wrapping one
// of these when the microphone cannot be opened; nothing is left running.
var (
	ErrDevicePermissionDenied = capture.ErrPermissionDenied
	ErrDeviceUnavailable      = capture.ErrDeviceUnavailable
)

// ErrNotOpen is returned by sends after the channel was lost or closed.
var ErrNotOpen = channel.ErrNotOpen

type (
	// ConnectionError reports the loss of the session channel. It is
	// delivered once; the engine keeps segmenting but drops every send.
	ConnectionError = channel.ConnectionError

	// DecodeError reports an assistant audio unit that could not be played.
	// The queue skips the unit and continues.
	DecodeError = playback.DecodeError
)

// BackendError carries an error message sent by the backend. The channel
// stays open.
type BackendError struct {
	SessionID string
	Message   string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("engine: backend error in session %s: %s", e.SessionID, e.Message)
}
