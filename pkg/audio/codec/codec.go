// Package codec encodes captured PCM into container streams and decodes
// assistant speech units back into PCM.
//
// Encoding is streaming: a [StreamEncoder] produces one continuous container
// per speech segment and hands it out in fragments through
// [StreamEncoder.Flush], the first fragment carrying the container header.
// Decoding is per unit: every payload passed to [Decode] is a complete,
// independently decodable file.
package codec

import (
	"errors"
	"fmt"
	"slices"

	"github.com/MrWong99/intervoice/pkg/audio"
)

// Container MIME types known to intervoice.
const (
	WAV  = "audio/wav"
	WebM = "audio/webm"
	L16  = "audio/l16"
	MPEG = "audio/mpeg"
)

// DefaultPreference is the container preference used when none is configured.
var DefaultPreference = []string{WAV, WebM, L16}

// ErrUnsupported is returned for containers this build cannot produce or parse.
var ErrUnsupported = errors.New("codec: unsupported container")

// StreamEncoder turns PCM into one continuous container stream.
type StreamEncoder interface {
	// Write appends PCM to the stream.
	Write(p audio.PCM) error

	// Flush returns the bytes produced since the previous Flush. The result
	// may be empty.
	Flush() []byte

	// MIMEType returns the container type of the stream.
	MIMEType() string
}

type encoderFactory func(f audio.Format) (StreamEncoder, error)

var encoders = map[string]encoderFactory{
	WAV: newWAVEncoder,
	L16: newL16Encoder,
}

// Supported reports whether an encoder exists for mimeType.
func Supported(mimeType string) bool {
	_, ok := encoders[mimeType]
	return ok
}

// Negotiate returns the first entry of prefs with an available encoder.
func Negotiate(prefs []string) (string, error) {
	if len(prefs) == 0 {
		prefs = DefaultPreference
	}
	if i := slices.IndexFunc(prefs, Supported); i >= 0 {
		return prefs[i], nil
	}
	return "", fmt.Errorf("%w: none of %v", ErrUnsupported, prefs)
}

// NewEncoder returns a fresh stream encoder for mimeType.
func NewEncoder(mimeType string, f audio.Format) (StreamEncoder, error) {
	factory, ok := encoders[mimeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, mimeType)
	}
	return factory(f)
}

// l16Encoder emits headerless little-endian PCM.
type l16Encoder struct {
	pending []byte
}

func newL16Encoder(audio.Format) (StreamEncoder, error) { return &l16Encoder{}, nil }

func (e *l16Encoder) Write(p audio.PCM) error {
	e.pending = append(e.pending, p.Bytes()...)
	return nil
}

func (e *l16Encoder) Flush() []byte {
	out := e.pending
	e.pending = nil
	return out
}

func (e *l16Encoder) MIMEType() string { return L16 }
