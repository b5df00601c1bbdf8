package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/intervoice/pkg/audio"
)

// Sniff identifies the container of a complete audio unit from its leading
// bytes. It returns the empty string for unknown data.
func Sniff(data []byte) string {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return WAV
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return MPEG
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return MPEG
	}
	return ""
}

// Decode converts one complete WAV or MP3 unit into PCM. It returns the
// detected container alongside the samples.
func Decode(data []byte) (audio.PCM, string, error) {
	switch kind := Sniff(data); kind {
	case WAV:
		p, err := decodeWAV(data)
		return p, kind, err
	case MPEG:
		p, err := decodeMP3(data)
		return p, kind, err
	default:
		return audio.PCM{}, "", fmt.Errorf("%w: unrecognised %d-byte payload", ErrUnsupported, len(data))
	}
}

// decodeMP3 decodes an MP3 unit. go-mp3 always yields 16-bit stereo.
func decodeMP3(data []byte) (audio.PCM, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return audio.PCM{}, fmt.Errorf("codec: mp3 header: %w", err)
	}
	raw, err := io.ReadAll(d)
	if err != nil {
		return audio.PCM{}, fmt.Errorf("codec: mp3 frames: %w", err)
	}
	if len(raw) == 0 {
		return audio.PCM{}, fmt.Errorf("codec: mp3 has no frames")
	}
	return audio.FromBytes(raw, d.SampleRate(), 2), nil
}
