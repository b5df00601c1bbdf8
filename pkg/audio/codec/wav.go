package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/youpy/go-wav"

	"github.com/MrWong99/intervoice/pkg/audio"
)

const (
	bitsPerSample = 16
	wavHeaderSize = 44
)

// wavEncoder writes a single WAV stream whose header announces the largest
// representable data size, the usual convention for WAV of unknown length.
type wavEncoder struct {
	buf    bytes.Buffer
	writer *wav.Writer
	format audio.Format
}

func newWAVEncoder(f audio.Format) (StreamEncoder, error) {
	if f.Channels < 1 || f.Channels > 2 {
		return nil, fmt.Errorf("codec: wav supports 1 or 2 channels, got %d", f.Channels)
	}
	if f.SampleRate <= 0 {
		return nil, fmt.Errorf("codec: invalid sample rate %d", f.SampleRate)
	}
	e := &wavEncoder{format: f}
	blockAlign := uint32(f.Channels * bitsPerSample / 8)
	streaming := (math.MaxUint32 - 36) / blockAlign
	e.writer = wav.NewWriter(&e.buf, streaming, uint16(f.Channels), uint32(f.SampleRate), bitsPerSample)
	return e, nil
}

func (e *wavEncoder) Write(p audio.PCM) error {
	if p.Channels != e.format.Channels {
		return fmt.Errorf("codec: wav stream is %s, got %d channels", e.format, p.Channels)
	}
	samples := make([]wav.Sample, p.Frames())
	for i := range samples {
		for c := range p.Channels {
			samples[i].Values[c] = int(p.Samples[i*p.Channels+c])
		}
	}
	return e.writer.WriteSamples(samples)
}

func (e *wavEncoder) Flush() []byte {
	out := bytes.Clone(e.buf.Bytes())
	e.buf.Reset()
	return out
}

func (e *wavEncoder) MIMEType() string { return WAV }

// decodeWAV reads a 16-bit PCM WAV file. Declared sizes are fitted to the
// payload first, so streamed files and truncated units decode or fail
// cleanly.
func decodeWAV(data []byte) (out audio.PCM, err error) {
	fitted, err := fitRIFF(data)
	if err != nil {
		return audio.PCM{}, err
	}
	// go-riff panics on reads past the end of its input.
	defer func() {
		if r := recover(); r != nil {
			out, err = audio.PCM{}, fmt.Errorf("codec: wav: %v", r)
		}
	}()

	r := wav.NewReader(bytes.NewReader(fitted))
	format, err := r.Format()
	if err != nil {
		return audio.PCM{}, fmt.Errorf("codec: wav header: %w", err)
	}
	if format.AudioFormat != wav.AudioFormatPCM || format.BitsPerSample != bitsPerSample {
		return audio.PCM{}, fmt.Errorf("%w: wav format %d with %d bits", ErrUnsupported, format.AudioFormat, format.BitsPerSample)
	}
	channels := int(format.NumChannels)
	if channels < 1 || channels > 2 {
		return audio.PCM{}, fmt.Errorf("%w: wav with %d channels", ErrUnsupported, channels)
	}
	if int(format.BlockAlign) != channels*bitsPerSample/8 {
		return audio.PCM{}, fmt.Errorf("codec: wav block align %d for %d channels", format.BlockAlign, channels)
	}

	out = audio.PCM{SampleRate: int(format.SampleRate), Channels: channels}
	for {
		samples, err := r.ReadSamples()
		for _, s := range samples {
			for c := range channels {
				out.Samples = append(out.Samples, int16(s.Values[c]))
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return audio.PCM{}, fmt.Errorf("codec: wav samples: %w", err)
		}
	}
	if len(out.Samples) == 0 {
		return audio.PCM{}, errors.New("codec: wav has no samples")
	}
	return out, nil
}

// fitRIFF returns a copy of data whose RIFF and chunk sizes match the bytes
// actually present. A streamed WAV announces the largest possible data chunk
// and a truncated one announces more than it carries. A trailing partial
// chunk header is dropped.
func fitRIFF(data []byte) ([]byte, error) {
	if len(data) < wavHeaderSize {
		return nil, fmt.Errorf("codec: wav of %d bytes is shorter than its header", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, errors.New("codec: wav: missing RIFF/WAVE signature")
	}

	out := bytes.Clone(data)
	off := 12
	for len(out)-off >= 8 {
		body := off + 8
		avail := len(out) - body
		size := binary.LittleEndian.Uint32(out[off+4:])
		if uint64(size) > uint64(avail) {
			size = uint32(avail &^ 1)
			binary.LittleEndian.PutUint32(out[off+4:], size)
		}
		off = min(body+int(size)+int(size%2), len(out))
	}
	out = out[:off]
	binary.LittleEndian.PutUint32(out[4:], uint32(len(out)-8))
	return out, nil
}

// EncodeWAV returns p as a complete WAV file with exact sizes in its header.
func EncodeWAV(p audio.PCM) ([]byte, error) {
	if p.Channels < 1 || p.Channels > 2 {
		return nil, fmt.Errorf("codec: wav supports 1 or 2 channels, got %d", p.Channels)
	}
	var buf bytes.Buffer
	w := wav.NewWriter(&buf, uint32(p.Frames()), uint16(p.Channels), uint32(p.SampleRate), bitsPerSample)
	samples := make([]wav.Sample, p.Frames())
	for i := range samples {
		for c := range p.Channels {
			samples[i].Values[c] = int(p.Samples[i*p.Channels+c])
		}
	}
	if err := w.WriteSamples(samples); err != nil {
		return nil, fmt.Errorf("codec: write wav: %w", err)
	}
	return buf.Bytes(), nil
}
