package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/intervoice/pkg/audio"
)

var _ Sink = (*Speaker)(nil)

// Speaker is a [Sink] backed by the default PortAudio output device.
type Speaker struct {
	stream *portaudio.Stream
	buf    []int16
	format audio.Format

	mu        sync.Mutex
	closeOnce sync.Once
}

// OpenSpeaker opens the default output device in blocking mode.
// framesPerBuffer <= 0 selects 512.
func OpenSpeaker(f audio.Format, framesPerBuffer int) (*Speaker, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 512
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("playback: initialize portaudio: %w", err)
	}
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("playback: default output device: %w", err)
	}

	buf := make([]int16, framesPerBuffer*f.Channels)
	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = f.Channels
	params.SampleRate = float64(f.SampleRate)
	params.FramesPerBuffer = framesPerBuffer

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("playback: open %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("playback: start %q: %w", dev.Name, err)
	}

	slog.Info("playback: speaker opened", "device", dev.Name, "format", f)
	return &Speaker{stream: stream, buf: buf, format: f}, nil
}

func (s *Speaker) Format() audio.Format { return s.format }

// Write copies p into the device buffer one buffer at a time, padding the
// last one with silence.
func (s *Speaker) Write(p audio.PCM) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for off := 0; off < len(p.Samples); off += len(s.buf) {
		n := copy(s.buf, p.Samples[off:])
		clear(s.buf[n:])
		if err := s.stream.Write(); err != nil {
			if errors.Is(err, portaudio.OutputUnderflowed) {
				continue
			}
			return fmt.Errorf("playback: write: %w", err)
		}
	}
	return nil
}

// Close stops the stream and terminates PortAudio. Close is idempotent.
func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		err = errors.Join(s.stream.Stop(), s.stream.Close(), portaudio.Terminate())
		if err != nil {
			err = fmt.Errorf("playback: close speaker: %w", err)
		}
	})
	return err
}
