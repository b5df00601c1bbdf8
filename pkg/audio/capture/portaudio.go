package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/intervoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ Source = PortAudio{}
	_ Stream = (*portAudioStream)(nil)
)

// PortAudio opens microphone streams through the PortAudio library.
type PortAudio struct{}

// Open initialises PortAudio, opens the configured input device in blocking
// mode and starts a goroutine that reads buffers into the frame channel.
func (PortAudio) Open(ctx context.Context, cfg Config) (Stream, error) {
	cfg = cfg.withDefaults()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("capture: initialize portaudio: %w", classify(err))
	}

	dev, err := inputDevice(cfg.Device)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	if cfg.EchoCancellation || cfg.NoiseSuppression {
		slog.Info("capture: echo cancellation and noise suppression are not provided by portaudio",
			"echo_cancellation", cfg.EchoCancellation,
			"noise_suppression", cfg.NoiseSuppression,
		)
	}

	buf := make([]int16, cfg.FramesPerBuffer*cfg.Channels)
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FramesPerBuffer

	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("capture: open %q: %w", dev.Name, classify(err))
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("capture: start %q: %w", dev.Name, classify(err))
	}

	s := &portAudioStream{
		stream: stream,
		buf:    buf,
		cfg:    cfg,
		frames: make(chan audio.Frame, cfg.Buffer),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.readLoop()

	slog.Info("capture: microphone opened",
		"device", dev.Name,
		"format", audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
	)
	return s, nil
}

// inputDevice returns the named input device, or the default one when name is
// empty.
func inputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("capture: default input device: %w", classify(err))
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: list devices: %w", classify(err))
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no input device named %q", ErrDeviceUnavailable, name)
}

// classify maps PortAudio failures onto the capture error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not authorized") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	var paErr portaudio.Error
	if errors.As(err, &paErr) && (paErr == portaudio.DeviceUnavailable || paErr == portaudio.InvalidDevice) {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

type portAudioStream struct {
	stream *portaudio.Stream
	buf    []int16
	cfg    Config
	frames chan audio.Frame

	mu        sync.Mutex
	err       error
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

func (s *portAudioStream) Frames() <-chan audio.Frame { return s.frames }

func (s *portAudioStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// readLoop owns the frames channel and closes it on exit.
func (s *portAudioStream) readLoop() {
	defer close(s.exited)
	defer close(s.frames)

	var captured time.Duration
	perBuffer := time.Duration(s.cfg.FramesPerBuffer) * time.Second / time.Duration(s.cfg.SampleRate)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("capture: input overflowed")
				continue
			}
			s.mu.Lock()
			s.err = classify(err)
			s.mu.Unlock()
			slog.Error("capture: read failed", "err", err)
			return
		}

		samples := make([]int16, len(s.buf))
		copy(samples, s.buf)
		frame := audio.Frame{
			PCM: audio.PCM{
				Samples:    samples,
				SampleRate: s.cfg.SampleRate,
				Channels:   s.cfg.Channels,
			},
			Timestamp: captured,
		}
		captured += perBuffer

		select {
		case s.frames <- frame:
		default:
			slog.Debug("capture: consumer behind, dropping frame")
		}
	}
}

// Close stops the stream, waits for the read loop and terminates PortAudio.
func (s *portAudioStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		stopErr := s.stream.Stop()
		<-s.exited
		closeErr := s.stream.Close()
		termErr := portaudio.Terminate()
		err = errors.Join(stopErr, closeErr, termErr)
		if err != nil {
			err = fmt.Errorf("capture: close: %w", err)
		}
	})
	return err
}
