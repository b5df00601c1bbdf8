// Package config provides the configuration schema and loader for the
// intervoice client.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/intervoice/internal/segmenter"
	"github.com/MrWong99/intervoice/pkg/audio/capture"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its [slog.Level]. Unknown values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Backend   BackendConfig   `yaml:"backend"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Ops       OpsConfig       `yaml:"ops"`
}

// BackendConfig locates the interview backend.
type BackendConfig struct {
	// HTTPURL is the REST base URL (e.g., "http://localhost:8000").
	HTTPURL string `yaml:"http_url"`

	// WSURL is the websocket base URL. Derived from HTTPURL when empty.
	WSURL string `yaml:"ws_url"`

	// Timeout bounds each REST call.
	Timeout time.Duration `yaml:"timeout"`

	// MaxFrameBytes caps a single inbound channel frame. Assistant audio
	// units arrive as one frame each.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`
}

// SessionConfig describes the interview to create.
type SessionConfig struct {
	// InterviewType is the backend's interview identifier (e.g., "google-sde").
	InterviewType string `yaml:"interview_type"`

	CandidateName string `yaml:"candidate_name"`

	// Workspace is the directory coding questions are written to.
	Workspace string `yaml:"workspace"`
}

// AudioConfig configures the microphone and speaker.
type AudioConfig struct {
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	FramesPerBuffer  int    `yaml:"frames_per_buffer"`
	InputDevice      string `yaml:"input_device"`
	EchoCancellation *bool  `yaml:"echo_cancellation"`
	NoiseSuppression *bool  `yaml:"noise_suppression"`

	// Containers is the ordered list of MIME types to record segments in.
	Containers []string `yaml:"containers"`

	PlaybackSampleRate int `yaml:"playback_sample_rate"`
}

// SegmenterConfig tunes speech detection. Every field is hot-reloadable.
type SegmenterConfig struct {
	Threshold           float64       `yaml:"threshold"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	SilenceDuration     time.Duration `yaml:"silence_duration"`
	ProgressiveInterval time.Duration `yaml:"progressive_interval"`
	ChunkInterval       time.Duration `yaml:"chunk_interval"`
}

// OpsConfig configures the operations HTTP server.
type OpsConfig struct {
	// ListenAddr serves /metrics, /healthz and /readyz. Empty disables the
	// server.
	ListenAddr string `yaml:"listen_addr"`
}

// Capture converts the audio section into a capture configuration.
func (a AudioConfig) Capture() capture.Config {
	c := capture.DefaultConfig()
	if a.SampleRate > 0 {
		c.SampleRate = a.SampleRate
	}
	if a.Channels > 0 {
		c.Channels = a.Channels
	}
	if a.FramesPerBuffer > 0 {
		c.FramesPerBuffer = a.FramesPerBuffer
	}
	c.Device = a.InputDevice
	if a.EchoCancellation != nil {
		c.EchoCancellation = *a.EchoCancellation
	}
	if a.NoiseSuppression != nil {
		c.NoiseSuppression = *a.NoiseSuppression
	}
	return c
}

// Segmenter converts the section into a segmenter configuration. The
// defaults fill whatever Load left unset.
func (s SegmenterConfig) Segmenter() segmenter.Config {
	return segmenter.Config{
		Threshold:           s.Threshold,
		PollInterval:        s.PollInterval,
		SilenceDuration:     s.SilenceDuration,
		ProgressiveInterval: s.ProgressiveInterval,
		ChunkInterval:       s.ChunkInterval,
	}
}
