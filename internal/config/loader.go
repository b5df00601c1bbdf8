package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/intervoice/internal/segmenter"
	"github.com/MrWong99/intervoice/pkg/audio/codec"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INTERVOICE_"

// Default values applied by [ApplyDefaults].
const (
	DefaultHTTPURL       = "http://localhost:8000"
	DefaultTimeout       = 30 * time.Second
	DefaultInterviewType = "google-sde"
	DefaultWorkspace     = "intervoice-workspace"
	DefaultPlaybackRate  = 24000
	DefaultMaxFrameBytes = 16 << 20
)

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables
// already set win. Missing files are skipped; with no arguments ".env" is
// tried.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", f, err)
		}
		slog.Debug("config: loaded env file", "path", f)
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
// An empty path starts from an empty document.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromReader(strings.NewReader(""))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with INTERVOICE_* variables found through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	var level string
	str("LOG_LEVEL", &level)
	if level != "" {
		cfg.LogLevel = LogLevel(strings.ToLower(level))
	}
	str("BACKEND_HTTP_URL", &cfg.Backend.HTTPURL)
	str("BACKEND_WS_URL", &cfg.Backend.WSURL)
	dur("BACKEND_TIMEOUT", &cfg.Backend.Timeout)
	if v, ok := lookup(EnvPrefix + "BACKEND_MAX_FRAME_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sBACKEND_MAX_FRAME_BYTES: %w", EnvPrefix, err))
		} else {
			cfg.Backend.MaxFrameBytes = n
		}
	}
	str("INTERVIEW_TYPE", &cfg.Session.InterviewType)
	str("CANDIDATE_NAME", &cfg.Session.CandidateName)
	str("WORKSPACE", &cfg.Session.Workspace)
	str("INPUT_DEVICE", &cfg.Audio.InputDevice)
	str("OPS_LISTEN_ADDR", &cfg.Ops.ListenAddr)
	if v, ok := lookup(EnvPrefix + "SEGMENTER_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSEGMENTER_THRESHOLD: %w", EnvPrefix, err))
		} else {
			cfg.Segmenter.Threshold = f
		}
	}
	dur("SEGMENTER_SILENCE_DURATION", &cfg.Segmenter.SilenceDuration)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Backend.HTTPURL == "" {
		cfg.Backend.HTTPURL = DefaultHTTPURL
	}
	if cfg.Backend.WSURL == "" {
		cfg.Backend.WSURL = deriveWSURL(cfg.Backend.HTTPURL)
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = DefaultTimeout
	}
	if cfg.Backend.MaxFrameBytes == 0 {
		cfg.Backend.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.Session.InterviewType == "" {
		cfg.Session.InterviewType = DefaultInterviewType
	}
	if cfg.Session.Workspace == "" {
		cfg.Session.Workspace = DefaultWorkspace
	}
	if len(cfg.Audio.Containers) == 0 {
		cfg.Audio.Containers = append([]string(nil), codec.DefaultPreference...)
	}
	if cfg.Audio.PlaybackSampleRate == 0 {
		cfg.Audio.PlaybackSampleRate = DefaultPlaybackRate
	}

	d := segmenter.DefaultConfig()
	s := &cfg.Segmenter
	if s.Threshold == 0 {
		s.Threshold = d.Threshold
	}
	if s.PollInterval == 0 {
		s.PollInterval = d.PollInterval
	}
	if s.SilenceDuration == 0 {
		s.SilenceDuration = d.SilenceDuration
	}
	// A negative progressive interval disables progressive requests.
	switch {
	case s.ProgressiveInterval == 0:
		s.ProgressiveInterval = d.ProgressiveInterval
	case s.ProgressiveInterval < 0:
		s.ProgressiveInterval = 0
	}
	if s.ChunkInterval == 0 {
		s.ChunkInterval = d.ChunkInterval
	}
}

// deriveWSURL maps http(s)://host to ws(s)://host. Unparseable input is
// returned unchanged for Validate to report.
func deriveWSURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Backend
	if err := checkURL(cfg.Backend.HTTPURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("backend.http_url: %w", err))
	}
	if err := checkURL(cfg.Backend.WSURL, "ws", "wss", "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("backend.ws_url: %w", err))
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %s must not be negative", cfg.Backend.Timeout))
	}
	if cfg.Backend.MaxFrameBytes < 0 {
		errs = append(errs, fmt.Errorf("backend.max_frame_bytes %d must not be negative", cfg.Backend.MaxFrameBytes))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [0, 2]", cfg.Audio.Channels))
	}
	if cfg.Audio.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must not be negative", cfg.Audio.FramesPerBuffer))
	}
	if cfg.Audio.PlaybackSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_sample_rate %d must not be negative", cfg.Audio.PlaybackSampleRate))
	}
	if len(cfg.Audio.Containers) > 0 {
		if _, err := codec.Negotiate(cfg.Audio.Containers); err != nil {
			errs = append(errs, fmt.Errorf("audio.containers: %w", err))
		}
		for _, c := range cfg.Audio.Containers {
			if !codec.Supported(c) {
				slog.Warn("config: container not supported by this build, skipping", "container", c)
			}
		}
	}

	// Segmenter
	if err := cfg.Segmenter.Segmenter().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segmenter: %w", err))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%q: scheme must be one of %v", raw, schemes)
}
