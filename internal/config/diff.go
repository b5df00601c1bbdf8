package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; the rest are
// reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SegmenterChanged bool
	NewSegmenter     SegmenterConfig

	// RestartRequired names changed sections that only take effect on the
	// next session.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SegmenterChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Segmenter != new.Segmenter {
		d.SegmenterChanged = true
		d.NewSegmenter = new.Segmenter
	}

	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if !audioEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Ops != new.Ops {
		d.RestartRequired = append(d.RestartRequired, "ops")
	}

	return d
}

func audioEqual(a, b AudioConfig) bool {
	if a.SampleRate != b.SampleRate || a.Channels != b.Channels ||
		a.FramesPerBuffer != b.FramesPerBuffer || a.InputDevice != b.InputDevice ||
		a.PlaybackSampleRate != b.PlaybackSampleRate {
		return false
	}
	if !boolPtrEqual(a.EchoCancellation, b.EchoCancellation) || !boolPtrEqual(a.NoiseSuppression, b.NoiseSuppression) {
		return false
	}
	return slices.Equal(a.Containers, b.Containers)
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
