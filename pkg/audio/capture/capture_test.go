package capture

import (
	"errors"
	"testing"

	"github.com/gordonklaus/portaudio"
)

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := Config{Device: "USB Mic"}.withDefaults()
	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("format = %d/%d, want 16000/1", got.SampleRate, got.Channels)
	}
	if got.FramesPerBuffer != 512 {
		t.Errorf("FramesPerBuffer = %d, want 512", got.FramesPerBuffer)
	}
	if got.Device != "USB Mic" {
		t.Errorf("Device = %q, want preserved", got.Device)
	}
}

func TestDefaultConfig_RequestsProcessing(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	if !cfg.EchoCancellation || !cfg.NoiseSuppression {
		t.Error("default config should request echo cancellation and noise suppression")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"device unavailable", portaudio.DeviceUnavailable, ErrDeviceUnavailable},
		{"invalid device", portaudio.InvalidDevice, ErrDeviceUnavailable},
		{"permission text", errors.New("Access denied by system privacy settings"), ErrPermissionDenied},
		{"other", errors.New("host api exploded"), ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want wrapping %v", tt.err, got, tt.want)
			}
		})
	}
	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}
