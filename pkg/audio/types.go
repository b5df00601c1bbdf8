// Package audio defines the PCM types shared by capture, recording and
// playback, together with the sample-level conversions between them.
//
// All PCM in intervoice is signed 16-bit, interleaved by channel. The wire
// representation used by [PCM.Bytes] and [FromBytes] is little-endian, which
// matches WAV data chunks and the PortAudio int16 sample format.
package audio

import "time"

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// PCM is a block of interleaved signed 16-bit samples.
type PCM struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Format returns the sample rate and channel count of p.
func (p PCM) Format() Format {
	return Format{SampleRate: p.SampleRate, Channels: p.Channels}
}

// Frames returns the number of sample frames (one sample per channel) in p.
func (p PCM) Frames() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// Duration returns the playback length of p.
func (p PCM) Duration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(p.Frames()) * time.Second / time.Duration(p.SampleRate)
}

// Slice returns the frames in [from, to) of p, clamped to its bounds. The
// returned PCM shares the underlying sample array.
func (p PCM) Slice(from, to int) PCM {
	n := p.Frames()
	from = min(max(from, 0), n)
	to = min(max(to, from), n)
	return PCM{
		Samples:    p.Samples[from*p.Channels : to*p.Channels],
		SampleRate: p.SampleRate,
		Channels:   p.Channels,
	}
}

// Frame is one buffer delivered by a capture device.
type Frame struct {
	PCM

	// Timestamp marks when the frame was captured, relative to stream start.
	Timestamp time.Duration
}
