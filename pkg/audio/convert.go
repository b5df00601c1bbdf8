package audio

import (
	"encoding/binary"
	"fmt"
)

// Bytes encodes p as little-endian 16-bit PCM.
func (p PCM) Bytes() []byte {
	out := make([]byte, len(p.Samples)*2)
	for i, s := range p.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// FromBytes decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func FromBytes(b []byte, sampleRate, channels int) PCM {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return PCM{Samples: samples, SampleRate: sampleRate, Channels: channels}
}

// Convert returns p in the target format. Resampling happens before channel
// conversion so that downmixed streams are resampled only once when the
// target is mono. If p already matches target it is returned unchanged.
func (p PCM) Convert(target Format) PCM {
	if p.Format() == target {
		return p
	}
	out := p
	if target.SampleRate > 0 && out.SampleRate != target.SampleRate {
		out = out.Resample(target.SampleRate)
	}
	if target.Channels > 0 && out.Channels != target.Channels {
		out = out.Remix(target.Channels)
	}
	return out
}

// Remix changes the channel count of p. Downmixing to mono averages all
// channels; any other conversion goes through mono and duplicates it.
func (p PCM) Remix(channels int) PCM {
	if channels <= 0 || p.Channels == channels || p.Channels <= 0 {
		return p
	}
	mono := p.mono()
	if channels == 1 {
		return mono
	}
	out := make([]int16, len(mono.Samples)*channels)
	for i, s := range mono.Samples {
		for c := range channels {
			out[i*channels+c] = s
		}
	}
	return PCM{Samples: out, SampleRate: p.SampleRate, Channels: channels}
}

func (p PCM) mono() PCM {
	if p.Channels == 1 {
		return p
	}
	frames := p.Frames()
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for c := range p.Channels {
			sum += int32(p.Samples[i*p.Channels+c])
		}
		out[i] = clamp16(sum / int32(p.Channels))
	}
	return PCM{Samples: out, SampleRate: p.SampleRate, Channels: 1}
}

// Resample converts p to rate using per-channel linear interpolation.
func (p PCM) Resample(rate int) PCM {
	if rate <= 0 || p.SampleRate <= 0 || p.SampleRate == rate || p.Channels <= 0 {
		return p
	}
	srcFrames := p.Frames()
	dstFrames := int(int64(srcFrames) * int64(rate) / int64(p.SampleRate))
	out := make([]int16, dstFrames*p.Channels)
	ratio := float64(p.SampleRate) / float64(rate)

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range p.Channels {
			s0 := float64(p.Samples[idx*p.Channels+c])
			s1 := float64(p.Samples[next*p.Channels+c])
			out[i*p.Channels+c] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return PCM{Samples: out, SampleRate: rate, Channels: p.Channels}
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}

// String returns a human-readable description such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
