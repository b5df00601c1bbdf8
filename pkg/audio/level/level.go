// Package level turns captured PCM into a pollable energy reading.
//
// The [Monitor] keeps only the most recent analysis window of mono samples.
// [Monitor.Level] reports the mean absolute amplitude of that window scaled
// linearly from full scale (32768) to 255. The default speech threshold of 10
// is therefore a mean amplitude of about -28 dBFS.
package level

import (
	"math"
	"sync"

	"github.com/MrWong99/intervoice/pkg/audio"
)

// DefaultWindow is the number of samples the energy reading is computed over.
const DefaultWindow = 2048

// Monitor is a ring buffer of the latest captured samples. It is safe for
// concurrent use: the capture goroutine writes while the segmenter polls.
type Monitor struct {
	mu     sync.Mutex
	window []int16
	pos    int
	filled int
}

// NewMonitor returns a Monitor analysing the last size samples. A size of
// zero or less selects [DefaultWindow].
func NewMonitor(size int) *Monitor {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Monitor{window: make([]int16, size)}
}

// Write appends captured audio to the analysis window. Multi-channel input is
// downmixed to mono first.
func (m *Monitor) Write(p audio.PCM) {
	if p.Channels > 1 {
		p = p.Remix(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range p.Samples {
		m.window[m.pos] = s
		m.pos = (m.pos + 1) % len(m.window)
		if m.filled < len(m.window) {
			m.filled++
		}
	}
}

// Level returns the current energy reading in the range [0, 255]. An empty
// window reads as 0.
func (m *Monitor) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filled == 0 {
		return 0
	}
	var sum float64
	for i := range m.filled {
		sum += math.Abs(float64(m.window[i]))
	}
	return sum / float64(m.filled) / 32768 * 255
}

// Reset clears the analysis window.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.window)
	m.pos = 0
	m.filled = 0
}
