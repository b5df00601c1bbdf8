package segmenter_test

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/intervoice/internal/clock/mock"
	"github.com/MrWong99/intervoice/internal/segmenter"
)

// script returns one reading per poll, then silence.
type script struct {
	mu       sync.Mutex
	readings []float64
	polls    int
}

func (s *script) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.polls > len(s.readings) {
		return 0
	}
	return s.readings[s.polls-1]
}

func (s *script) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// eventLog records sink calls annotated with the number of polls seen so far.
type eventLog struct {
	mu     sync.Mutex
	src    *script
	events []string
}

func (l *eventLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf("%s@%d", name, l.src.count()))
}

func (l *eventLog) Boundary(e segmenter.Event) { l.add(e.String()) }
func (l *eventLog) Chunk()                     { l.add("chunk") }
func (l *eventLog) Progressive()               { l.add("progressive") }

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func (l *eventLog) count(prefix string) int {
	n := 0
	for _, e := range l.snapshot() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type harness struct {
	t       *testing.T
	clk     *mock.Clock
	src     *script
	log     *eventLog
	seg     *segmenter.Segmenter
	handled chan struct{}
}

func newHarness(t *testing.T, cfg segmenter.Config, readings ...float64) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clk:     mock.New(),
		src:     &script{readings: readings},
		handled: make(chan struct{}, 64),
	}
	h.log = &eventLog{src: h.src}
	seg, err := segmenter.New(h.src, h.log, cfg, segmenter.WithClock(h.clk))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	segmenter.SetHandledHook(seg, func() { h.handled <- struct{}{} })
	if err := seg.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.seg = seg
	t.Cleanup(func() { seg.Stop() })
	return h
}

// advance moves the clock and waits until the segmenter has handled every
// firing it received.
func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	n := h.clk.Advance(d)
	for range n {
		select {
		case <-h.handled:
		case <-time.After(2 * time.Second):
			h.t.Fatal("segmenter did not handle a timer event")
		}
	}
}

func (h *harness) polls(n int) {
	h.t.Helper()
	for range n {
		h.advance(h.seg.Config().PollInterval)
	}
}

func scenarioConfig() segmenter.Config {
	return segmenter.Config{
		Threshold:           10,
		PollInterval:        100 * time.Millisecond,
		SilenceDuration:     550 * time.Millisecond,
		ProgressiveInterval: 2 * time.Second,
		ChunkInterval:       500 * time.Millisecond,
	}
}

func TestSegmenter_ScenarioA(t *testing.T) {
	t.Parallel()
	h := newHarness(t, scenarioConfig(), 2, 2, 15, 15, 15, 2, 2, 2, 2, 2, 2)

	h.polls(3)
	if got := h.log.snapshot(); !slices.Equal(got, []string{"start@3"}) {
		t.Fatalf("after first 15: events = %v, want [start@3]", got)
	}
	if h.seg.State() != segmenter.Speaking {
		t.Fatalf("State() = %v, want speaking", h.seg.State())
	}

	h.polls(7)
	if h.log.count("stop") != 0 {
		t.Fatal("segment closed before the trailing silence elapsed")
	}

	h.polls(1)
	want := []string{"start@3", "chunk@8", "stop@10"}
	if got := h.log.snapshot(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if h.seg.State() != segmenter.Idle {
		t.Errorf("State() = %v, want idle", h.seg.State())
	}
}

func TestSegmenter_BriefDipKeepsSegmentOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, scenarioConfig(), 15, 2, 2, 15, 2, 2, 2, 2, 2, 2, 2, 2)

	h.polls(12)
	if got := h.log.count("start"); got != 1 {
		t.Errorf("starts = %d, want 1", got)
	}
	if got := h.log.count("stop"); got != 1 {
		t.Errorf("stops = %d, want 1", got)
	}
}

func TestSegmenter_OneSegmentPerRun(t *testing.T) {
	t.Parallel()
	readings := []float64{20, 20, 2, 2, 2, 2, 2, 2, 2, 30, 2, 2, 2, 2, 2, 2, 2}
	h := newHarness(t, scenarioConfig(), readings...)

	h.polls(len(readings))
	got := h.log.snapshot()
	var boundaries []string
	for _, e := range got {
		if e[:4] == "star" || e[:4] == "stop" {
			boundaries = append(boundaries, e)
		}
	}
	want := []string{"start@1", "stop@7", "start@10", "stop@15"}
	if !slices.Equal(boundaries, want) {
		t.Errorf("boundaries = %v, want %v", boundaries, want)
	}
}

func TestSegmenter_NoChunksWhileIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, scenarioConfig(), 1, 2, 3, 10, 9, 0)

	h.polls(50)
	if got := h.log.snapshot(); len(got) != 0 {
		t.Errorf("events while idle = %v", got)
	}
	if got := h.clk.Active(); got != 1 {
		t.Errorf("Active() = %d, want only the poll ticker", got)
	}
}

func TestSegmenter_ProgressiveAndChunkCadence(t *testing.T) {
	t.Parallel()
	cfg := scenarioConfig()
	cfg.SilenceDuration = time.Second
	cfg.ProgressiveInterval = 300 * time.Millisecond
	h := newHarness(t, cfg, slices.Repeat([]float64{50}, 10)...)

	h.polls(10)
	if got := h.log.count("progressive"); got != 3 {
		t.Errorf("progressive requests = %d, want 3", got)
	}
	if got := h.log.count("chunk"); got != 1 {
		t.Errorf("chunks = %d, want 1", got)
	}
}

func TestSegmenter_ProgressiveDisabled(t *testing.T) {
	t.Parallel()
	cfg := scenarioConfig()
	cfg.ProgressiveInterval = 0
	h := newHarness(t, cfg, slices.Repeat([]float64{50}, 40)...)

	h.polls(40)
	if got := h.log.count("progressive"); got != 0 {
		t.Errorf("progressive requests = %d with interval 0", got)
	}
}

func TestSegmenter_StopCancelsAllTimers(t *testing.T) {
	t.Parallel()
	cfg := scenarioConfig()
	cfg.ProgressiveInterval = 300 * time.Millisecond
	h := newHarness(t, cfg, slices.Repeat([]float64{50}, 100)...)

	h.polls(3)
	if got := h.clk.Active(); got != 4 {
		t.Fatalf("Active() while speaking = %d, want 4", got)
	}

	if st := h.seg.Stop(); st != segmenter.Speaking {
		t.Errorf("Stop() = %v, want speaking", st)
	}
	if got := h.clk.Active(); got != 0 {
		t.Errorf("Active() after Stop = %d, want 0", got)
	}

	before := h.log.snapshot()
	if n := h.clk.Advance(10 * time.Second); n != 0 {
		t.Errorf("%d timer firings delivered after Stop", n)
	}
	if after := h.log.snapshot(); !slices.Equal(before, after) {
		t.Errorf("sink called after Stop: %v", after[len(before):])
	}
	if st := h.seg.Stop(); st != segmenter.Idle {
		t.Errorf("second Stop() = %v, want idle", st)
	}
}

func TestSegmenter_TuneThreshold(t *testing.T) {
	t.Parallel()
	h := newHarness(t, scenarioConfig(), 50, 50, 50, 50)

	cfg := h.seg.Config()
	cfg.Threshold = 60
	if err := h.seg.Tune(cfg); err != nil {
		t.Fatalf("Tune: %v", err)
	}
	h.polls(4)
	if got := h.log.snapshot(); len(got) != 0 {
		t.Errorf("readings below tuned threshold opened a segment: %v", got)
	}

	cfg.PollInterval = 0
	if err := h.seg.Tune(cfg); err == nil {
		t.Error("Tune accepted a zero poll interval")
	}
}

func TestSegmenter_StartTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, scenarioConfig())
	if err := h.seg.Start(); err == nil {
		t.Error("second Start succeeded")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := segmenter.New(&script{}, &eventLog{}, segmenter.Config{Threshold: 300})
	if err == nil {
		t.Fatal("New accepted an invalid config")
	}
}
