// Package engine wires the voice pipeline of one interview session.
//
// An [Engine] owns, for the lifetime of a session, the microphone stream, the
// level monitor, the speech segmenter, the stream recorder, the playback queue
// and the session channel:
//
//	capture → level monitor → segmenter → recorder → channel (audio + control)
//	channel → playback queue (binary) and conversation store (control)
//
// The engine is the segmenter's [segmenter.Sink] and the channel's
// [channel.Handler]. Speaking over the assistant flushes the playback queue
// (barge-in) before the new segment is announced.
//
// [Engine.Stop] tears everything down in a fixed order: segmenter timers,
// open segment, capture device, audio output, channel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/intervoice/internal/channel"
	"github.com/MrWong99/intervoice/internal/clock"
	"github.com/MrWong99/intervoice/internal/conversation"
	"github.com/MrWong99/intervoice/internal/observe"
	"github.com/MrWong99/intervoice/internal/protocol"
	"github.com/MrWong99/intervoice/internal/recorder"
	"github.com/MrWong99/intervoice/internal/segmenter"
	"github.com/MrWong99/intervoice/pkg/audio"
	"github.com/MrWong99/intervoice/pkg/audio/capture"
	"github.com/MrWong99/intervoice/pkg/audio/codec"
	"github.com/MrWong99/intervoice/pkg/audio/level"
	"github.com/MrWong99/intervoice/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ segmenter.Sink  = (*Engine)(nil)
	_ channel.Handler = (*Engine)(nil)
)

// sendTimeout bounds the sends the engine issues on its own behalf.
const sendTimeout = 5 * time.Second

// Config describes one engine run.
type Config struct {
	// SessionID is the backend session the channel binds to. Required.
	SessionID string

	// ChannelURL is the websocket base URL, e.g. ws://localhost:8000.
	// Required.
	ChannelURL string

	Capture   capture.Config
	Segmenter segmenter.Config

	// Containers is the ordered container preference for recorded segments.
	// Default: [codec.DefaultPreference].
	Containers []string

	// Playback is the output device format. Default: mono 24 kHz.
	Playback audio.Format

	// PlaybackFramesPerBuffer sizes the output device buffer. Default: 512.
	PlaybackFramesPerBuffer int
}

func (c Config) validate() error {
	var errs []error
	if c.SessionID == "" {
		errs = append(errs, errors.New("session id is required"))
	}
	if c.ChannelURL == "" {
		errs = append(errs, errors.New("channel url is required"))
	}
	if err := c.Segmenter.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SinkOpener opens the audio output for playback.
type SinkOpener func(f audio.Format, framesPerBuffer int) (playback.Sink, error)

// OpenSpeaker is the default [SinkOpener], backed by PortAudio.
func OpenSpeaker(f audio.Format, framesPerBuffer int) (playback.Sink, error) {
	return playback.OpenSpeaker(f, framesPerBuffer)
}

// Option configures an [Engine].
type Option func(*Engine)

// WithCaptureSource replaces the PortAudio microphone.
func WithCaptureSource(s capture.Source) Option {
	return func(e *Engine) { e.source = s }
}

// WithSinkOpener replaces the PortAudio speaker.
func WithSinkOpener(fn SinkOpener) Option {
	return func(e *Engine) { e.openSink = fn }
}

// WithClock drives the segmenter timers from c.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithStore delivers inbound control messages to s instead of a private
// store.
func WithStore(s *conversation.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithOnError registers fn for runtime errors: [*ConnectionError],
// [*BackendError] and [*DecodeError]. fn runs on pipeline goroutines and must
// not call back into the Engine.
func WithOnError(fn func(error)) Option {
	return func(e *Engine) { e.onError = fn }
}

// WithChannelOptions passes extra options to [channel.Dial].
func WithChannelOptions(opts ...channel.Option) Option {
	return func(e *Engine) { e.channelOpts = append(e.channelOpts, opts...) }
}

// Engine runs the voice pipeline of one session. Create it with [New], then
// call [Engine.Start] once and [Engine.Stop] once; an engine is not
// restartable.
type Engine struct {
	cfg         Config
	source      capture.Source
	openSink    SinkOpener
	clock       clock.Clock
	store       *conversation.Store
	metrics     *observe.Metrics
	onError     func(error)
	channelOpts []channel.Option

	// Set by Start.
	ctx      context.Context
	cancel   context.CancelFunc
	stream   capture.Stream
	sink     playback.Sink
	queue    *playback.Queue
	rec      *recorder.Recorder
	monitor  *level.Monitor
	seg      *segmenter.Segmenter
	ch       *channel.Channel
	captured chan struct{}

	frames       atomic.Int64
	segmentStart time.Time // owned by the segmenter goroutine

	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates cfg and returns an idle engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Capture == (capture.Config{}) {
		cfg.Capture = capture.DefaultConfig()
	}
	if cfg.Capture.SampleRate <= 0 {
		cfg.Capture.SampleRate = capture.DefaultConfig().SampleRate
	}
	if cfg.Containers == nil {
		cfg.Containers = codec.DefaultPreference
	}
	if cfg.Playback.SampleRate <= 0 {
		cfg.Playback.SampleRate = 24000
	}
	if cfg.Playback.Channels <= 0 {
		cfg.Playback.Channels = 1
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		source:   capture.PortAudio{},
		openSink: OpenSpeaker,
		clock:    clock.Real{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.store == nil {
		e.store = conversation.NewStore()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e, nil
}

// Store returns the conversation store fed by this engine.
func (e *Engine) Store() *conversation.Store { return e.store }

// SessionID returns the session this engine is bound to.
func (e *Engine) SessionID() string { return e.cfg.SessionID }

// Start acquires the microphone and the audio output, connects the channel,
// starts segmenting and announces readiness with interview_ready. On error
// everything acquired so far is released again. Device failures wrap
// [ErrDevicePermissionDenied] or [ErrDeviceUnavailable].
func (e *Engine) Start(ctx context.Context) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine: already started")
	}

	ctx, span := observe.StartSpan(ctx, "engine.start")
	defer span.End()
	log := observe.Logger(ctx).With("session_id", e.cfg.SessionID)

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		span.RecordError(err)
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				log.Warn("engine: cleanup after failed start", "err", cerr)
			}
		}
	}()

	stream, err := e.source.Open(ctx, e.cfg.Capture)
	if err != nil {
		return fmt.Errorf("engine: open microphone: %w", err)
	}
	closers = append(closers, stream.Close)

	sink, err := e.openSink(e.cfg.Playback, e.cfg.PlaybackFramesPerBuffer)
	if err != nil {
		return fmt.Errorf("engine: open audio output: %w", err)
	}
	closers = append(closers, sink.Close)

	rec, err := recorder.New(audio.Format{SampleRate: e.cfg.Capture.SampleRate, Channels: 1}, e.cfg.Containers)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	closers = append(closers, func() error { e.cancel(); return nil })

	queue := playback.New(sink,
		playback.WithOnDecodeError(e.onDecodeError),
		playback.WithOnPlayed(e.onPlayed),
	)
	closers = append(closers, queue.Close)

	e.stream, e.sink, e.queue, e.rec = stream, sink, queue, rec
	e.monitor = level.NewMonitor(level.DefaultWindow)

	ch, err := channel.Dial(ctx, e.cfg.ChannelURL, e.cfg.SessionID, e,
		append([]channel.Option{channel.WithMetrics(e.metrics)}, e.channelOpts...)...)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	closers = append(closers, ch.Close)
	e.ch = ch

	seg, err := segmenter.New(e.monitor, e, e.cfg.Segmenter, segmenter.WithClock(e.clock))
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.seg = seg

	e.captured = make(chan struct{})
	go e.captureLoop(stream, e.captured)
	if err := seg.Start(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	e.started = true
	e.metrics.ActiveSessions.Add(ctx, 1)
	log.Info("engine: started",
		"container", rec.MIMEType(),
		"threshold", e.cfg.Segmenter.Threshold,
		"silence", e.cfg.Segmenter.SilenceDuration,
	)

	if err := e.send(protocol.InterviewReady{}); err != nil {
		log.Warn("engine: interview_ready not sent", "err", err)
	}
	return nil
}

// Stop ends the session in order: segmenter timers are cancelled, an open
// segment is finished (final chunk plus speech_end, if the channel is still
// open), the microphone is released, audio output is closed and finally the
// channel is closed. Stop is idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		e.stopped = true
		return nil
	}
	e.stopped = true

	ctx, span := observe.StartSpan(ctx, "engine.stop")
	defer span.End()
	log := observe.Logger(ctx).With("session_id", e.cfg.SessionID)

	var errs []error

	// 1. No segmenter callback runs after this.
	if e.seg.Stop() == segmenter.Speaking {
		// 2. Finish the open segment.
		e.endSegment()
	}

	// 3. Release the microphone.
	if err := e.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close microphone: %w", err))
	}
	<-e.captured

	// 4. Audio output.
	if err := e.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close playback: %w", err))
	}
	if err := e.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audio output: %w", err))
	}

	// 5. Channel.
	if err := e.ch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	e.cancel()

	e.metrics.ActiveSessions.Add(ctx, -1)
	if err := errors.Join(errs...); err != nil {
		log.Warn("engine: stopped with errors", "err", err)
		return fmt.Errorf("engine: stop: %w", err)
	}
	log.Info("engine: stopped", "discarded_frames", e.rec.Discarded())
	return nil
}

// SubmitCode relays a code execution result to the backend.
func (e *Engine) SubmitCode(ctx context.Context, sub protocol.CodeSubmission) error {
	if !e.running() {
		return ErrNotOpen
	}
	return e.ch.SendControl(ctx, sub)
}

// Tune applies new segmenter settings to the running engine.
func (e *Engine) Tune(cfg segmenter.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seg == nil {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		e.cfg.Segmenter = cfg
		return nil
	}
	return e.seg.Tune(cfg)
}

// State reports the segmenter state, Idle when the engine is not running.
func (e *Engine) State() segmenter.State {
	if !e.running() {
		return segmenter.Idle
	}
	return e.seg.State()
}

// CheckChannel fails unless the session channel is open.
func (e *Engine) CheckChannel(context.Context) error {
	if !e.running() {
		return errors.New("engine not running")
	}
	if st := e.ch.State(); st != channel.StateOpen {
		return fmt.Errorf("channel %s", st)
	}
	return nil
}

// CheckCapture fails when the microphone stream has ended.
func (e *Engine) CheckCapture(context.Context) error {
	if !e.running() {
		return errors.New("engine not running")
	}
	select {
	case <-e.captured:
		if err := e.stream.Err(); err != nil {
			return fmt.Errorf("microphone stopped: %w", err)
		}
		return errors.New("microphone stopped")
	default:
		return nil
	}
}

func (e *Engine) running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopped
}

// captureLoop feeds captured audio into the level monitor and the recorder.
// The recorder keeps only audio that falls inside a segment.
func (e *Engine) captureLoop(stream capture.Stream, done chan<- struct{}) {
	defer close(done)
	for f := range stream.Frames() {
		e.monitor.Write(f.PCM)
		e.rec.Write(f.PCM)
		e.frames.Add(1)
	}
	if err := stream.Err(); err != nil {
		slog.Error("engine: microphone stream ended", "session_id", e.cfg.SessionID, "err", err)
	}
}

// ── segmenter.Sink ────────────────────────────────────────────────────────────

// Boundary opens or closes a segment on the wire.
func (e *Engine) Boundary(ev segmenter.Event) {
	switch ev {
	case segmenter.EventStart:
		e.bargeIn()
		if err := e.rec.Begin(); err != nil {
			slog.Warn("engine: begin segment", "session_id", e.cfg.SessionID, "err", err)
		}
		e.segmentStart = e.clock.Now()
		e.metrics.Segments.Add(e.ctx, 1)
		e.sendLogged(protocol.SpeechStart{})
	case segmenter.EventStop:
		e.endSegment()
	}
}

// Chunk sends the audio recorded since the previous chunk.
func (e *Engine) Chunk() {
	if c, ok := e.rec.Flush(); ok {
		e.sendChunk(c)
	}
}

// Progressive asks the backend for a partial transcript.
func (e *Engine) Progressive() {
	e.sendLogged(protocol.ProcessProgressive{})
}

// endSegment closes the recorder and sends the final chunk and speech_end.
func (e *Engine) endSegment() {
	if c, ok := e.rec.End(); ok {
		e.sendChunk(c)
	}
	e.sendLogged(protocol.SpeechEnd{})
	if !e.segmentStart.IsZero() {
		e.metrics.SegmentDuration.Record(e.ctx, e.clock.Now().Sub(e.segmentStart).Seconds())
		e.segmentStart = time.Time{}
	}
}

// bargeIn silences the assistant when the user starts speaking.
func (e *Engine) bargeIn() {
	n := e.queue.Flush()
	if n == 0 {
		return
	}
	e.metrics.BargeIns.Add(e.ctx, 1)
	e.metrics.RecordPlayback(e.ctx, observe.PlaybackFlushed, n)
	slog.Debug("engine: playback interrupted", "session_id", e.cfg.SessionID, "dropped", n)
}

func (e *Engine) sendChunk(c recorder.Chunk) {
	ctx, cancel := context.WithTimeout(e.ctx, sendTimeout)
	defer cancel()
	if err := e.ch.SendAudio(ctx, c.Data); err != nil {
		e.logSendError("chunk", err,
			"segment", c.Segment, "seq", c.Seq, "bytes", len(c.Data), "final", c.Final)
	}
}

func (e *Engine) send(msg protocol.Outbound) error {
	ctx, cancel := context.WithTimeout(e.ctx, sendTimeout)
	defer cancel()
	return e.ch.SendControl(ctx, msg)
}

func (e *Engine) sendLogged(msg protocol.Outbound) {
	if err := e.send(msg); err != nil {
		e.logSendError(string(msg.Kind()), err)
	}
}

// logSendError keeps a lost channel quiet: it was reported once already.
func (e *Engine) logSendError(what string, err error, args ...any) {
	args = append([]any{"session_id", e.cfg.SessionID, "what", what, "err", err}, args...)
	if errors.Is(err, ErrNotOpen) {
		slog.Debug("engine: send dropped", args...)
		return
	}
	slog.Warn("engine: send failed", args...)
}

// ── channel.Handler ───────────────────────────────────────────────────────────

// HandleAudio queues one assistant audio unit.
func (e *Engine) HandleAudio(data []byte) {
	e.queue.Enqueue(data)
}

// HandleControl applies an inbound control message to the store.
func (e *Engine) HandleControl(msg protocol.Inbound) {
	e.store.Apply(msg)
	if m, ok := msg.(protocol.Error); ok {
		err := &BackendError{SessionID: e.cfg.SessionID, Message: m.Message}
		e.metrics.BackendErrors.Add(e.ctx, 1)
		slog.Warn("engine: backend reported an error", "session_id", e.cfg.SessionID, "message", m.Message)
		e.report(err)
	}
}

// HandleError records the loss of the channel. Segmenting continues; sends
// are dropped until the session is stopped.
func (e *Engine) HandleError(err error) {
	e.store.SetError(err)
	e.report(err)
}

func (e *Engine) onDecodeError(err *playback.DecodeError) {
	e.metrics.RecordPlayback(e.ctx, observe.PlaybackDecodeError, 1)
	e.report(err)
}

func (e *Engine) onPlayed(p playback.Played) {
	e.metrics.RecordPlayback(e.ctx, observe.PlaybackPlayed, 1)
	e.metrics.PlaybackAudio.Record(e.ctx, p.Duration.Seconds(),
		metric.WithAttributes(attribute.String("container", p.Container)))
}

func (e *Engine) report(err error) {
	if e.onError != nil {
		e.onError(err)
	}
}
