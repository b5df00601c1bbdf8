// Package app runs one interview session from the terminal.
//
// The App owns the full lifecycle: [App.Run] creates the backend session,
// starts the voice engine, serves the ops endpoints, watches the config file
// and reads console commands until the user quits. [App.Shutdown] tears
// everything down in order: config watcher, engine, then the backend
// session is ended and the final transcript printed. The ops server lives
// as long as Run.
//
// For testing, inject doubles via functional options (WithSessionAPI,
// WithEngineOptions, WithConsole). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/intervoice/internal/channel"
	"github.com/MrWong99/intervoice/internal/config"
	"github.com/MrWong99/intervoice/internal/console"
	"github.com/MrWong99/intervoice/internal/conversation"
	"github.com/MrWong99/intervoice/internal/engine"
	"github.com/MrWong99/intervoice/internal/health"
	"github.com/MrWong99/intervoice/internal/observe"
	"github.com/MrWong99/intervoice/internal/sessionapi"
	"github.com/MrWong99/intervoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ console.Actions = (*App)(nil)
	_ SessionAPI      = (*sessionapi.Client)(nil)
)

const opsShutdownTimeout = 5 * time.Second

// ErrNoQuestion is returned by [App.SubmitCode] before any coding question
// arrived.
var ErrNoQuestion = errors.New("app: no coding question yet")

// SessionAPI is the part of the backend command surface the app uses.
type SessionAPI interface {
	CreateSession(ctx context.Context, interviewType, candidateName string) (*sessionapi.Session, error)
	EndSession(ctx context.Context, id string) (*sessionapi.EndResult, error)
	Transcript(ctx context.Context, id string) (*sessionapi.Transcript, error)
	ExecuteCode(ctx context.Context, req sessionapi.ExecuteRequest) (*sessionapi.ExecuteResult, error)
}

// App owns all subsystem lifetimes of one interview session.
type App struct {
	cfg            *config.Config
	configPath     string
	api            SessionAPI
	console        *console.Console
	workspace      *console.Workspace
	store          *conversation.Store
	health         *health.Handler
	levelVar       *slog.LevelVar
	metricsHandler http.Handler
	engineOpts     []engine.Option
	in             io.Reader
	out            io.Writer

	mu      sync.Mutex
	session *sessionapi.Session
	engine  *engine.Engine
	opsAddr string
	watcher *config.Watcher
	closers []func()

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionAPI injects the backend command surface instead of an HTTP
// client built from backend.http_url.
func WithSessionAPI(api SessionAPI) Option {
	return func(a *App) { a.api = api }
}

// WithEngineOptions passes extra options to every engine the app creates.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(a *App) { a.engineOpts = append(a.engineOpts, opts...) }
}

// WithConsole reads commands from in and writes the conversation to out
// instead of stdin and stdout.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.in, a.out = in, out }
}

// WithConfigPath enables hot reload of the config file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithMetricsHandler serves h on /metrics of the ops server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// New creates an App from cfg. Nothing is started until [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, in: os.Stdin, out: os.Stdout}
	for _, o := range opts {
		o(a)
	}

	if a.api == nil {
		client, err := sessionapi.New(cfg.Backend.HTTPURL, sessionapi.WithTimeout(cfg.Backend.Timeout))
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.api = client
	}

	a.console = console.New(a.in, a.out)
	a.workspace = console.NewWorkspace(cfg.Session.Workspace, a.console)
	a.store = conversation.NewStore(conversation.WithCodeEditor(a.workspace))
	a.health = health.New()
	return a, nil
}

// Store returns the conversation state of the session.
func (a *App) Store() *conversation.Store { return a.store }

// Session returns the backend session, or nil before Run created it.
func (a *App) Session() *sessionapi.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// OpsAddr returns the address the ops server listens on, or "" when it is
// disabled or not yet started.
func (a *App) OpsAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opsAddr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run creates the session and serves it until the user quits (nil is
// returned) or ctx is done (ctx's error is returned). Call [App.Shutdown]
// afterwards in either case, also when Run fails.
func (a *App) Run(ctx context.Context) error {
	// ── 1. Backend session ───────────────────────────────────────────────
	sess, err := a.api.CreateSession(ctx, a.cfg.Session.InterviewType, a.cfg.Session.CandidateName)
	if err != nil {
		return fmt.Errorf("app: create session: %w", err)
	}
	a.mu.Lock()
	a.session = sess
	a.mu.Unlock()
	slog.Info("session created", "session_id", sess.ID, "interview_type", sess.InterviewType)
	a.console.Printf("%s interview for %s (session %s)", sess.InterviewType, sess.CandidateName, sess.ID)

	a.addCloser(a.store.Subscribe(a.console.Render))

	// ── 2. Voice engine ──────────────────────────────────────────────────
	eng, err := a.startEngine(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.health.Add(
		health.Checker{Name: "channel", Check: eng.CheckChannel},
		health.Checker{Name: "capture", Check: eng.CheckCapture},
	)

	// ── 3. Ops server ────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Ops.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: ops listener: %w", err)
		}
		srv := &http.Server{Handler: a.opsHandler(), ReadHeaderTimeout: 10 * time.Second}
		a.mu.Lock()
		a.opsAddr = ln.Addr().String()
		a.mu.Unlock()
		slog.Info("ops server listening", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opsShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// ── 4. Config hot reload ─────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "path", a.configPath, "err", err)
		} else {
			a.mu.Lock()
			a.watcher = w
			a.mu.Unlock()
		}
	}

	// ── 5. Console ───────────────────────────────────────────────────────
	g.Go(func() error { return a.console.Run(gctx, a) })

	err = g.Wait()
	switch {
	case errors.Is(err, console.ErrQuit):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

// startEngine starts the voice engine, offering a retry while the
// microphone cannot be opened.
func (a *App) startEngine(ctx context.Context, sessionID string) (*engine.Engine, error) {
	cfg := engine.Config{
		SessionID:  sessionID,
		ChannelURL: a.cfg.Backend.WSURL,
		Capture:    a.cfg.Audio.Capture(),
		Segmenter:  a.cfg.Segmenter.Segmenter(),
		Containers: a.cfg.Audio.Containers,
		Playback:   audio.Format{SampleRate: a.cfg.Audio.PlaybackSampleRate, Channels: 1},
	}
	opts := []engine.Option{
		engine.WithStore(a.store),
		engine.WithOnError(a.onEngineError),
	}
	if n := a.cfg.Backend.MaxFrameBytes; n > 0 {
		opts = append(opts, engine.WithChannelOptions(channel.WithReadLimit(n)))
	}
	opts = append(opts, a.engineOpts...)

	for {
		eng, err := engine.New(cfg, opts...)
		if err != nil {
			return nil, err
		}
		err = eng.Start(ctx)
		if err == nil {
			a.mu.Lock()
			a.engine = eng
			a.mu.Unlock()
			return eng, nil
		}

		var prompt string
		switch {
		case errors.Is(err, engine.ErrDevicePermissionDenied):
			prompt = "Microphone access was denied. Grant access and try again?"
		case errors.Is(err, engine.ErrDeviceUnavailable):
			prompt = "No microphone is available. Connect one and try again?"
		default:
			return nil, err
		}
		slog.Warn("microphone not acquired", "err", err)
		if ctx.Err() != nil || !a.console.Confirm(prompt) {
			return nil, err
		}
	}
}

func (a *App) opsHandler() http.Handler {
	r := mux.NewRouter()
	r.Use(observe.Middleware(observe.DefaultMetrics()))
	a.health.Register(r)
	if a.metricsHandler != nil {
		r.Handle("/metrics", a.metricsHandler).Methods(http.MethodGet)
	}
	return r
}

// onEngineError runs on pipeline goroutines. The store already shows the
// error; this only logs it.
func (a *App) onEngineError(err error) {
	var connErr *engine.ConnectionError
	if errors.As(err, &connErr) {
		slog.Error("interview channel lost; end the session and start a new one", "err", err)
		return
	}
	slog.Warn("engine error", "err", err)
}

// applyConfig applies the hot-reloadable part of a config change.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SegmenterChanged {
		a.mu.Lock()
		eng := a.engine
		a.mu.Unlock()
		if eng != nil {
			if err := eng.Tune(d.NewSegmenter.Segmenter()); err != nil {
				slog.Warn("segmenter retune rejected", "err", err)
			} else {
				slog.Info("segmenter retuned",
					"threshold", d.NewSegmenter.Threshold,
					"silence", d.NewSegmenter.SilenceDuration,
				)
			}
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect in the next session", "sections", d.RestartRequired)
	}
}

func (a *App) addCloser(fn func()) {
	a.mu.Lock()
	a.closers = append(a.closers, fn)
	a.mu.Unlock()
}

// ─── Console actions ─────────────────────────────────────────────────────────

// SubmitCode runs the file at path (default: the latest workspace file)
// against the current coding question and relays the result to the
// interviewer.
func (a *App) SubmitCode(ctx context.Context, path string) (*sessionapi.ExecuteResult, error) {
	q, ok := a.store.Question()
	if !ok {
		return nil, ErrNoQuestion
	}
	if path == "" {
		path = a.workspace.Latest()
	}
	if path == "" {
		return nil, errors.New("app: no solution file; pass one to /submit")
	}
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("app: read solution: %w", err)
	}
	lang := q.Language
	if lang == "" {
		lang = console.DefaultLanguage
	}

	a.mu.Lock()
	sess, eng := a.session, a.engine
	a.mu.Unlock()
	if sess == nil || eng == nil {
		return nil, errors.New("app: session not running")
	}

	res, err := a.api.ExecuteCode(ctx, sessionapi.ExecuteRequest{
		SessionID: sess.ID,
		Code:      string(code),
		Language:  lang,
		TestCases: q.TestCases,
	})
	if err != nil {
		return nil, fmt.Errorf("app: execute code: %w", err)
	}
	if err := eng.SubmitCode(ctx, res.Submission(string(code), lang)); err != nil {
		slog.Warn("code submission not relayed", "err", err)
		a.console.Printf("  ! the interviewer did not receive this result: %v", err)
	}
	return res, nil
}

// Transcript fetches the persisted transcript of the session.
func (a *App) Transcript(ctx context.Context) (*sessionapi.Transcript, error) {
	sess := a.Session()
	if sess == nil {
		return nil, errors.New("app: session not created")
	}
	return a.api.Transcript(ctx, sess.ID)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the watcher and the engine, then ends the backend session
// and prints the report URL and the final transcript. It is safe to call
// once after Run in any state; later calls do nothing.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		w, eng, sess := a.watcher, a.engine, a.session
		closers := a.closers
		a.mu.Unlock()

		if w != nil {
			w.Stop()
		}
		if eng != nil {
			if err := eng.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}

		if sess != nil {
			errs = append(errs, a.endSession(ctx, sess.ID))
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func (a *App) endSession(ctx context.Context, id string) error {
	end, err := a.api.EndSession(ctx, id)
	if err != nil {
		return fmt.Errorf("app: end session: %w", err)
	}
	a.console.Printf("Interview %s.", end.Status)
	if end.ReportURL != "" {
		a.console.Printf("Report: %s", end.ReportURL)
	}

	tr, err := a.api.Transcript(ctx, id)
	if err != nil {
		slog.Warn("final transcript unavailable", "err", err)
		return nil
	}
	a.console.PrintTranscript(tr)
	return nil
}
