// Package devbackend is a scripted stand-in for the interview backend. It
// speaks the same REST and channel protocol so the client can be rehearsed
// without speech recognition or a language model: every utterance is
// acknowledged with a transcript stating its length and answered with the
// next scripted interviewer line, streamed as text chunks plus a synthesized
// WAV tone.
package devbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/MrWong99/intervoice/internal/observe"
	"github.com/MrWong99/intervoice/internal/protocol"
	"github.com/MrWong99/intervoice/internal/sessionapi"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// readLimit bounds one inbound frame.
	readLimit = 16 << 20

	shutdownTimeout = 5 * time.Second
)

// Option configures a [Server].
type Option func(*Server)

// WithScript replaces the built-in script.
func WithScript(s *Script) Option {
	return func(srv *Server) { srv.script = s }
}

// WithMetrics records request latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(srv *Server) { srv.metricsHandler = h }
}

// WithToneRate sets the sample rate of synthesized replies. Default: 24000.
func WithToneRate(hz int) Option {
	return func(srv *Server) { srv.toneRate = hz }
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(srv *Server) { srv.now = now }
}

// Server is the rehearsal backend. It is safe for concurrent use.
type Server struct {
	script         *Script
	metrics        *observe.Metrics
	metricsHandler http.Handler
	toneRate       int
	now            func() time.Time
	upgrader       websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the backend's record of one interview.
type session struct {
	info        sessionapi.Session
	transcript  []sessionapi.TranscriptEntry
	submissions int
	turn        int
	connected   bool
}

// New creates a server.
func New(opts ...Option) *Server {
	s := &Server{
		toneRate: 24000,
		now:      time.Now,
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// A local rehearsal tool accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.script == nil {
		s.script = DefaultScript()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the HTTP handler serving the REST API and the channel.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(observe.Middleware(s.metrics))

	api := r.PathPrefix("/api").Subrouter()
	// Without its own handler a subrouter reports a method mismatch as 404.
	api.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	api.NotFoundHandler = http.HandlerFunc(notFound)
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/interviews/{id}/end", s.handleEndSession).Methods(http.MethodPost)
	api.HandleFunc("/interviews/{id}/transcript", s.handleTranscript).Methods(http.MethodGet)
	api.HandleFunc("/interviews/{id}/report", s.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/code/execute", s.handleExecute).Methods(http.MethodPost)

	r.HandleFunc("/ws/interview/{id}", s.handleChannel)
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler).Methods(http.MethodGet)
	}
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("devbackend: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("devbackend: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("devbackend: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("devbackend: serve: %w", err)
	}
	return nil
}

// ── REST ──────────────────────────────────────────────────────────────────────

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InterviewType string `json:"interview_type"`
		CandidateName string `json:"candidate_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}
	if req.InterviewType == "" || req.CandidateName == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "interview_type and candidate_name are required")
		return
	}

	sess := &session{info: sessionapi.Session{
		ID:            uuid.NewString(),
		InterviewType: req.InterviewType,
		CandidateName: req.CandidateName,
		CreatedAt:     s.now().UTC().Format(time.RFC3339),
		Status:        "active",
	}}
	s.mu.Lock()
	s.sessions[sess.info.ID] = sess
	s.mu.Unlock()

	slog.Info("devbackend: session created", "session_id", sess.info.ID, "interview_type", req.InterviewType)
	writeJSON(w, http.StatusOK, sess.info)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(sess *session) {
		writeJSON(w, http.StatusOK, sess.info)
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(sess *session) {
		sess.info.Status = "completed"
		writeJSON(w, http.StatusOK, sessionapi.EndResult{
			SessionID: sess.info.ID,
			Status:    sess.info.Status,
			ReportURL: reportURL(r, sess.info.ID),
		})
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(sess *session) {
		writeJSON(w, http.StatusOK, sessionapi.Transcript{
			SessionID: sess.info.ID,
			Entries:   append([]sessionapi.TranscriptEntry{}, sess.transcript...),
		})
	})
}

// Report summarises a session.
type Report struct {
	SessionID      string `json:"session_id"`
	Status         string `json:"status"`
	CandidateTurns int    `json:"candidate_turns"`
	Interviewer    int    `json:"interviewer_turns"`
	Submissions    int    `json:"code_submissions"`
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(sess *session) {
		rep := Report{SessionID: sess.info.ID, Status: sess.info.Status, Submissions: sess.submissions}
		for _, e := range sess.transcript {
			if e.Role == "user" {
				rep.CandidateTurns++
			} else {
				rep.Interviewer++
			}
		}
		writeJSON(w, http.StatusOK, rep)
	})
}

// handleExecute does not run code. It echoes every test case as failed with
// an explanatory error so the client flow can be exercised end to end.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req sessionapi.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}
	s.mu.Lock()
	_, ok := s.sessions[req.SessionID]
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}

	res := sessionapi.ExecuteResult{
		Success:      true,
		SubmissionID: uuid.NewString(),
		Error:        "the rehearsal backend does not execute code",
	}
	for i, tc := range req.TestCases {
		res.TestResults = append(res.TestResults, protocol.TestResult{
			TestCase: i + 1,
			Input:    tc.Input,
			Expected: tc.Expected,
			Error:    "not executed",
		})
	}
	writeJSON(w, http.StatusOK, res)
}

// withSession runs fn with the session named in the route while holding the
// server lock.
func (s *Server) withSession(w http.ResponseWriter, r *http.Request, fn func(*session)) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	fn(sess)
}

func reportURL(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/api/interviews/%s/report", scheme, r.Host, id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("devbackend: encode response", "err", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeDetail(w, http.StatusNotFound, "Not Found")
}

// ── Channel ───────────────────────────────────────────────────────────────────

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	sess, ok := s.sessions[id]
	busy := ok && sess.connected
	if ok && !busy {
		sess.connected = true
	}
	s.mu.Unlock()
	switch {
	case !ok:
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	case busy:
		http.Error(w, "Session already connected", http.StatusConflict)
		return
	}
	defer func() {
		s.mu.Lock()
		sess.connected = false
		s.mu.Unlock()
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("devbackend: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	c := &interviewConn{srv: s, sess: sess, conn: conn}
	c.serve()
}
