package sessionapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	clockmock "github.com/MrWong99/intervoice/internal/clock/mock"
	"github.com/MrWong99/intervoice/internal/observe"
	"github.com/MrWong99/intervoice/internal/protocol"
	"github.com/MrWong99/intervoice/internal/resilience"
	"github.com/MrWong99/intervoice/internal/sessionapi"
)

func newClient(t *testing.T, h http.Handler, opts ...sessionapi.Option) *sessionapi.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := sessionapi.New(srv.URL+"/", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, u := range []string{"", "ftp://host", "localhost:8000", "http://"} {
		if _, err := sessionapi.New(u); err == nil {
			t.Errorf("New(%q) succeeded", u)
		}
	}
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["interview_type"] != "technical" || body["candidate_name"] != "Ada" {
			t.Errorf("body = %v", body)
		}
		writeJSON(t, w, http.StatusOK, map[string]string{
			"session_id":     "s-1",
			"interview_type": "technical",
			"candidate_name": "Ada",
			"created_at":     "2024-05-01T10:00:00",
			"status":         "active",
		})
	})

	c := newClient(t, mux)
	s, err := c.CreateSession(context.Background(), "technical", "Ada")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	want := sessionapi.Session{ID: "s-1", InterviewType: "technical", CandidateName: "Ada", CreatedAt: "2024-05-01T10:00:00", Status: "active"}
	if *s != want {
		t.Errorf("session = %+v, want %+v", *s, want)
	}
}

func TestCreateSession_MissingID(t *testing.T) {
	t.Parallel()

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]string{"status": "active"})
	}))
	if _, err := c.CreateSession(context.Background(), "technical", "Ada"); err == nil {
		t.Fatal("expected an error for a response without session_id")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "nope" {
			t.Errorf("id = %q", r.PathValue("id"))
		}
		writeJSON(t, w, http.StatusNotFound, map[string]string{"detail": "Session not found"})
	})

	c := newClient(t, mux)
	_, err := c.GetSession(context.Background(), "nope")

	var se *sessionapi.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusNotFound || se.Detail != "Session not found" || se.Op != "get_session" {
		t.Errorf("StatusError = %+v", se)
	}
	if !sessionapi.IsNotFound(err) {
		t.Error("IsNotFound = false")
	}
}

func TestEndSessionAndTranscript(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/interviews/{id}/end", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"session_id": r.PathValue("id"),
			"status":     "completed",
			"report_url": "http://reports/s-1",
		})
	})
	mux.HandleFunc("GET /api/interviews/{id}/transcript", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"session_id": r.PathValue("id"),
			"transcript": []map[string]string{
				{"role": "assistant", "content": "Welcome.", "timestamp": "t1"},
				{"role": "user", "content": "Hi.", "timestamp": "t2"},
			},
		})
	})
	c := newClient(t, mux)
	ctx := context.Background()

	end, err := c.EndSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if end.SessionID != "s-1" || end.Status != "completed" || end.ReportURL != "http://reports/s-1" {
		t.Errorf("end = %+v", end)
	}

	tr, err := c.Transcript(ctx, "s-1")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(tr.Entries) != 2 || tr.Entries[1].Role != "user" || tr.Entries[1].Content != "Hi." {
		t.Errorf("transcript = %+v", tr)
	}
}

func TestEmptySessionID(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	ctx := context.Background()

	if _, err := c.GetSession(ctx, ""); err == nil {
		t.Error("GetSession accepted an empty id")
	}
	if _, err := c.EndSession(ctx, ""); err == nil {
		t.Error("EndSession accepted an empty id")
	}
	if _, err := c.Transcript(ctx, ""); err == nil {
		t.Error("Transcript accepted an empty id")
	}
	if hits.Load() != 0 {
		t.Errorf("server hit %d times", hits.Load())
	}
}

func TestExecuteCode(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/code/execute", func(w http.ResponseWriter, r *http.Request) {
		var req sessionapi.ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.SessionID != "s-1" || req.Language != "python" || req.FunctionName != "solution" || len(req.TestCases) != 1 {
			t.Errorf("request = %+v", req)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"success":        true,
			"allTestsPassed": false,
			"executionTime":  12.5,
			"submissionId":   "sub-1",
			"testResults": []map[string]any{
				{"test_case": 1, "passed": false, "input": "1", "expected": "2", "actual": "3"},
			},
		})
	})
	c := newClient(t, mux)

	code := "def solution(x):\n    return x + 2\n"
	res, err := c.ExecuteCode(context.Background(), sessionapi.ExecuteRequest{
		SessionID: "s-1",
		Code:      code,
		Language:  "python",
		TestCases: []protocol.TestCase{{Input: "1", Expected: "2"}},
	})
	if err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
	if !res.Success || res.AllTestsPassed || res.SubmissionID != "sub-1" || len(res.TestResults) != 1 {
		t.Errorf("result = %+v", res)
	}

	sub := res.Submission(code, "python")
	if sub.Code != code || sub.ExecutionTime != 12.5 || sub.TestResults[0].Actual != "3" {
		t.Errorf("submission = %+v", sub)
	}
}

func TestStatusError_PlainBody(t *testing.T) {
	t.Parallel()

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down\n")
	}))
	_, err := c.GetSession(context.Background(), "s-1")

	var se *sessionapi.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v", err)
	}
	if se.Detail != "upstream down" || !se.Temporary() {
		t.Errorf("StatusError = %+v, temporary=%v", se, se.Temporary())
	}
}

func TestIsFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"not found", &sessionapi.StatusError{StatusCode: 404}, false},
		{"bad request", &sessionapi.StatusError{StatusCode: 422}, false},
		{"too many requests", &sessionapi.StatusError{StatusCode: 429}, true},
		{"server error", &sessionapi.StatusError{StatusCode: 500}, true},
		{"transport", errors.New("connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sessionapi.IsFailure(tt.err); got != tt.want {
				t.Errorf("IsFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var fail atomic.Bool
	fail.Store(true)
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			writeJSON(t, w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]string{"session_id": "s-1", "status": "active"})
	})

	clk := clockmock.New()
	br := resilience.NewBreaker(resilience.BreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: time.Minute,
		IsFailure:    sessionapi.IsFailure,
		Clock:        clk,
	})
	c := newClient(t, h, sessionapi.WithBreaker(br))
	ctx := context.Background()

	for range 2 {
		if _, err := c.GetSession(ctx, "s-1"); err == nil {
			t.Fatal("expected a server error")
		}
	}
	_, err := c.GetSession(ctx, "s-1")
	if !errors.Is(err, resilience.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2 (open breaker must not call the backend)", hits.Load())
	}

	fail.Store(false)
	clk.Advance(time.Minute)
	if _, err := c.GetSession(ctx, "s-1"); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if br.State() != resilience.StateClosed {
		t.Errorf("state = %v, want closed", br.State())
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	br := resilience.NewBreaker(resilience.BreakerConfig{MaxFailures: 1, IsFailure: sessionapi.IsFailure})
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]string{"detail": "Session not found"})
	}), sessionapi.WithBreaker(br))

	for range 3 {
		if _, err := c.GetSession(context.Background(), "x"); !sessionapi.IsNotFound(err) {
			t.Fatalf("err = %v, want 404", err)
		}
	}
	if br.State() != resilience.StateClosed {
		t.Errorf("state = %v, want closed", br.State())
	}
}

func TestTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), sessionapi.WithTimeout(50*time.Millisecond))

	_, err := c.GetSession(context.Background(), "s-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRecordsLatency(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]string{"session_id": "s-1"})
	}), sessionapi.WithMetrics(m))

	if _, err := c.GetSession(context.Background(), "s-1"); err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, mm := range sm.Metrics {
			if mm.Name != "intervoice.session_api.duration" {
				continue
			}
			h := mm.Data.(metricdata.Histogram[float64])
			if len(h.DataPoints) != 1 {
				t.Fatalf("data points = %d", len(h.DataPoints))
			}
			op, _ := h.DataPoints[0].Attributes.Value("op")
			status, _ := h.DataPoints[0].Attributes.Value("status")
			if op.AsString() != "get_session" || status.AsString() != observe.StatusOK {
				t.Errorf("attributes op=%q status=%q", op.AsString(), status.AsString())
			}
			return
		}
	}
	t.Error("session API duration metric not recorded")
}
