// Package sessionapi is the HTTP client for the interview backend's command
// surface: session lifecycle, transcripts and code execution.
//
// Every call runs through a [resilience.Breaker]. Transport failures and 5xx
// responses count against it; 4xx responses are the caller's problem and do
// not.
package sessionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/intervoice/internal/observe"
	"github.com/MrWong99/intervoice/internal/protocol"
	"github.com/MrWong99/intervoice/internal/resilience"
)

const (
	defaultTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4 << 10
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op         string
	StatusCode int
	// Detail is the backend's "detail" field, or the raw body when the
	// response is not JSON.
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("sessionapi: %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("sessionapi: %s: status %d: %s", e.Op, e.StatusCode, e.Detail)
}

// Temporary reports whether retrying later could succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Session describes one interview session.
type Session struct {
	ID            string `json:"session_id"`
	InterviewType string `json:"interview_type"`
	CandidateName string `json:"candidate_name"`
	CreatedAt     string `json:"created_at"`
	Status        string `json:"status"`
}

// EndResult is returned when a session is ended.
type EndResult struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	ReportURL string `json:"report_url,omitempty"`
}

// TranscriptEntry is one persisted conversation turn.
type TranscriptEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Transcript is the persisted conversation of a session.
type Transcript struct {
	SessionID string            `json:"session_id"`
	Entries   []TranscriptEntry `json:"transcript"`
}

// ExecuteRequest asks the backend to run code against test cases.
type ExecuteRequest struct {
	SessionID    string              `json:"sessionId"`
	Code         string              `json:"code"`
	Language     string              `json:"language"`
	TestCases    []protocol.TestCase `json:"testCases"`
	FunctionName string              `json:"functionName,omitempty"`
}

// ExecuteResult is the outcome of a code execution.
type ExecuteResult struct {
	Success        bool                  `json:"success"`
	TestResults    []protocol.TestResult `json:"testResults"`
	AllTestsPassed bool                  `json:"allTestsPassed"`
	ExecutionTime  float64               `json:"executionTime"`
	SubmissionID   string                `json:"submissionId,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// Submission converts r into the code_submission message relayed over the
// session channel.
func (r ExecuteResult) Submission(code, language string) protocol.CodeSubmission {
	return protocol.CodeSubmission{
		Code:           code,
		Language:       language,
		AllTestsPassed: r.AllTestsPassed,
		TestResults:    r.TestResults,
		ExecutionTime:  r.ExecutionTime,
		Error:          r.Error,
	}
}

// Option configures a [Client].
type Option func(*options)

type options struct {
	httpClient *http.Client
	timeout    time.Duration
	breaker    *resilience.Breaker
	metrics    *observe.Metrics
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTimeout sets the per-request timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(o *options) { o.breaker = b }
}

// WithMetrics records call latency on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Client talks to the backend's REST API. It is safe for concurrent use.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
	breaker *resilience.Breaker
	metrics *observe.Metrics
}

// New creates a client for the backend at baseURL (e.g.
// "http://localhost:8000").
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("sessionapi: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("sessionapi: base url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("sessionapi: base url %q: missing host", baseURL)
	}

	o := &options{
		httpClient: http.DefaultClient,
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.breaker == nil {
		o.breaker = resilience.NewBreaker(resilience.BreakerConfig{
			Name:      "sessionapi",
			IsFailure: IsFailure,
		})
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return &Client{
		baseURL: u,
		http:    o.httpClient,
		timeout: o.timeout,
		breaker: o.breaker,
		metrics: o.metrics,
	}, nil
}

// IsFailure classifies errors for the breaker: client errors and caller
// cancellation do not count.
func IsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// CreateSession starts a new interview session.
func (c *Client) CreateSession(ctx context.Context, interviewType, candidateName string) (*Session, error) {
	body := struct {
		InterviewType string `json:"interview_type"`
		CandidateName string `json:"candidate_name"`
	}{interviewType, candidateName}

	var s Session
	if err := c.do(ctx, "create_session", http.MethodPost, []string{"api", "sessions"}, body, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, fmt.Errorf("sessionapi: create_session: response without session_id")
	}
	return &s, nil
}

// GetSession fetches the session with the given id.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, errors.New("sessionapi: get_session: empty session id")
	}
	var s Session
	if err := c.do(ctx, "get_session", http.MethodGet, []string{"api", "sessions", id}, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// EndSession marks the session completed. The result carries the report URL
// once the backend generates one.
func (c *Client) EndSession(ctx context.Context, id string) (*EndResult, error) {
	if id == "" {
		return nil, errors.New("sessionapi: end_session: empty session id")
	}
	var r EndResult
	if err := c.do(ctx, "end_session", http.MethodPost, []string{"api", "interviews", id, "end"}, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Transcript fetches the persisted conversation of a session.
func (c *Client) Transcript(ctx context.Context, id string) (*Transcript, error) {
	if id == "" {
		return nil, errors.New("sessionapi: transcript: empty session id")
	}
	var t Transcript
	if err := c.do(ctx, "transcript", http.MethodGet, []string{"api", "interviews", id, "transcript"}, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ExecuteCode runs code against the request's test cases.
func (c *Client) ExecuteCode(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.FunctionName == "" {
		req.FunctionName = "solution"
	}
	if req.TestCases == nil {
		req.TestCases = []protocol.TestCase{}
	}
	var r ExecuteResult
	if err := c.do(ctx, "execute_code", http.MethodPost, []string{"api", "code", "execute"}, req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// do performs one JSON round trip through the breaker.
func (c *Client) do(ctx context.Context, op, method string, path []string, in, out any) (err error) {
	ctx, span := observe.StartSpan(ctx, "sessionapi."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method)),
	)
	start := time.Now()
	defer func() {
		status := observe.StatusOK
		if err != nil {
			status = observe.StatusError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.metrics.RecordSessionAPI(ctx, op, status, time.Since(start))
		span.End()
	}()

	var payload []byte
	if in != nil {
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("sessionapi: %s: marshal request: %w", op, err)
		}
	}
	endpoint := c.baseURL.JoinPath(path...).String()

	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, op, method, endpoint, payload, out)
	})
	if errors.Is(err, resilience.ErrOpen) {
		return fmt.Errorf("sessionapi: %s: %w", op, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, endpoint string, payload []byte, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("sessionapi: %s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sessionapi: %s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{Op: op, StatusCode: resp.StatusCode, Detail: errorDetail(raw)}
		observe.Logger(ctx).Warn("sessionapi: backend returned error", "op", op, "status", resp.StatusCode, "detail", se.Detail)
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sessionapi: %s: decode response: %w", op, err)
	}
	slog.Debug("sessionapi: call ok", "op", op, "status", resp.StatusCode)
	return nil
}

// errorDetail extracts FastAPI-style {"detail": "..."} bodies.
func errorDetail(raw []byte) string {
	var e struct {
		Detail any `json:"detail"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Detail != nil {
		if s, ok := e.Detail.(string); ok {
			return s
		}
		if b, err := json.Marshal(e.Detail); err == nil {
			return string(b)
		}
	}
	return strings.TrimSpace(string(raw))
}
