// Package channel implements the persistent bidirectional connection between
// the voice engine and the conversational backend.
//
// One [Channel] carries both directions of a session: text frames hold JSON
// control messages (see package protocol) and binary frames hold audio. The
// receive loop demultiplexes inbound frames into a [Handler]. A read or write
// failure closes the channel and is reported exactly once; there is no
// reconnection, and sends on a closed channel fail fast with [ErrNotOpen].
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/intervoice/internal/observe"
	"github.com/MrWong99/intervoice/internal/protocol"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 16 << 20
)

// ErrNotOpen is returned by sends on a channel that is not open. The payload
// is dropped, never queued.
var ErrNotOpen = errors.New("channel: not open")

// ConnectionError reports the failure that closed an open channel.
type ConnectionError struct {
	SessionID string
	Op        string // "read" or "write"
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("channel: session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// State is the lifecycle state of a [Channel].
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handler receives inbound traffic. All methods are called from the single
// receive goroutine, so a Handler sees messages in arrival order. HandleError
// may instead be called from a goroutine whose send failed. Handlers must not
// call [Channel.Close], which waits for the receive goroutine.
type Handler interface {
	HandleAudio(data []byte)
	HandleControl(msg protocol.Inbound)
	HandleError(err error)
}

// HandlerFuncs adapts plain functions to [Handler]. Nil fields ignore the
// corresponding traffic.
type HandlerFuncs struct {
	Audio   func([]byte)
	Control func(protocol.Inbound)
	Error   func(error)
}

func (h HandlerFuncs) HandleAudio(data []byte) {
	if h.Audio != nil {
		h.Audio(data)
	}
}

func (h HandlerFuncs) HandleControl(msg protocol.Inbound) {
	if h.Control != nil {
		h.Control(msg)
	}
}

func (h HandlerFuncs) HandleError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// Option configures a [Channel].
type Option func(*Channel)

// WithWriteTimeout bounds each frame write. Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) { c.writeTimeout = d }
}

// WithReadLimit sets the largest accepted inbound frame in bytes. Default: 16 MiB.
func WithReadLimit(n int64) Option {
	return func(c *Channel) { c.readLimit = n }
}

// WithMetrics records traffic on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// Channel is an open session connection. It is safe for concurrent use.
type Channel struct {
	sessionID    string
	handler      Handler
	writeTimeout time.Duration
	readLimit    int64
	metrics      *observe.Metrics

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// writeMu serialises frame writes.
	writeMu sync.Mutex

	mu    sync.Mutex
	state State
}

// URL returns the channel endpoint for sessionID under base.
func URL(base, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("channel: empty session id")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("channel: parse base url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("channel: unsupported scheme %q", u.Scheme)
	}
	return u.JoinPath("ws", "interview", sessionID).String(), nil
}

// Dial connects to {base}/ws/interview/{sessionID} and starts the receive
// loop. ctx bounds the handshake only.
func Dial(ctx context.Context, base, sessionID string, h Handler, opts ...Option) (*Channel, error) {
	if h == nil {
		return nil, errors.New("channel: nil handler")
	}
	c := &Channel{
		sessionID:    sessionID,
		handler:      h,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	target, err := URL(base, sessionID)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		c.metrics.ConnectionErrors.Add(ctx, 1, metricOp("dial"))
		return nil, fmt.Errorf("channel: dial %s: %w", target, err)
	}
	conn.SetReadLimit(c.readLimit)

	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.state = StateOpen

	slog.Info("channel: connected", "session_id", sessionID, "url", target)
	go c.receiveLoop()
	return c, nil
}

// SessionID returns the session the channel is bound to.
func (c *Channel) SessionID() string { return c.sessionID }

// State reports whether the channel is open.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the receive loop has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// SendControl writes msg as a JSON text frame.
func (c *Channel) SendControl(ctx context.Context, msg protocol.Outbound) error {
	kind := string(msg.Kind())
	data, err := protocol.EncodeOutbound(msg)
	if err != nil {
		return err
	}
	if err := c.write(ctx, websocket.MessageText, data); err != nil {
		c.metrics.RecordControl(ctx, observe.DirectionOut, kind, observe.StatusDropped)
		return err
	}
	c.metrics.RecordControl(ctx, observe.DirectionOut, kind, observe.StatusOK)
	return nil
}

// SendAudio writes data as one binary frame.
func (c *Channel) SendAudio(ctx context.Context, data []byte) error {
	if err := c.write(ctx, websocket.MessageBinary, data); err != nil {
		c.metrics.RecordChunk(ctx, observe.StatusDropped, len(data))
		return err
	}
	c.metrics.RecordChunk(ctx, observe.StatusOK, len(data))
	return nil
}

func (c *Channel) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	err := c.conn.Write(wctx, typ, data)
	cancel()
	c.writeMu.Unlock()

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// A broken connection surfaces through the read loop.
		return ctx.Err()
	}
	if cerr := c.fail("write", err); cerr != nil {
		return cerr
	}
	return ErrNotOpen
}

// Close performs a normal closure. It does not report an error to the
// handler and is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.cancel()
	if err := c.conn.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
		slog.Debug("channel: close handshake", "session_id", c.sessionID, "err", err)
	}
	<-c.done
	slog.Info("channel: closed", "session_id", c.sessionID)
	return nil
}

func (c *Channel) receiveLoop() {
	defer close(c.done)

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.fail("read", err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			c.metrics.AudioUnits.Add(c.ctx, 1)
			c.handler.HandleAudio(data)
		case websocket.MessageText:
			c.dispatchControl(data)
		}
	}
}

func (c *Channel) dispatchControl(data []byte) {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		kind, _ := protocol.PeekKind(data)
		slog.Warn("channel: dropping inbound message",
			"session_id", c.sessionID, "kind", string(kind), "err", err)
		c.metrics.RecordControl(c.ctx, observe.DirectionIn, string(kind), observe.StatusRejected)
		return
	}
	c.metrics.RecordControl(c.ctx, observe.DirectionIn, string(msg.Kind()), observe.StatusOK)
	c.handler.HandleControl(msg)
}

// fail closes an open channel after an I/O error and reports it. Only the
// first caller reports; later ones and failures after Close return nil.
func (c *Channel) fail(op string, err error) *ConnectionError {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.cancel()
	_ = c.conn.CloseNow()

	cerr := &ConnectionError{SessionID: c.sessionID, Op: op, Err: err}
	c.metrics.ConnectionErrors.Add(context.Background(), 1, metricOp(op))
	slog.Error("channel: connection lost", "session_id", c.sessionID, "op", op, "err", err)
	c.handler.HandleError(cerr)
	return cerr
}

func metricOp(op string) metric.MeasurementOption {
	return metric.WithAttributes(observe.Attr("op", op))
}
