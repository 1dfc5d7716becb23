// Package relay implements the extension side of the relay transport: a
// WebSocket connection with an application-level handshake/ack protocol,
// correlation-id liveness probes, and per-class inbound dispatch.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chromedp/cdproto/target"
)

// Defaults for the transport's two bounded waits.
const (
	DefaultHandshakeTimeout = 2000 * time.Millisecond
	DefaultPingTimeout      = 1500 * time.Millisecond
)

var (
	// ErrNotConnected is returned by sends attempted while the socket is
	// not open. Nothing is queued at this layer.
	ErrNotConnected = errors.New("relay socket is not open")

	// ErrHandshakeTimeout means the relay never acknowledged the handshake.
	ErrHandshakeTimeout = errors.New("timed out waiting for handshake ack")

	// ErrInvalidAck means the ack payload failed structural validation.
	// The socket is closed with code 1002 before this is returned.
	ErrInvalidAck = errors.New("invalid handshake ack")

	// ErrClosedBeforeAck means the socket closed while the handshake ack
	// was still pending.
	ErrClosedBeforeAck = errors.New("socket closed before acknowledgment")

	// ErrSocketClosed rejects pending pings/health checks on close.
	ErrSocketClosed = errors.New("socket closed")

	// ErrPingTimeout means no matching pong arrived in time.
	ErrPingTimeout = errors.New("ping timed out")
)

type connState int

const (
	stateIdle connState = iota
	stateOpening
	stateHandshakeSent
	stateLive
	stateClosed
)

// CDPCommandHandler receives debugger commands forwarded by the relay.
type CDPCommandHandler func(cmd *CDPCommand)

// RawHandler receives opaque envelopes for an external collaborator.
type RawHandler func(raw json.RawMessage)

// CloseHandler is invoked exactly once per connection when the socket
// closes, with the close code and reason.
type CloseHandler func(code int, reason string)

type pendingWait struct {
	ch chan json.RawMessage
}

type connectAttempt struct {
	done chan struct{}
	ack  *HandshakeAck
	err  error
}

// Option configures a Transport.
type Option func(*Transport)

// WithHandshakeTimeout overrides the 2s handshake-ack wait.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) { t.handshakeTimeout = d }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// Transport is one relay connection. It is explicitly constructed and
// disposable; tests run several independent instances side by side.
type Transport struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	url              string
	dialer           *websocket.Dialer
	handshakeTimeout time.Duration

	conn    *websocket.Conn
	st      connState
	ack     *HandshakeAck
	ackCh   chan *HandshakeAck
	ackErr  chan error
	pending map[string]*pendingWait

	inflight *connectAttempt

	// Intent recorded before a local close so the close handler reports
	// our code instead of the read error it provokes.
	localCloseCode   int
	localCloseReason string

	onCDPCommand CDPCommandHandler
	onAnnotation RawHandler
	onOps        RawHandler
	onClose      CloseHandler
	closeFired   bool
}

// NewTransport creates a transport for the given relay WebSocket URL
// (ws://127.0.0.1:<port>/extension).
func NewTransport(url string, opts ...Option) *Transport {
	t := &Transport{
		url:              url,
		dialer:           websocket.DefaultDialer,
		handshakeTimeout: DefaultHandshakeTimeout,
		pending:          make(map[string]*pendingWait),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnCDPCommand registers the forwarded-command handler. At most one is
// active; registering replaces the previous one. The returned func
// unregisters.
func (t *Transport) OnCDPCommand(h CDPCommandHandler) func() {
	t.mu.Lock()
	t.onCDPCommand = h
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.onCDPCommand = nil
		t.mu.Unlock()
	}
}

// OnAnnotationMessage registers the annotation-channel handler.
func (t *Transport) OnAnnotationMessage(h RawHandler) func() {
	t.mu.Lock()
	t.onAnnotation = h
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.onAnnotation = nil
		t.mu.Unlock()
	}
}

// OnOpsMessage registers the ops-runtime envelope handler.
func (t *Transport) OnOpsMessage(h RawHandler) func() {
	t.mu.Lock()
	t.onOps = h
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.onOps = nil
		t.mu.Unlock()
	}
}

// OnClose registers the close handler.
func (t *Transport) OnClose(h CloseHandler) func() {
	t.mu.Lock()
	t.onClose = h
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.onClose = nil
		t.mu.Unlock()
	}
}

// Ack returns the remembered handshake ack, or nil before one arrives.
func (t *Transport) Ack() *HandshakeAck {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ack
}

// Connected reports whether the socket is live and acknowledged.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st == stateLive && t.ack != nil
}

// Connect opens the socket, sends the handshake, and waits for the ack.
// A live acknowledged connection returns the remembered ack immediately.
// Concurrent calls share a single in-flight attempt: at most one socket
// is ever opened, and every caller sees the same ack or the same error.
func (t *Transport) Connect(ctx context.Context, hs Handshake) (*HandshakeAck, error) {
	t.mu.Lock()
	if t.st == stateLive && t.ack != nil {
		ack := t.ack
		t.mu.Unlock()
		return ack, nil
	}
	if t.inflight != nil {
		att := t.inflight
		t.mu.Unlock()
		select {
		case <-att.done:
			return att.ack, att.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	att := &connectAttempt{done: make(chan struct{})}
	t.inflight = att
	t.mu.Unlock()

	ack, err := t.connect(ctx, hs)

	t.mu.Lock()
	t.inflight = nil
	t.mu.Unlock()
	att.ack, att.err = ack, err
	close(att.done)
	return ack, err
}

func (t *Transport) connect(ctx context.Context, hs Handshake) (*HandshakeAck, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay dial %s: %w", t.url, err)
	}

	ackCh := make(chan *HandshakeAck, 1)
	ackErr := make(chan error, 1)

	t.mu.Lock()
	t.conn = conn
	t.st = stateOpening
	t.ackCh = ackCh
	t.ackErr = ackErr
	t.closeFired = false
	t.localCloseCode = 0
	t.localCloseReason = ""
	t.mu.Unlock()

	go t.readLoop(conn)

	hs.Type = TypeHandshake
	if err := t.writeJSON(conn, hs); err != nil {
		t.closeWithCode(CloseNormal, "handshake send failed")
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	t.mu.Lock()
	t.st = stateHandshakeSent
	t.mu.Unlock()

	timer := time.NewTimer(t.handshakeTimeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		return ack, nil
	case err := <-ackErr:
		return nil, err
	case <-timer.C:
		t.closeWithCode(CloseNormal, "handshake timeout")
		return nil, ErrHandshakeTimeout
	case <-ctx.Done():
		t.closeWithCode(CloseNormal, "connect cancelled")
		return nil, ctx.Err()
	}
}

// Close shuts the connection down with a normal close code.
func (t *Transport) Close() {
	t.closeWithCode(CloseNormal, "closed by client")
}

// Ping sends a correlation-id liveness probe and waits for the matching
// pong. A zero timeout means DefaultPingTimeout. Unmatched pongs are
// ignored; a timed-out entry is removed so a late pong cannot leak.
func (t *Transport) Ping(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	return t.roundTrip(ctx, TypePing, timeout)
}

// SendHealthCheck probes the relay's health pipeline; the relay answers
// with a healthCheckResult carrying a reason payload.
func (t *Transport) SendHealthCheck(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	return t.roundTrip(ctx, TypeHealthCheck, timeout)
}

func (t *Transport) roundTrip(ctx context.Context, frameType string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}

	id := uuid.NewString()
	wait := &pendingWait{ch: make(chan json.RawMessage, 1)}

	t.mu.Lock()
	if t.st != stateLive || t.conn == nil {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := t.conn
	t.pending[id] = wait
	t.mu.Unlock()

	if err := t.writeJSON(conn, pingFrame{Type: frameType, ID: id}); err != nil {
		t.removePending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-wait.ch:
		if !ok {
			return nil, ErrSocketClosed
		}
		return payload, nil
	case <-timer.C:
		t.removePending(id)
		return nil, ErrPingTimeout
	case <-ctx.Done():
		t.removePending(id)
		return nil, ctx.Err()
	}
}

// SendResponse answers a forwarded CDP command. errMsg, when non-empty,
// takes the place of the result.
func (t *Transport) SendResponse(id int64, result any, errMsg string) error {
	resp := cdpResponse{ID: id, Error: errMsg}
	if errMsg == "" {
		resp.Result = result
	}
	return t.sendLive(resp)
}

// SendEvent forwards a CDP event to the relay.
func (t *Transport) SendEvent(method string, params any, sessionID target.SessionID) error {
	return t.sendLive(cdpEventFrame{
		Method: MethodForwardCDPEvent,
		Params: cdpEventParams{Method: method, Params: params, SessionID: sessionID},
	})
}

// SendAnnotationMessage sends a frame on the annotation channel.
func (t *Transport) SendAnnotationMessage(msgType string, payload any) error {
	if !strings.HasPrefix(msgType, annotationPrefix) {
		return fmt.Errorf("not an annotation message type: %s", msgType)
	}
	return t.sendLive(typedFrame{Type: msgType, Payload: payload})
}

// SendOpsMessage sends an ops-runtime envelope.
func (t *Transport) SendOpsMessage(msgType string, payload any) error {
	if !strings.HasPrefix(msgType, opsPrefix) {
		return fmt.Errorf("not an ops message type: %s", msgType)
	}
	return t.sendLive(typedFrame{Type: msgType, Payload: payload})
}

func (t *Transport) sendLive(v any) error {
	t.mu.Lock()
	if t.st != stateLive || t.conn == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	conn := t.conn
	t.mu.Unlock()
	return t.writeJSON(conn, v)
}

func (t *Transport) writeJSON(conn *websocket.Conn, v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (t *Transport) removePending(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// readLoop pumps inbound frames until the socket dies, then runs close
// handling with the observed (or locally intended) close code.
func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
				reason = closeErr.Text
			}
			t.handleClose(conn, code, reason)
			return
		}
		t.dispatch(conn, data)
	}
}

func (t *Transport) dispatch(conn *websocket.Conn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return // not JSON: drop
	}

	switch {
	case env.Type == TypeHandshakeAck:
		t.handleAck(conn, data)

	case env.Type == TypePong, env.Type == TypeHealthCheckResult:
		var frame pingFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		t.mu.Lock()
		wait := t.pending[frame.ID]
		delete(t.pending, frame.ID)
		t.mu.Unlock()
		if wait != nil {
			wait.ch <- frame.Payload
		}
		// Unmatched pongs are ignored.

	case env.Type == TypePing:
		var frame pingFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		_ = t.writeJSON(conn, pingFrame{Type: TypePong, ID: frame.ID})

	case env.Method == MethodForwardCDPCommand:
		var id int64
		_ = json.Unmarshal(env.ID, &id)
		var params cdpCommandParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return
		}
		t.mu.Lock()
		h := t.onCDPCommand
		t.mu.Unlock()
		if h != nil {
			h(&CDPCommand{
				ID:        id,
				Method:    params.Method,
				Params:    params.Params,
				SessionID: params.SessionID,
			})
		}

	case strings.HasPrefix(env.Type, annotationPrefix):
		t.mu.Lock()
		h := t.onAnnotation
		t.mu.Unlock()
		if h != nil {
			h(json.RawMessage(data))
		}

	case strings.HasPrefix(env.Type, opsPrefix):
		t.mu.Lock()
		h := t.onOps
		t.mu.Unlock()
		if h != nil {
			h(json.RawMessage(data))
		}

	default:
		// Unrecognized frames are dropped, not errors.
	}
}

func (t *Transport) handleAck(conn *websocket.Conn, data []byte) {
	ack, valid := parseAck(data)

	t.mu.Lock()
	ackCh, ackErr := t.ackCh, t.ackErr
	if !valid {
		t.mu.Unlock()
		// Structural validation happens before the ack is trusted: close
		// with a protocol error and leave the cached ack unset.
		if ackErr != nil {
			select {
			case ackErr <- ErrInvalidAck:
			default:
			}
		}
		t.closeWithCode(CloseProtocolError, "invalid handshake ack")
		return
	}

	t.ack = ack
	t.st = stateLive
	t.ackCh = nil
	t.ackErr = nil
	t.mu.Unlock()

	if ackCh != nil {
		select {
		case ackCh <- ack:
		default:
		}
	}
}

// closeWithCode records the local close intent, sends a close control
// frame, and tears the socket down. The read loop observes the resulting
// error and funnels into handleClose.
func (t *Transport) closeWithCode(code int, reason string) {
	t.mu.Lock()
	conn := t.conn
	if conn == nil || t.st == stateClosed {
		t.mu.Unlock()
		return
	}
	t.localCloseCode = code
	t.localCloseReason = reason
	t.mu.Unlock()

	t.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	t.writeMu.Unlock()
	_ = conn.Close()
}

func (t *Transport) handleClose(conn *websocket.Conn, code int, reason string) {
	t.mu.Lock()
	if t.conn != conn || t.st == stateClosed {
		t.mu.Unlock()
		return
	}
	t.st = stateClosed
	t.conn = nil
	t.ack = nil

	if t.localCloseCode != 0 {
		code = t.localCloseCode
		reason = t.localCloseReason
	}

	ackErr := t.ackErr
	t.ackCh = nil
	t.ackErr = nil

	pending := t.pending
	t.pending = make(map[string]*pendingWait)

	var onClose CloseHandler
	if !t.closeFired {
		t.closeFired = true
		onClose = t.onClose
	}
	t.mu.Unlock()

	if ackErr != nil {
		select {
		case ackErr <- ErrClosedBeforeAck:
		default:
		}
	}
	for _, wait := range pending {
		close(wait.ch)
	}
	if onClose != nil {
		onClose(code, reason)
	}
}
