package nativehost

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHostPingTimeout bounds how long Ping waits for a pong.
const DefaultHostPingTimeout = 1500 * time.Millisecond

// PortStatus is the observable connection state of a PortManager.
type PortStatus string

const (
	PortDisconnected PortStatus = "disconnected"
	PortConnecting   PortStatus = "connecting"
	PortConnected    PortStatus = "connected"
	PortError        PortStatus = "error"
)

// Normalized error codes surfaced through PortHealth.Err. Raw transport
// errors never leak past this layer.
const (
	ErrCodeNotInstalled    = "host_not_installed"
	ErrCodeForbidden       = "host_forbidden"
	ErrCodeDisconnect      = CodeDisconnect
	ErrCodeMessageTooLarge = CodeMessageTooLarge
	ErrCodeTimeout         = "host_timeout"
	ErrCodeUnknown         = "unknown"
)

// sendQueueLimit caps how many messages pile up while disconnected.
const sendQueueLimit = 64

// ErrPortNotConnected is returned by Ping when no connection exists.
var ErrPortNotConnected = errors.New("native port not connected")

// ErrSendQueueFull is returned by Send when the disconnected-state queue
// is at capacity.
var ErrSendQueueFull = errors.New("native send queue full")

// HostError is a normalized bridge failure.
type HostError struct {
	Code   string
	Detail string
}

func (e *HostError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// PortHealth is a point-in-time snapshot of the port.
type PortHealth struct {
	Status     PortStatus `json:"status"`
	Err        string     `json:"err,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	LastPongAt time.Time  `json:"lastPongAt,omitempty"`
}

// MessageHandler receives every non-control line from the bridge.
type MessageHandler func(msg json.RawMessage)

type dialAttempt struct {
	done chan struct{}
	err  error
}

// PortManager maintains a single authenticated connection to the bridge
// socket. Connect is idempotent: concurrent callers share one attempt.
// Sends issued while disconnected are queued and flushed in order once a
// connection is up.
type PortManager struct {
	socketPath string
	token      string
	logger     *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	inflight  *dialAttempt
	queue     [][]byte
	health    PortHealth
	onMessage MessageHandler
	pending   map[string]chan struct{}
}

// NewPortManager creates a manager for the bridge at socketPath.
func NewPortManager(socketPath, token string, logger *slog.Logger) *PortManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortManager{
		socketPath: socketPath,
		token:      token,
		logger:     logger,
		health:     PortHealth{Status: PortDisconnected},
		pending:    make(map[string]chan struct{}),
	}
}

// OnMessage sets the handler for bridge messages. At most one handler;
// the returned func unregisters it.
func (p *PortManager) OnMessage(h MessageHandler) func() {
	p.mu.Lock()
	p.onMessage = h
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.onMessage = nil
		p.mu.Unlock()
	}
}

// Health returns the current port snapshot.
func (p *PortManager) Health() PortHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

// Connect establishes the socket connection and authenticates. Calling
// it while already connected is a no-op; calling it while an attempt is
// in flight joins that attempt.
func (p *PortManager) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		return nil
	}
	if p.inflight != nil {
		attempt := p.inflight
		p.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &dialAttempt{done: make(chan struct{})}
	p.inflight = attempt
	p.health = PortHealth{Status: PortConnecting}
	p.mu.Unlock()

	conn, err := p.dial(ctx)

	p.mu.Lock()
	p.inflight = nil
	if err != nil {
		// Queued sends survive the failed attempt; they flush on the
		// next successful Connect.
		p.health = healthFromError(err)
		p.mu.Unlock()
		attempt.err = err
		close(attempt.done)
		return err
	}
	p.conn = conn
	p.health = PortHealth{Status: PortConnected}
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()

	go p.readLoop(conn)

	// Ordered flush of everything queued while disconnected.
	for _, line := range queued {
		if _, werr := conn.Write(line); werr != nil {
			p.dropConn(conn, &HostError{Code: ErrCodeUnknown, Detail: werr.Error()})
			break
		}
	}

	close(attempt.done)
	return nil
}

func (p *PortManager) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", p.socketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || isConnRefused(err) {
			return nil, &HostError{Code: ErrCodeNotInstalled, Detail: "bridge socket unavailable"}
		}
		return nil, &HostError{Code: ErrCodeUnknown, Detail: err.Error()}
	}
	auth, _ := json.Marshal(authLine{Type: "auth", Token: p.token})
	if _, err := conn.Write(append(auth, '\n')); err != nil {
		conn.Close()
		return nil, &HostError{Code: ErrCodeUnknown, Detail: err.Error()}
	}
	return conn, nil
}

// Send writes one JSON message to the bridge. While disconnected the
// message is queued, bounded, and flushed in order once a connection is
// up; only queue overflow rejects.
func (p *PortManager) Send(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return &HostError{Code: ErrCodeMessageTooLarge, Detail: "message exceeds 8 MiB"}
	}
	line := append(body, '\n')

	p.mu.Lock()
	if p.conn != nil {
		conn := p.conn
		p.mu.Unlock()
		if _, err := conn.Write(line); err != nil {
			p.dropConn(conn, &HostError{Code: ErrCodeUnknown, Detail: err.Error()})
			return &HostError{Code: ErrCodeUnknown, Detail: err.Error()}
		}
		return nil
	}
	if len(p.queue) >= sendQueueLimit {
		p.mu.Unlock()
		return ErrSendQueueFull
	}
	p.queue = append(p.queue, line)
	p.mu.Unlock()
	return nil
}

// Ping sends a correlated ping and waits for its pong. A miss within the
// timeout surfaces as host_timeout in both the error and the health
// snapshot.
func (p *PortManager) Ping(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHostPingTimeout
	}
	id := uuid.NewString()
	pong := make(chan struct{}, 1)

	p.mu.Lock()
	if p.conn == nil {
		p.mu.Unlock()
		return ErrPortNotConnected
	}
	p.pending[id] = pong
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.Send(map[string]string{"type": "ping", "id": id}); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case _, ok := <-pong:
		if !ok {
			// Channel closed by a connection drop, not answered.
			return &HostError{Code: ErrCodeDisconnect, Detail: "connection dropped while waiting for pong"}
		}
		p.mu.Lock()
		p.health.LastPongAt = time.Now()
		p.mu.Unlock()
		return nil
	case <-timer.C:
		hostErr := &HostError{Code: ErrCodeTimeout, Detail: "no pong within timeout"}
		p.mu.Lock()
		if p.health.Status == PortConnected {
			p.health.Err = hostErr.Code
			p.health.Detail = hostErr.Detail
		}
		p.mu.Unlock()
		return hostErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drops the connection.
func (p *PortManager) Close() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.queue = nil
	p.health = PortHealth{Status: PortDisconnected}
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (p *PortManager) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameSize+1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var head struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Code string `json:"code"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			continue
		}

		switch head.Type {
		case "auth_ok":
			// Auth confirmation, not a payload.
		case "pong":
			p.mu.Lock()
			if ch, ok := p.pending[head.ID]; ok {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			p.health.LastPongAt = time.Now()
			p.mu.Unlock()
		case "error":
			hostErr := &HostError{Code: normalizeCode(head.Code), Detail: string(line)}
			p.dropConn(conn, hostErr)
			return
		default:
			p.mu.Lock()
			handler := p.onMessage
			p.mu.Unlock()
			if handler != nil {
				msg := make(json.RawMessage, len(line))
				copy(msg, line)
				handler(msg)
			}
		}
	}

	err := scanner.Err()
	if err == nil || errors.Is(err, io.EOF) {
		p.dropConn(conn, &HostError{Code: ErrCodeDisconnect, Detail: "bridge closed the connection"})
		return
	}
	p.dropConn(conn, &HostError{Code: ErrCodeUnknown, Detail: err.Error()})
}

func (p *PortManager) dropConn(conn net.Conn, hostErr *HostError) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.health = healthFromError(hostErr)
	pending := p.pending
	p.pending = make(map[string]chan struct{})
	p.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	p.logger.Debug("native port dropped", "code", hostErr.Code)
}

func healthFromError(err error) PortHealth {
	var hostErr *HostError
	if errors.As(err, &hostErr) {
		return PortHealth{Status: PortError, Err: hostErr.Code, Detail: hostErr.Detail}
	}
	return PortHealth{Status: PortError, Err: ErrCodeUnknown, Detail: err.Error()}
}

// normalizeCode maps bridge wire codes onto the fixed PortHealth set.
// The bridge's auth rejection travels as "unauthorized"; everything
// outside the set collapses to unknown.
func normalizeCode(code string) string {
	switch code {
	case ErrCodeNotInstalled, ErrCodeForbidden, ErrCodeDisconnect, ErrCodeMessageTooLarge, ErrCodeTimeout:
		return code
	case CodeUnauthorized:
		return ErrCodeForbidden
	default:
		return ErrCodeUnknown
	}
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Syscall == "connect"
		}
	}
	return false
}
