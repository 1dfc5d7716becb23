package nativehost

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tabwire/tabwire/internal/defaults"
)

// authWindow bounds how long a fresh socket client has to present its
// auth line before being dropped.
const authWindow = 5 * time.Second

// Error codes on bridge replies.
const (
	CodeUnauthorized    = "unauthorized"
	CodeDisconnect      = "host_disconnect"
	CodeInvalidJSON     = "invalid_json"
	CodeMessageTooLarge = "host_message_too_large"
)

// authLine is the first line every socket client must send.
type authLine struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// authAck confirms an accepted auth line.
type authAck struct {
	Type string `json:"type"`
}

// bridgeError is the reply shape for every bridge-originated failure.
type bridgeError struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error,omitempty"`
}

// BridgeConfig wires a Bridge. In/Out are the native messaging stdio
// pipes; both default to os.Stdin/os.Stdout.
type BridgeConfig struct {
	In         io.Reader
	Out        io.Writer
	SocketPath string
	TokenPath  string
	Logger     *slog.Logger
}

// Bridge re-exposes the browser's native messaging channel on a local
// unix socket. Exactly one authenticated client holds the slot; a newer
// client evicts the older one.
type Bridge struct {
	in     io.Reader
	out    io.Writer
	outMu  sync.Mutex
	logger *slog.Logger

	socketPath string
	tokenPath  string
	token      []byte

	mu       sync.Mutex
	listener net.Listener
	client   net.Conn
	closed   bool
}

// DefaultSocketPath returns the per-process socket path. Binding the
// path to the pid keeps concurrent browser profiles from colliding.
func DefaultSocketPath() string {
	dir := os.TempDir()
	if runtime := os.Getenv("XDG_RUNTIME_DIR"); runtime != "" {
		dir = runtime
	}
	return filepath.Join(dir, fmt.Sprintf("tabwire-host-%d.sock", os.Getpid()))
}

// DefaultTokenPath returns the bridge token file in the data dir,
// falling back to the temp dir when no home is resolvable.
func DefaultTokenPath() string {
	dir, err := defaults.DataDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "host-token")
}

// NewBridge mints a fresh session token, writes it to the token file
// with 0600 permissions, and prepares the bridge. Run starts it.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}
	if cfg.TokenPath == "" {
		cfg.TokenPath = DefaultTokenPath()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("minting bridge token: %w", err)
	}
	token := []byte(hex.EncodeToString(raw))

	if err := os.MkdirAll(filepath.Dir(cfg.TokenPath), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(cfg.TokenPath, token, 0o600); err != nil {
		return nil, fmt.Errorf("writing bridge token: %w", err)
	}

	return &Bridge{
		in:         cfg.In,
		out:        cfg.Out,
		logger:     cfg.Logger,
		socketPath: cfg.SocketPath,
		tokenPath:  cfg.TokenPath,
		token:      token,
	}, nil
}

// SocketPath returns the socket path clients should dial.
func (b *Bridge) SocketPath() string { return b.socketPath }

// Token returns the session token. Used by in-process clients and tests.
func (b *Bridge) Token() string { return string(b.token) }

// Run listens on the unix socket and pumps frames in both directions
// until ctx is canceled or the browser closes its end of the pipe.
// Cleanup order on the way out: stop accepting, drop the client, unlink
// the socket, then remove the token file.
func (b *Bridge) Run(ctx context.Context) error {
	_ = os.Remove(b.socketPath)
	listener, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return fmt.Errorf("binding bridge socket: %w", err)
	}
	if err := os.Chmod(b.socketPath, 0o600); err != nil {
		listener.Close()
		return err
	}

	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	go b.acceptLoop(listener)

	err = b.pumpBrowser()
	b.Close()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close tears the bridge down. Idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	listener := b.listener
	client := b.client
	b.client = nil
	b.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	if client != nil {
		client.Close()
	}
	_ = os.Remove(b.socketPath)
	_ = os.Remove(b.tokenPath)
}

func (b *Bridge) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go b.handleClient(conn)
	}
}

func (b *Bridge) handleClient(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(authWindow))
	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var auth authLine
	if err := json.Unmarshal(line, &auth); err != nil || auth.Type != "auth" ||
		subtle.ConstantTimeCompare([]byte(auth.Token), b.token) != 1 {
		writeLine(conn, bridgeError{Type: "error", Code: CodeUnauthorized, Error: "bad auth"})
		conn.Close()
		b.logger.Warn("bridge client rejected", "remote", conn.RemoteAddr())
		return
	}

	// Take the slot, evicting any previous holder.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	prev := b.client
	b.client = conn
	b.mu.Unlock()

	if prev != nil {
		writeLine(prev, bridgeError{Type: "error", Code: CodeDisconnect, Error: "replaced by newer client"})
		prev.Close()
		b.logger.Info("bridge client evicted")
	}
	writeLine(conn, authAck{Type: "auth_ok"})
	b.logger.Info("bridge client attached")

	b.pumpClient(conn, reader)

	b.mu.Lock()
	if b.client == conn {
		b.client = nil
	}
	b.mu.Unlock()
	conn.Close()
}

// pumpClient forwards newline-delimited JSON lines from the socket
// client to the browser pipe. A line past the frame cap is drained to
// its newline and answered with host_message_too_large; the connection
// stays up.
func (b *Bridge) pumpClient(conn net.Conn, reader *bufio.Reader) {
	var line []byte
	tooLong := false
	for {
		chunk, err := reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			if !tooLong {
				line = append(line, chunk...)
				if len(line) > MaxFrameSize {
					line = nil
					tooLong = true
				}
			}
			continue
		}
		if err != nil {
			return
		}
		if tooLong {
			tooLong = false
			writeLine(conn, bridgeError{Type: "error", Code: CodeMessageTooLarge, Error: "message exceeds 8 MiB"})
			continue
		}

		line = append(line, chunk[:len(chunk)-1]...)
		body := line
		line = nil
		if len(body) == 0 {
			continue
		}
		if len(body) > MaxFrameSize {
			writeLine(conn, bridgeError{Type: "error", Code: CodeMessageTooLarge, Error: "message exceeds 8 MiB"})
			continue
		}
		if !json.Valid(body) {
			writeLine(conn, bridgeError{Type: "error", Code: CodeInvalidJSON, Error: "line is not valid JSON"})
			continue
		}
		if err := b.writeBrowser(body); err != nil {
			b.logger.Warn("browser pipe write failed", "error", err)
			return
		}
	}
}

// pumpBrowser forwards framed messages from the browser pipe to the
// current socket client, answering pings itself so liveness does not
// depend on a client being attached.
func (b *Bridge) pumpBrowser() error {
	for {
		body, err := ReadFrame(b.in)
		if errors.Is(err, ErrFrameTooLarge) {
			// Frame drained by ReadFrame; report and keep going.
			_ = b.writeBrowser(mustJSON(bridgeError{Type: "error", Code: CodeMessageTooLarge, Error: "message exceeds 8 MiB"}))
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var head struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if json.Unmarshal(body, &head) == nil && head.Type == "ping" {
			_ = b.writeBrowser(mustJSON(map[string]any{"type": "pong", "id": head.ID}))
			continue
		}

		b.mu.Lock()
		client := b.client
		b.mu.Unlock()
		if client == nil {
			continue
		}
		if _, err := client.Write(append(body, '\n')); err != nil {
			b.logger.Warn("bridge client write failed", "error", err)
		}
	}
}

func (b *Bridge) writeBrowser(body []byte) error {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	return WriteFrame(b.out, body)
}

func writeLine(conn net.Conn, v any) {
	_, _ = conn.Write(append(mustJSON(v), '\n'))
}

func mustJSON(v any) []byte {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return body
}
