// Package relayhost runs the local relay: a loopback-only HTTP server
// exposing pairing/discovery endpoints, the extension WebSocket the
// transport client connects to, and a CDP WebSocket for automation
// clients. One extension connection at a time; CDP clients fan out
// through per-client event topics.
package relayhost

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tabwire/tabwire/internal/defaults"
	"github.com/tabwire/tabwire/internal/events"
	"github.com/tabwire/tabwire/internal/httputil"
	"github.com/tabwire/tabwire/internal/relay"
)

const (
	// AuthHeader carries the relay token on CDP/HTTP requests.
	AuthHeader = "x-tabwire-relay-token"

	// DefaultPort is the well-known discovery/relay port.
	DefaultPort = 8787

	// handshakeWindow bounds how long a fresh extension socket may sit
	// silent before its first (handshake) frame.
	handshakeWindow = 5 * time.Second

	// Handshake attempt cap per source address.
	attemptLimit  = 3
	attemptWindow = 30 * time.Second
)

// Config configures a relay host instance.
type Config struct {
	Host            string // default 127.0.0.1
	Port            int    // default 8787
	PairingRequired bool
	StateDir        string // default: platform data dir
	Logger          *slog.Logger
}

// ConnectedTarget is a tab attached through the extension connection.
type ConnectedTarget struct {
	SessionID  target.SessionID `json:"sessionId"`
	TargetID   target.ID        `json:"targetId"`
	TargetInfo *target.Info     `json:"targetInfo"`
}

type cdpClientState struct {
	ws           *websocket.Conn
	clientID     string
	subscription events.Subscription
}

type pendingRequest struct {
	resolve chan json.RawMessage
	reject  chan error
	timer   *time.Timer
}

// Relay is one relay host instance. Explicitly constructed; tests run
// several on ephemeral ports.
type Relay struct {
	mu      sync.RWMutex
	writeMu sync.Mutex // serializes writes to extensionWS

	cfg        Config
	instanceID string
	epoch      int64
	pairToken  string

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	extensionWS *websocket.Conn
	extensionHS *relay.Handshake

	cdpClients map[string]*cdpClientState
	cdpEvents  *events.Subject

	connectedTargets map[target.SessionID]*ConnectedTarget

	pendingRequests map[int64]*pendingRequest
	nextRequestID   int64

	attempts map[string][]time.Time

	stopped bool
}

// New creates a relay host, advancing the persisted epoch so that every
// process restart invalidates previously issued pairing tokens.
func New(cfg Config) (*Relay, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	epoch, err := nextEpoch(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("advance relay epoch: %w", err)
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, err
	}

	r := &Relay{
		cfg:              cfg,
		instanceID:       uuid.NewString(),
		epoch:            epoch,
		pairToken:        base64.URLEncoding.EncodeToString(tokenBytes),
		cdpClients:       make(map[string]*cdpClientState),
		cdpEvents:        events.NewSubject(events.WithSyncDelivery(), events.WithBufferSize(256), events.WithLogger(cfg.Logger)),
		connectedTargets: make(map[target.SessionID]*ConnectedTarget),
		pendingRequests:  make(map[int64]*pendingRequest),
		attempts:         make(map[string][]time.Time),
		nextRequestID:    1,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(req *http.Request) bool {
				origin := req.Header.Get("Origin")
				// Browser extensions and direct local connections only.
				if strings.HasPrefix(origin, "chrome-extension://") {
					return true
				}
				if origin == "" {
					return true
				}
				return strings.Contains(origin, "127.0.0.1") || strings.Contains(origin, "localhost")
			},
		},
	}
	return r, nil
}

// InstanceID returns the per-process relay instance id.
func (r *Relay) InstanceID() string { return r.instanceID }

// Epoch returns the relay's current epoch.
func (r *Relay) Epoch() int64 { return r.epoch }

// PairingToken returns the token minted for this epoch.
func (r *Relay) PairingToken() string { return r.pairToken }

// Port returns the configured (or bound) port.
func (r *Relay) Port() int {
	if r.listener != nil {
		if addr, ok := r.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return r.cfg.Port
}

// Start binds the listener and serves in the background.
func (r *Relay) Start() error {
	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", addr, err)
	}
	r.listener = listener
	r.server = &http.Server{Addr: addr, Handler: r.Handler()}

	go func() {
		if err := r.server.Serve(listener); err != http.ErrServerClosed {
			r.cfg.Logger.Error("relay server error", "error", err)
		}
	}()

	r.cfg.Logger.Info("relay host started",
		"addr", addr,
		"instance_id", r.instanceID,
		"epoch", r.epoch,
		"pairing_required", r.cfg.PairingRequired)
	return nil
}

// Stop shuts down the relay, dropping the extension and all CDP clients.
func (r *Relay) Stop() error {
	r.mu.Lock()
	r.stopped = true
	if r.extensionWS != nil {
		r.extensionWS.Close()
		r.extensionWS = nil
	}
	for id, client := range r.cdpClients {
		client.subscription.Unsubscribe()
		client.ws.Close()
		delete(r.cdpClients, id)
	}
	for id, req := range r.pendingRequests {
		req.timer.Stop()
		req.reject <- fmt.Errorf("relay stopped")
		delete(r.pendingRequests, id)
	}
	r.mu.Unlock()

	events.Complete(r.cdpEvents)

	if r.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.server.Shutdown(ctx)
}

// ExtensionConnected reports whether an extension transport is attached.
func (r *Relay) ExtensionConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.extensionWS != nil
}

// Handler returns the chi router so the relay can also be mounted on an
// existing server.
func (r *Relay) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get("/", r.handleRoot)
	router.Head("/", r.handleRoot)
	router.Get("/config", r.handleConfig)
	router.Get("/pair", r.handlePair)
	router.Get("/extension/status", r.handleExtensionStatus)
	router.Get("/json/version", r.handleJSONVersion)
	router.Get("/json/list", r.handleJSONList)
	router.HandleFunc("/extension", r.handleExtensionWS)
	router.HandleFunc("/cdp", r.handleCdpWS)
	return router
}

// HTTP handlers

func (r *Relay) handleRoot(w http.ResponseWriter, req *http.Request) {
	w.Write([]byte("OK"))
}

// handleConfig is the discovery endpoint the orchestrator polls.
func (r *Relay) handleConfig(w http.ResponseWriter, req *http.Request) {
	if !requireLoopback(w, req) {
		return
	}
	httputil.OkJSON(w, map[string]any{
		"relayPort":       r.Port(),
		"pairingRequired": r.cfg.PairingRequired,
		"instanceId":      r.instanceID,
		"epoch":           r.epoch,
	})
}

// handlePair issues the pairing token for the current epoch.
func (r *Relay) handlePair(w http.ResponseWriter, req *http.Request) {
	if !requireLoopback(w, req) {
		return
	}
	httputil.OkJSON(w, map[string]any{
		"token":      r.pairToken,
		"instanceId": r.instanceID,
		"epoch":      r.epoch,
	})
}

func (r *Relay) handleExtensionStatus(w http.ResponseWriter, req *http.Request) {
	httputil.OkJSON(w, map[string]any{
		"connected": r.ExtensionConnected(),
		"port":      r.Port(),
	})
}

func (r *Relay) handleJSONVersion(w http.ResponseWriter, req *http.Request) {
	if !r.checkAuth(w, req) {
		return
	}
	payload := map[string]any{
		"Browser":          "Tabwire/relay",
		"Protocol-Version": "1.3",
	}
	if r.ExtensionConnected() {
		payload["webSocketDebuggerUrl"] = r.cdpURL()
	}
	httputil.OkJSON(w, payload)
}

func (r *Relay) handleJSONList(w http.ResponseWriter, req *http.Request) {
	if !r.checkAuth(w, req) {
		return
	}
	r.mu.RLock()
	list := make([]map[string]string, 0, len(r.connectedTargets))
	for _, t := range r.connectedTargets {
		list = append(list, map[string]string{
			"id":                   string(t.TargetID),
			"type":                 t.TargetInfo.Type,
			"title":                t.TargetInfo.Title,
			"url":                  t.TargetInfo.URL,
			"webSocketDebuggerUrl": r.cdpURL(),
		})
	}
	r.mu.RUnlock()
	httputil.OkJSON(w, list)
}

func (r *Relay) cdpURL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/cdp", r.Port())
}

// checkAuth gates the CDP-facing HTTP surface. Loopback callers may omit
// the token; a wrong token is rejected regardless. Comparison is
// timing-safe.
func (r *Relay) checkAuth(w http.ResponseWriter, req *http.Request) bool {
	token := req.Header.Get(AuthHeader)
	if isLoopbackAddr(req.RemoteAddr) {
		if token == "" || tokenEqual(token, r.pairToken) {
			return true
		}
		httputil.Unauthorized(w, "")
		return false
	}
	if !tokenEqual(token, r.pairToken) {
		httputil.Unauthorized(w, "")
		return false
	}
	return true
}

// allowHandshakeAttempt enforces the per-source handshake attempt cap.
func (r *Relay) allowHandshakeAttempt(source string) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	recent := r.attempts[source][:0]
	for _, at := range r.attempts[source] {
		if now.Sub(at) < attemptWindow {
			recent = append(recent, at)
		}
	}
	if len(recent) >= attemptLimit {
		r.attempts[source] = recent
		return false
	}
	r.attempts[source] = append(recent, now)
	return true
}

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requireLoopback(w http.ResponseWriter, req *http.Request) bool {
	if !isLoopbackAddr(req.RemoteAddr) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func isLoopbackAddr(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	if host == "127.0.0.1" || strings.HasPrefix(host, "127.") {
		return true
	}
	if host == "::1" || strings.HasPrefix(host, "::ffff:127.") {
		return true
	}
	return false
}

// Epoch persistence: a counter file in the data dir, bumped once per
// process start.

type epochState struct {
	Epoch int64 `json:"epoch"`
}

func nextEpoch(stateDir string) (int64, error) {
	if stateDir == "" {
		dir, err := defaults.EnsureDataDir()
		if err != nil {
			return 0, err
		}
		stateDir = dir
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return 0, err
	}
	path := filepath.Join(stateDir, "relayhost.json")

	var st epochState
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &st)
	}
	st.Epoch++

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return 0, err
	}
	return st.Epoch, nil
}
