// Package connect owns the pairing/credential lifecycle: it discovers the
// local relay, keeps cached identity and pairing tokens consistent across
// relay restarts, and drives the relay transport with automatic,
// backoff-scheduled retries.
package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tabwire/tabwire/internal/relay"
	"github.com/tabwire/tabwire/internal/relayhost"
	"github.com/tabwire/tabwire/internal/store"
)

// ConnectionState is owned exclusively by the orchestrator. It changes
// only through explicit connect/disconnect calls or transport-reported
// close events.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// Retry policy for discovery/pairing failures.
const (
	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 60 * time.Second
)

// User-facing status notes. Short, token-free, renderable as-is.
const (
	NoteConfigUnreachable = "Relay config unreachable. Is the relay running?"
	NoteRelayRestarted    = "Relay restarted. Refresh the connection."
	NoteInstanceMismatch  = "Relay instance mismatch. Reconnect explicitly to pair again."
	NotePairingFailed     = "Pairing failed. Retrying shortly."
	NotePairingDisabled   = "Pairing required but auto-pair is off."
	NoteConnectFailed     = "Relay connection failed. Retrying shortly."
)

// ErrInstanceMismatch halts auto-connect until the user acts.
var ErrInstanceMismatch = errors.New("relay instance mismatch")

// Transport is the slice of the relay transport the orchestrator drives.
type Transport interface {
	Connect(ctx context.Context, hs relay.Handshake) (*relay.HandshakeAck, error)
	OnClose(h relay.CloseHandler) func()
	Connected() bool
	Close()
}

// Options configures an Orchestrator.
type Options struct {
	Store *store.Store

	// Handshake metadata for the tab this agent fronts.
	TabID int64
	URL   string
	Title string

	// DiscoveryPort is the well-known local discovery port.
	// Defaults to relayhost.DefaultPort.
	DiscoveryPort int

	// HTTPClient performs discovery/pairing fetches. Defaults to a
	// client with a 3s timeout; discovery is loopback-only.
	HTTPClient *http.Client

	// NewTransport builds a transport for a relay WebSocket URL.
	// Defaults to relay.NewTransport.
	NewTransport func(url string) Transport

	Logger *slog.Logger

	// OnStatus receives user-facing status notes. At most one handler.
	OnStatus func(note string)
}

// Orchestrator is an explicitly constructed, injectable service with a
// documented lifecycle: New, Start, AttemptAutoConnect/Connect,
// Disconnect, Stop.
type Orchestrator struct {
	mu sync.Mutex

	store         *store.Store
	tabID         int64
	url, title    string
	discoveryPort int
	httpClient    *http.Client
	newTransport  func(url string) Transport
	logger        *slog.Logger
	onStatus      func(note string)

	state     ConnectionState
	transport Transport

	inFlight   bool
	retryTimer *time.Timer
	watcher    *fsnotify.Watcher
	debounce   *time.Timer
	stopped    bool
}

// New creates an orchestrator. The store is required.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("connect: store is required")
	}
	if opts.DiscoveryPort == 0 {
		opts.DiscoveryPort = relayhost.DefaultPort
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 3 * time.Second}
	}
	if opts.NewTransport == nil {
		opts.NewTransport = func(url string) Transport { return relay.NewTransport(url) }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Orchestrator{
		store:         opts.Store,
		tabID:         opts.TabID,
		url:           opts.URL,
		title:         opts.Title,
		discoveryPort: opts.DiscoveryPort,
		httpClient:    opts.HTTPClient,
		newTransport:  opts.NewTransport,
		logger:        opts.Logger,
		onStatus:      opts.OnStatus,
		state:         StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (o *Orchestrator) State() ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// StatusNote returns the last persisted user-facing note.
func (o *Orchestrator) StatusNote() string {
	return o.store.Get().LastStatusNote
}

// Start resumes any persisted retry schedule and begins watching the
// settings file so external edits re-trigger auto-connect. The persisted
// schedule is what lets retries survive process eviction: a restarted
// process picks up where the timer would have fired.
func (o *Orchestrator) Start(ctx context.Context) error {
	st := o.store.Get()
	if st.NextRetryAt > 0 {
		due := time.UnixMilli(st.NextRetryAt)
		delay := time.Until(due)
		if delay < 0 {
			delay = 0
		}
		o.mu.Lock()
		o.retryTimer = time.AfterFunc(delay, func() {
			_ = o.AttemptAutoConnect(context.Background())
		})
		o.mu.Unlock()
	} else if st.AutoConnect {
		go func() { _ = o.AttemptAutoConnect(ctx) }()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors and the store itself replace the file.
	if err := watcher.Add(filepath.Dir(o.store.Path())); err != nil {
		watcher.Close()
		return err
	}
	o.mu.Lock()
	o.watcher = watcher
	o.mu.Unlock()

	go o.watchLoop(watcher)
	return nil
}

func (o *Orchestrator) watchLoop(watcher *fsnotify.Watcher) {
	settingsName := filepath.Base(o.store.Path())
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != settingsName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			o.mu.Lock()
			if o.debounce != nil {
				o.debounce.Stop()
			}
			o.debounce = time.AfterFunc(300*time.Millisecond, o.onSettingsChanged)
			o.mu.Unlock()
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// onSettingsChanged re-runs auto-connect after external settings edits.
// Writes made by a pending retry schedule are ignored so the backoff is
// not collapsed into a tight loop.
func (o *Orchestrator) onSettingsChanged() {
	_ = o.store.Reload()
	st := o.store.Get()
	if st.NextRetryAt > time.Now().UnixMilli() {
		return
	}
	if o.State() == StateConnected {
		return
	}
	_ = o.AttemptAutoConnect(context.Background())
}

// Stop cancels timers, the watcher, and any live connection.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	if o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
	watcher := o.watcher
	o.watcher = nil
	transport := o.transport
	o.transport = nil
	o.state = StateDisconnected
	o.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	if transport != nil {
		transport.Close()
	}
}

// Disconnect tears down the current connection and clears the retry
// schedule. Explicit user action; auto-connect resumes on the next
// trigger.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	transport := o.transport
	o.transport = nil
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.state = StateDisconnected
	o.mu.Unlock()

	if transport != nil {
		transport.Close()
	}
	_ = o.store.Update(func(st *store.State) {
		st.NextRetryAt = 0
		st.RetryDelayMs = 0
		st.AutoConnectHalted = false
	})
}

// AttemptAutoConnect runs the full discovery/pairing/connect sequence,
// honoring the autoConnect flag and the instance-mismatch halt.
// Discovery and pairing failures are
// converted into a backoff retry and a status note; identity mismatches
// and transport failures are returned to the caller as well.
func (o *Orchestrator) AttemptAutoConnect(ctx context.Context) error {
	return o.attempt(ctx, false)
}

// Connect runs the same sequence regardless of the autoConnect and
// autoPair flags, and reports discovery and pairing failures to the
// caller instead of only parking them behind a retry.
func (o *Orchestrator) Connect(ctx context.Context) error {
	return o.attempt(ctx, true)
}

func (o *Orchestrator) attempt(ctx context.Context, force bool) error {
	// Only one attempt in flight: browser lifecycle events (startup,
	// install, storage change, alarm) all funnel through here.
	o.mu.Lock()
	if o.inFlight || o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.inFlight = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
	}()

	cached := o.store.Get()
	if !force && (!cached.AutoConnect || cached.AutoConnectHalted) {
		return nil
	}
	if force && cached.AutoConnectHalted {
		// Explicit user action lifts the instance-mismatch halt.
		if err := o.store.Update(func(st *store.State) {
			st.AutoConnectHalted = false
		}); err != nil {
			return err
		}
	}

	o.mu.Lock()
	if o.transport != nil && o.transport.Connected() {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	port := cached.RelayPort
	token := ""
	var tokenEpoch *int64

	if cached.PairingEnabled {
		cfg, err := o.discover(ctx, cached.RelayPort)
		if err != nil {
			o.logger.Debug("relay discovery failed", "error", err)
			o.setNote(NoteConfigUnreachable)
			o.scheduleRetry()
			if force {
				return fmt.Errorf("relay discovery: %w", err)
			}
			return nil
		}

		// Epoch moved: the relay restarted, every cached credential bound
		// to the old instance is dead.
		if cached.RelayEpoch != nil && cfg.Epoch != nil && *cached.RelayEpoch != *cfg.Epoch {
			if err := o.store.ClearRelayState(); err != nil {
				return err
			}
			o.setNote(NoteRelayRestarted)
			cached = o.store.Get()
		}

		// Instance changed without an epoch signal: ambiguous enough to
		// demand explicit user action instead of a silent retry. The halt
		// marker keeps the settings watcher, which fires on these very
		// writes, from re-running the attempt and silently re-pairing.
		if cached.RelayInstanceID != "" && cfg.InstanceID != "" && cached.RelayInstanceID != cfg.InstanceID {
			if err := o.store.ClearRelayState(); err != nil {
				return err
			}
			if err := o.store.Update(func(st *store.State) {
				st.AutoConnectHalted = true
			}); err != nil {
				return err
			}
			o.setNote(NoteInstanceMismatch)
			o.setState(StateError)
			return ErrInstanceMismatch
		}

		// Token bound to an older epoch: drop just the token.
		if cached.TokenEpoch != nil && cfg.Epoch != nil && *cached.TokenEpoch != *cfg.Epoch {
			if err := o.store.ClearToken(); err != nil {
				return err
			}
		}

		if err := o.store.Update(func(st *store.State) {
			st.RelayPort = cfg.RelayPort
			if cfg.InstanceID != "" {
				st.RelayInstanceID = cfg.InstanceID
			}
			if cfg.Epoch != nil {
				st.RelayEpoch = cfg.Epoch
			}
		}); err != nil {
			return err
		}

		port = cfg.RelayPort
		tokenEpoch = cfg.Epoch

		if cfg.PairingRequired {
			token = o.store.Token()
			if token == "" {
				if !force && !cached.AutoPair {
					o.setNote(NotePairingDisabled)
					o.scheduleRetry()
					return nil
				}
				pair, err := o.fetchPairingToken(ctx, cfg.RelayPort)
				if err != nil {
					o.logger.Debug("pairing fetch failed", "error", err)
					o.setNote(NotePairingFailed)
					o.scheduleRetry()
					if force {
						return fmt.Errorf("relay pairing: %w", err)
					}
					return nil
				}
				// A token minted for a different instance must never be
				// presented: same ambiguity as an instance mismatch.
				if pair.InstanceID != "" && cfg.InstanceID != "" && pair.InstanceID != cfg.InstanceID {
					if err := o.store.Update(func(st *store.State) {
						st.AutoConnectHalted = true
					}); err != nil {
						return err
					}
					o.setNote(NoteInstanceMismatch)
					o.setState(StateError)
					return ErrInstanceMismatch
				}
				if pair.Epoch != nil {
					tokenEpoch = pair.Epoch
				}
				if err := o.store.SetToken(pair.Token, tokenEpoch); err != nil {
					return err
				}
				token = pair.Token
			}
		}
	}

	if port == 0 {
		port = o.discoveryPort
	}

	o.setState(StateConnecting)
	transport := o.newTransport(fmt.Sprintf("ws://127.0.0.1:%d/extension", port))
	transport.OnClose(o.handleTransportClose)

	hs := relay.Handshake{
		TabID:        o.tabID,
		URL:          o.url,
		Title:        o.title,
		PairingToken: token,
	}
	if _, err := transport.Connect(ctx, hs); err != nil {
		// Never leave a half-connected state behind.
		transport.Close()
		o.setState(StateDisconnected)
		o.setNote(NoteConnectFailed)
		o.scheduleRetry()
		return err
	}

	o.mu.Lock()
	o.transport = transport
	o.state = StateConnected
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.mu.Unlock()

	o.logger.Info("relay connected", "port", port)
	_ = o.store.Update(func(st *store.State) {
		st.NextRetryAt = 0
		st.RetryDelayMs = 0
		st.LastStatusNote = ""
	})
	o.notify("")
	return nil
}

// CurrentTransport returns the live transport, or nil.
func (o *Orchestrator) CurrentTransport() Transport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transport
}

func (o *Orchestrator) handleTransportClose(code int, reason string) {
	o.logger.Info("relay connection closed", "code", code, "reason", reason)
	o.mu.Lock()
	o.transport = nil
	o.state = StateDisconnected
	stopped := o.stopped
	o.mu.Unlock()

	if !stopped {
		o.scheduleRetry()
	}
}

// scheduleRetry arms the next auto-connect attempt with exponential
// backoff (5s base, doubling, 60s cap). The schedule is persisted so a
// restarted process resumes it instead of hammering the relay.
func (o *Orchestrator) scheduleRetry() {
	st := o.store.Get()
	delay := time.Duration(st.RetryDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = retryBaseDelay
	}
	next := delay * 2
	if next > retryMaxDelay {
		next = retryMaxDelay
	}

	_ = o.store.Update(func(s *store.State) {
		s.NextRetryAt = time.Now().Add(delay).UnixMilli()
		s.RetryDelayMs = int64(next / time.Millisecond)
	})

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	if o.retryTimer != nil {
		o.retryTimer.Stop()
	}
	o.retryTimer = time.AfterFunc(delay, func() {
		_ = o.AttemptAutoConnect(context.Background())
	})
	o.mu.Unlock()

	o.logger.Debug("relay retry scheduled", "delay", delay)
}

func (o *Orchestrator) setState(s ConnectionState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) setNote(note string) {
	_ = o.store.Update(func(st *store.State) {
		st.LastStatusNote = note
	})
	o.notify(note)
}

func (o *Orchestrator) notify(note string) {
	o.mu.Lock()
	handler := o.onStatus
	o.mu.Unlock()
	if handler != nil {
		handler(note)
	}
}

// Discovery payloads.

type discoveredConfig struct {
	RelayPort       int    `json:"relayPort"`
	PairingRequired bool   `json:"pairingRequired"`
	InstanceID      string `json:"instanceId"`
	Epoch           *int64 `json:"epoch"`
}

type pairingGrant struct {
	Token      string `json:"token"`
	InstanceID string `json:"instanceId"`
	Epoch      *int64 `json:"epoch"`
}

// discover fetches relay identity from the well-known discovery port,
// falling back to the last-known relay port. Non-2xx or a type-invalid
// payload counts as unreachable.
func (o *Orchestrator) discover(ctx context.Context, lastKnownPort int) (*discoveredConfig, error) {
	ports := []int{o.discoveryPort}
	if lastKnownPort != 0 && lastKnownPort != o.discoveryPort {
		ports = append(ports, lastKnownPort)
	}

	var lastErr error
	for _, port := range ports {
		cfg, err := o.fetchConfig(ctx, port)
		if err == nil {
			return cfg, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (o *Orchestrator) fetchConfig(ctx context.Context, port int) (*discoveredConfig, error) {
	body, err := o.getJSON(ctx, fmt.Sprintf("http://127.0.0.1:%d/config", port))
	if err != nil {
		return nil, err
	}
	var cfg discoveredConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("malformed config payload: %w", err)
	}
	if cfg.RelayPort <= 0 || cfg.RelayPort > 65535 {
		return nil, fmt.Errorf("config payload has invalid relayPort %d", cfg.RelayPort)
	}
	return &cfg, nil
}

func (o *Orchestrator) fetchPairingToken(ctx context.Context, port int) (*pairingGrant, error) {
	body, err := o.getJSON(ctx, fmt.Sprintf("http://127.0.0.1:%d/pair", port))
	if err != nil {
		return nil, err
	}
	var grant pairingGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("malformed pair payload: %w", err)
	}
	if grant.Token == "" {
		return nil, fmt.Errorf("pair payload missing token")
	}
	return &grant, nil
}

func (o *Orchestrator) getJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
