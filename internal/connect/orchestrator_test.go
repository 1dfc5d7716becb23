package connect

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabwire/tabwire/internal/relay"
	"github.com/tabwire/tabwire/internal/store"
)

// fakeTransport records handshakes instead of opening sockets.
type fakeTransport struct {
	mu         sync.Mutex
	connects   []relay.Handshake
	connectErr error
	connected  bool
	onClose    relay.CloseHandler
}

func (f *fakeTransport) Connect(ctx context.Context, hs relay.Handshake) (*relay.HandshakeAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, hs)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.connected = true
	return &relay.HandshakeAck{Type: relay.TypeHandshakeAck, InstanceID: "relay-a", RelayPort: 8787}, nil
}

func (f *fakeTransport) OnClose(h relay.CloseHandler) func() {
	f.mu.Lock()
	f.onClose = h
	f.mu.Unlock()
	return func() {}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeTransport) handshakes() []relay.Handshake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relay.Handshake(nil), f.connects...)
}

// fakeRelayHTTP serves /config and /pair the way the relay host does.
type fakeRelayHTTP struct {
	srv        *httptest.Server
	port       int
	instanceID string
	epoch      int64
	pairToken  string
	// pairInstanceID overrides the instance id in /pair replies.
	pairInstanceID string

	mu        sync.Mutex
	pairCalls int
}

func startFakeRelayHTTP(t *testing.T, instanceID string, epoch int64, pairToken string) *fakeRelayHTTP {
	t.Helper()
	f := &fakeRelayHTTP{instanceID: instanceID, epoch: epoch, pairToken: pairToken}

	mux := http.NewServeMux()
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"relayPort":       f.port,
			"pairingRequired": true,
			"instanceId":      f.instanceID,
			"epoch":           f.epoch,
		})
	})
	mux.HandleFunc("/pair", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.pairCalls++
		f.mu.Unlock()
		id := f.instanceID
		if f.pairInstanceID != "" {
			id = f.pairInstanceID
		}
		json.NewEncoder(w).Encode(map[string]any{
			"token":      f.pairToken,
			"instanceId": id,
			"epoch":      f.epoch,
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	_, portStr, err := net.SplitHostPort(f.srv.Listener.Addr().String())
	require.NoError(t, err)
	f.port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	return f
}

func (f *fakeRelayHTTP) pairCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pairCalls
}

type harness struct {
	orch      *Orchestrator
	store     *store.Store
	transport *fakeTransport
}

func newHarness(t *testing.T, discoveryPort int) *harness {
	t.Helper()
	t.Setenv("TABWIRE_KEYRING_DISABLED", "1")

	st, err := store.Open(filepath.Join(t.TempDir(), "relay.json"))
	require.NoError(t, err)

	transport := &fakeTransport{}
	orch, err := New(Options{
		Store:         st,
		TabID:         1,
		DiscoveryPort: discoveryPort,
		NewTransport:  func(url string) Transport { return transport },
	})
	require.NoError(t, err)
	t.Cleanup(orch.Stop)

	return &harness{orch: orch, store: st, transport: transport}
}

func TestAutoConnectPairsAndConnects(t *testing.T) {
	relayHTTP := startFakeRelayHTTP(t, "relay-a", 1, "tok-1")
	h := newHarness(t, relayHTTP.port)

	require.NoError(t, h.orch.AttemptAutoConnect(context.Background()))

	handshakes := h.transport.handshakes()
	require.Len(t, handshakes, 1)
	assert.Equal(t, "tok-1", handshakes[0].PairingToken)
	assert.Equal(t, int64(1), handshakes[0].TabID)

	assert.Equal(t, StateConnected, h.orch.State())

	st := h.store.Get()
	assert.Equal(t, relayHTTP.port, st.RelayPort)
	assert.Equal(t, "relay-a", st.RelayInstanceID)
	require.NotNil(t, st.RelayEpoch)
	assert.Equal(t, int64(1), *st.RelayEpoch)
	assert.Equal(t, "tok-1", h.store.Token())
	assert.Zero(t, st.NextRetryAt)
	assert.Empty(t, st.LastStatusNote)
}

func TestCachedTokenSkipsPairing(t *testing.T) {
	relayHTTP := startFakeRelayHTTP(t, "relay-a", 1, "tok-should-not-be-fetched")
	h := newHarness(t, relayHTTP.port)

	epoch := int64(1)
	require.NoError(t, h.store.Update(func(s *store.State) {
		s.RelayInstanceID = "relay-a"
		s.RelayEpoch = &epoch
	}))
	require.NoError(t, h.store.SetToken("cached-tok", &epoch))

	require.NoError(t, h.orch.AttemptAutoConnect(context.Background()))

	assert.Zero(t, relayHTTP.pairCount(), "cached token must be reused, not re-fetched")
	handshakes := h.transport.handshakes()
	require.Len(t, handshakes, 1)
	assert.Equal(t, "cached-tok", handshakes[0].PairingToken)
}

func TestEpochMismatchWipesAndRepairs(t *testing.T) {
	relayHTTP := startFakeRelayHTTP(t, "relay-a", 2, "tok-fresh")
	h := newHarness(t, relayHTTP.port)

	// Cache bound to epoch 1: everything relay-related is stale.
	oldEpoch := int64(1)
	require.NoError(t, h.store.Update(func(s *store.State) {
		s.RelayPort = 1234
		s.RelayInstanceID = "relay-a"
		s.RelayEpoch = &oldEpoch
	}))
	require.NoError(t, h.store.SetToken("tok-stale", &oldEpoch))

	require.NoError(t, h.orch.AttemptAutoConnect(context.Background()))

	handshakes := h.transport.handshakes()
	require.Len(t, handshakes, 1)
	assert.Equal(t, "tok-fresh", handshakes[0].PairingToken,
		"stale token must never be presented after an epoch change")

	st := h.store.Get()
	require.NotNil(t, st.RelayEpoch)
	assert.Equal(t, int64(2), *st.RelayEpoch)
	assert.Equal(t, "tok-fresh", h.store.Token())
}

func TestInstanceMismatchHaltsWithoutRetry(t *testing.T) {
	relayHTTP := startFakeRelayHTTP(t, "relay-b", 1, "tok-b")
	h := newHarness(t, relayHTTP.port)

	// Cached instance differs; no cached epoch, so the epoch check cannot
	// explain the change away.
	require.NoError(t, h.store.Update(func(s *store.State) {
		s.RelayInstanceID = "relay-a"
	}))

	err := h.orch.AttemptAutoConnect(context.Background())
	require.ErrorIs(t, err, ErrInstanceMismatch)

	assert.Empty(t, h.transport.handshakes(), "must not connect on instance mismatch")
	assert.Equal(t, StateError, h.orch.State())

	st := h.store.Get()
	assert.Equal(t, NoteInstanceMismatch, st.LastStatusNote)
	assert.Zero(t, st.NextRetryAt, "instance mismatch requires explicit user action, not a retry")
	assert.Empty(t, st.RelayInstanceID, "stale identity must be wiped")
	assert.True(t, st.AutoConnectHalted, "automatic attempts must stay parked")
}

func TestInstanceMismatchHaltSurvivesSettingsWatcher(t *testing.T) {
	relayHTTP := startFakeRelayHTTP(t, "relay-b", 1, "tok-b")
	h := newHarness(t, relayHTTP.port)
	require.NoError(t, h.store.Update(func(s *store.State) {
		s.RelayInstanceID = "relay-a"
	}))

	// Start arms the watcher and kicks off the automatic attempt that
	// trips the mismatch.
	require.NoError(t, h.orch.Start(context.Background()))
	require.Eventually(t, func() bool {
		return h.orch.State() == StateError
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, h.store.Get().AutoConnectHalted)

	// The mismatch path writes the settings file, which fires the watcher.
	// The debounced re-attempt must stay parked instead of silently
	// re-pairing against the new instance.
	time.Sleep(time.Second)
	assert.Empty(t, h.transport.handshakes(), "no automatic connect after mismatch")
	assert.Zero(t, relayHTTP.pairCount(), "no automatic pairing after mismatch")

	// Explicit reconnect is the designated recovery; it lifts the halt.
	require.NoError(t, h.orch.Connect(context.Background()))
	assert.Len(t, h.transport.handshakes(), 1)
	assert.False(t, h.store.Get().AutoConnectHalted)
}

func TestPairInstanceCrossCheckAborts(t *testing.T) {
	relayHTTP := startFakeRelayHTTP(t, "relay-a", 1, "tok-x")
	relayHTTP.pairInstanceID = "relay-other"
	h := newHarness(t, relayHTTP.port)

	err := h.orch.AttemptAutoConnect(context.Background())
	require.ErrorIs(t, err, ErrInstanceMismatch)
	assert.Empty(t, h.transport.handshakes(),
		"a token minted for another instance must never be presented")
	assert.Empty(t, h.store.Token())
	assert.True(t, h.store.Get().AutoConnectHalted)
}

func TestTokenEpochMismatchClearsTokenOnly(t *testing.T) {
	relayHTTP := startFakeRelayHTTP(t, "relay-a", 2, "tok-new")
	h := newHarness(t, relayHTTP.port)

	// Relay identity already matches epoch 2, but the token is from 1.
	epoch2 := int64(2)
	epoch1 := int64(1)
	require.NoError(t, h.store.Update(func(s *store.State) {
		s.RelayInstanceID = "relay-a"
		s.RelayEpoch = &epoch2
	}))
	require.NoError(t, h.store.SetToken("tok-old", &epoch1))

	require.NoError(t, h.orch.AttemptAutoConnect(context.Background()))

	handshakes := h.transport.handshakes()
	require.Len(t, handshakes, 1)
	assert.Equal(t, "tok-new", handshakes[0].PairingToken)

	// Identity survived; only the token was re-minted.
	st := h.store.Get()
	assert.Equal(t, "relay-a", st.RelayInstanceID)
}

func TestDiscoveryFailureSchedulesBackoff(t *testing.T) {
	// Reserve a port and close it so discovery has nowhere to go.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, _ := net.SplitHostPort(l.Addr().String())
	port, _ := strconv.Atoi(portStr)
	l.Close()

	h := newHarness(t, port)

	require.NoError(t, h.orch.AttemptAutoConnect(context.Background()))

	assert.Empty(t, h.transport.handshakes())
	assert.Equal(t, StateDisconnected, h.orch.State())

	st := h.store.Get()
	assert.Equal(t, NoteConfigUnreachable, st.LastStatusNote)
	assert.Positive(t, st.NextRetryAt, "retry must be durably scheduled")
	assert.Equal(t, int64(10000), st.RetryDelayMs, "next delay doubles from the 5s base")
}

func TestBackoffDelayCapsAt60s(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, _ := net.SplitHostPort(l.Addr().String())
	port, _ := strconv.Atoi(portStr)
	l.Close()

	h := newHarness(t, port)
	require.NoError(t, h.store.Update(func(s *store.State) {
		s.RetryDelayMs = 60000
	}))

	require.NoError(t, h.orch.AttemptAutoConnect(context.Background()))
	assert.Equal(t, int64(60000), h.store.Get().RetryDelayMs)
}

func TestAutoConnectDisabledIsNoop(t *testing.T) {
	relayHTTP := startFakeRelayHTTP(t, "relay-a", 1, "tok-1")
	h := newHarness(t, relayHTTP.port)
	require.NoError(t, h.store.Update(func(s *store.State) {
		s.AutoConnect = false
	}))

	require.NoError(t, h.orch.AttemptAutoConnect(context.Background()))
	assert.Empty(t, h.transport.handshakes())
	assert.Equal(t, StateDisconnected, h.orch.State())

	// Explicit Connect ignores the flag.
	require.NoError(t, h.orch.Connect(context.Background()))
	assert.Len(t, h.transport.handshakes(), 1)
}

func TestConnectFailureFullyDisconnects(t *testing.T) {
	relayHTTP := startFakeRelayHTTP(t, "relay-a", 1, "tok-1")
	h := newHarness(t, relayHTTP.port)
	h.transport.connectErr = relay.ErrHandshakeTimeout

	err := h.orch.AttemptAutoConnect(context.Background())
	require.ErrorIs(t, err, relay.ErrHandshakeTimeout)

	assert.Equal(t, StateDisconnected, h.orch.State())
	assert.Nil(t, h.orch.CurrentTransport())
	assert.Positive(t, h.store.Get().NextRetryAt)
}

func TestTransportCloseTriggersReconnectSchedule(t *testing.T) {
	relayHTTP := startFakeRelayHTTP(t, "relay-a", 1, "tok-1")
	h := newHarness(t, relayHTTP.port)

	require.NoError(t, h.orch.AttemptAutoConnect(context.Background()))
	require.Equal(t, StateConnected, h.orch.State())

	h.transport.mu.Lock()
	onClose := h.transport.onClose
	h.transport.connected = false
	h.transport.mu.Unlock()
	require.NotNil(t, onClose)
	onClose(1001, "relay shutting down")

	assert.Equal(t, StateDisconnected, h.orch.State())
	assert.Nil(t, h.orch.CurrentTransport())
	assert.Positive(t, h.store.Get().NextRetryAt)
}
