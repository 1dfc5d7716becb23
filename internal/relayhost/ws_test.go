package relayhost

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabwire/tabwire/internal/relay"
)

// connectExtension attaches a real transport client as the extension side.
func connectExtension(t *testing.T, host *Relay, srv *httptest.Server) *relay.Transport {
	t.Helper()
	tr := relay.NewTransport(wsURL(srv, "/extension"))
	t.Cleanup(tr.Close)

	_, err := tr.Connect(context.Background(), relay.Handshake{
		TabID:        1,
		URL:          "https://example.com",
		PairingToken: host.PairingToken(),
	})
	require.NoError(t, err)
	return tr
}

func dialCdp(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/cdp"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type cdpFrame struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  *cdpError       `json:"error"`
}

func readCdpFrame(t *testing.T, conn *websocket.Conn) cdpFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame cdpFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestBrowserGetVersionHandledLocally(t *testing.T) {
	host, srv := newTestRelay(t, true)
	connectExtension(t, host, srv)
	conn := dialCdp(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]any{"id": 1, "method": "Browser.getVersion"}))
	frame := readCdpFrame(t, conn)

	require.Nil(t, frame.Error)
	assert.Equal(t, int64(1), frame.ID)
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	require.NoError(t, json.Unmarshal(frame.Result, &result))
	assert.Equal(t, "1.3", result.ProtocolVersion)
}

func TestForwardedCommandRoundTrip(t *testing.T) {
	host, srv := newTestRelay(t, true)
	tr := connectExtension(t, host, srv)

	// The extension side answers forwarded commands.
	tr.OnCDPCommand(func(cmd *relay.CDPCommand) {
		assert.Equal(t, "Page.navigate", cmd.Method)
		_ = tr.SendResponse(cmd.ID, map[string]string{"frameId": "F1"}, "")
	})

	conn := dialCdp(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"id":     2,
		"method": "Page.navigate",
		"params": map[string]string{"url": "https://example.com"},
	}))

	frame := readCdpFrame(t, conn)
	require.Nil(t, frame.Error)
	assert.Equal(t, int64(2), frame.ID)
	var result struct {
		FrameID string `json:"frameId"`
	}
	require.NoError(t, json.Unmarshal(frame.Result, &result))
	assert.Equal(t, "F1", result.FrameID)
}

func TestForwardedCommandErrorPropagates(t *testing.T) {
	host, srv := newTestRelay(t, true)
	tr := connectExtension(t, host, srv)
	tr.OnCDPCommand(func(cmd *relay.CDPCommand) {
		_ = tr.SendResponse(cmd.ID, nil, "tab is gone")
	})

	conn := dialCdp(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]any{"id": 3, "method": "Page.reload"}))

	frame := readCdpFrame(t, conn)
	require.NotNil(t, frame.Error)
	assert.Equal(t, "tab is gone", frame.Error.Message)
}

func TestTargetLifecycleThroughRelay(t *testing.T) {
	host, srv := newTestRelay(t, true)
	tr := connectExtension(t, host, srv)

	// Extension reports an attached tab.
	require.NoError(t, tr.SendEvent("Target.attachedToTarget", map[string]any{
		"sessionId": "S1",
		"targetInfo": map[string]any{
			"targetId": "T1",
			"type":     "page",
			"title":    "Example",
			"url":      "https://example.com",
		},
	}, ""))

	// Wait until the relay has recorded it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		host.mu.RLock()
		n := len(host.connectedTargets)
		host.mu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("relay never recorded the attached target")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn := dialCdp(t, srv)

	// Target.getTargets reflects the directory.
	require.NoError(t, conn.WriteJSON(map[string]any{"id": 1, "method": "Target.getTargets"}))
	frame := readCdpFrame(t, conn)
	require.Nil(t, frame.Error)
	var targets struct {
		TargetInfos []struct {
			TargetID string `json:"targetId"`
		} `json:"targetInfos"`
	}
	require.NoError(t, json.Unmarshal(frame.Result, &targets))
	require.Len(t, targets.TargetInfos, 1)
	assert.Equal(t, "T1", targets.TargetInfos[0].TargetID)

	// setAutoAttach replays existing targets after the response.
	require.NoError(t, conn.WriteJSON(map[string]any{"id": 2, "method": "Target.setAutoAttach"}))
	frame = readCdpFrame(t, conn)
	require.Nil(t, frame.Error)
	assert.Equal(t, int64(2), frame.ID)

	evt := readCdpFrame(t, conn)
	assert.Equal(t, "Target.attachedToTarget", evt.Method)
	var attach struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(evt.Params, &attach))
	assert.Equal(t, "S1", attach.SessionID)

	// Target.attachToTarget resolves the session id.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"id":     3,
		"method": "Target.attachToTarget",
		"params": map[string]string{"targetId": "T1"},
	}))
	frame = readCdpFrame(t, conn)
	require.Nil(t, frame.Error)
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(frame.Result, &attached))
	assert.Equal(t, "S1", attached.SessionID)

	// Detach drops it from the directory and notifies clients.
	require.NoError(t, tr.SendEvent("Target.detachedFromTarget", map[string]any{
		"sessionId": "S1",
	}, ""))
	evt = readCdpFrame(t, conn)
	assert.Equal(t, "Target.detachedFromTarget", evt.Method)

	host.mu.RLock()
	remaining := len(host.connectedTargets)
	host.mu.RUnlock()
	assert.Zero(t, remaining)
}

func TestExtensionHealthCheck(t *testing.T) {
	host, srv := newTestRelay(t, true)
	tr := connectExtension(t, host, srv)

	payload, err := tr.SendHealthCheck(context.Background(), 2*time.Second)
	require.NoError(t, err)
	var result struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, "ok", result.Reason)

	if _, err := tr.Ping(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Ping through relay host: %v", err)
	}
}
