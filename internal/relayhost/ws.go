package relayhost

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tabwire/tabwire/internal/events"
	"github.com/tabwire/tabwire/internal/relay"
)

// CDP-side protocol types (automation client <-> relay).

type cdpCommand struct {
	ID        int64            `json:"id"`
	Method    string           `json:"method"`
	Params    json.RawMessage  `json:"params,omitempty"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
}

type cdpResponse struct {
	ID        int64            `json:"id"`
	Result    any              `json:"result,omitempty"`
	Error     *cdpError        `json:"error,omitempty"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
}

type cdpError struct {
	Message string `json:"message"`
}

type cdpEvent struct {
	Method    string           `json:"method"`
	Params    any              `json:"params,omitempty"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
}

// Extension-side protocol types (relay <-> transport client).

type extensionCommand struct {
	ID     int64                   `json:"id"`
	Method string                  `json:"method"`
	Params *extensionCommandParams `json:"params,omitempty"`
}

type extensionCommandParams struct {
	Method    string           `json:"method"`
	Params    any              `json:"params,omitempty"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
}

type extensionResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type extensionFrame struct {
	Type   string          `json:"type,omitempty"`
	Method string          `json:"method,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type forwardedEventParams struct {
	Method    string           `json:"method"`
	Params    json.RawMessage  `json:"params,omitempty"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
}

type livenessFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Payload any    `json:"payload,omitempty"`
}

// handleExtensionWS accepts the single extension transport connection.
// The first frame must be a structurally valid handshake carrying a
// matching pairing token when pairing is required.
func (r *Relay) handleExtensionWS(w http.ResponseWriter, req *http.Request) {
	if !requireLoopback(w, req) {
		return
	}

	source := req.RemoteAddr
	if host, _, err := net.SplitHostPort(source); err == nil {
		source = host
	}
	if !r.allowHandshakeAttempt(source) {
		http.Error(w, "Too many handshake attempts", http.StatusTooManyRequests)
		return
	}

	r.mu.Lock()
	if r.extensionWS != nil {
		r.mu.Unlock()
		http.Error(w, "Extension already connected", http.StatusConflict)
		return
	}
	r.mu.Unlock()

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.cfg.Logger.Debug("extension upgrade failed", "error", err)
		return
	}

	hs, ok := r.acceptHandshake(ws)
	if !ok {
		return
	}

	ack := relay.HandshakeAck{
		Type:            relay.TypeHandshakeAck,
		InstanceID:      r.instanceID,
		RelayPort:       r.Port(),
		PairingRequired: r.cfg.PairingRequired,
	}
	r.writeMu.Lock()
	err = ws.WriteJSON(ack)
	r.writeMu.Unlock()
	if err != nil {
		ws.Close()
		return
	}

	r.cfg.Logger.Info("extension connected",
		"remote", req.RemoteAddr, "tab_id", hs.TabID, "url", hs.URL)

	r.mu.Lock()
	r.extensionWS = ws
	r.extensionHS = hs
	r.mu.Unlock()

	pingDone := make(chan struct{})
	go r.pingLoop(ws, pingDone)

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			r.cfg.Logger.Debug("extension read error", "error", err)
			break
		}
		r.handleExtensionMessage(ws, message)
	}
	close(pingDone)

	r.mu.Lock()
	targetCount := len(r.connectedTargets)
	clientCount := len(r.cdpClients)
	r.extensionWS = nil
	r.extensionHS = nil
	r.connectedTargets = make(map[target.SessionID]*ConnectedTarget)
	for id, pending := range r.pendingRequests {
		pending.timer.Stop()
		pending.reject <- fmt.Errorf("extension disconnected")
		delete(r.pendingRequests, id)
	}
	for id, client := range r.cdpClients {
		client.subscription.Unsubscribe()
		client.ws.Close()
		delete(r.cdpClients, id)
	}
	r.mu.Unlock()

	r.cfg.Logger.Info("extension disconnected",
		"targets_dropped", targetCount, "cdp_clients_dropped", clientCount)
	_ = events.Emit(r.cdpEvents, events.RelayStatusTopic, "extension disconnected")
}

// acceptHandshake reads and validates the connection's first frame.
func (r *Relay) acceptHandshake(ws *websocket.Conn) (*relay.Handshake, bool) {
	closeWith := func(code int, reason string) {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		ws.Close()
	}

	_ = ws.SetReadDeadline(time.Now().Add(handshakeWindow))
	defer ws.SetReadDeadline(time.Time{})

	_, message, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, false
	}

	var hs relay.Handshake
	if err := json.Unmarshal(message, &hs); err != nil || hs.Type != relay.TypeHandshake {
		closeWith(websocket.CloseProtocolError, "expected handshake")
		return nil, false
	}

	if r.cfg.PairingRequired && !tokenEqual(hs.PairingToken, r.pairToken) {
		r.cfg.Logger.Warn("extension handshake rejected: bad pairing token")
		closeWith(websocket.ClosePolicyViolation, "pairing token rejected")
		return nil, false
	}
	return &hs, true
}

// pingLoop sends a liveness probe to the extension every 5 seconds.
func (r *Relay) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.writeMu.Lock()
			err := ws.WriteJSON(livenessFrame{Type: relay.TypePing, ID: uuid.NewString()})
			r.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (r *Relay) handleExtensionMessage(ws *websocket.Conn, data []byte) {
	// Responses to forwarded commands first.
	var resp extensionResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
		var frame extensionFrame
		// A frame with a method/type field is not a bare response.
		if json.Unmarshal(data, &frame) == nil && frame.Method == "" && frame.Type == "" {
			r.mu.Lock()
			pending := r.pendingRequests[resp.ID]
			delete(r.pendingRequests, resp.ID)
			r.mu.Unlock()

			if pending != nil {
				pending.timer.Stop()
				if resp.Error != "" {
					pending.reject <- fmt.Errorf("%s", resp.Error)
				} else {
					pending.resolve <- resp.Result
				}
			}
			return
		}
	}

	var frame extensionFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	switch frame.Type {
	case relay.TypePong:
		return
	case relay.TypePing:
		var id string
		_ = json.Unmarshal(frame.ID, &id)
		r.writeMu.Lock()
		_ = ws.WriteJSON(livenessFrame{Type: relay.TypePong, ID: id, Payload: map[string]any{"ts": time.Now().UnixMilli()}})
		r.writeMu.Unlock()
		return
	case relay.TypeHealthCheck:
		var id string
		_ = json.Unmarshal(frame.ID, &id)
		r.writeMu.Lock()
		_ = ws.WriteJSON(livenessFrame{Type: relay.TypeHealthCheckResult, ID: id, Payload: map[string]any{"reason": "ok"}})
		r.writeMu.Unlock()
		return
	}

	if frame.Method != relay.MethodForwardCDPEvent || frame.Params == nil {
		return
	}

	var evt forwardedEventParams
	if err := json.Unmarshal(frame.Params, &evt); err != nil {
		return
	}

	switch evt.Method {
	case "Target.attachedToTarget":
		r.handleTargetAttached(evt.Params)
		return
	case "Target.detachedFromTarget":
		r.handleTargetDetached(evt.Params)
		return
	case "Target.targetInfoChanged":
		r.handleTargetInfoChanged(evt.Params)
		// Fall through to broadcast.
	}

	r.broadcastToCdpClients(&cdpEvent{
		Method:    evt.Method,
		Params:    evt.Params,
		SessionID: evt.SessionID,
	})
}

func (r *Relay) handleTargetAttached(params json.RawMessage) {
	var payload struct {
		SessionID  target.SessionID `json:"sessionId"`
		TargetInfo *target.Info     `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &payload); err != nil {
		return
	}
	if payload.SessionID == "" || payload.TargetInfo == nil {
		return
	}
	if payload.TargetInfo.Type != "page" && payload.TargetInfo.Type != "" {
		return
	}
	if payload.TargetInfo.Type == "" {
		payload.TargetInfo.Type = "page"
	}

	connected := &ConnectedTarget{
		SessionID:  payload.SessionID,
		TargetID:   payload.TargetInfo.TargetID,
		TargetInfo: payload.TargetInfo,
	}

	r.mu.Lock()
	r.connectedTargets[payload.SessionID] = connected
	r.mu.Unlock()

	r.cfg.Logger.Debug("target attached",
		"session_id", payload.SessionID,
		"target_id", payload.TargetInfo.TargetID,
		"url", payload.TargetInfo.URL)

	// Browser-level event: no top-level session id.
	r.broadcastToCdpClients(&cdpEvent{
		Method: "Target.attachedToTarget",
		Params: map[string]any{
			"sessionId":          payload.SessionID,
			"targetInfo":         connected.TargetInfo,
			"waitingForDebugger": false,
		},
	})
}

func (r *Relay) handleTargetDetached(params json.RawMessage) {
	var payload struct {
		SessionID target.SessionID `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &payload); err != nil || payload.SessionID == "" {
		return
	}

	r.mu.Lock()
	delete(r.connectedTargets, payload.SessionID)
	r.mu.Unlock()

	r.broadcastToCdpClients(&cdpEvent{
		Method: "Target.detachedFromTarget",
		Params: params,
	})
}

func (r *Relay) handleTargetInfoChanged(params json.RawMessage) {
	var payload struct {
		TargetInfo *target.Info `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &payload); err != nil || payload.TargetInfo == nil {
		return
	}

	r.mu.Lock()
	for _, connected := range r.connectedTargets {
		if connected.TargetID == payload.TargetInfo.TargetID {
			connected.TargetInfo.Title = payload.TargetInfo.Title
			connected.TargetInfo.URL = payload.TargetInfo.URL
		}
	}
	r.mu.Unlock()
}

// handleCdpWS serves automation clients (Playwright-style CDP consumers).
func (r *Relay) handleCdpWS(w http.ResponseWriter, req *http.Request) {
	if !requireLoopback(w, req) {
		return
	}
	token := req.Header.Get(AuthHeader)
	if token != "" && !tokenEqual(token, r.pairToken) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !r.ExtensionConnected() {
		http.Error(w, "Extension not connected", http.StatusServiceUnavailable)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	clientID := uuid.NewString()

	// Per-client topic; the handler runs in the subject's single loop
	// goroutine so ws writes never race.
	sub := events.Subscribe(r.cdpEvents, events.CDPClientTopic(clientID),
		func(_ context.Context, msg any) error {
			return ws.WriteJSON(msg)
		})

	r.mu.Lock()
	r.cdpClients[clientID] = &cdpClientState{ws: ws, clientID: clientID, subscription: sub}
	r.mu.Unlock()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var cmd cdpCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			continue
		}
		r.handleCdpCommand(clientID, &cmd)
	}

	r.mu.Lock()
	delete(r.cdpClients, clientID)
	r.mu.Unlock()
	sub.Unsubscribe()
}

func (r *Relay) handleCdpCommand(clientID string, cmd *cdpCommand) {
	topic := events.CDPClientTopic(clientID)

	var result any
	var err error
	// Events queued for delivery AFTER the response; CDP consumers expect
	// the response before attachment events.
	var postEvents []any

	switch cmd.Method {
	case "Browser.getVersion":
		result = map[string]string{
			"protocolVersion": "1.3",
			"product":         "Chrome/Tabwire-Relay",
			"revision":        "0",
			"userAgent":       "Tabwire-Relay",
			"jsVersion":       "V8",
		}
	case "Target.setAutoAttach":
		result = map[string]any{}
		if cmd.SessionID == "" {
			postEvents = r.buildExistingTargetEvents(true)
		}
	case "Target.setDiscoverTargets":
		result = map[string]any{}
		var params struct {
			Discover bool `json:"discover"`
		}
		if json.Unmarshal(cmd.Params, &params) == nil && params.Discover {
			postEvents = r.buildExistingTargetEvents(false)
		}
	case "Target.getTargets":
		r.mu.RLock()
		infos := make([]*target.Info, 0, len(r.connectedTargets))
		for _, t := range r.connectedTargets {
			infos = append(infos, t.TargetInfo)
		}
		r.mu.RUnlock()
		result = map[string]any{"targetInfos": infos}
	case "Target.attachToTarget":
		result, err = r.attachToTarget(cmd)
	default:
		result, err = r.forwardToExtension(cmd)
	}

	resp := &cdpResponse{ID: cmd.ID, SessionID: cmd.SessionID}
	if err != nil {
		resp.Error = &cdpError{Message: err.Error()}
	} else {
		resp.Result = result
	}

	_ = events.Emit[any](r.cdpEvents, topic, resp)
	for _, evt := range postEvents {
		_ = events.Emit[any](r.cdpEvents, topic, evt)
	}
}

func (r *Relay) buildExistingTargetEvents(attached bool) []any {
	r.mu.RLock()
	targets := make([]*ConnectedTarget, 0, len(r.connectedTargets))
	for _, t := range r.connectedTargets {
		targets = append(targets, t)
	}
	r.mu.RUnlock()

	evts := make([]any, 0, len(targets))
	for _, t := range targets {
		if attached {
			evts = append(evts, &cdpEvent{
				Method: "Target.attachedToTarget",
				Params: map[string]any{
					"sessionId":          t.SessionID,
					"targetInfo":         t.TargetInfo,
					"waitingForDebugger": false,
				},
			})
		} else {
			evts = append(evts, &cdpEvent{
				Method: "Target.targetCreated",
				Params: map[string]any{"targetInfo": t.TargetInfo},
			})
		}
	}
	return evts
}

func (r *Relay) attachToTarget(cmd *cdpCommand) (any, error) {
	var params struct {
		TargetID target.ID `json:"targetId"`
	}
	if err := json.Unmarshal(cmd.Params, &params); err != nil || params.TargetID == "" {
		return nil, fmt.Errorf("targetId required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.connectedTargets {
		if t.TargetID == params.TargetID {
			return map[string]any{"sessionId": t.SessionID}, nil
		}
	}
	return nil, fmt.Errorf("target not found")
}

func (r *Relay) forwardToExtension(cmd *cdpCommand) (any, error) {
	extCmd := &extensionCommand{
		ID:     r.nextID(),
		Method: relay.MethodForwardCDPCommand,
		Params: &extensionCommandParams{
			Method:    cmd.Method,
			Params:    cmd.Params,
			SessionID: cmd.SessionID,
		},
	}
	return r.sendToExtension(extCmd)
}

func (r *Relay) sendToExtension(cmd *extensionCommand) (json.RawMessage, error) {
	r.mu.RLock()
	ws := r.extensionWS
	r.mu.RUnlock()
	if ws == nil {
		return nil, fmt.Errorf("extension not connected")
	}

	resolve := make(chan json.RawMessage, 1)
	reject := make(chan error, 1)
	timer := time.AfterFunc(30*time.Second, func() {
		r.mu.Lock()
		delete(r.pendingRequests, cmd.ID)
		r.mu.Unlock()
		reject <- fmt.Errorf("extension request timeout")
	})

	r.mu.Lock()
	r.pendingRequests[cmd.ID] = &pendingRequest{resolve: resolve, reject: reject, timer: timer}
	r.mu.Unlock()

	r.writeMu.Lock()
	err := ws.WriteJSON(cmd)
	r.writeMu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.pendingRequests, cmd.ID)
		r.mu.Unlock()
		timer.Stop()
		return nil, err
	}

	select {
	case result := <-resolve:
		return result, nil
	case err := <-reject:
		return nil, err
	}
}

func (r *Relay) broadcastToCdpClients(evt *cdpEvent) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.cdpClients))
	for id := range r.cdpClients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = events.Emit[any](r.cdpEvents, events.CDPClientTopic(id), evt)
	}
}

func (r *Relay) nextID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextRequestID
	r.nextRequestID++
	return id
}
