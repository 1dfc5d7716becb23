package relay

import (
	"encoding/json"

	"github.com/chromedp/cdproto/target"
)

// Message type discriminants on the relay wire. Every frame carries
// either a "type" or a "method" field; anything unrecognized is dropped.
const (
	TypeHandshake         = "handshake"
	TypeHandshakeAck      = "handshakeAck"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeHealthCheck       = "healthCheck"
	TypeHealthCheckResult = "healthCheckResult"

	MethodForwardCDPCommand = "forwardCDPCommand"
	MethodForwardCDPEvent   = "forwardCDPEvent"

	// Annotation and ops envelopes are routed opaquely to their collaborators.
	annotationPrefix = "annotation"
	opsPrefix        = "ops_"
)

// Close codes used on the relay socket.
const (
	CloseNormal        = 1000 // normal close, including handshake timeout
	CloseProtocolError = 1002 // structurally invalid handshake ack
)

// Handshake is the first frame sent on every connection attempt.
type Handshake struct {
	Type         string `json:"type"`
	TabID        int64  `json:"tabId"`
	URL          string `json:"url,omitempty"`
	Title        string `json:"title,omitempty"`
	GroupID      int64  `json:"groupId,omitempty"`
	PairingToken string `json:"pairingToken,omitempty"`
}

// HandshakeAck is the relay's confirmation of a handshake.
type HandshakeAck struct {
	Type            string `json:"type"`
	InstanceID      string `json:"instanceId"`
	RelayPort       int    `json:"relayPort"`
	PairingRequired bool   `json:"pairingRequired"`
}

// CDPCommand is a debugger command forwarded by the relay for execution
// against a tab. ID correlates the eventual response.
type CDPCommand struct {
	ID        int64            `json:"id"`
	Method    string           `json:"method"`
	Params    json.RawMessage  `json:"params,omitempty"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
}

// cdpCommandParams is the nested params object of a forwardCDPCommand frame.
type cdpCommandParams struct {
	Method    string           `json:"method"`
	Params    json.RawMessage  `json:"params,omitempty"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
}

// cdpEventParams is the nested params object of a forwardCDPEvent frame.
type cdpEventParams struct {
	Method    string           `json:"method"`
	Params    any              `json:"params,omitempty"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
}

// envelope is the loose decoding of any inbound frame, enough to dispatch
// on the discriminant before committing to a concrete type.
type envelope struct {
	Type   string          `json:"type,omitempty"`
	Method string          `json:"method,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ackProbe checks the structural validity of a handshakeAck payload:
// instanceId must be a non-empty JSON string and relayPort a JSON number.
// Anything else is a protocol violation, not a soft failure.
type ackProbe struct {
	InstanceID      any  `json:"instanceId"`
	RelayPort       any  `json:"relayPort"`
	PairingRequired bool `json:"pairingRequired"`
}

func parseAck(data []byte) (*HandshakeAck, bool) {
	var probe ackProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false
	}
	instanceID, ok := probe.InstanceID.(string)
	if !ok || instanceID == "" {
		return nil, false
	}
	port, ok := probe.RelayPort.(float64)
	if !ok {
		return nil, false
	}
	return &HandshakeAck{
		Type:            TypeHandshakeAck,
		InstanceID:      instanceID,
		RelayPort:       int(port),
		PairingRequired: probe.PairingRequired,
	}, true
}

// pingFrame is the liveness probe envelope, shared by ping and healthCheck.
type pingFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// cdpResponse answers a forwarded CDP command.
type cdpResponse struct {
	ID     int64  `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// cdpEventFrame carries a CDP event back to the relay.
type cdpEventFrame struct {
	Method string         `json:"method"`
	Params cdpEventParams `json:"params"`
}

// typedFrame is a generic typed envelope for the annotation and ops channels.
type typedFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}
