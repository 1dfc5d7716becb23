package relay

import "testing"

func TestParseAck(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		valid bool
	}{
		{"complete", `{"type":"handshakeAck","instanceId":"abc","relayPort":8787,"pairingRequired":true}`, true},
		{"minimal", `{"instanceId":"abc","relayPort":8787}`, true},
		{"missing instanceId", `{"type":"handshakeAck","relayPort":8787}`, false},
		{"empty instanceId", `{"instanceId":"","relayPort":8787}`, false},
		{"instanceId wrong type", `{"instanceId":42,"relayPort":8787}`, false},
		{"missing relayPort", `{"instanceId":"abc"}`, false},
		{"relayPort as string", `{"instanceId":"abc","relayPort":"8787"}`, false},
		{"not json", `not json`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, ok := parseAck([]byte(tt.data))
			if ok != tt.valid {
				t.Fatalf("parseAck(%s) ok = %v, want %v", tt.data, ok, tt.valid)
			}
			if !tt.valid {
				if ack != nil {
					t.Errorf("invalid ack should be nil, got %+v", ack)
				}
				return
			}
			if ack.InstanceID != "abc" {
				t.Errorf("InstanceID = %q, want abc", ack.InstanceID)
			}
			if ack.RelayPort != 8787 {
				t.Errorf("RelayPort = %d, want 8787", ack.RelayPort)
			}
		})
	}
}
