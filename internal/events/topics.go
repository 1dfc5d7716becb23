package events

import "fmt"

// CDPClientTopic is the per-connection topic a CDP client's writer
// subscribes to. All responses and events for that client flow through it.
func CDPClientTopic(clientID string) string {
	return fmt.Sprintf("cdp.client.%s", clientID)
}

// RelayStatusTopic carries relay host lifecycle notices (extension
// connect/disconnect) for status surfaces.
const RelayStatusTopic = "relay.status"
