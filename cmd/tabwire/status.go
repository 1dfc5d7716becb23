package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabwire/tabwire/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cached relay state and live extension status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	st, err := store.OpenDefault()
	if err != nil {
		return err
	}
	state := st.Get()

	fmt.Printf("autoConnect:    %v\n", state.AutoConnect)
	fmt.Printf("autoPair:       %v\n", state.AutoPair)
	fmt.Printf("pairingEnabled: %v\n", state.PairingEnabled)
	if state.RelayPort != 0 {
		fmt.Printf("relayPort:      %d\n", state.RelayPort)
	}
	if state.RelayInstanceID != "" {
		fmt.Printf("relayInstance:  %s\n", state.RelayInstanceID)
	}
	if state.RelayEpoch != nil {
		fmt.Printf("relayEpoch:     %d\n", *state.RelayEpoch)
	}
	if st.Token() != "" {
		fmt.Println("pairingToken:   present")
	}
	if state.NextRetryAt > 0 {
		fmt.Printf("nextRetryAt:    %s\n", time.UnixMilli(state.NextRetryAt).Format(time.RFC3339))
	}
	if state.LastStatusNote != "" {
		fmt.Printf("note:           %s\n", state.LastStatusNote)
	}

	port := state.RelayPort
	if port == 0 {
		port = cfg.Agent.DiscoveryPort
	}
	printLiveStatus(port)
	return nil
}

// printLiveStatus asks the relay for its extension status. Best effort;
// an unreachable relay is itself useful status.
func printLiveStatus(port int) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/extension/status", port))
	if err != nil {
		fmt.Println("relay:          unreachable")
		return
	}
	defer resp.Body.Close()

	var status struct {
		Connected bool `json:"connected"`
		Port      int  `json:"port"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Fprintf(os.Stderr, "malformed status payload: %v\n", err)
		return
	}
	fmt.Printf("relay:          up on %d, extension connected=%v\n", status.Port, status.Connected)
}
