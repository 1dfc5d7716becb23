package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabwire/tabwire/internal/connect"
	"github.com/tabwire/tabwire/internal/store"
)

func newAgentCmd() *cobra.Command {
	var tabID int64

	agent := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent daemon that keeps a relay connection alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(tabID)
		},
	}
	agent.Flags().Int64Var(&tabID, "tab", 1, "tab id announced in the handshake")

	agent.AddCommand(&cobra.Command{
		Use:   "connect",
		Short: "Pair with the relay and connect once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentConnect(tabID)
		},
	})
	agent.AddCommand(&cobra.Command{
		Use:   "disconnect",
		Short: "Drop the relay connection and clear the retry schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentDisconnect()
		},
	})

	return agent
}

func newOrchestrator(tabID int64) (*connect.Orchestrator, *store.Store, error) {
	st, err := store.OpenDefault()
	if err != nil {
		return nil, nil, err
	}
	if err := st.Update(func(s *store.State) {
		s.AutoConnect = cfg.AutoConnect()
		s.AutoPair = cfg.AutoPair()
		s.PairingEnabled = cfg.PairingRequired()
	}); err != nil {
		return nil, nil, err
	}

	orch, err := connect.New(connect.Options{
		Store:         st,
		TabID:         tabID,
		DiscoveryPort: cfg.Agent.DiscoveryPort,
		Logger:        slog.Default(),
		OnStatus: func(note string) {
			if note != "" {
				fmt.Fprintln(os.Stderr, note)
			}
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return orch, st, nil
}

func runAgent(tabID int64) error {
	orch, _, err := newOrchestrator(tabID)
	if err != nil {
		return err
	}
	defer orch.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := orch.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())
	return nil
}

func runAgentConnect(tabID int64) error {
	orch, st, err := newOrchestrator(tabID)
	if err != nil {
		return err
	}
	defer orch.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := orch.Connect(ctx); err != nil {
		if note := st.Get().LastStatusNote; note != "" {
			return fmt.Errorf("%s", note)
		}
		return err
	}
	fmt.Println("connected")
	return nil
}

func runAgentDisconnect() error {
	st, err := store.OpenDefault()
	if err != nil {
		return err
	}
	if err := st.Update(func(s *store.State) {
		s.NextRetryAt = 0
		s.RetryDelayMs = 0
	}); err != nil {
		return err
	}
	fmt.Println("retry schedule cleared")
	return nil
}
