package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tabwire/tabwire/internal/relayhost"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay host",
		Long:  "Run the relay host that bridges browser tabs to local CDP clients.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	relay, err := relayhost.New(relayhost.Config{
		Host:            cfg.Relay.Host,
		Port:            cfg.Relay.Port,
		PairingRequired: cfg.PairingRequired(),
		Logger:          slog.Default(),
	})
	if err != nil {
		return err
	}
	if err := relay.Start(); err != nil {
		return err
	}

	fmt.Printf("relay listening on %s:%d\n", cfg.Relay.Host, relay.Port())
	fmt.Printf("instance %s epoch %d\n", relay.InstanceID(), relay.Epoch())
	if cfg.PairingRequired() {
		fmt.Println("pairing required; agents fetch tokens from /pair")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())
	return relay.Stop()
}
