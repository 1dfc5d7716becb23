// Command tabwire-host is the native messaging host the browser spawns.
// It speaks length-prefixed JSON on stdio and re-exposes the channel on
// an authenticated local socket for agents. Stdout belongs to the
// framing protocol, so all logging goes to a redacted file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tabwire/tabwire/internal/config"
	"github.com/tabwire/tabwire/internal/defaults"
	"github.com/tabwire/tabwire/internal/nativehost"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logWriter, err := nativehost.NewRedactingWriter(logPath(cfg))
	if err != nil {
		return fmt.Errorf("opening host log: %w", err)
	}
	defer logWriter.Close()
	logger := slog.New(slog.NewTextHandler(logWriter, nil))

	bridge, err := nativehost.NewBridge(nativehost.BridgeConfig{
		SocketPath: cfg.Host.SocketPath,
		TokenPath:  cfg.Host.TokenPath,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	logWriter.AddSecret(bridge.Token())
	logger.Info("bridge starting", "socket", bridge.SocketPath())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = bridge.Run(ctx)
	if err != nil && err != context.Canceled {
		logger.Error("bridge exited", "error", err)
		return err
	}
	logger.Info("bridge stopped")
	return nil
}

// loadConfig resolves the daemon config. The browser spawns this process
// with its own argv, so there is no flag surface: TABWIRE_CONFIG wins,
// otherwise config.yaml in the data dir when present.
func loadConfig() (config.Config, error) {
	path := os.Getenv("TABWIRE_CONFIG")
	if path == "" {
		if dir, err := defaults.DataDir(); err == nil {
			candidate := filepath.Join(dir, "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}
	return config.Load(path)
}

func logPath(cfg config.Config) string {
	if cfg.Host.LogPath != "" {
		return cfg.Host.LogPath
	}
	dir, err := defaults.EnsureDataDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "host.log")
}
