// Package defaults resolves the platform data directory for tabwire state.
//
// Platform paths:
//
//	macOS:   ~/Library/Application Support/Tabwire/
//	Windows: %AppData%\Tabwire\
//	Linux:   ~/.config/tabwire/
//
// Override with TABWIRE_DATA_DIR environment variable.
package defaults

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the platform-appropriate data directory.
// Set TABWIRE_DATA_DIR to override.
func DataDir() (string, error) {
	if dir := os.Getenv("TABWIRE_DATA_DIR"); dir != "" {
		return dir, nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine config directory: %w", err)
	}

	// Linux: lowercase per XDG convention
	// macOS/Windows: title case per platform convention
	if runtime.GOOS == "linux" {
		return filepath.Join(configDir, "tabwire"), nil
	}
	return filepath.Join(configDir, "Tabwire"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}
