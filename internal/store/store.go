// Package store persists relay identity and pairing state between runs.
// The connection orchestrator is the sole writer; everything else reads.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tabwire/tabwire/internal/defaults"
	"github.com/tabwire/tabwire/internal/keyring"
)

// State holds the cached relay identity and connection policy flags.
// RelayEpoch and TokenEpoch are pointers because "absent" and "zero"
// mean different things when comparing against a freshly discovered epoch.
type State struct {
	AutoConnect    bool `json:"autoConnect"`
	AutoPair       bool `json:"autoPair"`
	PairingEnabled bool `json:"pairingEnabled"`

	RelayPort       int    `json:"relayPort,omitempty"`
	RelayInstanceID string `json:"relayInstanceId,omitempty"`
	RelayEpoch      *int64 `json:"relayEpoch,omitempty"`
	TokenEpoch      *int64 `json:"tokenEpoch,omitempty"`

	// PairingToken is only populated when the OS keychain is unavailable.
	PairingToken string `json:"pairingToken,omitempty"`

	NextRetryAt    int64  `json:"nextRetryAt,omitempty"` // unix millis
	RetryDelayMs   int64  `json:"retryDelayMs,omitempty"`
	LastStatusNote string `json:"lastStatusNote,omitempty"`

	// AutoConnectHalted parks automatic attempts after an instance-id
	// mismatch until the user reconnects or disconnects explicitly. It
	// survives ClearRelayState: the wipe is what raises it.
	AutoConnectHalted bool `json:"autoConnectHalted,omitempty"`
}

// DefaultState returns the out-of-box connection policy.
func DefaultState() State {
	return State{
		AutoConnect:    true,
		AutoPair:       true,
		PairingEnabled: true,
	}
}

// Store is a JSON-file-backed settings store with an OS-keychain vault
// for the pairing token itself.
type Store struct {
	mu         sync.RWMutex
	path       string
	state      State
	useKeyring bool
}

// Open loads (or initializes) the store at the given path.
func Open(path string) (*Store, error) {
	s := &Store{
		path:       path,
		state:      DefaultState(),
		useKeyring: keyring.Available(),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := os.ReadFile(path)
	if err == nil {
		var st State
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("corrupt settings file %s: %w", path, err)
		}
		s.state = st
		return s, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenDefault opens the store in the platform data directory.
func OpenDefault() (*Store, error) {
	dir, err := defaults.EnsureDataDir()
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(dir, "relay.json"))
}

// Path returns the settings file path (watched by the orchestrator).
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current state.
func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Update applies fn to the state and persists the result.
func (s *Store) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	return s.persistLocked()
}

// Reload re-reads the settings file, picking up external edits.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.state = st
	return nil
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

// Token returns the cached pairing token, or "" if none is stored.
func (s *Store) Token() string {
	if s.useKeyring {
		token, err := keyring.Get()
		if err != nil {
			return ""
		}
		return token
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.PairingToken
}

// SetToken stores the pairing token and its epoch binding.
func (s *Store) SetToken(token string, epoch *int64) error {
	if s.useKeyring {
		if err := keyring.Set(token); err != nil {
			return err
		}
		return s.Update(func(st *State) {
			st.PairingToken = ""
			st.TokenEpoch = epoch
		})
	}
	return s.Update(func(st *State) {
		st.PairingToken = token
		st.TokenEpoch = epoch
	})
}

// ClearToken removes the pairing token and its epoch binding, leaving the
// rest of the relay identity untouched.
func (s *Store) ClearToken() error {
	if s.useKeyring {
		if err := keyring.Delete(); err != nil {
			return err
		}
	}
	return s.Update(func(st *State) {
		st.PairingToken = ""
		st.TokenEpoch = nil
	})
}

// ClearRelayState wipes all cached relay identity and pairing material.
// Called when an epoch or instance-id mismatch proves the cache stale.
func (s *Store) ClearRelayState() error {
	if s.useKeyring {
		if err := keyring.Delete(); err != nil {
			return err
		}
	}
	return s.Update(func(st *State) {
		st.RelayPort = 0
		st.RelayInstanceID = ""
		st.RelayEpoch = nil
		st.TokenEpoch = nil
		st.PairingToken = ""
	})
}
