package store

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	t.Setenv("TABWIRE_KEYRING_DISABLED", "1")
	s, err := Open(filepath.Join(t.TempDir(), "relay.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestOpenInitializesDefaults(t *testing.T) {
	s := openTestStore(t)
	st := s.Get()
	if !st.AutoConnect || !st.AutoPair || !st.PairingEnabled {
		t.Errorf("defaults = %+v, want all policy flags true", st)
	}
	if _, err := os.Stat(s.Path()); err != nil {
		t.Errorf("settings file not created: %v", err)
	}
}

func TestUpdatePersistsAcrossReopen(t *testing.T) {
	t.Setenv("TABWIRE_KEYRING_DISABLED", "1")
	path := filepath.Join(t.TempDir(), "relay.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	epoch := int64(3)
	if err := s.Update(func(st *State) {
		st.RelayPort = 9001
		st.RelayInstanceID = "relay-a"
		st.RelayEpoch = &epoch
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	st := reopened.Get()
	if st.RelayPort != 9001 || st.RelayInstanceID != "relay-a" {
		t.Errorf("reopened state = %+v", st)
	}
	if st.RelayEpoch == nil || *st.RelayEpoch != 3 {
		t.Errorf("RelayEpoch = %v, want 3", st.RelayEpoch)
	}
}

func TestAbsentEpochStaysAbsent(t *testing.T) {
	t.Setenv("TABWIRE_KEYRING_DISABLED", "1")
	path := filepath.Join(t.TempDir(), "relay.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Update(func(st *State) { st.RelayPort = 9001 }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Absent must round-trip as nil, never as zero: zero is a real epoch.
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Get().RelayEpoch != nil {
		t.Errorf("RelayEpoch = %v, want nil", reopened.Get().RelayEpoch)
	}
}

func TestTokenLifecycle(t *testing.T) {
	s := openTestStore(t)
	if s.Token() != "" {
		t.Fatal("fresh store should have no token")
	}

	epoch := int64(1)
	if err := s.SetToken("tok-abc", &epoch); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	if got := s.Token(); got != "tok-abc" {
		t.Errorf("Token = %q, want tok-abc", got)
	}
	if st := s.Get(); st.TokenEpoch == nil || *st.TokenEpoch != 1 {
		t.Errorf("TokenEpoch = %v, want 1", st.TokenEpoch)
	}

	if err := s.ClearToken(); err != nil {
		t.Fatalf("ClearToken: %v", err)
	}
	if s.Token() != "" {
		t.Error("token survived ClearToken")
	}
	if s.Get().TokenEpoch != nil {
		t.Error("TokenEpoch survived ClearToken")
	}
}

func TestClearRelayStateWipesEverything(t *testing.T) {
	s := openTestStore(t)
	epoch := int64(2)
	if err := s.Update(func(st *State) {
		st.RelayPort = 9001
		st.RelayInstanceID = "relay-a"
		st.RelayEpoch = &epoch
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.SetToken("tok-abc", &epoch); err != nil {
		t.Fatalf("SetToken: %v", err)
	}

	if err := s.ClearRelayState(); err != nil {
		t.Fatalf("ClearRelayState: %v", err)
	}
	st := s.Get()
	if st.RelayPort != 0 || st.RelayInstanceID != "" || st.RelayEpoch != nil || st.TokenEpoch != nil {
		t.Errorf("state after wipe = %+v", st)
	}
	if s.Token() != "" {
		t.Error("token survived wipe")
	}
	// Policy flags are settings, not cache: they survive.
	if !st.AutoConnect || !st.AutoPair {
		t.Error("policy flags wiped with relay state")
	}
}

func TestClearRelayStateKeepsHaltMarker(t *testing.T) {
	s := openTestStore(t)
	if err := s.Update(func(st *State) {
		st.RelayInstanceID = "relay-a"
		st.AutoConnectHalted = true
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := s.ClearRelayState(); err != nil {
		t.Fatalf("ClearRelayState: %v", err)
	}
	st := s.Get()
	if st.RelayInstanceID != "" {
		t.Error("identity survived wipe")
	}
	if !st.AutoConnectHalted {
		t.Error("halt marker must survive the wipe that raised it")
	}
}

func TestReloadPicksUpExternalEdit(t *testing.T) {
	s := openTestStore(t)
	edited := `{"autoConnect":false,"autoPair":true,"pairingEnabled":true,"relayPort":9002}`
	if err := os.WriteFile(s.Path(), []byte(edited), 0600); err != nil {
		t.Fatalf("writing external edit: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	st := s.Get()
	if st.AutoConnect || st.RelayPort != 9002 {
		t.Errorf("reloaded state = %+v", st)
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	t.Setenv("TABWIRE_KEYRING_DISABLED", "1")
	path := filepath.Join(t.TempDir(), "relay.json")
	if err := os.WriteFile(path, []byte("{broken"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Error("Open should fail on corrupt settings")
	}
}
