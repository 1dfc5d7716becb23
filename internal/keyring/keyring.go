package keyring

import (
	"os"

	zkr "github.com/zalando/go-keyring"
)

const (
	serviceName = "tabwire"
	accountName = "relay-pairing-token"
)

// Get retrieves the relay pairing token from the OS keychain.
func Get() (string, error) {
	return zkr.Get(serviceName, accountName)
}

// Set stores the relay pairing token in the OS keychain.
func Set(token string) error {
	return zkr.Set(serviceName, accountName, token)
}

// Delete removes the relay pairing token from the OS keychain.
// Deleting a token that is not present is not an error.
func Delete() error {
	err := zkr.Delete(serviceName, accountName)
	if err == zkr.ErrNotFound {
		return nil
	}
	return err
}

// Available returns true if the OS keychain is functional.
// Returns false if TABWIRE_KEYRING_DISABLED=1 is set (opt-in for headless/CI/Docker).
// Otherwise probes the keychain with a test write/read/delete cycle.
func Available() bool {
	if os.Getenv("TABWIRE_KEYRING_DISABLED") == "1" {
		return false
	}
	testService := "tabwire-keyring-probe"
	testAccount := "probe"
	if err := zkr.Set(testService, testAccount, "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(testService, testAccount)
	return true
}
