// Package keychain stores the dev-mode root CA's private key in the OS
// keychain, falling back to a file on disk when the keychain is
// unavailable or explicitly disabled.
package keychain

import (
	"encoding/hex"
	"fmt"
	"os"

	zkr "github.com/zalando/go-keyring"
)

// Store retrieves and persists the dev CA private key under a given
// service/account pair, set by the caller's config (config.Keychain).
type Store struct {
	serviceName string
	accountName string
}

// New returns a Store for the given service/account names.
func New(serviceName, accountName string) Store {
	return Store{serviceName: serviceName, accountName: accountName}
}

// Get retrieves the stored key.
func (s Store) Get() ([]byte, error) {
	hexKey, err := zkr.Get(s.serviceName, s.accountName)
	if err != nil {
		return nil, fmt.Errorf("keychain get: %w", err)
	}
	return hex.DecodeString(hexKey)
}

// Set stores the key.
func (s Store) Set(key []byte) error {
	return zkr.Set(s.serviceName, s.accountName, hex.EncodeToString(key))
}

// Delete removes the stored key.
func (s Store) Delete() error {
	return zkr.Delete(s.serviceName, s.accountName)
}

// Available returns true if the OS keychain is functional.
// Returns false if disabled is true (config.IsKeychainDisabled), the
// TAKO_KEYCHAIN_DISABLED=1 escape hatch for headless/CI/Docker use.
// Otherwise probes the keychain with a test write/delete cycle.
func Available(disabled bool) bool {
	if disabled || os.Getenv("TAKO_KEYCHAIN_DISABLED") == "1" {
		return false
	}
	const probeService = "tako-keychain-probe"
	const probeAccount = "probe"
	if err := zkr.Set(probeService, probeAccount, "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(probeService, probeAccount)
	return true
}
