package security

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	// KeychainService is the service name used for storing passwords in the keychain
	KeychainService = "cascade-relay"
)

// Keychain provides secure password storage using OS keychain
type Keychain struct{}

// NewKeychain creates a new keychain instance
func NewKeychain() *Keychain {
	return &Keychain{}
}

// Account is the keychain entry name for a network of a relay user.
func Account(user, network string) string {
	return user + "/" + network
}

// StorePassword stores a password for an account in the OS keychain
func (k *Keychain) StorePassword(account string, password string) error {
	if password == "" {
		// Empty password, delete instead
		return k.DeletePassword(account)
	}
	if err := keyring.Set(KeychainService, account, password); err != nil {
		return fmt.Errorf("failed to store password in keychain: %w", err)
	}
	return nil
}

// GetPassword retrieves a password for an account from the OS keychain.
// A missing entry yields "" and no error.
func (k *Keychain) GetPassword(account string) (string, error) {
	password, err := keyring.Get(KeychainService, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get password from keychain: %w", err)
	}
	return password, nil
}

// DeletePassword removes a password for an account from the OS keychain
func (k *Keychain) DeletePassword(account string) error {
	if err := keyring.Delete(KeychainService, account); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete password from keychain: %w", err)
	}
	return nil
}
