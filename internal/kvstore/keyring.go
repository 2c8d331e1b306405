package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore keeps values in the OS-native credential storage.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
// Each key becomes its own keyring service entry ("<service>.<key>") for the same user.
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore using the given service prefix and user identifier.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

func (k *KeyringStore) entry(key string) string {
	return k.service + "." + key
}

// Get returns the value from the system keyring. Returns ErrNotFound if missing or empty.
func (k *KeyringStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateKey(key); err != nil {
		return "", err
	}

	value, err := keyring.Get(k.entry(key), k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if value == "" {
		return "", ErrNotFound
	}

	return value, nil
}

// Set persists the value to the system keyring, overwriting any existing value.
func (k *KeyringStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	return keyring.Set(k.entry(key), k.user, value)
}

// Delete removes the keyring entry for key.
func (k *KeyringStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	err := keyring.Delete(k.entry(key), k.user)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}
