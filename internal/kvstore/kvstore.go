package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("kvstore: key not found")

// Store reads and writes string values by key.
type Store interface {
	// Get returns the stored value. Returns ErrNotFound if the key is missing or empty.
	Get(ctx context.Context, key string) (string, error)

	// Set persists the value, overwriting any existing one.
	Set(ctx context.Context, key, value string) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// validateKey rejects keys that cannot be mapped safely onto every backend
// (file names in particular).
func validateKey(key string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
