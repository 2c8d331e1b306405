package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one file per key inside a private directory.
// Writes use temp file + rename for crash safety.
type FileStore struct {
	dir string
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at dir, creating it with 0700
// permissions if it doesn't exist.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory cannot be empty")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	return &FileStore{
		dir: dir,
	}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, key)
}

// Get returns the stored value after trimming whitespace. Returns ErrNotFound
// if the file doesn't exist or is empty, and an error if it has insecure permissions.
func (f *FileStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateKey(key); err != nil {
		return "", err
	}

	p := f.path(key)

	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if info.Mode().Perm() != 0600 {
		return "", fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", p, info.Mode().Perm())
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}

	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Set atomically saves the value with 0600 permissions (owner read/write only).
func (f *FileStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	// Temp file in the same directory so the rename stays on one filesystem
	tempFile, err := os.CreateTemp(f.dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if err := tempFile.Chmod(0600); err != nil {
		return err
	}
	if _, err := tempFile.WriteString(strings.TrimSpace(value) + "\n"); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	return os.Rename(tempName, f.path(key))
}

// Delete removes the file for key.
func (f *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
