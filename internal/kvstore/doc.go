// Package kvstore provides small persistent key/value stores for session
// state that has to survive restarts: the access token entry and the
// fallback tenant identifier.
//
// Supports four backends with different security and deployment tradeoffs:
//   - File: One file per key with atomic writes and 0600 permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Memory: In-process store, lost on exit (tests, ephemeral runs)
//   - Redis: Shared store for several gateway processes on one host or cluster
package kvstore
