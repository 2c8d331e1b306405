package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/florianilch/schoolgate/internal/kvstore"
)

// DefaultFallbackKey is the kvstore key holding the last resolved tenant.
const DefaultFallbackKey = "tenant_subdomain"

// Option configures a Resolver.
type Option func(*Resolver)

// WithFallbackKey stores the fallback under a custom kvstore key.
func WithFallbackKey(key string) Option {
	return func(r *Resolver) {
		r.key = key
	}
}

// WithDefaultOrigin sets the host used when the context carries no origin.
func WithDefaultOrigin(host string) Option {
	return func(r *Resolver) {
		r.origin = host
	}
}

// WithLocalSuffixes replaces the development host suffixes (default "localhost").
func WithLocalSuffixes(suffixes ...string) Option {
	return func(r *Resolver) {
		r.localSuffixes = suffixes
	}
}

// Resolver implements the hint → fallback → origin chain.
type Resolver struct {
	fallback      kvstore.Store
	key           string
	origin        string
	localSuffixes []string

	// cached mirrors the persisted fallback once read or written
	mu     sync.Mutex
	known  bool
	cached string
}

// NewResolver creates a Resolver persisting its fallback into store.
func NewResolver(store kvstore.Store, opts ...Option) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("missing fallback store")
	}

	r := &Resolver{
		fallback:      store,
		key:           DefaultFallbackKey,
		localSuffixes: []string{DefaultLocalSuffix},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns the tenant for the current request, or "" when no source
// yields one. Requests then proceed without a tenant header.
func (r *Resolver) Resolve(ctx context.Context, hint string) string {
	if t := Sanitize(hint); t != "" {
		r.remember(ctx, t)
		return t
	}

	if t := r.stored(ctx); t != "" {
		return t
	}

	host, ok := OriginFrom(ctx)
	if !ok {
		host = r.origin
	}
	if t := fromHost(host, r.localSuffixes); t != "" {
		r.remember(ctx, t)
		return t
	}

	return ""
}

// Forget deletes the persisted fallback.
func (r *Resolver) Forget(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fallback.Delete(ctx, r.key); err != nil {
		return fmt.Errorf("deleting tenant fallback: %w", err)
	}
	r.known = true
	r.cached = ""
	return nil
}

// stored returns the sanitized fallback value. Read errors count as a miss.
func (r *Resolver) stored(ctx context.Context) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.known {
		return r.cached
	}

	raw, err := r.fallback.Get(ctx, r.key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			slog.WarnContext(ctx, "failed to read tenant fallback", "error", err)
			return ""
		}
		raw = ""
	}

	r.known = true
	r.cached = Sanitize(raw)
	return r.cached
}

// remember persists t unless it already is the stored fallback.
func (r *Resolver) remember(ctx context.Context, t string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.known && r.cached == t {
		return
	}

	if err := r.fallback.Set(ctx, r.key, t); err != nil {
		slog.WarnContext(ctx, "failed to persist tenant fallback", "tenant", t, "error", err)
		return
	}
	r.known = true
	r.cached = t
}
