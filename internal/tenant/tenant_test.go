package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/schoolgate/internal/kvstore"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  School-1!! ", "school-1"},
		{"---", ""},
		{"", ""},
		{"   ", ""},
		{"BrightFuture", "brightfuture"},
		{"b r i g h t", "bright"},
		{"école", "cole"},
		{"-a-", "-a-"},
		{"!!!", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), "Sanitize(%q)", tt.in)
	}
}

func TestFromHost(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"brightfuture.pln.ng", "brightfuture"},
		{"paralearn.app", ""},
		{"app.localhost", "app"},
		{"www.localhost", ""},
		{"localhost", ""},
		{"app.localhost:3000", "app"},
		{"BrightFuture.PLN.ng:443", "brightfuture"},
		{"www.brightfuture.pln.ng", "brightfuture"},
		{"127.0.0.1", ""},
		{"[::1]:8080", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FromHost(tt.host), "FromHost(%q)", tt.host)
	}
}

func TestFromHostCustomLocalSuffix(t *testing.T) {
	assert.Equal(t, "riverside", fromHost("riverside.test", []string{"test"}))
	assert.Equal(t, "", fromHost("riverside.test", []string{"localhost"}), "two labels, not local")
}

func newResolver(t *testing.T, stored string, opts ...Option) (*Resolver, kvstore.Store) {
	t.Helper()
	kv := kvstore.NewMemoryStore()
	if stored != "" {
		require.NoError(t, kv.Set(context.Background(), DefaultFallbackKey, stored))
	}
	r, err := NewResolver(kv, opts...)
	require.NoError(t, err)
	return r, kv
}

func TestResolvePriority(t *testing.T) {
	originCtx := WithOrigin(context.Background(), "gamma.pln.ng")

	t.Run("explicit hint wins", func(t *testing.T) {
		r, _ := newResolver(t, "beta")
		assert.Equal(t, "alpha", r.Resolve(originCtx, "Alpha"))
	})

	t.Run("fallback when hint absent", func(t *testing.T) {
		r, _ := newResolver(t, "beta")
		assert.Equal(t, "beta", r.Resolve(originCtx, ""))
	})

	t.Run("origin when hint and fallback absent, then persisted", func(t *testing.T) {
		r, kv := newResolver(t, "")
		assert.Equal(t, "gamma", r.Resolve(originCtx, ""))

		stored, err := kv.Get(context.Background(), DefaultFallbackKey)
		require.NoError(t, err)
		assert.Equal(t, "gamma", stored)

		// A fresh resolver sees the persisted value without any origin
		fresh, err := NewResolver(kv)
		require.NoError(t, err)
		assert.Equal(t, "gamma", fresh.Resolve(context.Background(), ""))
	})

	t.Run("invalid hint falls through", func(t *testing.T) {
		r, _ := newResolver(t, "beta")
		assert.Equal(t, "beta", r.Resolve(originCtx, "---"))
	})

	t.Run("invalid fallback falls through to origin", func(t *testing.T) {
		r, _ := newResolver(t, "!!!")
		assert.Equal(t, "gamma", r.Resolve(originCtx, ""))
	})

	t.Run("nothing resolvable", func(t *testing.T) {
		r, _ := newResolver(t, "")
		assert.Equal(t, "", r.Resolve(WithOrigin(context.Background(), "paralearn.app"), ""))
	})
}

func TestResolvePersistsHint(t *testing.T) {
	r, kv := newResolver(t, "beta")

	assert.Equal(t, "alpha", r.Resolve(context.Background(), "alpha"))

	stored, err := kv.Get(context.Background(), DefaultFallbackKey)
	require.NoError(t, err)
	assert.Equal(t, "alpha", stored)
}

func TestResolveDefaultOrigin(t *testing.T) {
	r, _ := newResolver(t, "", WithDefaultOrigin("app.localhost:3000"))
	assert.Equal(t, "app", r.Resolve(context.Background(), ""))

	// Context origin takes precedence over the configured default
	r2, _ := newResolver(t, "", WithDefaultOrigin("app.localhost"))
	assert.Equal(t, "north", r2.Resolve(WithOrigin(context.Background(), "north.localhost"), ""))
}

func TestForget(t *testing.T) {
	r, kv := newResolver(t, "beta")
	require.Equal(t, "beta", r.Resolve(context.Background(), ""))

	require.NoError(t, r.Forget(context.Background()))
	assert.Equal(t, "", r.Resolve(context.Background(), ""))

	_, err := kv.Get(context.Background(), DefaultFallbackKey)
	assert.True(t, errors.Is(err, kvstore.ErrNotFound))
}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, error) { return "", errors.New("disk on fire") }
func (failingStore) Set(context.Context, string, string) error   { return errors.New("disk on fire") }
func (failingStore) Delete(context.Context, string) error        { return errors.New("disk on fire") }

func TestResolveToleratesFallbackErrors(t *testing.T) {
	r, err := NewResolver(failingStore{})
	require.NoError(t, err)

	assert.Equal(t, "alpha", r.Resolve(context.Background(), "alpha"))
	assert.Equal(t, "gamma", r.Resolve(WithOrigin(context.Background(), "gamma.pln.ng"), ""))
}
