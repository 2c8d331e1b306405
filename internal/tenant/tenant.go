// Package tenant decides which school a request belongs to.
//
// A tenant identifier is a sanitized subdomain label. It is taken from the
// first source that yields a valid value, in order: an explicit hint from
// session state, the persisted fallback, the request origin host. The
// winning value is persisted so later resolutions agree.
package tenant

import (
	"context"
	"net"
	"strings"
)

// DefaultLocalSuffix marks development hosts such as "app.localhost".
const DefaultLocalSuffix = "localhost"

// Sanitize trims and lowercases s and drops every character outside
// [a-z0-9-]. Returns "" when nothing, or only hyphens, remain.
func Sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}

	out := b.String()
	if strings.Trim(out, "-") == "" {
		return ""
	}
	return out
}

// FromHost derives a tenant from a request host using DefaultLocalSuffix.
func FromHost(host string) string {
	return fromHost(host, []string{DefaultLocalSuffix})
}

func fromHost(host string, localSuffixes []string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}

	labels := strings.Split(host, ".")

	if isLocal(host, localSuffixes) {
		// Bare "localhost" carries no tenant
		if len(labels) < 2 || labels[0] == "www" {
			return ""
		}
		return Sanitize(labels[0])
	}

	// Two labels is an apex domain like "paralearn.app", not a tenant
	if len(labels) < 3 {
		return ""
	}
	candidate := labels[0]
	if candidate == "www" {
		candidate = labels[1]
	}
	return Sanitize(candidate)
}

func isLocal(host string, suffixes []string) bool {
	for _, s := range suffixes {
		s = strings.ToLower(strings.Trim(s, ". "))
		if s == "" {
			continue
		}
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

type originKey struct{}

// WithOrigin attaches the host the current request originates from.
func WithOrigin(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, originKey{}, host)
}

// OriginFrom returns the host attached by WithOrigin.
func OriginFrom(ctx context.Context) (string, bool) {
	host, ok := ctx.Value(originKey{}).(string)
	return host, ok && host != ""
}
