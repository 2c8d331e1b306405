package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Transport is the http.RoundTripper entry point. Requests through it get
// credentials and tenant applied, and are retried once after a refresh.
type Transport struct {
	g    *Gateway
	base http.RoundTripper
}

// Transport returns a RoundTripper sending through base, or
// http.DefaultTransport if base is nil.
func (g *Gateway) Transport(base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{g: g, base: base}
}

// RoundTrip implements http.RoundTripper. Failures are returned as *Error.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, err := rewindable(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Method: req.Method, URL: req.URL.Redacted(), Err: err}
	}

	ctx := req.Context()
	ep := t.g.endpoints.Classify(req.URL.Path)

	return t.g.exchange(ctx, req.Method, req.URL.Redacted(), ep, optionsFrom(ctx), func(ctx context.Context, decorate func(*http.Request)) (*http.Response, error) {
		out := req.Clone(ctx)
		if body != nil {
			b, err := body()
			if err != nil {
				return nil, fmt.Errorf("rewinding request body: %w", err)
			}
			out.Body = b
		}
		decorate(out)
		return t.base.RoundTrip(out)
	})
}

// rewindable returns a function yielding a fresh copy of req's body for
// every attempt, or nil if req has none. The original body is consumed and
// closed.
func rewindable(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		_ = req.Body.Close()
		return req.GetBody, nil
	}

	buf, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}, nil
}
