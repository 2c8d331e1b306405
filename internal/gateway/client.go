package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/florianilch/schoolgate/internal/refresh"
)

// maxResponseBody bounds how much of a successful response Client reads.
const maxResponseBody = 8 << 20

// Request is one call made through Client.
type Request struct {
	Method string
	// Path is resolved against the client's base URL. A query in Path is
	// kept and merged with Query.
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
	// Tenant overrides the host's tenant hint.
	Tenant                string
	SkipForbiddenRedirect bool
}

// Response is a successful Client response with its body read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is the explicit entry point to the gateway, for callers that do not
// go through an http.Client.
type Client struct {
	g    *Gateway
	base *url.URL
	http *http.Client
}

// Client returns a Client sending requests relative to baseURL with hc.
// hc must not itself use the gateway's Transport.
func (g *Gateway) Client(baseURL string, hc *http.Client) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL must be absolute: %q", baseURL)
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{g: g, base: base, http: hc}, nil
}

// Send runs r through the gateway. Any non-success outcome is an *Error.
func (c *Client) Send(ctx context.Context, r Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	path, rawQuery, _ := strings.Cut(r.Path, "?")
	u := c.base.JoinPath(path)
	u.RawQuery = rawQuery
	if len(r.Query) > 0 {
		q := u.Query()
		for k, vs := range r.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	target := u.String()

	opts := optionsFrom(ctx)
	if r.Tenant != "" {
		opts.tenantHint = r.Tenant
	}
	if r.SkipForbiddenRedirect {
		opts.skipForbiddenRedirect = true
	}

	ep := c.g.endpoints.Classify(u.Path)
	resp, err := c.g.exchange(ctx, method, u.Redacted(), ep, opts, func(ctx context.Context, decorate func(*http.Request)) (*http.Response, error) {
		var body io.Reader
		if r.Body != nil {
			body = bytes.NewReader(r.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, err
		}
		for k, vs := range r.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if r.Body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		decorate(req)
		return c.http.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &Error{Kind: KindTransport, StatusCode: resp.StatusCode, Method: method, URL: u.Redacted(), Err: fmt.Errorf("reading response: %w", err)}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

// Login posts payload to the login endpoint and stores the returned token.
func (c *Client) Login(ctx context.Context, payload []byte) (*Response, error) {
	resp, err := c.Send(ctx, Request{
		Method: http.MethodPost,
		Path:   c.g.endpoints.Login,
		Body:   payload,
	})
	if err != nil {
		return nil, err
	}

	token, field, err := refresh.ExtractToken(resp.Body)
	if err != nil {
		return resp, fmt.Errorf("login response: %w", err)
	}
	if field != refresh.CanonicalField {
		slog.DebugContext(ctx, "login response used compatibility token field", "field", field)
	}
	if err := c.g.creds.Set(ctx, token); err != nil {
		// The token is usable for this process
		slog.ErrorContext(ctx, "failed to persist access token", "error", err)
	}

	return resp, nil
}

// Logout calls the logout endpoint and ends the session whatever it returns.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.Send(ctx, Request{
		Method:                http.MethodPost,
		Path:                  c.g.endpoints.Logout,
		SkipForbiddenRedirect: true,
	})
	c.g.Logout(ctx)
	return err
}

// Logout ends the session locally without calling the server.
func (g *Gateway) Logout(ctx context.Context) {
	g.terminate(ctx, ReasonLogout)
}
