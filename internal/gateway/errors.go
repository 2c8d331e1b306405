package gateway

import (
	"fmt"
	"io"
	"net/http"
)

// maxErrorBody bounds how much of a failed response is kept on Error.
const maxErrorBody = 64 << 10

// Kind classifies why a request failed.
type Kind int

const (
	// KindUnauthenticated is a 401 on a regular endpoint. It is recovered by
	// refresh and only surfaces when the caller stops waiting for one.
	KindUnauthenticated Kind = iota + 1
	// KindAuthenticationRejected is a 401 from the login endpoint.
	KindAuthenticationRejected
	// KindRefreshFailed means no new token could be obtained. Terminal.
	KindRefreshFailed
	// KindForbidden is a 403.
	KindForbidden
	// KindServerError is a 5xx.
	KindServerError
	// KindTransport means no response was received.
	KindTransport
	// KindSessionExpired is a 401 on a request already retried after refresh. Terminal.
	KindSessionExpired
	// KindClientError is any other 4xx.
	KindClientError
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindAuthenticationRejected:
		return "authentication_rejected"
	case KindRefreshFailed:
		return "refresh_failed"
	case KindForbidden:
		return "forbidden"
	case KindServerError:
		return "server_error"
	case KindTransport:
		return "transport_error"
	case KindSessionExpired:
		return "session_expired"
	case KindClientError:
		return "client_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by both gateway entry points. errors.Is matches it
// against the sentinels below by Kind alone.
type Error struct {
	Kind       Kind
	StatusCode int
	Method     string
	URL        string
	// Body holds the start of the failed response body, if there was one.
	Body []byte
	Err  error
}

// Sentinels for errors.Is.
var (
	ErrUnauthenticated        = &Error{Kind: KindUnauthenticated}
	ErrAuthenticationRejected = &Error{Kind: KindAuthenticationRejected}
	ErrRefreshFailed          = &Error{Kind: KindRefreshFailed}
	ErrForbidden              = &Error{Kind: KindForbidden}
	ErrServerError            = &Error{Kind: KindServerError}
	ErrTransport              = &Error{Kind: KindTransport}
	ErrSessionExpired         = &Error{Kind: KindSessionExpired}
	ErrClientError            = &Error{Kind: KindClientError}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Method != "" || e.URL != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Method, e.URL, msg)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// responseError builds an Error from resp, consuming and closing its body.
func responseError(kind Kind, method, target string, resp *http.Response) *Error {
	e := &Error{Kind: kind, Method: method, URL: target}
	if resp == nil {
		return e
	}
	e.StatusCode = resp.StatusCode
	if resp.Body != nil {
		e.Body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
	}
	return e
}

// discard drains and closes resp so the connection can be reused.
func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
