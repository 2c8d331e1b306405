package gateway

import "strings"

// Endpoint classifies a request target by how 401s on it are treated.
type Endpoint int

const (
	EndpointDefault Endpoint = iota
	EndpointLogin
	EndpointRefresh
	EndpointLogout
)

func (e Endpoint) String() string {
	switch e {
	case EndpointLogin:
		return "login"
	case EndpointRefresh:
		return "refresh"
	case EndpointLogout:
		return "logout"
	default:
		return "default"
	}
}

// Endpoints holds the path suffixes identifying the auth endpoints.
type Endpoints struct {
	Login   string
	Refresh string
	Logout  string
}

// DefaultEndpoints returns the dashboard API's auth paths.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:   "/auth/login",
		Refresh: "/auth/refresh",
		Logout:  "/auth/logout",
	}
}

// Classify maps a request path onto an Endpoint by suffix. Relative paths,
// as url.JoinPath yields on a base URL without a path, are rooted first.
func (e Endpoints) Classify(path string) Endpoint {
	path = "/" + strings.Trim(path, "/")
	switch {
	case matchSuffix(path, e.Login):
		return EndpointLogin
	case matchSuffix(path, e.Refresh):
		return EndpointRefresh
	case matchSuffix(path, e.Logout):
		return EndpointLogout
	default:
		return EndpointDefault
	}
}

func matchSuffix(path, suffix string) bool {
	suffix = strings.TrimSuffix(suffix, "/")
	return suffix != "" && strings.HasSuffix(path, suffix)
}

// carriesTenant reports whether requests to e get the tenant header.
// Authentication happens before a tenant is known.
func (e Endpoint) carriesTenant() bool {
	return e == EndpointDefault
}

// Attempt is one logical request and whether it was already retried
// after a refresh.
type Attempt struct {
	Endpoint Endpoint
	Retried  bool
}

// Action is what the gateway does after an attempt.
type Action int

const (
	// ActionReturn hands the response to the caller.
	ActionReturn Action = iota
	// ActionRefresh refreshes the token and re-dispatches once.
	ActionRefresh
	// ActionTerminate ends the session and surfaces Kind.
	ActionTerminate
	// ActionFail surfaces Kind without touching the session.
	ActionFail
)

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Kind   Kind
}

// Decide is the gateway state machine. It maps an attempt and what it got
// back (a status code, or a transport error) onto the next action. Both
// entry points drive their requests through it.
func Decide(a Attempt, status int, transportErr error) Decision {
	if transportErr != nil {
		return Decision{Action: ActionFail, Kind: KindTransport}
	}

	switch {
	case status >= 200 && status < 400:
		return Decision{Action: ActionReturn}
	case status == 401:
		switch {
		case a.Endpoint == EndpointLogin:
			// A failed login is not an expired session
			return Decision{Action: ActionFail, Kind: KindAuthenticationRejected}
		case a.Endpoint == EndpointRefresh:
			return Decision{Action: ActionTerminate, Kind: KindRefreshFailed}
		case a.Retried:
			return Decision{Action: ActionTerminate, Kind: KindSessionExpired}
		default:
			return Decision{Action: ActionRefresh, Kind: KindUnauthenticated}
		}
	case status == 403:
		return Decision{Action: ActionFail, Kind: KindForbidden}
	case status >= 500:
		return Decision{Action: ActionFail, Kind: KindServerError}
	default:
		return Decision{Action: ActionFail, Kind: KindClientError}
	}
}
