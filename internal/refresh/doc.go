// Package refresh exchanges the session cookie for a new access token.
//
// A Coordinator issues at most one refresh call at a time. Every caller that
// asks for a refresh while one is in flight waits for that same call and
// receives its outcome; once it settles the slot is idle again so a later
// expiry triggers a fresh call.
//
//	c, err := refresh.NewCoordinator(baseURL+"/auth/refresh", store,
//		refresh.WithHTTPClient(&http.Client{Jar: jar}),
//		refresh.WithTimeout(30*time.Second),
//	)
//	token, err := c.Refresh(ctx, staleToken)
//
// # Response shapes
//
// The refresh endpoint is expected to answer {"accessToken": "..."}.
// For older deployments the nested and short forms data.accessToken, token
// and data.token are still accepted, in that order.
package refresh
