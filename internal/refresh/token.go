package refresh

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// CanonicalField is the token field every current deployment returns.
const CanonicalField = "accessToken"

// TokenFields lists the accepted token locations in lookup order.
var TokenFields = []string{CanonicalField, "data.accessToken", "token", "data.token"}

var (
	// ErrInvalidBody is returned for a response body that is not JSON.
	ErrInvalidBody = errors.New("response body is not valid JSON")
	// ErrMissingToken is returned when no accepted field holds a token.
	ErrMissingToken = errors.New("no access token in response")
)

// ExtractToken returns the first non-empty string token found in body and
// the field it was read from.
func ExtractToken(body []byte) (token, field string, err error) {
	if !gjson.ValidBytes(body) {
		return "", "", ErrInvalidBody
	}

	for _, f := range TokenFields {
		r := gjson.GetBytes(body, f)
		if r.Type != gjson.String {
			continue
		}
		if t := strings.TrimSpace(r.Str); t != "" {
			return t, f, nil
		}
	}

	return "", "", ErrMissingToken
}
