package auth

import (
	"net/http"
	"strings"
)

const (
	tokenQueryParameter = "token"
	authFieldHeader     = "X-Auth-Token"
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

// ExtractHandshakeToken pulls the bearer credential from a connection
// handshake request. Sources are checked in priority order: the token query
// parameter, the explicit auth header, then the Authorization header.
// Returns the empty string when no credential is present.
func ExtractHandshakeToken(r *http.Request) string {
	if r == nil {
		return ""
	}

	if queryToken := strings.TrimSpace(r.URL.Query().Get(tokenQueryParameter)); queryToken != "" {
		return queryToken
	}

	if fieldToken := strings.TrimSpace(r.Header.Get(authFieldHeader)); fieldToken != "" {
		return fieldToken
	}

	header := r.Header.Get(authorizationHeader)
	if strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}

	return ""
}
