package httpapi

import (
	"crypto/hmac"
	"net/http"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeToken checks a shared bearer token. Browsers cannot set headers
// on a websocket handshake, so a token query parameter is accepted as well.
func authorizeToken(r *http.Request, token string) *authError {
	if token == "" {
		return nil
	}
	presented := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		presented = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if query := r.URL.Query().Get("token"); query != "" {
		presented = strings.TrimSpace(query)
	}
	if presented == "" {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	if !hmac.Equal([]byte(presented), []byte(token)) {
		return &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "token mismatch",
		}
	}
	return nil
}
