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

// authorizeBearer checks the request against the configured token. Browsers
// cannot set headers on websocket upgrades, so the stream also accepts the
// token as the access_token query parameter.
func authorizeBearer(r *http.Request, token string, allowQuery bool) *authError {
	if token == "" {
		return nil
	}
	presented, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok && allowQuery {
		presented = strings.TrimSpace(r.URL.Query().Get("access_token"))
		ok = presented != ""
	}
	if !ok {
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

func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return raw, raw != ""
}
