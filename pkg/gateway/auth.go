package gateway

import (
	"crypto/subtle"
	"net/http"
)

// SecretHeader carries the shared secret on every authenticated request.
const SecretHeader = "X-Agentcore-Secret"

// AuthHandler checks the shared secret of inbound requests. An empty secret
// disables the check.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether requests must present the secret.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// Verify compares presented with the shared secret in constant time.
func (a *AuthHandler) Verify(presented string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
}

// Middleware rejects requests without the shared secret.
func (a *AuthHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Verify(r.Header.Get(SecretHeader)) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
