package auth

import (
	"net/http"
	"strings"
)

// Verifier validates a raw credential.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Gate extracts the credential from a request and verifies it.
type Gate struct {
	verifier   Verifier
	cookieName string
}

// NewGate creates a Gate. cookieName may be empty to disable cookie lookup.
func NewGate(verifier Verifier, cookieName string) *Gate {
	return &Gate{verifier: verifier, cookieName: strings.TrimSpace(cookieName)}
}

// Authenticate looks for a credential in the "token" query parameter, the
// Authorization bearer header, then the session cookie, and verifies the
// first one found.
func (g *Gate) Authenticate(r *http.Request) (Identity, error) {
	token := Credential(r, g.cookieName)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	return g.verifier.Verify(token)
}

// Credential returns the raw credential carried by r, or "".
func Credential(r *http.Request, cookieName string) string {
	if r == nil {
		return ""
	}
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	if t := bearerToken(r.Header.Get("Authorization")); t != "" {
		return t
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c != nil {
			return strings.TrimSpace(c.Value)
		}
	}
	return ""
}

func bearerToken(header string) string {
	const prefix = "bearer "
	header = strings.TrimSpace(header)
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
