package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testIssuer        = "agora-identity"
	testCookieName    = "agora_session"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestVerifier(t *testing.T, issuer string) *TokenVerifier {
	t.Helper()
	v, err := NewTokenVerifier(VerifierConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        issuer,
		Clock:         func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	return v
}

func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() Claims {
	return Claims{
		UserID:          42,
		Nickname:        "alice",
		ProfileImageURL: "/avatars/42.png",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}
}

func TestNewTokenVerifierRequiresSecret(t *testing.T) {
	if _, err := NewTokenVerifier(VerifierConfig{}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected ErrMissingSigningSecret, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	v := newTestVerifier(t, testIssuer)
	token := signToken(t, jwt.SigningMethodHS256, []byte(testSigningSecret), validClaims())

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("unexpected verification failure: %v", err)
	}
	if id.UserID != 42 || id.DisplayName != "alice" || id.AvatarURL != "/avatars/42.png" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestVerifyFailures(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Minute))

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"

	noUser := validClaims()
	noUser.UserID = 0

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not.a.jwt", ErrInvalidToken},
		{"expired", signToken(t, jwt.SigningMethodHS256, []byte(testSigningSecret), expired), ErrExpiredToken},
		{"wrong secret", signToken(t, jwt.SigningMethodHS256, []byte("other"), validClaims()), ErrInvalidToken},
		{"wrong algorithm", signToken(t, jwt.SigningMethodHS512, []byte(testSigningSecret), validClaims()), ErrInvalidToken},
		{"wrong issuer", signToken(t, jwt.SigningMethodHS256, []byte(testSigningSecret), wrongIssuer), ErrInvalidToken},
		{"missing user", signToken(t, jwt.SigningMethodHS256, []byte(testSigningSecret), noUser), ErrMissingUser},
	}

	v := newTestVerifier(t, testIssuer)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestVerifyWithoutIssuerCheck(t *testing.T) {
	v := newTestVerifier(t, "")
	claims := validClaims()
	claims.Issuer = ""
	if _, err := v.Verify(signToken(t, jwt.SigningMethodHS256, []byte(testSigningSecret), claims)); err != nil {
		t.Fatalf("expected token without issuer to pass: %v", err)
	}
}

func TestGateCredentialSources(t *testing.T) {
	v := newTestVerifier(t, testIssuer)
	gate := NewGate(v, testCookieName)
	token := signToken(t, jwt.SigningMethodHS256, []byte(testSigningSecret), validClaims())

	query := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)

	bearer := httptest.NewRequest(http.MethodGet, "/ws", nil)
	bearer.Header.Set("Authorization", "Bearer "+token)

	cookie := httptest.NewRequest(http.MethodGet, "/ws", nil)
	cookie.AddCookie(&http.Cookie{Name: testCookieName, Value: token})

	for name, r := range map[string]*http.Request{"query": query, "bearer": bearer, "cookie": cookie} {
		t.Run(name, func(t *testing.T) {
			id, err := gate.Authenticate(r)
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if id.UserID != 42 {
				t.Errorf("unexpected user %d", id.UserID)
			}
		})
	}
}

func TestGateQueryWinsOverHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	r.AddCookie(&http.Cookie{Name: testCookieName, Value: "from-cookie"})
	if got := Credential(r, testCookieName); got != "from-query" {
		t.Errorf("expected query token, got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "bearer from-header")
	r.AddCookie(&http.Cookie{Name: testCookieName, Value: "from-cookie"})
	if got := Credential(r, testCookieName); got != "from-header" {
		t.Errorf("expected header token, got %q", got)
	}
}

func TestGateMissingCredential(t *testing.T) {
	gate := NewGate(newTestVerifier(t, testIssuer), testCookieName)
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := gate.Authenticate(r); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}
