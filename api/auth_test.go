package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

func signHS256(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestBearerToken(t *testing.T) {
	if token, err := bearerToken("  Bearer header.payload.signature "); err != nil || token != "header.payload.signature" {
		t.Fatalf("unexpected result: %q %v", token, err)
	}
	if _, err := bearerToken(""); err != errMissingAuthorization {
		t.Fatalf("expected missing header error, got %v", err)
	}
	if _, err := bearerToken("Bearer " + strings.Repeat(".", 1000)); err != errBadAuthorization {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
	if _, err := bearerToken("Basic a.b.c"); err != errBadAuthorization {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
}

func TestSharedSecretAuth(t *testing.T) {
	secret := []byte("test-secret")
	auth := NewSharedSecretAuth(secret, "api://aud", "https://issuer/")
	claims := jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://aud",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
	}

	userID, err := auth.UserIDFromAuthHeader("Bearer " + signHS256(t, secret, claims))
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}

	claims["aud"] = "api://other"
	if _, err := auth.UserIDFromAuthHeader("Bearer " + signHS256(t, secret, claims)); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}

	claims["aud"] = "api://aud"
	if _, err := auth.UserIDFromAuthHeader("Bearer " + signHS256(t, []byte("wrong"), claims)); err == nil {
		t.Fatalf("expected bad signature to fail")
	}

	delete(claims, "sub")
	if _, err := auth.UserIDFromAuthHeader("Bearer " + signHS256(t, secret, claims)); err == nil || err.Error() != "missing sub" {
		t.Fatalf("expected missing sub error, got %v", err)
	}
}

func TestRequireUserAcceptsQueryToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/events?token=alice", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got string
	h := requireUser(stubAuth{})(func(c echo.Context) error {
		got = userID(c)
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got != "alice" {
		t.Fatalf("unexpected user: %q", got)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/tasks", nil), rec)
	if err := h(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSignSharedSecretRoundTrip(t *testing.T) {
	secret := []byte("local-secret")
	signed, err := SignSharedSecret(secret, "user-7", "boardsync", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	userID, err := NewSharedSecretAuth(secret, "boardsync", "").UserIDFromBearer(signed)
	if err != nil || userID != "user-7" {
		t.Fatalf("unexpected result: %q %v", userID, err)
	}
	if _, err := NewSharedSecretAuth([]byte("other"), "boardsync", "").UserIDFromBearer(signed); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
}
