package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Xuniverzadmin/remedyq/internal/log"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-secret"

func signedToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %s", err)
	}
	return token
}

func protectedEcho(t *testing.T) http.Handler {
	t.Helper()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(operatorFrom(r.Context())))
	})
	return authMiddleware(testSecret, log.NewNop())(inner)
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	rec := httptest.NewRecorder()
	protectedEcho(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/locks", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsWrongSecret(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/locks", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "other-secret", jwt.MapClaims{"sub": "mallory"}))

	rec := httptest.NewRecorder()
	protectedEcho(t).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsExpiredToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/locks", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testSecret, jwt.MapClaims{
		"sub": "operator-a",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}))

	rec := httptest.NewRecorder()
	protectedEcho(t).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewarePassesSubjectThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/locks", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testSecret, jwt.MapClaims{
		"sub": "operator-a",
		"exp": time.Now().Add(time.Hour).Unix(),
	}))

	rec := httptest.NewRecorder()
	protectedEcho(t).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "operator-a" {
		t.Fatalf("expected subject on the request context, got %q", rec.Body.String())
	}
}

func TestOperatorFromWithoutClaims(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := operatorFrom(req.Context()); got != "unknown" {
		t.Fatalf("expected unknown operator, got %q", got)
	}
}
