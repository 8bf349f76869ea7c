package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(subject string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, target, header string) (echo.Context, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var reached echo.Context
	err := mw(func(c echo.Context) error {
		reached = c
		return nil
	})(c)
	if reached == nil {
		return c, false, err
	}
	return reached, true, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, reached, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/api/v1/runs", "")
	if reached {
		t.Fatal("expected handler not to run")
	}
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc123", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		t.Run(header, func(t *testing.T) {
			_, reached, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/api/v1/runs", header)
			if reached {
				t.Fatal("expected handler not to run")
			}
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tok := createTestToken(t, validClaims("planner-1", RolePlanner), testSigningKey)
	c, reached, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/api/v1/runs", "Bearer "+tok)
	if err != nil || !reached {
		t.Fatalf("expected handler to run, got %v", err)
	}
	ctx := c.Request().Context()
	if got := UserIDFromContext(ctx); got != "planner-1" {
		t.Errorf("expected user planner-1, got %q", got)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RolePlanner {
		t.Errorf("expected [planner], got %v", roles)
	}
	if c.Get("user_id") != "planner-1" {
		t.Errorf("expected user_id on echo context, got %v", c.Get("user_id"))
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	expired := validClaims("planner-1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	tests := []struct {
		name  string
		token string
	}{
		{"wrong key", createTestToken(t, validClaims("planner-1"), []byte("some-other-key-of-sufficient-size"))},
		{"expired", createTestToken(t, expired, testSigningKey)},
		{"no subject", createTestToken(t, validClaims(""), testSigningKey)},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, reached, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/api/v1/runs", "Bearer "+tt.token)
			if reached {
				t.Fatal("expected handler not to run")
			}
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_IssuerMismatch(t *testing.T) {
	claims := validClaims("planner-1")
	claims.Issuer = "someone-else"
	tok := createTestToken(t, claims, testSigningKey)

	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "patientflow"}
	_, reached, err := runMiddleware(t, JWTMiddleware(cfg), "/api/v1/runs", "Bearer "+tok)
	if reached {
		t.Fatal("expected handler not to run")
	}
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: HealthSkipper}
	if _, reached, err := runMiddleware(t, JWTMiddleware(cfg), "/health/db", ""); !reached || err != nil {
		t.Errorf("expected health path to skip auth, got %v", err)
	}
}

func TestJWTMiddleware_WebSocketQueryToken(t *testing.T) {
	tok := createTestToken(t, validClaims("viewer-1", RoleViewer), testSigningKey)
	c, reached, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/ws?access_token="+tok, "")
	if err != nil || !reached {
		t.Fatalf("expected websocket query token to authenticate, got %v", err)
	}
	if UserIDFromContext(c.Request().Context()) != "viewer-1" {
		t.Error("expected viewer-1 identity")
	}

	_, reached, err = runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "/api/v1/runs?access_token="+tok, "")
	if reached {
		t.Fatal("expected query token to be ignored outside /ws")
	}
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey}

	c, reached, err := runMiddleware(t, DevAuthMiddleware(cfg), "/api/v1/runs", "")
	if err != nil || !reached {
		t.Fatalf("expected anonymous request to pass, got %v", err)
	}
	if !HasRole(RolesFromContext(c.Request().Context()), RolePlanner) {
		t.Error("expected anonymous dev user to act as admin")
	}

	_, reached, err = runMiddleware(t, DevAuthMiddleware(cfg), "/api/v1/runs", "Bearer not.a.jwt")
	if reached {
		t.Fatal("expected a bad token to be rejected even in development")
	}
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestIssueToken_RoundTrip(t *testing.T) {
	tok, err := IssueToken(testSigningKey, "patientflow", "viewer-2", []string{RoleViewer}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "patientflow"}
	c, reached, err := runMiddleware(t, JWTMiddleware(cfg), "/api/v1/runs", "Bearer "+tok)
	if err != nil || !reached {
		t.Fatalf("expected issued token to verify, got %v", err)
	}
	if UserIDFromContext(c.Request().Context()) != "viewer-2" {
		t.Error("expected viewer-2 identity")
	}

	if _, err := IssueToken(nil, "", "x", nil, time.Hour); err == nil {
		t.Error("expected error without a key")
	}
	if _, err := IssueToken(testSigningKey, "", "", nil, time.Hour); err == nil {
		t.Error("expected error without a subject")
	}
}
