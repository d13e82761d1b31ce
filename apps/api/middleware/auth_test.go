package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-at-least-32-bytes"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func protected(t *testing.T) http.Handler {
	t.Helper()
	m, err := NewAuthMiddleware("", testSecret)
	require.NoError(t, err)
	return m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetSubject(r.Context())))
	}))
}

func TestNewAuthMiddleware_RequiresVerifier(t *testing.T) {
	_, err := NewAuthMiddleware("", "")
	assert.ErrorIs(t, err, ErrNoVerifier)
}

func TestAuthenticate(t *testing.T) {
	valid := signToken(t, testSecret, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})
	expired := signToken(t, testSecret, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Hour).Unix()})
	wrongKey := signToken(t, "another-secret-entirely-32-bytes!!", jwt.MapClaims{"sub": "alice"})
	noSubject := signToken(t, testSecret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})

	tests := []struct {
		name       string
		header     string
		protocol   string
		wantStatus int
		wantBody   string
	}{
		{"bearer header", "Bearer " + valid, "", http.StatusOK, "alice"},
		{"websocket subprotocol", "", "bearer, " + valid, http.StatusOK, "alice"},
		{"missing token", "", "", http.StatusUnauthorized, ""},
		{"malformed header", "Token " + valid, "", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized, ""},
		{"wrong key", "Bearer " + wrongKey, "", http.StatusUnauthorized, ""},
		{"no subject", "Bearer " + noSubject, "", http.StatusUnauthorized, ""},
	}

	h := protected(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/connections", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.protocol != "" {
				req.Header.Set("Sec-WebSocket-Protocol", tt.protocol)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}
