// Package middleware guards the daemon's HTTP and WebSocket surface with
// bearer tokens.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const SubjectKey contextKey = "subject"

var ErrNoVerifier = errors.New("auth requires a JWKS URL or a JWT secret")

type AuthMiddleware struct {
	jwks      keyfunc.Keyfunc
	jwtSecret []byte
}

// NewAuthMiddleware accepts tokens signed by a key from jwksURL or with the
// HS256 secret. Either may be empty, not both.
func NewAuthMiddleware(jwksURL string, jwtSecret string) (*AuthMiddleware, error) {
	if jwksURL == "" && jwtSecret == "" {
		return nil, ErrNoVerifier
	}

	m := &AuthMiddleware{jwtSecret: []byte(jwtSecret)}
	if jwksURL != "" {
		jwks, err := keyfunc.NewDefault([]string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
		}
		m.jwks = jwks
	}
	return m, nil
}

func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ExtractTokenFromRequest(r)
		if tokenString == "" {
			writeAuthError(w, "missing bearer token")
			return
		}

		subject, err := m.ValidateToken(tokenString)
		if err != nil {
			writeAuthError(w, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), SubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSubject extracts the token subject from the request context
func GetSubject(ctx context.Context) string {
	subject, _ := ctx.Value(SubjectKey).(string)
	return subject
}

// ExtractTokenFromRequest extracts JWT from either Authorization header or WebSocket subprotocol
func ExtractTokenFromRequest(r *http.Request) string {
	// Try Authorization header first
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
	}

	// Browsers cannot set headers on WebSocket upgrades.
	// Client sends: Sec-WebSocket-Protocol: bearer, <token>
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	if protocols != "" {
		parts := strings.Split(protocols, ",")
		for i, p := range parts {
			if strings.TrimSpace(p) == "bearer" && i+1 < len(parts) {
				return strings.TrimSpace(parts[i+1])
			}
		}
	}

	return ""
}

// ValidateToken validates a JWT and returns its subject
func (m *AuthMiddleware) ValidateToken(tokenString string) (string, error) {
	token, err := m.parseToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return "", fmt.Errorf("invalid subject in token")
	}

	return subject, nil
}

// parseToken tries JWKS first, then falls back to the HS256 secret
func (m *AuthMiddleware) parseToken(tokenString string) (*jwt.Token, error) {
	if m.jwks != nil {
		token, err := jwt.Parse(tokenString, m.jwks.Keyfunc)
		if err == nil && token.Valid {
			return token, nil
		}
	}

	if len(m.jwtSecret) > 0 {
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.jwtSecret, nil
		})
		if err == nil && token.Valid {
			return token, nil
		}
	}

	return nil, fmt.Errorf("token validation failed")
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
