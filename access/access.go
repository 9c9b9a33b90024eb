// Package access validates bearer tokens on the TLS surface. Token minting
// policy lives with the caller; this package only checks signatures and
// expiry so the server accepts exactly one user's traffic.
package access

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookieName is the cookie checked when no Authorization header is
// present, so browser websocket upgrades can carry credentials too.
const SessionCookieName = "portico_session"

// ErrInvalidToken means the presented credential failed validation.
var ErrInvalidToken = errors.New("access: invalid token")

// Claims are the token claims issued for a connection owner.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sessionId,omitempty"`
}

// MintToken signs an HS256 token for the given session, valid for ttl.
func MintToken(secret []byte, sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "portico",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: sessionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("access: sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token string.
func ValidateToken(secret []byte, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// tokenFromRequest extracts a credential from the Authorization header or the
// session cookie.
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
		return ""
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// Middleware rejects requests that do not carry a valid token. Rejections on
// the upgrade path never reach the socket; the router guard destroys the
// connection instead of writing the 401.
func Middleware(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "Access")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := tokenFromRequest(r)
			if tokenString == "" {
				logger.Warn("missing credential", "remote", r.RemoteAddr, "path", r.URL.Path)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := ValidateToken(secret, tokenString)
			if err != nil {
				logger.Warn("credential rejected", "remote", r.RemoteAddr, "path", r.URL.Path, "error", err)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			r.Header.Set("X-Portico-Session", claims.SessionID)
			next.ServeHTTP(w, r)
		})
	}
}
