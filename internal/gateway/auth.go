package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const callerKey contextKey = "caller"

// callerClaims binds a token to one node address. The gateway verifies the
// signature once at the boundary and threads the address through every
// registry call as the explicit authenticated caller.
type callerClaims struct {
	Address string `json:"addr"`
	jwt.RegisteredClaims
}

// MintToken issues a signed caller token for a node address.
func MintToken(secret []byte, address string, ttl time.Duration) (string, error) {
	if address == "" {
		return "", fmt.Errorf("address must not be empty")
	}

	now := time.Now()
	claims := callerClaims{
		Address: address,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Authenticate extracts and verifies the bearer token, rejecting requests
// without a valid caller identity before any handler runs.
func Authenticate(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
				return
			}

			var claims callerClaims
			_, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), &claims,
				func(t *jwt.Token) (interface{}, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
					}
					return secret, nil
				})
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
				return
			}
			if claims.Address == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "token carries no caller address"})
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, claims.Address)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Caller returns the authenticated caller address from the request context.
func Caller(ctx context.Context) string {
	addr, _ := ctx.Value(callerKey).(string)
	return addr
}
