// Package auth guards internal endpoints with HS256 service tokens.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/stream-guard/internal/platform/api"
	"github.com/example/stream-guard/internal/platform/httpserver"
)

type ctxKeyCaller struct{}

// CallerFromContext returns the subject of the service token that
// authenticated the request.
func CallerFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyCaller{}).(string)
	return v, ok
}

// WithCaller injects caller into context. Useful for testing.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, ctxKeyCaller{}, caller)
}

type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

type ServiceVerifier struct {
	Secret []byte
	// Scope, when set, must equal the token's scope claim.
	Scope string
}

func (v ServiceVerifier) Parse(tokenString string) (*Claims, error) {
	if len(v.Secret) == 0 {
		return nil, errors.New("missing verifier secret")
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return v.Secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if v.Scope != "" && claims.Scope != v.Scope {
		return nil, errors.New("scope mismatch")
	}
	return claims, nil
}

// RequireService validates a Bearer service token and injects the caller.
func RequireService(verifier ServiceVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := httpserver.RequestIDFromContext(r.Context())
			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				api.Unauthorized(w, "UNAUTHORIZED", "Missing bearer token", rid)
				return
			}
			claims, err := verifier.Parse(strings.TrimSpace(parts[1]))
			if err != nil || strings.TrimSpace(claims.Subject) == "" {
				api.Unauthorized(w, "UNAUTHORIZED", "Invalid bearer token", rid)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), claims.Subject)))
		})
	}
}
