// ABOUTME: HTTP middleware guarding operator endpoints with bearer tokens.
// ABOUTME: Agent-facing endpoints never pass through this; agents are identified by session id alone.

package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey struct{}

// WithOperator stores the authenticated operator name in the context.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, contextKey{}, operator)
}

// OperatorFromContext returns the authenticated operator name, or "" when
// the request was not authenticated.
func OperatorFromContext(ctx context.Context) string {
	op, _ := ctx.Value(contextKey{}).(string)
	return op
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware returns an HTTP middleware that requires a valid bearer token
// and stashes the operator name in the request context.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			operator, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), operator)))
		})
	}
}
