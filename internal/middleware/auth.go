// internal/middleware/auth.go

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jason-s-yu/farkle/internal/auth"
)

type claimsKey struct{}

// RequireRole rejects requests without a bearer token carrying role.
func RequireRole(iss *auth.Issuer, role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := iss.RequireRole(token, role)
			switch {
			case errors.Is(err, auth.ErrForbidden):
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			case err != nil:
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// ClaimsFrom returns the claims stored by RequireRole.
func ClaimsFrom(ctx context.Context) (auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(auth.Claims)
	return c, ok
}
