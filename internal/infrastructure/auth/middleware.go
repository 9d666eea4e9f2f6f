package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	pkgerrors "github.com/chargemap/chargemap-api/pkg/errors"
)

type contextKey struct{}

var identityKey contextKey

// IdentityFrom returns the identity attached by Middleware. The second
// return is false on routes that never passed through it.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithIdentity is used by tests to build authenticated request contexts.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Middleware gates protected routes behind a valid access token. It only
// attaches the verified identity to the request context; it never touches
// persisted state.
func Middleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, pkgerrors.ErrMissingCredentials)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				unauthorized(w, pkgerrors.ErrMissingCredentials)
				return
			}

			id, err := tokens.VerifyAccess(parts[1])
			if err != nil {
				unauthorized(w, pkgerrors.ErrInvalidToken)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
