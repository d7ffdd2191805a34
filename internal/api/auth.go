package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/kalambet/mhx/internal/storage"
)

type userKey struct{}

// TokenAuth resolves the bearer token of each request against the store and
// puts the user in the request context.
func TokenAuth(store *storage.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				httpError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			u, err := store.UserForToken(r.Context(), auth[len(prefix):])
			if err != nil {
				httpError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, u)))
		})
	}
}

// userFrom returns the user TokenAuth stored in ctx.
func userFrom(ctx context.Context) storage.User {
	u, _ := ctx.Value(userKey{}).(storage.User)
	return u
}
