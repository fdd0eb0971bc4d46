package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/kalambet/replydesk/internal/authz"
)

// BearerAuth rejects requests without the shared API token. An empty token
// disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

// Identity attaches the caller resolved by the fronting gateway. Requests
// without identity headers pass through unauthenticated; core operations
// reject them.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := strings.TrimSpace(r.Header.Get(headerUserID))
		rawRole := strings.TrimSpace(r.Header.Get(headerUserRole))
		if uid == "" && rawRole == "" {
			next.ServeHTTP(w, r)
			return
		}
		role, err := authz.ParseRole(strings.ToLower(rawRole))
		if err != nil || uid == "" {
			httpError(w, http.StatusUnauthorized, "authentication_error", "invalid identity headers")
			return
		}
		ctx := authz.WithPrincipal(r.Context(), authz.Principal{UserID: uid, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
