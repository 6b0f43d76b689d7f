package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

type contextKey int

const permissionsContextKey contextKey = iota

// WithPermissions returns a context carrying p.
func WithPermissions(ctx context.Context, p *Permissions) context.Context {
	return context.WithValue(ctx, permissionsContextKey, p)
}

// PermissionsFromContext returns the caller's permissions, or nil for an
// unauthenticated request.
func PermissionsFromContext(ctx context.Context) *Permissions {
	p, _ := ctx.Value(permissionsContextKey).(*Permissions)
	return p
}

// Middleware authenticates the bearer token on every request and stores the
// resulting permissions in the context. Requests without a valid token are
// rejected with 401.
func (v *Verifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			perms, err := v.Verify(extractBearerToken(r))
			if err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Authentication failed")
				w.Header().Set("WWW-Authenticate", `Bearer realm="keyforge"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPermissions(r.Context(), perms)))
		})
	}
}

// AllowAll grants every permission without authentication. Development only.
func AllowAll() func(http.Handler) http.Handler {
	perms := &Permissions{Subject: "anonymous", CanManage: true, CanSign: true}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithPermissions(r.Context(), perms)))
		})
	}
}

// extractBearerToken extracts the JWT from the Authorization header.
func extractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
