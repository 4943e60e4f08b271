package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gatekeeperapp/gatekeeper-server/internal/auth"
	domainerrors "github.com/gatekeeperapp/gatekeeper-server/internal/errors"
)

// ctxKey is the type for context keys to avoid collisions.
type ctxKey string

// adminIDKey is the context key for the authenticated admin id.
const adminIDKey ctxKey = "adminID"

// GetAdminID returns the token subject from context.
// Returns 401 error if the request carried no valid token.
func GetAdminID(ctx context.Context) (int64, error) {
	adminID, ok := ctx.Value(adminIDKey).(int64)
	if !ok || adminID == 0 {
		return 0, huma.Error401Unauthorized("Authentication required")
	}
	return adminID, nil
}

// setAdminID stores the admin id in context.
func setAdminID(ctx context.Context, adminID int64) context.Context {
	return context.WithValue(ctx, adminIDKey, adminID)
}

// authMiddleware returns a middleware that validates Bearer tokens and stores
// the admin id in context. Requests without a valid token continue
// unauthenticated; handlers use requireAdmin to reject them.
func authMiddleware(tokens *auth.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := tokens.Verify(authHeader[7:])
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := setAdminID(r.Context(), claims.AdminID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireAdmin validates that the token subject is the configured admin.
// A valid token for any other account is 403.
func (s *Server) requireAdmin(ctx context.Context) (int64, error) {
	adminID, err := GetAdminID(ctx)
	if err != nil {
		return 0, err
	}
	if !s.services.Admin.IsAdmin(adminID) {
		return 0, domainerrors.Forbidden("Admin access required")
	}
	return adminID, nil
}

// streamSubject authorizes the admin event stream.
func (s *Server) streamSubject(r *http.Request) string {
	adminID, err := s.requireAdmin(r.Context())
	if err != nil {
		return ""
	}
	return strconv.FormatInt(adminID, 10)
}
