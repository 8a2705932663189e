package middleware

import (
	"net/http"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/transport"
)

// RequireRole lets a request through only when the authenticated actor holds
// one of roles.
func RequireRole(base *transport.BaseHandler, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := internal.ActorFromContext(r.Context())
			if !ok || actor.ID == "" {
				base.HandleError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
				return
			}

			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			base.Logger.Warn("Access denied: actor lacks required role",
				"user_id", actor.ID,
				"required_roles", roles,
				"role", actor.Role)
			base.HandleError(w, internal.NewForbiddenError("insufficient permissions", internal.ErrCodeUnauthorizedAccess))
		})
	}
}
