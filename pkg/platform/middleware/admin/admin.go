package admin

import (
	"log/slog"
	"net/http"

	authmw "veriflow/pkg/platform/middleware/auth"
	request "veriflow/pkg/platform/middleware/request"
	"veriflow/pkg/requestcontext"
)

// RequireAdmin rejects callers whose token does not carry the admin role.
// It must run after auth.RequireAuth.
func RequireAdmin(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if requestcontext.Role(ctx) != authmw.RoleAdmin {
				logger.WarnContext(ctx, "admin route denied",
					"user_id", requestcontext.UserID(ctx).String(),
					"request_id", request.GetRequestID(ctx),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"forbidden","error_description":"admin role required"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
