package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	id "veriflow/pkg/domain"
	request "veriflow/pkg/platform/middleware/request"
	"veriflow/pkg/requestcontext"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// JWTValidator defines the interface for validating bearer tokens issued by
// the Identity Provider.
type JWTValidator interface {
	ValidateToken(tokenString string) (*JWTClaims, error)
}

// JWTClaims represents the claims we expect from the JWT validator.
type JWTClaims struct {
	UserID string
	Role   string
	Email  string
	Phone  string
}

type contextKeyClaims struct{}

// ContextKeyClaims is exported for handler tests that bypass the middleware.
var ContextKeyClaims = contextKeyClaims{}

// Claims returns the validated claims, or nil when the request is anonymous.
func Claims(ctx context.Context) *JWTClaims {
	claims, _ := ctx.Value(ContextKeyClaims).(*JWTClaims)
	return claims
}

// WithClaims injects claims and the derived user id and role into ctx.
func WithClaims(ctx context.Context, claims *JWTClaims, userID id.UserID) context.Context {
	ctx = context.WithValue(ctx, ContextKeyClaims, claims)
	ctx = requestcontext.WithUserID(ctx, userID)
	return requestcontext.WithRole(ctx, claims.Role)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}

// RequireAuth resolves the bearer token to a stable user id.
func RequireAuth(validator JWTValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := request.GetRequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			userID, err := id.ParseUserID(claims.UserID)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - malformed subject",
					"error", err,
					"request_id", requestID,
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}
			if claims.Role == "" {
				claims.Role = RoleUser
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims, userID)))
		})
	}
}
