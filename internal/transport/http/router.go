package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veriflow/internal/platform/metrics"
	adminmw "veriflow/pkg/platform/middleware/admin"
	authmw "veriflow/pkg/platform/middleware/auth"
	"veriflow/pkg/platform/middleware/metadata"
	request "veriflow/pkg/platform/middleware/request"
	"veriflow/pkg/platform/middleware/requesttime"
)

// NewRouter assembles the middleware chain and mounts every route group.
// metrics may be nil.
func NewRouter(h *Handler, validator authmw.JWTValidator, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(request.Recovery(logger))
	r.Use(request.Logger(logger))
	r.Use(m.Middleware)

	r.Get("/healthz", h.HandleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	h.RegisterPublic(r)

	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireAuth(validator, logger))
		r.Use(h.EnsureIdentity)
		h.RegisterClient(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireAuth(validator, logger))
		r.Use(adminmw.RequireAdmin(logger))
		h.RegisterAdmin(r)
	})

	return r
}
