package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loyaltycore/internal/handler"
	"loyaltycore/internal/httputil"
	authmw "loyaltycore/internal/transport/http/middleware"
)

// RouterConfig holds the dependencies needed to create routes
type RouterConfig struct {
	DeviceHandler   *handler.DeviceHandler
	GiftHandler     *handler.GiftHandler
	ReferralHandler *handler.ReferralHandler
	PushHandler     *handler.PushHandler
	PurchaseHandler *handler.PurchaseHandler
	JWTSecret       string
	// Ready reports whether dependencies are reachable; nil means always ready.
	Ready func(r *http.Request) error
}

// NewRouter creates and configures a new Chi router with all route groups
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(req); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Customer routes
	r.Group(func(r chi.Router) {
		r.Use(authmw.AuthMiddleware(cfg.JWTSecret))

		r.Post("/devices", cfg.DeviceHandler.Register)
		r.Post("/devices/logout", cfg.DeviceHandler.Logout)

		r.Get("/gifts", cfg.GiftHandler.List)
		r.Post("/gifts/{id}/select", cfg.GiftHandler.Select)
		r.Post("/gifts/{id}/activate", cfg.GiftHandler.Activate)

		r.Post("/referrals/redeem", cfg.ReferralHandler.Redeem)
	})

	// Staff routes
	r.Route("/admin", func(r chi.Router) {
		r.Use(authmw.AuthMiddleware(cfg.JWTSecret))
		r.Use(authmw.RequireRole(authmw.RoleAdmin))

		r.Post("/gifts/{id}/issue", cfg.GiftHandler.Issue)
		r.Post("/purchases", cfg.PurchaseHandler.Record)

		r.Route("/push", func(r chi.Router) {
			r.Post("/", cfg.PushHandler.Create)
			r.Post("/preview", cfg.PushHandler.Preview)
			r.Get("/{id}", cfg.PushHandler.Get)
			r.Put("/{id}", cfg.PushHandler.Update)
			r.Delete("/{id}", cfg.PushHandler.Delete)
			r.Post("/{id}/schedule", cfg.PushHandler.Schedule)
			r.Post("/{id}/cancel", cfg.PushHandler.Cancel)
			r.Post("/{id}/retry", cfg.PushHandler.Retry)
			r.Post("/{id}/dispatch", cfg.PushHandler.Dispatch)
		})
	})

	return r
}
