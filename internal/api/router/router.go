package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/paradixe-xz/evaInstance-sub000/internal/http/handlers"
	httpmiddleware "github.com/paradixe-xz/evaInstance-sub000/internal/http/middleware"
	"github.com/paradixe-xz/evaInstance-sub000/pkg/logging"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config holds router configuration
type Config struct {
	Logger          *logging.Logger
	AdminCampaign   *handlers.AdminCampaignHandler
	TelnyxWebhooks  *handlers.TelnyxWebhookHandler
	HandoffStream   http.Handler
	MetricsHandler  http.Handler
	AdminAuthSecret string
	// Checks are run by /health, keyed by dependency name.
	Checks             map[string]HealthCheck
	CORSAllowedOrigins []string
	// WebhookRatePerSecond and WebhookBurst throttle provider callbacks per
	// source IP. Zero disables throttling.
	WebhookRatePerSecond float64
	WebhookBurst         int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.Checks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.TelnyxWebhooks != nil {
			public.Route("/webhooks/telnyx", func(wh chi.Router) {
				if cfg.WebhookRatePerSecond > 0 {
					wh.Use(httpmiddleware.RateLimit(cfg.WebhookRatePerSecond, cfg.WebhookBurst))
				}
				wh.Post("/messages", cfg.TelnyxWebhooks.HandleMessages)
				wh.Post("/voice", cfg.TelnyxWebhooks.HandleVoice)
			})
		}
	})

	if cfg.AdminAuthSecret != "" && cfg.AdminCampaign != nil {
		h := cfg.AdminCampaign
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			if cfg.HandoffStream != nil {
				admin.Get("/handoff/stream", cfg.HandoffStream.ServeHTTP)
			}
			admin.Group(func(api chi.Router) {
				api.Use(middleware.Compress(5))
				api.Post("/contacts", h.IngestContacts)
				api.Get("/contacts/{id}", h.GetContact)
				api.Post("/contacts/{id}/start", h.StartContact)
				api.Post("/contacts/{id}/cancel", h.CancelContact)
				api.Post("/campaigns/start", h.StartCampaign)
				api.Get("/handoff", h.ListHandoff)
				api.Post("/handoff/{id}/close", h.CloseHandoff)
				api.Get("/sessions/{id}/transcript", h.GetTranscript)
			})
		})
	}

	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp := map[string]string{"status": "ok"}
		status := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp[name] = err.Error()
				resp["status"] = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
