package api

import (
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router.
type RouterConfig struct {
	// BackendAPIKey is a comma-separated list of keys accepted in X-API-Key
	// or Authorization: Bearer <key>. If empty, auth is skipped (development mode).
	BackendAPIKey string

	// RequestTimeout bounds each /v1 request. Zero means no timeout.
	RequestTimeout time.Duration

	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// If empty, defaults to "*" (development mode).
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// CORS: restrict origins when configured, otherwise allow all
	allowedOrigins := []string{"*"}
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(strings.Split(cfg.BackendAPIKey, ",")...))
		}
		if cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
		}

		// Render requests
		r.Post("/compositions", h.CreateComposition)
		r.Post("/speed-fits", h.CreateSpeedFit)
		r.Post("/zooms", h.CreateZoom)
		r.Post("/trims", h.CreateTrim)

		// Jobs
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{id}", h.GetJob)
		r.Get("/jobs/{id}/download", h.GetJobDownload)
	})

	return r
}
