package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/orthotrack/treatment-timeline/internal/timeline"
)

type RouterConfig struct {
	Registry      *timeline.Registry
	SessionCookie string
	PgPool        *pgxpool.Pool
	Redis         *redis.Client
	Env           string
	Version       string
	Log           zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := NewHandler(cfg.Registry, cfg.SessionCookie)

	r.Post("/cases/{caseID}/timeline", h.startSession)

	r.Route("/timeline/{sessionID}", func(r chi.Router) {
		r.Get("/", h.getSession)
		r.Delete("/", h.endSession)
		r.Post("/view-mode", h.setViewMode)
		r.Get("/uploads/{videoID}", h.uploadProgress)

		r.Route("/slots/{slotID}", func(r chi.Router) {
			r.Post("/toggle", h.toggleSlot)
			r.Get("/comments", h.comments)
			r.Post("/complete", h.completeSlot)
			r.Post("/verify", h.verifySlot)
			r.Post("/finalized", h.setFinalized)
			r.Post("/videos", h.uploadVideo)
		})
	})

	return r
}
