package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/orthotrack/treatment-timeline/internal/api"
	"github.com/orthotrack/treatment-timeline/internal/backend"
	"github.com/orthotrack/treatment-timeline/internal/config"
	"github.com/orthotrack/treatment-timeline/internal/db"
	"github.com/orthotrack/treatment-timeline/internal/eventlog"
	redisclient "github.com/orthotrack/treatment-timeline/internal/redis"
	"github.com/orthotrack/treatment-timeline/internal/timeline"
	"github.com/orthotrack/treatment-timeline/internal/video"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("config load error")
	}

	log := newLogger(cfg.Env)
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("gateway starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The audit log is optional: without POSTGRES_DSN events are dropped.
	var pgPool *pgxpool.Pool
	var recorder eventlog.Recorder = eventlog.NopRecorder{}
	if cfg.PostgresDSN != "" {
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancelPg()
		if err != nil {
			log.Fatal().Err(err).Msg("postgres connection error")
		}
		defer pgPool.Close()
		recorder = eventlog.NewPgRecorder(pgPool, log)
		log.Info().Msg("connected to Postgres")
	} else {
		log.Warn().Msg("POSTGRES_DSN unset, interaction audit log disabled")
	}

	// Redis backs the shared video-metadata cache and the per-slot mutation
	// lock. The gateway degrades to per-session caching and no cross-instance
	// locking if it is unreachable.
	var rdb *goredis.Client
	var locker redisclient.Locker = redisclient.NoopLocker{}
	rdb, err = redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, running without shared cache and slot locks")
		rdb = nil
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing redis")
			}
		}()
		locker = redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
		log.Info().Msg("connected to Redis")
	}

	client := backend.NewClient(cfg.BackendBaseURL, cfg.SessionCookie, cfg.BackendTimeout)

	registry := timeline.NewRegistry(timeline.Deps{
		API:             client,
		Videos:          video.NewMetadataCache(rdb, cfg.VideoCacheTTL, log),
		Locker:          locker,
		Events:          recorder,
		Log:             log,
		PollInitial:     cfg.PollInitial,
		PollMax:         cfg.PollMax,
		PollMaxAttempts: cfg.PollMaxAttempts,
	}, cfg.SessionTTL)

	go registry.Janitor(rootCtx, cfg.JanitorInterval)

	router := api.NewRouter(api.RouterConfig{
		Registry:      registry,
		SessionCookie: cfg.SessionCookie,
		PgPool:        pgPool,
		Redis:         rdb,
		Env:           cfg.Env,
		Version:       version,
		Log:           log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}

	log.Info().Msg("shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "dev" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
