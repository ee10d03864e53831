package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"session_auth/internal/auth"
	"session_auth/internal/config"
	"session_auth/internal/events"
	"session_auth/internal/handler"
	"session_auth/internal/metrics"
	"session_auth/internal/service"
	"session_auth/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	//PARSE ARGS
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the YAML config (falls back to CONFIG_PATH)")

	flag.Parse()

	cfg := config.MustLoadConfig(configPath)

	//INIT LOGGER
	lgr := setupLogger(cfg.Env)
	lgr.Info("starting session auth service", slog.String("env", cfg.Env), slog.String("storage", cfg.Storage.Driver))

	if cfg.Env != envLocal {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//INIT STORAGE
	st, err := setupStorage(ctx, cfg, lgr)
	if err != nil {
		lgr.Error("failed to init storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	//INIT EVENTS
	publisher := setupEvents(cfg, lgr)
	defer func() {
		if err := publisher.Close(); err != nil {
			lgr.Error("failed to close event publisher", slog.Any("error", err))
		}
	}()

	//INIT SERVICE
	codec, err := auth.NewCodec([]byte(cfg.JWTSecret), cfg.JWTAlgorithm)
	if err != nil {
		lgr.Error("failed to init token codec", slog.Any("error", err))
		os.Exit(1)
	}

	m := metrics.NewRegistry()

	svc := service.New(lgr, st, st, codec,
		auth.NewBcryptHasher(cfg.BcryptCost),
		auth.NewRefreshHasher(cfg.RefreshHashKey),
		service.Config{
			AccessTTL:          cfg.AccessTTL,
			RefreshTTL:         cfg.RefreshTTL,
			MaxSessionLifetime: cfg.MaxSessionLifetime,
		},
		service.WithEvents(publisher),
		service.WithMetrics(m),
	)

	h := handler.NewHandler(svc, codec, st, m, cfg.Cookies, cfg.Gate, lgr)

	//INIT SERVER
	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      h.InitRoutes(),
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		lgr.Info("http server listening", slog.String("address", cfg.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		lgr.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			lgr.Error("http server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lgr.Error("failed to shut down http server", slog.Any("error", err))
	}

	lgr.Info("session auth service stopped")
}

func setupStorage(ctx context.Context, cfg *config.Config, lgr *slog.Logger) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st := storage.NewRedisStorage(client, cfg.Redis.Prefix)
		if err := st.Ping(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil

	default:
		if cfg.MigrateOnStart {
			lgr.Info("applying migrations")
			if err := storage.Migrate(cfg.DbURL, "up"); err != nil {
				return nil, err
			}
		}
		st, err := storage.NewPostgresStorage(ctx, cfg.DbURL, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

func setupEvents(cfg *config.Config, lgr *slog.Logger) events.Publisher {
	if len(cfg.Brokers) == 0 {
		lgr.Info("no kafka brokers configured, security events are dropped")
		return events.Nop{}
	}

	p, err := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Async:        !cfg.Sync,
		WriteTimeout: cfg.Events.WriteTimeout,
	}, lgr)
	if err != nil {
		lgr.Error("failed to init kafka publisher, security events are dropped", slog.Any("error", err))
		return events.Nop{}
	}

	return p
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}
	return log
}
