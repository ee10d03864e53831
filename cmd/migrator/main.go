package main

import (
	"flag"
	"log/slog"
	"os"

	"session_auth/internal/config"
	"session_auth/internal/storage"
)

func main() {
	var configPath, direction string
	flag.StringVar(&configPath, "config", "", "path to the YAML config (falls back to CONFIG_PATH)")
	flag.StringVar(&direction, "direction", "up", "migration direction: up or down")

	flag.Parse()

	cfg := config.MustLoadConfig(configPath)

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if err := storage.Migrate(cfg.DbURL, direction); err != nil {
		log.Error("migration failed", slog.String("direction", direction), slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("migrations applied", slog.String("direction", direction))
}
