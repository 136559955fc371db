package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/KazanExpress/planimg/internal/app/planimg"
	"github.com/KazanExpress/planimg/internal/pkg/config"
	"github.com/KazanExpress/planimg/internal/pkg/logging"
	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/rs/zerolog/log"
)

func ensurePlans(db *storage.DB, path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Info().Str("path", path).Msg("plans file not found, nothing to ensure")
		return
	}

	list, err := storage.ReadPlanList(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to read plans")
	}
	if err = db.EnsurePlans(list.Plans); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure plans")
	}
}

func main() {
	cfg := config.Init()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET is not set")
	}

	appCtx, err := planimg.NewAppContext(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init app context")
	}

	if cfg.InitDB {
		if err = appCtx.DB.InitDB(); err != nil {
			log.Fatal().Err(err).Msg("failed to init db")
		}
	}
	ensurePlans(appCtx.DB, cfg.PlansPath)

	if cfg.DerivationAsync {
		log.Info().Msg("DERIVATION_ASYNC flag is set to TRUE")
		appCtx = appCtx.WithWork()
	}

	if err = appCtx.Janitor.Start(cfg.JanitorSchedule); err != nil {
		log.Fatal().Err(err).Msg("failed to start janitor")
	}

	server := planimg.NewServer(appCtx)

	go func() {
		log.Info().Str("address", server.MetricsServer.Addr).Msg("metrics server listening")
		if err := server.MetricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("metrics server failed")
		}
	}()

	go func() {
		log.Info().Str("address", server.AppServer.Addr).Msg("app server listening")
		if err := server.AppServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("app server failed")
		}
	}()

	// registering SIGTERM handling
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.Warn().Str("signal", sig.String()).Msg("signal received, stopping")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer cancel()

	if err = server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown servers gracefully")
	}
	if err = appCtx.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close app context")
	}
	log.Info().Msg("stopped")
}
