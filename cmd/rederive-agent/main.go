package main

// rederive-agent runs derivation again for originals left pending or failed,
// e.g. after the queue lost jobs or a blob backend outage

import (
	"context"
	"time"

	"github.com/KazanExpress/planimg/internal/app/planimg"
	"github.com/KazanExpress/planimg/internal/pkg/config"
	"github.com/KazanExpress/planimg/internal/pkg/logging"
	"github.com/rs/zerolog/log"
)

const batchSize = 10

func main() {
	cfg := config.Init()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	appCtx, err := planimg.NewAppContext(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init app context")
	}
	defer appCtx.Close()

	if cfg.InitDB {
		if err = appCtx.DB.InitDB(); err != nil {
			log.Fatal().Err(err).Msg("failed to init db")
		}
	}

	var now = time.Now().UTC()
	var staleBefore = now.Add(-cfg.DerivationStaleAfter)
	// queued jobs of recent uploads are left to the worker pool
	var pendingBefore = now
	if cfg.DerivationAsync {
		pendingBefore = staleBefore
	}

	done, failed, err := appCtx.ImageService.Rederive(context.Background(), pendingBefore, staleBefore, batchSize)
	if err != nil {
		log.Fatal().Err(err).Int("derived", done).Int("failed", failed).Msg("failed to list images")
	}

	log.Info().Int("derived", done).Int("failed", failed).Msg("rederive finished")
}
