package planimg

import (
	"time"

	"github.com/KazanExpress/planimg/internal/pkg/clock"
	"github.com/KazanExpress/planimg/internal/pkg/metrics"
	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/robfig/cron"
	"github.com/rs/zerolog/log"
)

// Janitor - periodically removes links which expired longer than retention ago
type Janitor struct {
	db        *storage.DB
	clock     clock.Clock
	retention time.Duration
	cron      *cron.Cron
}

func NewJanitor(db *storage.DB, retention time.Duration) *Janitor {
	return &Janitor{
		db:        db,
		clock:     clock.Real(),
		retention: retention,
	}
}

// Enabled - zero retention keeps expired links forever
func (j *Janitor) Enabled() bool {
	return j.retention > 0
}

// Purge deletes links expired before now - retention
func (j *Janitor) Purge() (int64, error) {
	purged, err := j.db.PurgeLinksExpiredBefore(j.clock.Now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	metrics.ExpiredLinksPurged.Add(float64(purged))
	return purged, nil
}

// Start runs Purge by cron schedule, does nothing when janitor is disabled
func (j *Janitor) Start(schedule string) error {
	if !j.Enabled() {
		log.Info().Msg("JANITOR: expired link retention is not set, janitor is disabled")
		return nil
	}

	j.cron = cron.New()
	err := j.cron.AddFunc(schedule, func() {
		purged, err := j.Purge()
		if err != nil {
			log.Error().Err(err).Msg("JANITOR: failed to purge expired links")
			return
		}
		log.Info().Int64("purged", purged).Msg("JANITOR: expired links purged")
	})
	if err != nil {
		return err
	}

	j.cron.Start()
	log.Info().Str("schedule", schedule).Dur("retention", j.retention).Msg("JANITOR: started")
	return nil
}

func (j *Janitor) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
}
