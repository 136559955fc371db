package planimg

import (
	"context"

	"github.com/gocraft/work"
	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DerivationNamespace = "planimg_derivation"
	DeriveTask          = "derive_image"
)

// DeriveTaskCtx - per job context of the pool, the handler is bound to AppContext instead
type DeriveTaskCtx struct{}

// DeriveJob - handler of DeriveTask, image_id argument is id of a pending original
func (appCtx *AppContext) DeriveJob(job *work.Job) error {
	log.Info().Str("job_id", job.ID).Interface("args", job.Args).Msg("DERIVATION_POOL: received task")

	var rawID = job.ArgString("image_id")
	if err := job.ArgError(); err != nil {
		return err
	}
	imageID, err := uuid.Parse(rawID)
	if err != nil {
		// retrying will not help
		log.Error().Err(err).Str("image_id", rawID).Msg("DERIVATION_POOL: malformed image id, dropping task")
		return nil
	}

	res, err := appCtx.ImageService.Derive(context.Background(), imageID)
	switch err {
	case ImageAlreadyDerivedError:
		log.Info().Str("image_id", rawID).Msg("DERIVATION_POOL: image is already derived, nothing to do")
		return nil
	case DerivationInProgressError:
		log.Info().Str("image_id", rawID).Msg("DERIVATION_POOL: image is derived by another worker, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	log.Info().Str("image_id", rawID).
		Int("images", len(res.Images)).
		Int("links", len(res.Links)).
		Msg("DERIVATION_POOL: image derived")
	return nil
}

func InitPool(appCtx *AppContext, redisPool *redis.Pool) *work.WorkerPool {

	pool := work.NewWorkerPool(DeriveTaskCtx{}, appCtx.Config.DerivationPoolConcurrency, DerivationNamespace, redisPool)

	pool.JobWithOptions(DeriveTask, work.JobOptions{MaxFails: appCtx.Config.DerivationJobMaxFails}, appCtx.DeriveJob)

	pool.Start()

	return pool
}
