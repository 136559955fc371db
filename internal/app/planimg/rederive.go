package planimg

import (
	"context"
	"sync"
	"time"

	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Rederive derives again, batchSize at a time, originals left failed, pending since
// before pendingBefore or claimed before staleBefore. Returns counts of derived and failed images.
func (svc *ImageService) Rederive(ctx context.Context, pendingBefore, staleBefore time.Time, batchSize int) (int, int, error) {
	var cursor, done, failed = 0, 0, 0
	for {
		images, err := svc.ctx.DB.ListRederivable(pendingBefore, staleBefore, cursor, batchSize)
		if err != nil {
			return done, failed, err
		}
		if len(images) == 0 {
			return done, failed, nil
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var batchFailed, batchKept = 0, 0
		wg.Add(len(images))

		for _, img := range images {
			log.Info().Str("image_id", img.ID.String()).Str("status", img.DerivationStatus).Msg("processing")
			go func(img storage.Image) {
				defer wg.Done()
				_, err := svc.Derive(ctx, img.ID)
				if err == nil {
					mu.Lock()
					done++
					mu.Unlock()
					return
				}

				log.Error().Err(err).Str("image_id", img.ID.String()).Msg("failed to derive image")
				kept := svc.stillRederivable(img.ID)

				mu.Lock()
				defer mu.Unlock()
				batchFailed++
				if kept {
					batchKept++
				}
			}(img)
		}
		wg.Wait()

		// derived, deleted and claimed images leave the selection, the rest is skipped
		failed += batchFailed
		cursor += batchKept
	}
}

func (svc *ImageService) stillRederivable(id uuid.UUID) bool {
	img, err := svc.ctx.DB.QueryImage(id)
	if err == storage.ImageNotFoundError {
		return false
	}
	if err != nil {
		// assume it stays, skipping beats retrying it forever
		return true
	}
	return img.DerivationStatus == storage.DerivationFailed || img.DerivationStatus == storage.DerivationPending
}
