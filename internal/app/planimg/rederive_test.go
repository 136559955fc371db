package planimg

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/KazanExpress/planimg/internal/pkg/transformations"
	"github.com/google/uuid"
)

// vanishingBlobs deletes the image of key from the database when it is opened,
// as if the owner removed it in the middle of derivation
type vanishingBlobs struct {
	storage.BlobStore
	db    *storage.DB
	key   string
	image uuid.UUID
}

func (b *vanishingBlobs) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if key == b.key {
		if _, err := b.db.DeleteImage(b.image); err != nil {
			return nil, err
		}
		return nil, errors.New("blob is gone")
	}
	return b.BlobStore.Open(ctx, key)
}

func (s *Suite) TestRederive() {
	s.appCtx.Engine.Resizer = brokenResizer{}
	s.Require().Equal(http.StatusCreated, s.upload(s.alice, map[string]string{"name": "first"}, s.picture).Code)
	s.Require().Equal(http.StatusCreated, s.upload(s.alice, map[string]string{"name": "second"}, s.picture).Code)
	for _, img := range s.list(s.alice) {
		s.Require().Equal(storage.DerivationFailed, img.DerivationStatus)
	}

	now := s.clock.Now()
	done, failed, err := s.appCtx.ImageService.Rederive(context.Background(), now, now, 1)
	s.NoError(err)
	s.Equal(0, done)
	s.Equal(2, failed, "every failing image is tried once")

	s.appCtx.Engine.Resizer = &transformations.GiftResizer{Quality: 80}
	done, failed, err = s.appCtx.ImageService.Rederive(context.Background(), now, now, 1)
	s.NoError(err)
	s.Equal(2, done)
	s.Equal(0, failed)
	for _, img := range s.list(s.alice) {
		s.Equal(storage.DerivationDone, img.DerivationStatus)
		s.Len(img.Links, 4)
	}
}

func (s *Suite) TestRederiveSkipsNothingWhenImageVanishes() {
	s.appCtx.Engine.Resizer = brokenResizer{}
	s.Require().Equal(http.StatusCreated, s.upload(s.alice, map[string]string{"name": "first"}, s.picture).Code)
	s.clock.Advance(time.Second)
	s.Require().Equal(http.StatusCreated, s.upload(s.alice, map[string]string{"name": "second"}, s.picture).Code)

	originals, err := s.appCtx.DB.ListOriginals(s.alice.ID)
	s.Require().NoError(err)
	s.Require().Len(originals, 2)
	// newest first
	first, second := originals[1], originals[0]
	s.Require().Equal("first", first.Name)

	s.appCtx.Engine.Resizer = &transformations.GiftResizer{Quality: 80}
	s.appCtx.Engine.Blobs = &vanishingBlobs{BlobStore: s.blobs, db: s.appCtx.DB, key: first.BlobKey, image: first.ID}

	now := s.clock.Now()
	done, failed, err := s.appCtx.ImageService.Rederive(context.Background(), now, now, 1)
	s.NoError(err)
	s.Equal(1, failed)
	s.Equal(1, done, "image after the vanished one is still derived")

	img, err := s.appCtx.DB.QueryImage(second.ID)
	s.Require().NoError(err)
	s.Equal(storage.DerivationDone, img.DerivationStatus)
}

func (s *Suite) TestRederiveLeavesRecentPending() {
	imageID := s.uploadPending()

	now := s.clock.Now()
	staleBefore := now.Add(-s.appCtx.Config.DerivationStaleAfter)
	done, failed, err := s.appCtx.ImageService.Rederive(context.Background(), staleBefore, staleBefore, 10)
	s.NoError(err)
	s.Equal(0, done+failed, "job of a fresh upload is still queued")

	done, _, err = s.appCtx.ImageService.Rederive(context.Background(), now.Add(time.Second), staleBefore, 10)
	s.NoError(err)
	s.Equal(1, done)

	links, err := s.appCtx.DB.FamilyLinks(imageID)
	s.NoError(err)
	s.Len(links, 4)
}
