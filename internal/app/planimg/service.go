package planimg

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/KazanExpress/planimg/internal/pkg/derivation"
	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/KazanExpress/planimg/internal/pkg/transformations"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ImageAlreadyDerivedError  = errors.New("image is already derived")
	NotAnOriginalError        = errors.New("image is a thumbnail")
	DerivationInProgressError = errors.New("image is being derived by another worker")
)

type ImageBuffer = []byte

type UploadArgs struct {
	Owner *storage.User
	Name  string
	Image ImageBuffer
	// nil when not provided
	ExpiringLinkDurationSeconds *uint
}

// ImageFamily - original image with links of itself and of all its thumbnails
type ImageFamily struct {
	Image storage.Image
	Links []storage.Link
}

// ImageService - uploads originals, derives them by owner's plan, lists and deletes them
type ImageService struct {
	ctx *AppContext
}

func NewImageService(ctx *AppContext) *ImageService {
	return &ImageService{
		ctx: ctx,
	}
}

func (svc *ImageService) validate(args *UploadArgs) (string, error) {
	if args.Name == "" {
		return "", &storage.ValidationError{Field: "name", Message: "This field may not be blank."}
	}
	if len(args.Image) == 0 {
		return "", &storage.ValidationError{Field: "imageFile", Message: "No file was submitted."}
	}
	if int64(len(args.Image)) > svc.ctx.Config.MaxImageSize {
		return "", &storage.ValidationError{
			Field:   "imageFile",
			Message: fmt.Sprintf("Ensure the file size is at most %d bytes.", svc.ctx.Config.MaxImageSize),
		}
	}
	format, _, _, err := transformations.Probe(args.Image)
	if err != nil {
		return "", &storage.ValidationError{
			Field:   "imageFile",
			Message: "Upload a valid image. The file you uploaded was either not an image or a corrupted image.",
		}
	}
	if err = storage.ValidateExpiringLinkDuration(args.ExpiringLinkDurationSeconds); err != nil {
		return "", err
	}
	return format, nil
}

// Upload - validates and stores original, then derives it right away or
// enqueues derivation. Derivation failures are not returned, they are
// reflected in DerivationStatus of the returned image.
func (svc *ImageService) Upload(ctx context.Context, args *UploadArgs) (*storage.Image, error) {
	format, err := svc.validate(args)
	if err != nil {
		return nil, err
	}

	var img = &storage.Image{
		ID:                          uuid.New(),
		Name:                        args.Name,
		OwnerID:                     args.Owner.ID,
		BlobKey:                     storage.MakeBlobKey(args.Owner.ID, transformations.Extension(format)),
		ContentType:                 transformations.ContentType(format),
		Size:                        int64(len(args.Image)),
		ExpiringLinkDurationSeconds: args.ExpiringLinkDurationSeconds,
		DerivationStatus:            storage.DerivationPending,
		CreatedAt:                   svc.ctx.Engine.Clock.Now(),
	}

	if err = svc.ctx.Blobs.Put(ctx, img.BlobKey, bytes.NewReader(args.Image), img.ContentType); err != nil {
		return nil, fmt.Errorf("failed to store original: %w", err)
	}

	if err = svc.ctx.DB.CreateImage(img); err != nil {
		if derr := svc.ctx.Blobs.Delete(context.Background(), img.BlobKey); derr != nil {
			log.Error().Err(derr).Str("key", img.BlobKey).Msg("failed to remove orphan original")
		}
		return nil, fmt.Errorf("failed to save original: %w", err)
	}

	log.Info().Str("image_id", img.ID.String()).Str("owner", args.Owner.Username).Msg("original uploaded")

	if svc.ctx.Config.DerivationAsync && svc.ctx.Enqueuer != nil {
		_, err = svc.ctx.Enqueuer.Enqueue(DeriveTask, map[string]interface{}{"image_id": img.ID.String()})
		if err != nil {
			// stays pending, rederive-agent picks it up
			log.Error().Err(err).Str("image_id", img.ID.String()).Msg("failed to enqueue derivation")
		}
		return img, nil
	}

	// derivation outlives the request, a client gone away must not fail it
	if _, err = svc.Derive(context.WithoutCancel(ctx), img.ID); err != nil {
		log.Error().Err(err).Str("image_id", img.ID.String()).Msg("derivation failed, original is kept")
	}

	return svc.ctx.DB.QueryImage(img.ID)
}

// Derive - claims a pending or failed original, applies plan of the owner to it
// and records the outcome. Only one worker derives an image at a time.
func (svc *ImageService) Derive(ctx context.Context, imageID uuid.UUID) (*derivation.Result, error) {
	img, err := svc.ctx.DB.QueryImage(imageID)
	if err != nil {
		return nil, err
	}
	if !img.IsOriginal() {
		return nil, NotAnOriginalError
	}
	if img.DerivationStatus == storage.DerivationDone {
		return nil, ImageAlreadyDerivedError
	}

	now := svc.ctx.Engine.Clock.Now()
	claimed, err := svc.ctx.DB.ClaimDerivation(img.ID, now, now.Add(-svc.ctx.Config.DerivationStaleAfter))
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, svc.lostClaim(img.ID)
	}

	res, err := svc.derive(ctx, img)
	if err != nil {
		if serr := svc.ctx.DB.SetDerivationStatus(img.ID, storage.DerivationFailed); serr != nil {
			log.Error().Err(serr).Str("image_id", img.ID.String()).Msg("failed to mark derivation failed")
		}
		return nil, err
	}

	if err = svc.ctx.DB.SetDerivationStatus(img.ID, storage.DerivationDone); err != nil {
		return res, err
	}
	return res, nil
}

func (svc *ImageService) lostClaim(imageID uuid.UUID) error {
	img, err := svc.ctx.DB.QueryImage(imageID)
	if err != nil {
		return err
	}
	if img.DerivationStatus == storage.DerivationDone {
		return ImageAlreadyDerivedError
	}
	return DerivationInProgressError
}

func (svc *ImageService) derive(ctx context.Context, img *storage.Image) (*derivation.Result, error) {
	owner, err := svc.ctx.DB.QueryUser(img.OwnerID)
	if err != nil {
		return nil, err
	}

	var rules []storage.ImageSpecification
	if owner.PlanID != nil {
		plan, err := svc.ctx.DB.GetPlanByID(*owner.PlanID)
		if err != nil {
			return nil, err
		}
		rules = plan.Includes
	} else {
		log.Warn().Str("image_id", img.ID.String()).Msg("owner has no plan anymore, nothing to derive")
	}

	return svc.ctx.Engine.Derive(ctx, img, rules)
}

// List - originals of owner, newest first, each with links of its family
func (svc *ImageService) List(ctx context.Context, ownerID uuid.UUID) ([]ImageFamily, error) {
	images, err := svc.ctx.DB.ListOriginals(ownerID)
	if err != nil {
		return nil, err
	}

	var families = make([]ImageFamily, 0, len(images))
	for _, img := range images {
		familyLinks, err := svc.ctx.DB.FamilyLinks(img.ID)
		if err != nil {
			return nil, err
		}
		families = append(families, ImageFamily{Image: img, Links: familyLinks})
	}
	return families, nil
}

// Delete - removes original of owner together with thumbnails, links and blobs
func (svc *ImageService) Delete(ctx context.Context, ownerID, imageID uuid.UUID) error {
	img, err := svc.ctx.DB.QueryImage(imageID)
	if err != nil {
		return err
	}
	if img.OwnerID != ownerID || !img.IsOriginal() {
		return storage.ImageNotFoundError
	}

	keys, err := svc.ctx.DB.DeleteImage(imageID)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err = svc.ctx.Blobs.Delete(ctx, key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("failed to delete blob of removed image")
		}
	}

	log.Info().Str("image_id", imageID.String()).Int("blobs", len(keys)).Msg("image deleted")
	return nil
}
