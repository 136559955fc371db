package links

import (
	"context"
	"errors"
	"io"

	"github.com/KazanExpress/planimg/internal/pkg/clock"
	"github.com/KazanExpress/planimg/internal/pkg/metrics"
	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	LinkNotFoundError = storage.LinkNotFoundError
	LinkExpiredError  = errors.New("link has expired")
)

// Stream - readable bytes behind a link. Body must be closed by the caller.
type Stream struct {
	Link     *storage.Link
	Image    *storage.Image
	Body     io.ReadCloser
	Filename string
}

// Resolver checks links and opens the bytes they point at
type Resolver struct {
	DB    *storage.DB
	Blobs storage.BlobStore
	Clock clock.Clock
}

// NewResolver creates resolver on the real clock
func NewResolver(db *storage.DB, blobs storage.BlobStore) *Resolver {
	return &Resolver{DB: db, Blobs: blobs, Clock: clock.Real()}
}

// Resolve returns stream of link's image. Unknown or malformed id gives LinkNotFoundError,
// a link past its expiry gives LinkExpiredError.
func (r *Resolver) Resolve(ctx context.Context, linkID string) (*Stream, error) {
	id, err := uuid.Parse(linkID)
	if err != nil {
		metrics.LinkResolutions.WithLabelValues("not_found").Inc()
		return nil, LinkNotFoundError
	}

	link, err := r.DB.QueryLink(id)
	if err == storage.LinkNotFoundError {
		metrics.LinkResolutions.WithLabelValues("not_found").Inc()
		return nil, LinkNotFoundError
	}
	if err != nil {
		metrics.LinkResolutions.WithLabelValues("error").Inc()
		return nil, err
	}

	if link.ExpiredAt(r.Clock.Now()) {
		metrics.LinkResolutions.WithLabelValues("expired").Inc()
		return nil, LinkExpiredError
	}

	img, err := r.DB.QueryImage(link.ImageID)
	if err != nil {
		metrics.LinkResolutions.WithLabelValues("error").Inc()
		return nil, err
	}

	body, err := r.Blobs.Open(ctx, img.BlobKey)
	if err != nil {
		log.Error().Err(err).Str("link_id", linkID).Str("key", img.BlobKey).Msg("failed to open blob of link")
		metrics.LinkResolutions.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.LinkResolutions.WithLabelValues("ok").Inc()
	return &Stream{
		Link:     link,
		Image:    img,
		Body:     body,
		Filename: link.ID.String() + ".jpg",
	}, nil
}
