// Package derivation turns an uploaded original into the thumbnails and links
// its owner's plan asks for.
package derivation

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/KazanExpress/planimg/internal/pkg/clock"
	"github.com/KazanExpress/planimg/internal/pkg/metrics"
	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/KazanExpress/planimg/internal/pkg/transformations"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const derivedContentType = "image/jpeg"

// Error - derivation failed while applying rule number Rule
type Error struct {
	Rule int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("derivation failed at rule %d: %v", e.Rule, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result - rows created by one derivation, links in creation order
type Result struct {
	Images []storage.Image
	Links  []storage.Link
}

// Engine applies plan rules to originals
type Engine struct {
	DB      *storage.DB
	Blobs   storage.BlobStore
	Resizer transformations.Resizer
	Clock   clock.Clock
	NewID   func() uuid.UUID
	BaseURL string
}

// NewEngine creates engine with real clock and random ids
func NewEngine(db *storage.DB, blobs storage.BlobStore, resizer transformations.Resizer, baseURL string) *Engine {
	return &Engine{
		DB:      db,
		Blobs:   blobs,
		Resizer: resizer,
		Clock:   clock.Real(),
		NewID:   uuid.New,
		BaseURL: strings.TrimRight(baseURL, "/"),
	}
}

// LinkURI returns public address of link with id
func (e *Engine) LinkURI(id uuid.UUID) string {
	return fmt.Sprintf("%s/api/images/links/%s", e.BaseURL, id)
}

// ExpirySeconds picks lifetime of an expiring link: nonzero rule seconds,
// then the override of the original, then the default
func ExpirySeconds(rule storage.ImageSpecification, original *storage.Image) uint {
	if rule.ExpiryLinkSeconds > 0 {
		return rule.ExpiryLinkSeconds
	}
	if original.ExpiringLinkDurationSeconds != nil && *original.ExpiringLinkDurationSeconds > 0 {
		return *original.ExpiringLinkDurationSeconds
	}
	return storage.DefaultExpiryLinkSeconds
}

type run struct {
	*Engine
	ctx      context.Context
	tx       *storage.Tx
	original *storage.Image
	source   []byte
	now      time.Time
	written  []string
	result   Result
}

// Derive applies rules to original in order. Everything is written in one transaction,
// on failure nothing derived is left behind and *Error is returned.
func (e *Engine) Derive(ctx context.Context, original *storage.Image, rules []storage.ImageSpecification) (*Result, error) {
	if !original.IsOriginal() {
		return nil, fmt.Errorf("image %s is a thumbnail", original.ID)
	}

	var r = &run{
		Engine:   e,
		ctx:      ctx,
		original: original,
		now:      e.Clock.Now(),
	}

	if needsSource(rules) {
		src, err := r.readOriginal()
		if err != nil {
			metrics.Derivations.WithLabelValues("failed").Inc()
			return nil, &Error{Rule: 0, Err: err}
		}
		r.source = src
	}

	tx, err := e.DB.Begin()
	if err != nil {
		metrics.Derivations.WithLabelValues("failed").Inc()
		return nil, &Error{Rule: 0, Err: err}
	}
	r.tx = tx

	for i, rule := range rules {
		if err = r.apply(rule); err != nil {
			r.abort()
			metrics.Derivations.WithLabelValues("failed").Inc()
			return nil, &Error{Rule: i, Err: err}
		}
	}

	if err = tx.Commit(); err != nil {
		r.removeBlobs()
		metrics.Derivations.WithLabelValues("failed").Inc()
		return nil, &Error{Rule: len(rules), Err: err}
	}

	metrics.Derivations.WithLabelValues("ok").Inc()
	metrics.DerivedImages.Add(float64(len(r.result.Images)))
	for _, l := range r.result.Links {
		if l.Expiry == nil {
			metrics.LinksCreated.WithLabelValues("permanent").Inc()
		} else {
			metrics.LinksCreated.WithLabelValues("expiring").Inc()
		}
	}

	log.Debug().
		Str("image_id", original.ID.String()).
		Int("images", len(r.result.Images)).
		Int("links", len(r.result.Links)).
		Msg("derivation done")

	return &r.result, nil
}

func needsSource(rules []storage.ImageSpecification) bool {
	for _, rule := range rules {
		if rule.Resizes() {
			return true
		}
	}
	return false
}

func (r *run) readOriginal() ([]byte, error) {
	body, err := r.Blobs.Open(r.ctx, r.original.BlobKey)
	if err != nil {
		return nil, fmt.Errorf("failed to open original: %w", err)
	}
	defer body.Close()

	src, err := ioutil.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read original: %w", err)
	}
	return src, nil
}

func (r *run) apply(rule storage.ImageSpecification) error {
	var target = r.original

	if rule.Resizes() {
		thumb, err := r.thumbnail(rule.Width, rule.Height)
		if err != nil {
			return err
		}
		target = thumb
	}

	if rule.Link {
		if err := r.link(target, nil); err != nil {
			return err
		}
	}

	if rule.ExpiryLink {
		expiry := r.now.Add(time.Duration(ExpirySeconds(rule, r.original)) * time.Second)
		if err := r.link(target, &expiry); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) thumbnail(width, height uint) (*storage.Image, error) {
	started := time.Now()
	out, err := r.Resizer.Resize(r.ctx, r.source, width, height)
	metrics.ResizeDuration.WithLabelValues(r.Resizer.Name()).Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to resize to %dx%d: %w", width, height, err)
	}

	key := storage.MakeBlobKey(r.original.OwnerID, "jpg")
	if err = r.Blobs.Put(r.ctx, key, bytes.NewReader(out), derivedContentType); err != nil {
		return nil, fmt.Errorf("failed to store thumbnail: %w", err)
	}
	r.written = append(r.written, key)

	w, h := width, height
	var thumb = storage.Image{
		ID:            r.NewID(),
		Name:          r.original.Name,
		OwnerID:       r.original.OwnerID,
		BlobKey:       key,
		ContentType:   derivedContentType,
		Size:          int64(len(out)),
		Width:         &w,
		Height:        &h,
		ParentImageID: &r.original.ID,
		CreatedAt:     r.now,
	}
	if err = r.tx.CreateImage(&thumb); err != nil {
		return nil, fmt.Errorf("failed to save thumbnail: %w", err)
	}

	r.result.Images = append(r.result.Images, thumb)
	return &thumb, nil
}

func (r *run) link(target *storage.Image, expiry *time.Time) error {
	id := r.NewID()
	var link = storage.Link{
		ID:        id,
		URI:       r.LinkURI(id),
		Expiry:    expiry,
		ImageID:   target.ID,
		Ordinal:   len(r.result.Links),
		CreatedAt: r.now,
	}
	if err := r.tx.CreateLink(&link); err != nil {
		return fmt.Errorf("failed to save link: %w", err)
	}

	r.result.Links = append(r.result.Links, link)
	return nil
}

func (r *run) abort() {
	if err := r.tx.Rollback(); err != nil {
		log.Error().Err(err).Str("image_id", r.original.ID.String()).Msg("rollback failed")
	}
	r.removeBlobs()
}

func (r *run) removeBlobs() {
	// request context may be already cancelled, cleanup must still happen
	ctx := context.Background()
	for _, key := range r.written {
		if err := r.Blobs.Delete(ctx, key); err != nil {
			log.Error().Err(err).Str("key", key).Msg("failed to remove derived blob")
		}
	}
}
