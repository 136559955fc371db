package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/KazanExpress/planimg/internal/pkg/config"
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// BlobStore - keeps image bytes. Keys are created once and never overwritten.
type BlobStore interface {
	// Put stores body under key
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	// Open returns reader of the blob, caller must close it.
	// Returns NoSuchKeyError when key is unknown.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the blob, deleting unknown key is not an error
	Delete(ctx context.Context, key string) error
}

// NewBlobStore creates blob store configured by BLOB_BACKEND
func NewBlobStore(ctx context.Context, cfg *config.Config) (BlobStore, error) {
	switch cfg.BlobBackend {
	case "fs", "":
		return NewFileStore(cfg.MediaRoot)
	case "s3":
		return InitS3Context(cfg)
	case "gcs":
		return NewGCSStore(ctx, cfg.GCSBucket)
	}
	return nil, fmt.Errorf("unknown blob backend '%s'", cfg.BlobBackend)
}

// MakeBlobKey returns fresh key in owner's folder
func MakeBlobKey(ownerID uuid.UUID, extension string) string {
	return fmt.Sprintf("%s/%s.%s", ownerID, xid.New().String(), extension)
}
