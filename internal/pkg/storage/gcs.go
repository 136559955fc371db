package storage

import (
	"context"
	"errors"
	"io"

	gcs "cloud.google.com/go/storage"
)

// GCSStore - BlobStore backed by google cloud storage bucket.
// Credentials are taken from GOOGLE_APPLICATION_CREDENTIALS.
type GCSStore struct {
	client *gcs.Client
	bucket string
}

// NewGCSStore creates gcs client for bucket
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (g *GCSStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	// cancelling the writer context aborts the upload instead of committing a partial object
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(wctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, body); err != nil {
		cancel()
		w.Close()
		return err
	}
	return w.Close()
}

func (g *GCSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, NoSuchKeyError
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (g *GCSStore) Delete(ctx context.Context, key string) error {
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return err
}

// Close releases gcs client
func (g *GCSStore) Close() error {
	return g.client.Close()
}
