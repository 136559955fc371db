package storage

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
)

// FileStore - BlobStore on local file system, the MEDIA_ROOT folder
type FileStore struct {
	root string
}

// NewFileStore creates root folder if needed
func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(abs, 0755); err != nil {
		return nil, err
	}
	return &FileStore{root: abs}, nil
}

func (fs *FileStore) path(key string) (string, error) {
	p := filepath.Join(fs.root, filepath.FromSlash(key))
	if !strings.HasPrefix(p, fs.root+string(filepath.Separator)) {
		return "", InvalidBlobKeyError
	}
	return p, nil
}

// Put writes body to a temp file and renames it, so readers never see partial blobs
func (fs *FileStore) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	p, err := fs.path(key)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}

	tmp, err := ioutil.TempFile(filepath.Dir(p), ".upload-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err = io.Copy(tmp, body); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// Open opens blob file for reading
func (fs *FileStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := fs.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, NoSuchKeyError
	}
	return f, err
}

// Delete removes blob file
func (fs *FileStore) Delete(ctx context.Context, key string) error {
	p, err := fs.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Root returns absolute path of the media folder
func (fs *FileStore) Root() string {
	return fs.root
}
