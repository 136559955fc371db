// Package storagetest provides throwaway databases and blob stores for tests.
package storagetest

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KazanExpress/planimg/internal/pkg/storage"
)

// NewDB opens an initialized sqlite database in a temp folder, dropped on cleanup
func NewDB(t testing.TB) *storage.DB {
	dir, err := ioutil.TempDir("", "planimg-db-")
	if err != nil {
		t.Fatalf("failed to create temp dir - %v", err)
	}

	db, err := storage.OpenWith("sqlite3", filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open db - %v", err)
	}
	if err = db.InitDB(); err != nil {
		t.Fatalf("failed to init db - %v", err)
	}

	t.Cleanup(func() {
		db.DropDB()
		os.RemoveAll(dir)
	})
	return db
}

// NewFileStore creates blob store in a temp folder, removed on cleanup
func NewFileStore(t testing.TB) *storage.FileStore {
	dir, err := ioutil.TempDir("", "planimg-media-")
	if err != nil {
		t.Fatalf("failed to create temp dir - %v", err)
	}
	fs, err := storage.NewFileStore(dir)
	if err != nil {
		t.Fatalf("failed to create file store - %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return fs
}

// Seconds returns pointer to v, handy for optional seconds fields
func Seconds(v uint) *uint {
	return &v
}

// MustCreatePlan creates plan or fails the test
func MustCreatePlan(t testing.TB, db *storage.DB, name string, includes ...storage.SpecificationDefinition) *storage.Plan {
	plan, err := db.CreatePlan(storage.PlanDefinition{Name: name, Includes: includes})
	if err != nil {
		t.Fatalf("failed to create plan %s - %v", name, err)
	}
	return plan
}

// MustCreateUser creates user or fails the test, planName may be empty
func MustCreateUser(t testing.TB, db *storage.DB, username, planName string) *storage.User {
	user, err := db.CreateUser(username, username+"@example.com", planName)
	if err != nil {
		t.Fatalf("failed to create user %s - %v", username, err)
	}
	return user
}

// CountBlobs returns number of stored blobs, upload temp files excluded
func CountBlobs(t testing.TB, fs *storage.FileStore) int {
	var n int
	err := filepath.Walk(fs.Root(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && !strings.HasPrefix(info.Name(), ".upload-") {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to walk media root - %v", err)
	}
	return n
}
