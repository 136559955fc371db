package storage

import (
	"fmt"
	"os"
	"time"

	"github.com/KazanExpress/planimg/internal/pkg/config"
	"github.com/google/uuid"
	"github.com/jinzhu/gorm"
	// registers sqlite3 and postgres drivers
	_ "github.com/jinzhu/gorm/dialects/postgres"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/rs/zerolog/log"
)

// DB - metadata store of users, plans, images and links
type DB struct {
	*gorm.DB
	driver         string
	dataSourceName string
}

// Tx - write transaction, every row of one derivation goes through a single Tx
type Tx struct {
	*gorm.DB
}

func init() {
	// timestamps are compared with values of a UTC clock
	gorm.NowFunc = func() time.Time {
		return time.Now().UTC()
	}
}

// Open returns a DB reference for a data source described in config.
func Open(cfg *config.Config) (*DB, error) {
	if cfg.DatabaseDriver == "postgres" {
		return OpenWith("postgres", cfg.PostgresDSN())
	}
	return OpenWith("sqlite3", cfg.DataSourceName)
}

// OpenWith returns a DB reference for driver and data source name.
func OpenWith(driver, dataSourceName string) (*DB, error) {
	db, err := gorm.Open(driver, dataSourceName)
	if err != nil {
		return nil, err
	}
	db.LogMode(false)

	if driver == "sqlite3" {
		// sqlite allows a single writer, serialize everything through one connection
		db.DB().SetMaxOpenConns(1)
	} else {
		db.DB().SetMaxIdleConns(5)
		db.DB().SetMaxOpenConns(10)
		db.DB().SetConnMaxLifetime(time.Hour)
	}

	return &DB{db, driver, dataSourceName}, nil
}

// Driver returns name of sql driver in use
func (db *DB) Driver() string {
	return db.driver
}

// InitDB creates non-existing tables
func (db *DB) InitDB() error {
	return db.AutoMigrate(
		&Plan{},
		&ImageSpecification{},
		&PlanSpecification{},
		&User{},
		&Image{},
		&Link{},
	).Error
}

// DropDB removes all data. For sqlite the database file is removed.
func (db *DB) DropDB() error {
	if db.driver == "sqlite3" {
		db.Close()
		os.Remove(db.dataSourceName + "-journal")
		return os.Remove(db.dataSourceName)
	}

	if db.driver == "postgres" {
		return db.DropTableIfExists(
			&Link{},
			&Image{},
			&User{},
			&PlanSpecification{},
			&ImageSpecification{},
			&Plan{},
		).Error
	}

	return fmt.Errorf("'%s' driver not supported", db.driver)
}

// Ping checks database reachability
func (db *DB) Ping() error {
	return db.DB.DB().Ping()
}

// Begin starts and returns a new transaction.
func (db *DB) Begin() (*Tx, error) {
	tx := db.DB.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &Tx{tx}, nil
}

// Commit commits the transaction
func (tx *Tx) Commit() error {
	return tx.DB.Commit().Error
}

// Rollback aborts the transaction
func (tx *Tx) Rollback() error {
	return tx.DB.Rollback().Error
}

// CreateImage inserts image row inside transaction
func (tx *Tx) CreateImage(img *Image) error {
	return tx.Create(img).Error
}

// CreateLink inserts link row inside transaction
func (tx *Tx) CreateLink(link *Link) error {
	return tx.Create(link).Error
}

// CreateImage inserts a single image row
func (db *DB) CreateImage(img *Image) error {
	return db.Create(img).Error
}

// QueryImage returns image by id
func (db *DB) QueryImage(id uuid.UUID) (*Image, error) {
	var img Image
	q := db.Where("id = ?", id).First(&img)
	if q.RecordNotFound() {
		return nil, ImageNotFoundError
	}
	if q.Error != nil {
		return nil, q.Error
	}
	return &img, nil
}

// ListOriginals returns images of owner which are not thumbnails, newest first
func (db *DB) ListOriginals(ownerID uuid.UUID) ([]Image, error) {
	var images []Image
	err := db.Where("owner_id = ? AND parent_image_id IS NULL", ownerID).
		Order("created_at desc").
		Find(&images).Error
	return images, err
}

// ListThumbnails returns images derived from parent
func (db *DB) ListThumbnails(parentID uuid.UUID) ([]Image, error) {
	var images []Image
	err := db.Where("parent_image_id = ?", parentID).Order("created_at").Find(&images).Error
	return images, err
}

// ListRederivable returns a page of originals to derive again, oldest first:
// failed ones, pending ones created before pendingBefore
// and running ones claimed before staleBefore.
func (db *DB) ListRederivable(pendingBefore, staleBefore time.Time, offset, limit int) ([]Image, error) {
	var images []Image
	err := db.Where("parent_image_id IS NULL").
		Where("derivation_status = ? OR (derivation_status = ? AND created_at < ?) OR (derivation_status = ? AND derivation_started_at < ?)",
			DerivationFailed, DerivationPending, pendingBefore, DerivationRunning, staleBefore).
		Order("created_at").
		Offset(offset).
		Limit(limit).
		Find(&images).Error
	return images, err
}

// ClaimDerivation atomically moves a pending or failed original, or one whose claim
// is older than staleBefore, to running. It reports false if the image is claimed by
// somebody else, already derived or missing.
func (db *DB) ClaimDerivation(id uuid.UUID, now, staleBefore time.Time) (bool, error) {
	q := db.Model(&Image{}).
		Where("id = ? AND parent_image_id IS NULL", id).
		Where("derivation_status IN (?) OR (derivation_status = ? AND derivation_started_at < ?)",
			[]string{DerivationPending, DerivationFailed}, DerivationRunning, staleBefore).
		UpdateColumns(map[string]interface{}{
			"derivation_status":     DerivationRunning,
			"derivation_started_at": now,
		})
	if q.Error != nil {
		return false, q.Error
	}
	return q.RowsAffected == 1, nil
}

// SetDerivationStatus updates status of an original image
func (db *DB) SetDerivationStatus(id uuid.UUID, status string) error {
	q := db.Model(&Image{}).Where("id = ? AND parent_image_id IS NULL", id).Update("derivation_status", status)
	if q.Error != nil {
		return q.Error
	}
	if q.RowsAffected != 1 {
		log.Error().Int64("rows", q.RowsAffected).Str("image_id", id.String()).
			Msg("failed to update derivation status: 1 row should be updated")
		return ImageNotFoundError
	}
	return nil
}

// FamilyLinks returns links of the image and of all of its thumbnails,
// in the order they were created by derivation
func (db *DB) FamilyLinks(imageID uuid.UUID) ([]Link, error) {
	var links []Link
	err := db.Where("image_id = ? OR image_id IN (SELECT id FROM images WHERE parent_image_id = ?)", imageID, imageID).
		Order("created_at").
		Order("ordinal").
		Find(&links).Error
	return links, err
}

// QueryLink returns link by id
func (db *DB) QueryLink(id uuid.UUID) (*Link, error) {
	var link Link
	q := db.Where("id = ?", id).First(&link)
	if q.RecordNotFound() {
		return nil, LinkNotFoundError
	}
	if q.Error != nil {
		return nil, q.Error
	}
	return &link, nil
}

// PurgeLinksExpiredBefore deletes links whose expiry is earlier than t
func (db *DB) PurgeLinksExpiredBefore(t time.Time) (int64, error) {
	q := db.Where("expiry IS NOT NULL AND expiry < ?", t).Delete(&Link{})
	return q.RowsAffected, q.Error
}

// DeleteImage deletes image with its thumbnails and all links pointing at any of them.
// Returns blob keys of deleted images, it's up to caller to remove blobs.
func (db *DB) DeleteImage(id uuid.UUID) ([]string, error) {
	img, err := db.QueryImage(id)
	if err != nil {
		return nil, err
	}

	thumbs, err := db.ListThumbnails(id)
	if err != nil {
		return nil, err
	}

	var ids = []string{img.ID.String()}
	var keys = []string{img.BlobKey}
	for _, t := range thumbs {
		ids = append(ids, t.ID.String())
		keys = append(keys, t.BlobKey)
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}

	if err = tx.Where("image_id IN (?)", ids).Delete(&Link{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err = tx.Where("parent_image_id = ?", id).Delete(&Image{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err = tx.Where("id = ?", id).Delete(&Image{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	return keys, tx.Commit()
}
