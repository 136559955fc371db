package storage

import (
	"time"

	"github.com/google/uuid"
)

// Derivation statuses of an original image
const (
	DerivationPending = "pending"
	DerivationRunning = "running"
	DerivationDone    = "done"
	DerivationFailed  = "failed"
)

// User - owner of images. A user without a plan can not upload or list images.
type User struct {
	ID        uuid.UUID `gorm:"type:varchar(36);primary_key"`
	Username  string    `gorm:"size:150;unique_index;not null"`
	Email     string    `gorm:"size:254"`
	PlanID    *uint     `gorm:"index"`
	CreatedAt time.Time
}

// Plan - named ordered set of image specifications.
// Includes is loaded explicitly by the catalog, it is not a column.
type Plan struct {
	ID        uint   `gorm:"primary_key"`
	Name      string `gorm:"unique_index;not null"`
	CreatedAt time.Time
	Includes  []ImageSpecification `gorm:"-"`
}

// ImageSpecification - one rule of a plan.
// Zero width or height means the original image.
type ImageSpecification struct {
	ID                uint `gorm:"primary_key"`
	Width             uint `gorm:"not null;default:0"`
	Height            uint `gorm:"not null;default:0"`
	Link              bool `gorm:"not null"`
	ExpiryLink        bool `gorm:"not null"`
	ExpiryLinkSeconds uint `gorm:"not null;default:300"`
}

// Resizes tells whether the rule produces a thumbnail
func (spec ImageSpecification) Resizes() bool {
	return spec.Width > 0 && spec.Height > 0
}

// PlanSpecification - plan to specification relation, ordered by Position
type PlanSpecification struct {
	PlanID               uint `gorm:"primary_key;auto_increment:false"`
	ImageSpecificationID uint `gorm:"primary_key;auto_increment:false"`
	Position             int  `gorm:"not null"`
}

// Image - original upload or a thumbnail derived from one.
type Image struct {
	ID          uuid.UUID `gorm:"type:varchar(36);primary_key"`
	Name        string    `gorm:"not null"`
	OwnerID     uuid.UUID `gorm:"type:varchar(36);index;not null"`
	BlobKey     string    `gorm:"not null"`
	ContentType string    `gorm:"size:64"`
	Size        int64
	Width       *uint
	Height      *uint
	// nil for originals
	ParentImageID               *uuid.UUID `gorm:"type:varchar(36);index"`
	ExpiringLinkDurationSeconds *uint
	DerivationStatus            string `gorm:"size:16;index"`
	// set when a worker claims derivation of the original
	DerivationStartedAt *time.Time
	CreatedAt           time.Time
}

// IsOriginal reports whether image is an upload rather than a thumbnail
func (img *Image) IsOriginal() bool {
	return img.ParentImageID == nil
}

// Link - addressable pointer to bytes of one image. Nil Expiry never expires.
type Link struct {
	ID        uuid.UUID  `gorm:"type:varchar(36);primary_key"`
	URI       string     `gorm:"unique_index;not null"`
	Expiry    *time.Time `gorm:"index"`
	ImageID   uuid.UUID  `gorm:"type:varchar(36);index;not null"`
	Ordinal   int        `gorm:"not null;default:0"`
	CreatedAt time.Time
}

// ExpiredAt tells whether link can not be read at moment now
func (l *Link) ExpiredAt(now time.Time) bool {
	return l.Expiry != nil && !now.Before(*l.Expiry)
}
