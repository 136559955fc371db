package storage

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	ImageNotFoundError  = errors.New("image not found")
	LinkNotFoundError   = errors.New("link not found")
	PlanNotFoundError   = errors.New("plan not found")
	UserNotFoundError   = errors.New("user not found")
	UsernameTakenError  = errors.New("user with such username already exists")
	PlanExistsError     = errors.New("plan with that name already exists")
	NoSuchKeyError      = errors.New("no such key")
	InvalidBlobKeyError = errors.New("invalid blob key")
)

// ValidationError - user correctable input error bound to a single field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	if sqErr, ok := err.(sqlite3.Error); ok {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
