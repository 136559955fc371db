package storage

import "fmt"

// Bounds of ImageSpecification.ExpiryLinkSeconds, both inclusive
const (
	MinExpiryLinkSeconds     = 300
	MaxExpiryLinkSeconds     = 30000
	DefaultExpiryLinkSeconds = 300
)

// Bounds of Image.ExpiringLinkDurationSeconds, both exclusive
const (
	MinExpiringLinkDuration = 300
	MaxExpiringLinkDuration = 30000
)

// ValidateExpiringLinkDuration checks per-image override. nil means not set.
func ValidateExpiringLinkDuration(seconds *uint) error {
	if seconds == nil {
		return nil
	}
	if *seconds <= MinExpiringLinkDuration || *seconds >= MaxExpiringLinkDuration {
		return &ValidationError{
			Field:   "expiringLinkDurationSeconds",
			Message: "Invalid expiring_link_duration_seconds value",
		}
	}
	return nil
}

// ValidateSpecification checks a plan rule before it is written
func ValidateSpecification(spec ImageSpecification) error {
	if spec.ExpiryLinkSeconds < MinExpiryLinkSeconds || spec.ExpiryLinkSeconds > MaxExpiryLinkSeconds {
		return &ValidationError{
			Field:   "expiryLinkSeconds",
			Message: fmt.Sprintf("ensure this value is between %d and %d", MinExpiryLinkSeconds, MaxExpiryLinkSeconds),
		}
	}
	return nil
}
