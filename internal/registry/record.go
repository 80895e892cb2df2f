// Package registry holds the insurance record domain: the record model and
// store contract, expiry classification, pagination, and page rendering.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicatePlate = errors.New("plate already registered")
	ErrInvalidPlate   = errors.New("invalid plate")
)

// platePattern is the accepted shape of a plate identifier.
// Plates are matched case-sensitively in the store index but suggested
// case-insensitively; see Store.Search.
var platePattern = regexp.MustCompile(`^[A-Za-z0-9-]{2,15}$`)

// Record is a single vehicle insurance entry.
// PlateID is the natural key; it never changes after creation.
type Record struct {
	VehicleName  string
	PlateID      string
	ExpiresAt    time.Time
	RegisteredBy string
	UpdatedAt    time.Time
}

// ValidatePlate checks the plate identifier shape.
func ValidatePlate(plate string) error {
	if !platePattern.MatchString(plate) {
		return fmt.Errorf("%w: %q (want 2-15 chars, alphanumeric or hyphen)", ErrInvalidPlate, plate)
	}
	return nil
}

// NewRecord builds a validated record. Expiry is now + daysValid calendar
// days in loc; arithmetic never uses the host zone.
func NewRecord(vehicleName, plate string, daysValid int, registeredBy string, now time.Time, loc *time.Location) (Record, error) {
	vehicleName = strings.TrimSpace(vehicleName)
	if vehicleName == "" {
		return Record{}, fmt.Errorf("%w: vehicle name is empty", ErrInvalidPlate)
	}
	plate = strings.TrimSpace(plate)
	if err := ValidatePlate(plate); err != nil {
		return Record{}, err
	}
	if daysValid < 1 {
		return Record{}, fmt.Errorf("days valid must be >= 1, got %d", daysValid)
	}
	if loc == nil {
		loc = time.UTC
	}
	return Record{
		VehicleName:  vehicleName,
		PlateID:      plate,
		ExpiresAt:    now.In(loc).AddDate(0, 0, daysValid),
		RegisteredBy: registeredBy,
		UpdatedAt:    now,
	}, nil
}

// Store is the persistence contract for insurance records.
//
// Implementations must be safe for concurrent use; a single-record atomic
// update/delete is the only isolation level required.
type Store interface {
	// Create inserts a new record. ErrDuplicatePlate if the plate exists.
	Create(ctx context.Context, rec Record) error
	// FindByPlate returns the record or ErrNotFound.
	FindByPlate(ctx context.Context, plate string) (Record, error)
	// Search returns up to limit records whose name or plate contains the
	// query, case-insensitively. Used by the suggestion surface only.
	Search(ctx context.Context, query string, limit int) ([]Record, error)
	// UpdateExpiry replaces ExpiresAt and refreshes UpdatedAt.
	// ErrNotFound if the plate is absent.
	UpdateExpiry(ctx context.Context, plate string, expiresAt, updatedAt time.Time) error
	// Delete removes and returns the record. ErrNotFound if absent.
	Delete(ctx context.Context, plate string) (Record, error)
	// ListAll returns a full snapshot, sorted by ascending expiry when asked.
	ListAll(ctx context.Context, sortByExpiry bool) ([]Record, error)

	Close() error
}
