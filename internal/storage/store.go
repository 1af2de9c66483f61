// Package storage is the client side of the storage service: rides and the
// few user fields this process writes.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound        = errors.New("storage: not found")
	ErrVersionConflict = errors.New("storage: version conflict")
)

type RideFilter struct {
	Statuses    []models.RideStatus
	DriverID    string
	PassengerID string
	Limit       int
}

func (f RideFilter) match(r *models.Ride) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if r.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.DriverID != "" && r.DriverID != f.DriverID {
		return false
	}
	if f.PassengerID != "" && !r.HasPassenger(f.PassengerID) {
		return false
	}
	return true
}

// RideStore is assumed atomic per single-ride call.
type RideStore interface {
	FindRide(ctx context.Context, id string) (*models.Ride, error)
	CreateRide(ctx context.Context, r *models.Ride) error
	// UpdateRide replaces the ride only if the stored version equals
	// expectVersion, otherwise it returns ErrVersionConflict. On success
	// r.Version is advanced.
	UpdateRide(ctx context.Context, r *models.Ride, expectVersion int) error
	FindRides(ctx context.Context, f RideFilter) ([]*models.Ride, error)
}

type UserUpdate struct {
	Location    *models.Coord
	ConnID      *string
	LastUpdated *time.Time
}

type UserStore interface {
	FindUser(ctx context.Context, id string) (*models.User, error)
	UpdateUser(ctx context.Context, id string, u UserUpdate) error
}
