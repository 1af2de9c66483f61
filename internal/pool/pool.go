// Package pool groups passengers into shared rides. A pool waits in
// rideshare_waiting until it is full and then enters normal matching.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

const DefaultCapacity = 3

var (
	ErrPoolNotFound  = errors.New("ride share not found")
	ErrNotShared     = errors.New("ride is not shared")
	ErrAlreadyJoined = errors.New("already joined")
	ErrPoolFull      = errors.New("ride share full")
	ErrPoolClosed    = errors.New("ride share no longer open")
)

// Offerer pushes a ride that became requested to nearby drivers.
type Offerer interface {
	Offer(ctx context.Context, r *models.Ride, skip string) ([]string, error)
}

type Service struct {
	Machine         *ride.Machine
	Notify          *notify.Notifier
	Offers          Offerer
	DefaultCapacity int
	Logger          *slog.Logger
}

type CreateRequest struct {
	PassengerID   string
	From          models.Place
	To            models.Place
	Fare          float64
	MaxPassengers int
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) capacity(n int) int {
	if n > 0 {
		return n
	}
	if s.DefaultCapacity > 0 {
		return s.DefaultCapacity
	}
	return DefaultCapacity
}

// CreatePool opens a pool with the creator as its only passenger and
// announces it to everyone connected.
func (s *Service) CreatePool(ctx context.Context, req CreateRequest) (*models.Ride, error) {
	const op = "pool.create"
	if req.PassengerID == "" {
		return nil, apperr.Validationf(op, "passengerId is required")
	}
	if !geo.Valid(req.From.Coord()) || !geo.Valid(req.To.Coord()) {
		return nil, apperr.Validationf(op, "from and to need valid coordinates")
	}
	if req.Fare < 0 {
		return nil, apperr.Validationf(op, "fare must not be negative")
	}
	limit := s.capacity(req.MaxPassengers)
	if limit < 2 {
		return nil, apperr.Validationf(op, "maxPassengers must be at least 2")
	}
	r, err := s.Machine.Create(ctx, &models.Ride{
		PassengerID:   req.PassengerID,
		From:          req.From,
		To:            req.To,
		Fare:          req.Fare,
		Status:        models.StatusRideshareWaiting,
		Shared:        true,
		Passengers:    []string{req.PassengerID},
		MaxPassengers: limit,
		SharedFare:    req.Fare,
	})
	if err != nil {
		return nil, err
	}
	s.Notify.Subscribe(req.PassengerID, dispatch.PoolTopic(r.ID))
	s.Notify.Subscribe(req.PassengerID, dispatch.RideTopic(r.ID))
	s.Notify.All(events.RideshareNew, r)
	s.logger().Info("ride share created", "ride_id", r.ID, "passenger_id", req.PassengerID, "max", limit)
	return r, nil
}

// JoinPool adds passengerID to the pool and splits the fare again. The join
// that fills the pool also moves it to requested and offers it to drivers.
func (s *Service) JoinPool(ctx context.Context, rideID, passengerID string) (*models.Ride, error) {
	const op = "pool.join"
	if rideID == "" || passengerID == "" {
		return nil, apperr.Validationf(op, "rideId and passengerId are required")
	}
	r, err := s.Machine.Update(ctx, rideID, passengerID, func(r *models.Ride) error {
		if !r.Shared {
			return &apperr.Error{Category: apperr.NotFound, Op: op, Msg: "ride is not a ride share", Err: ErrNotShared}
		}
		if r.HasPassenger(passengerID) {
			return &apperr.Error{Category: apperr.Capacity, Op: op, Msg: "passenger already joined", Err: ErrAlreadyJoined}
		}
		if len(r.Passengers) >= r.MaxPassengers {
			return &apperr.Error{Category: apperr.Capacity, Op: op, Msg: "ride share is full", Err: ErrPoolFull}
		}
		if r.Status != models.StatusRideshareWaiting {
			return &apperr.Error{Category: apperr.InvalidTransition, Op: op, Msg: fmt.Sprintf("ride share is %s", r.Status), Err: ErrPoolClosed}
		}
		r.Passengers = append(r.Passengers, passengerID)
		r.SharedFare = r.Fare / float64(len(r.Passengers))
		if len(r.Passengers) == r.MaxPassengers {
			r.Status = models.StatusRequested
		}
		return nil
	})
	if errors.Is(err, ride.ErrNotFound) {
		return nil, &apperr.Error{Category: apperr.NotFound, Op: op, Msg: "ride share not found: " + rideID, Err: ErrPoolNotFound}
	}
	if err != nil {
		return nil, err
	}
	observability.PoolJoins.Inc()
	s.Notify.Subscribe(passengerID, dispatch.PoolTopic(r.ID))
	s.Notify.Subscribe(passengerID, dispatch.RideTopic(r.ID))
	s.Notify.Topic(dispatch.PoolTopic(r.ID), events.RideshareUpdate, r)
	s.logger().Info("ride share joined", "ride_id", r.ID, "passenger_id", passengerID, "passengers", len(r.Passengers))

	if r.Status == models.StatusRequested {
		s.Notify.All(events.RideShareReady, r)
		s.Notify.Status(r)
		if s.Offers != nil {
			if _, err := s.Offers.Offer(ctx, r, ""); err != nil {
				s.logger().Warn("offer ride share failed", "ride_id", r.ID, "error", err)
			}
		}
	}
	return r, nil
}
