// Package matcher pushes ride offers to nearby drivers and resolves who
// gets the ride. It does not pick a best driver: offers go out to everyone
// in range and the first accept that lands on the ride record wins.
package matcher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
)

const DefaultRadiusM = 5000.0

type Service struct {
	Machine  *ride.Machine
	Registry *registry.Registry
	Notify   *notify.Notifier
	RadiusM  float64
	Logger   *slog.Logger
}

type Request struct {
	PassengerID string
	From        models.Place
	To          models.Place
	DistanceKm  float64
	Fare        float64
}

// Result of a ride request. An empty Offered is not an error: the ride
// stays requested and can still be picked up by a polling driver.
type Result struct {
	Ride    *models.Ride
	Offered []string
}

func (s *Service) radius() float64 {
	if s.RadiusM <= 0 {
		return DefaultRadiusM
	}
	return s.RadiusM
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) RequestRide(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	r, err := s.Machine.Create(ctx, &models.Ride{
		PassengerID: req.PassengerID,
		From:        req.From,
		To:          req.To,
		DistanceKm:  req.DistanceKm,
		Fare:        req.Fare,
		Status:      models.StatusRequested,
	})
	if err != nil {
		return Result{}, err
	}
	observability.RidesRequested.Inc()
	s.Notify.Subscribe(req.PassengerID, dispatch.RideTopic(r.ID))

	offered, err := s.Offer(ctx, r, "")
	if err != nil {
		// the ride exists; offers are best effort
		s.logger().Warn("offer ride failed", "ride_id", r.ID, "error", err)
	}
	if len(offered) == 0 {
		observability.NoDriversTotal.Inc()
	}
	s.logger().Info("ride requested", "ride_id", r.ID, "passenger_id", r.PassengerID, "offers", len(offered))
	return Result{Ride: r, Offered: offered}, nil
}

// Offer sends ride:new to every available driver within range of the
// pickup, skipping skip.
func (s *Service) Offer(ctx context.Context, r *models.Ride, skip string) ([]string, error) {
	drivers, err := s.Registry.DriversWithin(ctx, r.From.Coord(), s.radius())
	if err != nil {
		return nil, err
	}
	offered := make([]string, 0, len(drivers))
	for _, d := range drivers {
		if d.ID == skip {
			continue
		}
		if s.Notify.User(d.ID, events.RideNew, r) > 0 {
			offered = append(offered, d.ID)
			observability.OffersSent.Inc()
		}
	}
	return offered, nil
}

// PollNearby records the driver's location, when given, and returns every
// requested ride whose pickup is within range.
func (s *Service) PollNearby(ctx context.Context, driverID string, loc *models.Coord) ([]*models.Ride, error) {
	if driverID == "" {
		return nil, apperr.Validationf("matcher.poll_nearby", "driverId is required")
	}
	if loc != nil {
		if err := s.Registry.UpdateLocation(ctx, driverID, *loc); err != nil {
			return nil, err
		}
	}
	at, ok, err := s.Registry.Location(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.NotFound, "matcher.poll_nearby", "driver location unknown")
	}
	rides, err := s.Machine.Requested(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Ride, 0)
	for _, r := range rides {
		d, err := geo.DistanceMeters(r.From.Coord(), at)
		if err != nil {
			continue
		}
		if d <= s.radius() {
			out = append(out, r)
		}
	}
	return out, nil
}

// AcceptRide hands the ride to driverID if it is still requested. The
// losing drivers of a race get the state machine's InvalidTransition back.
func (s *Service) AcceptRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, apperr.Validationf("matcher.accept", "rideId and driverId are required")
	}
	r, err := s.Machine.Accept(ctx, rideID, driverID)
	if err != nil {
		if errors.Is(err, ride.ErrInvalidTransition) {
			observability.AcceptsTotal.WithLabelValues("lost").Inc()
		}
		return nil, err
	}
	observability.AcceptsTotal.WithLabelValues("won").Inc()
	s.logger().Info("ride accepted", "ride_id", rideID, "driver_id", driverID)

	s.Notify.Subscribe(driverID, dispatch.RideTopic(r.ID))
	for _, p := range r.Riders() {
		s.Notify.User(p, events.RideAccepted, r)
	}
	s.Withdraw(r.ID, driverID)
	s.Notify.Status(r)
	return r, nil
}

// RejectRide declines an offer. A ride still requested is left alone; a
// ride held by the caller goes back to requested and is offered again. The
// hold is checked when the release is written, so a reject that raced a
// handover to another driver fails instead of undoing it.
func (s *Service) RejectRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, apperr.Validationf("matcher.reject", "rideId and driverId are required")
	}
	cur, err := s.Machine.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.StatusRequested {
		return cur, nil
	}
	r, err := s.Machine.Release(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	s.Notify.Status(r)
	if _, err := s.Offer(ctx, r, driverID); err != nil {
		s.logger().Warn("re-offer failed", "ride_id", r.ID, "error", err)
	}
	return r, nil
}

// Withdraw retracts stale offers from every connected driver but keep.
func (s *Service) Withdraw(rideID, keep string) {
	for _, e := range s.Registry.ConnectedDrivers() {
		if e.UserID == keep {
			continue
		}
		s.Notify.User(e.UserID, events.RideRemove, events.RideRemoved{RideID: rideID})
	}
}

func validateRequest(req Request) error {
	const op = "matcher.request"
	if req.PassengerID == "" {
		return apperr.Validationf(op, "passengerId is required")
	}
	if !geo.Valid(req.From.Coord()) || !geo.Valid(req.To.Coord()) {
		return apperr.Validationf(op, "from and to need valid coordinates")
	}
	if req.Fare < 0 || req.DistanceKm < 0 {
		return apperr.Validationf(op, "fare and distanceKm must not be negative")
	}
	return nil
}
