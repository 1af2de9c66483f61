// Package eta turns driver location ticks into ETA updates for the ride the
// driver is working.
package eta

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
)

// DefaultSpeedMps is roughly 36 km/h of city driving.
const DefaultSpeedMps = 10.0

// LocationSink receives every accepted location tick.
type LocationSink interface {
	PublishLocation(ctx context.Context, driverID string, c models.Coord, at time.Time) error
}

// Seconds is distance over speed, rounded to the nearest second.
func Seconds(distanceM, speedMps float64) int64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return int64(math.Round(distanceM / speedMps))
}

type Pipeline struct {
	Registry *registry.Registry
	Machine  *ride.Machine
	Notify   *notify.Notifier
	SpeedMps float64
	Sink     LocationSink
	Logger   *slog.Logger
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// OnDriverLocation records the tick and, when the driver has an accepted or
// in-progress ride, emits driver:eta:update to the driver and passengers.
// The returned update is nil when no ride is active.
func (p *Pipeline) OnDriverLocation(ctx context.Context, driverID string, c models.Coord) (*events.ETAUpdate, error) {
	if err := p.Registry.UpdateLocation(ctx, driverID, c); err != nil {
		return nil, err
	}
	if p.Sink != nil {
		if err := p.Sink.PublishLocation(ctx, driverID, c, time.Now()); err != nil {
			p.logger().Warn("publish location failed", "driver_id", driverID, "error", err)
		}
	}
	loc := events.LocationUpdate{DriverID: driverID, Lat: c.Lat, Lng: c.Lng}
	p.Notify.Topic(dispatch.FleetTopic(), events.DriverLocationEvent, loc)

	r, ok, err := p.Machine.ActiveForDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	p.Notify.Topic(dispatch.RideTopic(r.ID), events.DriverLocationEvent, loc)

	upd, ok := Compute(r, c, p.SpeedMps)
	if !ok {
		return nil, nil
	}
	p.Notify.User(driverID, events.DriverETA, upd)
	for _, rider := range r.Riders() {
		p.Notify.User(rider, events.DriverETA, upd)
	}
	observability.ETAUpdates.Inc()
	return &upd, nil
}

// Compute targets the pickup while the ride is accepted and the drop-off
// while it is in progress.
func Compute(r *models.Ride, at models.Coord, speedMps float64) (events.ETAUpdate, bool) {
	var (
		target models.Coord
		kind   events.ETAKind
	)
	switch r.Status {
	case models.StatusAccepted:
		target, kind = r.From.Coord(), events.ToPickup
	case models.StatusInProgress:
		target, kind = r.To.Coord(), events.ToDropoff
	default:
		return events.ETAUpdate{}, false
	}
	d, err := geo.DistanceMeters(at, target)
	if err != nil {
		return events.ETAUpdate{}, false
	}
	return events.ETAUpdate{
		RideID:         r.ID,
		Type:           kind,
		ETASeconds:     Seconds(d, speedMps),
		DistanceMeters: d,
	}, true
}
