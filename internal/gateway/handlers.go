package gateway

import (
	"context"
	"encoding/json"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pool"
)

func (g *Gateway) joinRoom(ctx context.Context, s *Session, data json.RawMessage) error {
	var p events.JoinRoomPayload
	if err := decode(events.JoinRoom, data, &p); err != nil {
		return err
	}
	if p.UserID == "" && p.RideID == "" {
		return apperr.Validationf("gateway.joinRoom", "userId or rideId is required")
	}
	if p.UserID != "" {
		uid, err := actingAs(s, events.JoinRoom, p.UserID)
		if err != nil {
			return err
		}
		if uid == s.UserID {
			// rebinds the handle and records it on the user
			g.registry.Register(ctx, s.UserID, s.Role, s.Conn)
		}
		g.hub.Join(dispatch.UserTopic(uid), s.Conn)
	}
	if p.RideID != "" {
		r, err := g.machine.Get(ctx, p.RideID)
		if err != nil {
			return err
		}
		if s.Role != models.RoleAdmin && r.DriverID != s.UserID && !r.HasPassenger(s.UserID) {
			return apperr.New(apperr.Auth, "gateway.joinRoom", "not a participant of this ride")
		}
		g.hub.Join(dispatch.RideTopic(r.ID), s.Conn)
		if r.Shared {
			g.hub.Join(dispatch.PoolTopic(r.ID), s.Conn)
		}
	}
	return nil
}

func (g *Gateway) rideRequest(ctx context.Context, s *Session, data json.RawMessage) error {
	if err := requireRole(s, events.RideRequest, models.RolePassenger); err != nil {
		return err
	}
	var p events.RideRequestPayload
	if err := decode(events.RideRequest, data, &p); err != nil {
		return err
	}
	if p.From == nil || p.To == nil {
		return apperr.Validationf("gateway.ride:request", "from and to are required")
	}
	pid, err := actingAs(s, events.RideRequest, p.PassengerID)
	if err != nil {
		return err
	}
	res, err := g.matcher.RequestRide(ctx, matcher.Request{
		PassengerID: pid,
		From:        *p.From,
		To:          *p.To,
		DistanceKm:  p.DistanceKm,
		Fare:        p.Fare,
	})
	if err != nil {
		return err
	}
	g.notify.Status(res.Ride)
	if len(res.Offered) == 0 {
		// the ride stays requested; the passenger is only told
		return apperr.New(apperr.NotFound, "gateway.ride:request", "No nearby drivers found.")
	}
	return nil
}

func (g *Gateway) driverNearby(ctx context.Context, s *Session, data json.RawMessage) error {
	if err := requireRole(s, events.DriverNearby, models.RoleDriver); err != nil {
		return err
	}
	var p events.DriverNearbyPayload
	if len(data) > 0 && string(data) != "null" {
		if err := decode(events.DriverNearby, data, &p); err != nil {
			return err
		}
	}
	did, err := actingAs(s, events.DriverNearby, p.DriverID)
	if err != nil {
		return err
	}
	rides, err := g.matcher.PollNearby(ctx, did, p.Location)
	if err != nil {
		return err
	}
	g.notify.Direct(s.Conn, events.RideList, rides)
	return nil
}

func (g *Gateway) rideAccept(ctx context.Context, s *Session, data json.RawMessage) error {
	if err := requireRole(s, events.RideAccept, models.RoleDriver); err != nil {
		return err
	}
	var p events.RideRefPayload
	if err := decode(events.RideAccept, data, &p); err != nil {
		return err
	}
	did, err := actingAs(s, events.RideAccept, p.DriverID)
	if err != nil {
		return err
	}
	_, err = g.matcher.AcceptRide(ctx, p.RideID, did)
	return err
}

func (g *Gateway) rideReject(ctx context.Context, s *Session, data json.RawMessage) error {
	if err := requireRole(s, events.RideReject, models.RoleDriver); err != nil {
		return err
	}
	var p events.RideRefPayload
	if err := decode(events.RideReject, data, &p); err != nil {
		return err
	}
	did, err := actingAs(s, events.RideReject, p.DriverID)
	if err != nil {
		return err
	}
	_, err = g.matcher.RejectRide(ctx, p.RideID, did)
	return err
}

// holder is the driver a start or complete must still find on the ride when
// it is written. Admins act on any ride.
func holder(s *Session) string {
	if s.Role == models.RoleAdmin {
		return ""
	}
	return s.UserID
}

// assignedDriver loads the ride and checks the caller drives it. The
// transition re-checks under the swap; this gives the early auth error.
func (g *Gateway) assignedDriver(ctx context.Context, s *Session, event, rideID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, apperr.Validationf("gateway."+event, "rideId is required")
	}
	r, err := g.machine.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if s.Role != models.RoleAdmin && r.DriverID != s.UserID {
		return nil, apperr.New(apperr.Auth, "gateway."+event, "not the driver of this ride")
	}
	return r, nil
}

func (g *Gateway) rideStart(ctx context.Context, s *Session, data json.RawMessage) error {
	if err := requireRole(s, events.RideStart, models.RoleDriver); err != nil {
		return err
	}
	var p events.RideRefPayload
	if err := decode(events.RideStart, data, &p); err != nil {
		return err
	}
	if _, err := g.assignedDriver(ctx, s, events.RideStart, p.RideID); err != nil {
		return err
	}
	r, err := g.machine.Start(ctx, p.RideID, s.UserID, holder(s))
	if err != nil {
		return err
	}
	g.notify.Status(r)
	return nil
}

func (g *Gateway) driverLocation(ctx context.Context, s *Session, data json.RawMessage) error {
	if err := requireRole(s, events.DriverLocation, models.RoleDriver); err != nil {
		return err
	}
	var p events.DriverLocationPayload
	if err := decode(events.DriverLocation, data, &p); err != nil {
		return err
	}
	if p.Lat == nil || p.Lng == nil {
		return apperr.Validationf("gateway.driver:location", "lat and lng are required")
	}
	did, err := actingAs(s, events.DriverLocation, p.DriverID)
	if err != nil {
		return err
	}
	_, err = g.eta.OnDriverLocation(ctx, did, models.Coord{Lat: *p.Lat, Lng: *p.Lng})
	return err
}

func (g *Gateway) rideComplete(ctx context.Context, s *Session, data json.RawMessage) error {
	if err := requireRole(s, events.RideComplete, models.RoleDriver); err != nil {
		return err
	}
	var p events.RideCompletePayload
	if err := decode(events.RideComplete, data, &p); err != nil {
		return err
	}
	if _, err := g.assignedDriver(ctx, s, events.RideComplete, p.RideID); err != nil {
		return err
	}
	_, err := g.settlement.CompleteRide(ctx, p.RideID, s.UserID, holder(s), p.Fare)
	return err
}

func (g *Gateway) ridePay(ctx context.Context, s *Session, data json.RawMessage) error {
	var p events.RideRefPayload
	if err := decode(events.RidePay, data, &p); err != nil {
		return err
	}
	if p.RideID == "" {
		return apperr.Validationf("gateway.ride:pay", "rideId is required")
	}
	r, err := g.machine.Get(ctx, p.RideID)
	if err != nil {
		return err
	}
	if s.Role != models.RoleAdmin && !r.HasPassenger(s.UserID) && r.DriverID != s.UserID {
		return apperr.New(apperr.Auth, "gateway.ride:pay", "not a participant of this ride")
	}
	_, err = g.settlement.Settle(ctx, p.RideID)
	return err
}

func (g *Gateway) rideTip(ctx context.Context, s *Session, data json.RawMessage) error {
	if err := requireRole(s, events.RideTip, models.RolePassenger); err != nil {
		return err
	}
	var p events.RideTipPayload
	if err := decode(events.RideTip, data, &p); err != nil {
		return err
	}
	_, err := g.settlement.TipDriver(ctx, p.DriverID, p.RideID, p.Amount)
	return err
}

// rideCancel is open to any caller; who cancelled is recorded only.
func (g *Gateway) rideCancel(ctx context.Context, s *Session, data json.RawMessage) error {
	var p events.RideRefPayload
	if err := decode(events.RideCancel, data, &p); err != nil {
		return err
	}
	if p.RideID == "" {
		return apperr.Validationf("gateway.ride:cancel", "rideId is required")
	}
	r, prev, err := g.machine.Cancel(ctx, p.RideID, s.UserID)
	if err != nil {
		return err
	}
	g.notify.Status(r)
	if prev.DriverID != "" {
		// the driver was cleared by the cancel and is no longer reached by Status
		g.notify.User(prev.DriverID, events.RideStatus, r)
	}
	if prev.Status == models.StatusRequested {
		g.matcher.Withdraw(r.ID, "")
	}
	return nil
}

func (g *Gateway) rideshareCreate(ctx context.Context, s *Session, data json.RawMessage) error {
	if err := requireRole(s, events.RideshareCreate, models.RolePassenger); err != nil {
		return err
	}
	var p events.RideshareCreatePayload
	if err := decode(events.RideshareCreate, data, &p); err != nil {
		return err
	}
	if p.From == nil || p.To == nil {
		return apperr.Validationf("gateway.rideshare:create", "from and to are required")
	}
	pid, err := actingAs(s, events.RideshareCreate, p.PassengerID)
	if err != nil {
		return err
	}
	_, err = g.pool.CreatePool(ctx, pool.CreateRequest{
		PassengerID:   pid,
		From:          *p.From,
		To:            *p.To,
		Fare:          p.Fare,
		MaxPassengers: p.MaxPassengers,
	})
	return err
}

func (g *Gateway) rideshareJoin(ctx context.Context, s *Session, data json.RawMessage) error {
	if err := requireRole(s, events.RideshareJoin, models.RolePassenger); err != nil {
		return err
	}
	var p events.RideshareJoinPayload
	if err := decode(events.RideshareJoin, data, &p); err != nil {
		return err
	}
	pid, err := actingAs(s, events.RideshareJoin, p.PassengerID)
	if err != nil {
		return err
	}
	_, err = g.pool.JoinPool(ctx, p.RideID, pid)
	return err
}
