// Package gateway routes inbound client events to the ride services. Each
// event type has one handler; a handler's error, or panic, becomes an
// error:ride notice to the connection that sent the event.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/settlement"
)

// Session is one authenticated connection.
type Session struct {
	Conn   dispatch.Conn
	UserID string
	Role   models.Role
}

// Inbound is the client envelope {"type": ..., "data": ...}.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type handlerFunc func(ctx context.Context, s *Session, data json.RawMessage) error

type Gateway struct {
	hub        *dispatch.Hub
	registry   *registry.Registry
	notify     *notify.Notifier
	machine    *ride.Machine
	matcher    *matcher.Service
	eta        *eta.Pipeline
	settlement *settlement.Service
	pool       *pool.Service
	logger     *slog.Logger

	handlers map[string]handlerFunc
}

type Deps struct {
	Hub        *dispatch.Hub
	Registry   *registry.Registry
	Notify     *notify.Notifier
	Machine    *ride.Machine
	Matcher    *matcher.Service
	ETA        *eta.Pipeline
	Settlement *settlement.Service
	Pool       *pool.Service
	Logger     *slog.Logger
}

func New(d Deps) *Gateway {
	g := &Gateway{
		hub:        d.Hub,
		registry:   d.Registry,
		notify:     d.Notify,
		machine:    d.Machine,
		matcher:    d.Matcher,
		eta:        d.ETA,
		settlement: d.Settlement,
		pool:       d.Pool,
		logger:     d.Logger,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.handlers = map[string]handlerFunc{
		events.JoinRoom:        g.joinRoom,
		events.RideRequest:     g.rideRequest,
		events.DriverNearby:    g.driverNearby,
		events.RideAccept:      g.rideAccept,
		events.RideReject:      g.rideReject,
		events.RideStart:       g.rideStart,
		events.DriverLocation:  g.driverLocation,
		events.RideComplete:    g.rideComplete,
		events.RidePay:         g.ridePay,
		events.RideTip:         g.rideTip,
		events.RideCancel:      g.rideCancel,
		events.RideshareCreate: g.rideshareCreate,
		events.RideshareJoin:   g.rideshareJoin,
	}
	return g
}

// Connect registers an authenticated connection and joins its user topic.
// Admins also observe the fleet topic, seeded with the available drivers.
func (g *Gateway) Connect(ctx context.Context, conn dispatch.Conn, id auth.Identity) *Session {
	s := &Session{Conn: conn, UserID: id.UserID, Role: id.Role}
	g.hub.Attach(conn)
	g.registry.Register(ctx, id.UserID, id.Role, conn)
	g.hub.Join(dispatch.UserTopic(id.UserID), conn)
	if id.Role == models.RoleAdmin {
		g.hub.Join(dispatch.FleetTopic(), conn)
	}
	g.logger.Info("client connected", "user_id", id.UserID, "role", id.Role, "conn_id", conn.ID())
	g.notify.Direct(conn, events.Connected, map[string]string{"userId": id.UserID, "role": string(id.Role)})
	if id.Role == models.RoleAdmin {
		g.sendFleet(ctx, conn)
	}
	return s
}

func (g *Gateway) sendFleet(ctx context.Context, conn dispatch.Conn) {
	drivers, err := g.registry.ListAvailableDrivers(ctx)
	if err != nil {
		g.logger.Warn("fleet snapshot failed", "conn_id", conn.ID(), "error", err)
		return
	}
	fleet := make([]events.LocationUpdate, 0, len(drivers))
	for _, d := range drivers {
		fleet = append(fleet, events.LocationUpdate{DriverID: d.ID, Lat: d.Location.Lat, Lng: d.Location.Lng})
	}
	g.notify.Direct(conn, events.FleetDrivers, fleet)
}

// Disconnect drops every trace of the connection. Rides are untouched.
func (g *Gateway) Disconnect(ctx context.Context, s *Session) {
	g.hub.Detach(s.Conn)
	if e, ok := g.registry.Unregister(ctx, s.Conn); ok {
		g.logger.Info("client disconnected", "user_id", e.UserID, "conn_id", s.Conn.ID())
	}
}

// HandleMessage decodes one raw client frame and dispatches it.
func (g *Gateway) HandleMessage(ctx context.Context, s *Session, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Type == "" {
		g.fail(s, "unknown", apperr.Validationf("gateway.decode", "expected {\"type\", \"data\"} envelope"))
		return
	}
	_ = g.Dispatch(ctx, s, in.Type, in.Data)
}

// Dispatch runs the handler for event. The returned error has already been
// reported to the client.
func (g *Gateway) Dispatch(ctx context.Context, s *Session, event string, data json.RawMessage) (err error) {
	start := time.Now()
	h, ok := g.handlers[event]
	if !ok {
		err = apperr.Validationf("gateway.dispatch", "unknown event %q", event)
		g.fail(s, event, err)
		return err
	}
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("panic recovered", "event", event, "user_id", s.UserID, "error", rec, "stack", string(debug.Stack()))
			err = apperr.Wrap(apperr.Internal, "gateway."+event, fmt.Errorf("panic: %v", rec))
		}
		category := "ok"
		if err != nil {
			category = string(apperr.CategoryOf(err))
			g.fail(s, event, err)
		}
		observability.EventsTotal.WithLabelValues(event, category).Inc()
		observability.EventDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())
	}()
	return h(ctx, s, data)
}

func (g *Gateway) fail(s *Session, event string, err error) {
	cat := apperr.CategoryOf(err)
	args := []any{"event", event, "user_id", s.UserID, "conn_id", s.Conn.ID(), "category", cat, "error", err}
	switch cat {
	case apperr.Dependency, apperr.Internal:
		g.logger.Error("event failed", args...)
	default:
		g.logger.Warn("event failed", args...)
	}
	msg := apperr.Message(err)
	if cat == apperr.Internal {
		msg = "internal error"
	}
	g.notify.Direct(s.Conn, events.Error, events.ErrorNotice{Category: string(cat), Event: event, Message: msg})
}

func decode(event string, data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return apperr.Validationf("gateway."+event, "missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validationf("gateway."+event, "malformed payload: %v", err)
	}
	return nil
}

// actingAs resolves the user an event acts for. Only admins may act for
// someone else; an empty claim means the caller.
func actingAs(s *Session, event, claimed string) (string, error) {
	if claimed == "" || claimed == s.UserID {
		return s.UserID, nil
	}
	if s.Role == models.RoleAdmin {
		return claimed, nil
	}
	return "", apperr.New(apperr.Auth, "gateway."+event, "cannot act for another user")
}

func requireRole(s *Session, event string, roles ...models.Role) error {
	if s.Role == models.RoleAdmin {
		return nil
	}
	for _, r := range roles {
		if s.Role == r {
			return nil
		}
	}
	return apperr.New(apperr.Auth, "gateway."+event, fmt.Sprintf("%s cannot send %s", s.Role, event))
}
