// Package registry maps authenticated users to their live connection and
// tracks where connected drivers are.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Entry struct {
	UserID      string
	Role        models.Role
	Conn        dispatch.Conn
	ConnectedAt time.Time
}

// Driver is a connected driver with a known location.
type Driver struct {
	ID       string
	Location models.Coord
	Updated  time.Time
	Distance float64
}

type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Entry
	byConn map[string]string

	locator geo.Locator
	users   storage.UserStore
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a registry. users may be nil when user records are not
// written back.
func New(locator geo.Locator, users storage.UserStore, logger *slog.Logger) *Registry {
	if locator == nil {
		locator = geo.NewIndex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byUser:  make(map[string]*Entry),
		byConn:  make(map[string]string),
		locator: locator,
		users:   users,
		logger:  logger,
		now:     time.Now,
	}
}

// Register binds userID to conn. A different handle already held by the
// user is closed and returned.
func (r *Registry) Register(ctx context.Context, userID string, role models.Role, conn dispatch.Conn) dispatch.Conn {
	r.mu.Lock()
	var prior dispatch.Conn
	if old, ok := r.byUser[userID]; ok {
		if old.Conn.ID() == conn.ID() {
			old.Role = role
			r.mu.Unlock()
			return nil
		}
		prior = old.Conn
		delete(r.byConn, prior.ID())
	}
	r.byUser[userID] = &Entry{UserID: userID, Role: role, Conn: conn, ConnectedAt: r.now()}
	r.byConn[conn.ID()] = userID
	r.refreshGaugesLocked()
	r.mu.Unlock()

	if prior != nil {
		_ = prior.Close()
		r.logger.Info("connection replaced", "user_id", userID, "old_conn_id", prior.ID(), "conn_id", conn.ID())
	}
	r.persistConn(ctx, userID, conn.ID())
	return prior
}

// Unregister clears whichever user currently holds conn. The lookup goes
// by handle because the caller's idea of who owns the socket may be stale.
// A driver's position is dropped from the locator with the handle.
func (r *Registry) Unregister(ctx context.Context, conn dispatch.Conn) (Entry, bool) {
	r.mu.Lock()
	userID, ok := r.byConn[conn.ID()]
	if !ok {
		r.mu.Unlock()
		return Entry{}, false
	}
	delete(r.byConn, conn.ID())
	e := r.byUser[userID]
	delete(r.byUser, userID)
	r.refreshGaugesLocked()
	r.mu.Unlock()

	r.persistConn(ctx, userID, "")
	if e.Role == models.RoleDriver {
		if err := r.locator.Remove(ctx, userID); err != nil {
			r.logger.Warn("drop driver location failed", "user_id", userID, "error", err)
		}
	}
	return *e, true
}

func (r *Registry) Lookup(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[userID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// UpdateLocation stores a new position for userID and stamps it.
func (r *Registry) UpdateLocation(ctx context.Context, userID string, c models.Coord) error {
	if !geo.Valid(c) {
		return apperr.Validationf("registry.update_location", "invalid coordinates %v,%v", c.Lat, c.Lng)
	}
	if err := r.locator.Upsert(ctx, userID, c); err != nil {
		return apperr.Wrap(apperr.Dependency, "registry.update_location", err)
	}
	if r.users != nil {
		now := r.now()
		if err := r.users.UpdateUser(ctx, userID, storage.UserUpdate{Location: &c, LastUpdated: &now}); err != nil {
			r.logger.Warn("persist location failed", "user_id", userID, "error", err)
		}
	}
	return nil
}

func (r *Registry) Location(ctx context.Context, userID string) (models.Coord, bool, error) {
	p, ok, err := r.locator.Get(ctx, userID)
	if err != nil {
		return models.Coord{}, false, apperr.Wrap(apperr.Dependency, "registry.location", err)
	}
	return p.Coord, ok, nil
}

// ConnectedDrivers lists drivers holding a live handle, located or not.
func (r *Registry) ConnectedDrivers() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range r.byUser {
		if e.Role == models.RoleDriver {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// ListAvailableDrivers returns connected drivers with a known location.
func (r *Registry) ListAvailableDrivers(ctx context.Context) ([]Driver, error) {
	out := make([]Driver, 0)
	for _, e := range r.ConnectedDrivers() {
		p, ok, err := r.locator.Get(ctx, e.UserID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Dependency, "registry.list_available", err)
		}
		if !ok {
			continue
		}
		out = append(out, Driver{ID: e.UserID, Location: p.Coord, Updated: p.Updated})
	}
	return out, nil
}

// DriversWithin returns available drivers no further than radiusM from c,
// nearest first.
func (r *Registry) DriversWithin(ctx context.Context, c models.Coord, radiusM float64) ([]Driver, error) {
	if !geo.Finite(c) {
		return nil, apperr.Validationf("registry.drivers_within", "invalid coordinates")
	}
	found, err := r.locator.Within(ctx, c, radiusM)
	if err != nil {
		return nil, apperr.Wrap(apperr.Dependency, "registry.drivers_within", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Driver, 0, len(found))
	for _, p := range found {
		e, ok := r.byUser[p.ID]
		if !ok || e.Role != models.RoleDriver {
			continue
		}
		d, err := geo.DistanceMeters(c, p.Coord)
		if err != nil || d > radiusM {
			continue
		}
		out = append(out, Driver{ID: p.ID, Location: p.Coord, Updated: p.Updated, Distance: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

func (r *Registry) refreshGaugesLocked() {
	drivers := 0
	for _, e := range r.byUser {
		if e.Role == models.RoleDriver {
			drivers++
		}
	}
	observability.Connections.Set(float64(len(r.byUser)))
	observability.DriversOnline.Set(float64(drivers))
}

func (r *Registry) persistConn(ctx context.Context, userID, connID string) {
	if r.users == nil {
		return
	}
	if err := r.users.UpdateUser(ctx, userID, storage.UserUpdate{ConnID: &connID}); err != nil {
		r.logger.Warn("persist connection handle failed", "user_id", userID, "error", err)
	}
}
