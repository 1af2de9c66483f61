// Package ride owns ride lifecycle transitions. Every write goes through a
// versioned compare-and-swap on the ride record, so concurrent writers for
// the same ride serialize on the store and exactly one wins each edge.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrNotFound          = errors.New("ride not found")
	ErrInvalidTransition = errors.New("invalid ride transition")
	ErrContention        = errors.New("ride update contention")
	ErrNotHolder         = errors.New("ride is held by another driver")
)

const defaultMaxAttempts = 16

// Change describes one persisted transition.
type Change struct {
	RideID string
	From   models.RideStatus
	To     models.RideStatus
	Actor  string
	At     time.Time
	Ride   *models.Ride
}

// Journal receives every successful transition. Failures are logged, never
// propagated.
type Journal interface {
	RecordTransition(ctx context.Context, c Change) error
}

type Extra struct {
	Actor       string
	// Holder, when set, must be the ride's driver at the moment of the write.
	Holder      string
	DriverID    string
	Fare        *float64
	StartedAt   *time.Time
	CompletedAt *time.Time
	CancelledBy string
}

type Machine struct {
	store       storage.RideStore
	journal     Journal
	logger      *slog.Logger
	now         func() time.Time
	maxAttempts int
}

type Option func(*Machine)

func WithJournal(j Journal) Option { return func(m *Machine) { m.journal = j } }

func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func NewMachine(store storage.RideStore, opts ...Option) *Machine {
	m := &Machine{store: store, logger: slog.Default(), now: time.Now, maxAttempts: defaultMaxAttempts}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Machine) Now() time.Time { return m.now() }

// Create stores a new ride. ID, version and payment status are assigned here.
func (m *Machine) Create(ctx context.Context, r *models.Ride) (*models.Ride, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Version = 0
	r.PaymentStatus = models.PaymentPending
	r.CreatedAt = m.now()
	if models.HasDriverStatus(r.Status) || r.Status.Terminal() {
		return nil, apperr.New(apperr.Validation, "ride.create", fmt.Sprintf("cannot create ride in status %s", r.Status))
	}
	r.DriverID = ""
	if err := m.store.CreateRide(ctx, r); err != nil {
		return nil, apperr.Wrap(apperr.Dependency, "ride.create", err)
	}
	m.record(ctx, Change{RideID: r.ID, To: r.Status, Actor: r.PassengerID, At: r.CreatedAt, Ride: r.Clone()})
	return r.Clone(), nil
}

func (m *Machine) Get(ctx context.Context, id string) (*models.Ride, error) {
	r, err := m.store.FindRide(ctx, id)
	if err != nil {
		return nil, m.storeErr("ride.get", id, err)
	}
	return r, nil
}

// Update applies fn to the current ride and writes it back, re-reading and
// re-applying on version conflicts. fn sees a fresh copy each attempt and
// may return an error to abort. A status change made by fn is journaled
// under actor.
func (m *Machine) Update(ctx context.Context, id, actor string, fn func(r *models.Ride) error) (*models.Ride, error) {
	r, from, err := m.update(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	if r.Status != from {
		m.record(ctx, Change{RideID: id, From: from, To: r.Status, Actor: actor, At: m.now(), Ride: r.Clone()})
	}
	return r, nil
}

func (m *Machine) update(ctx context.Context, id string, fn func(r *models.Ride) error) (*models.Ride, models.RideStatus, error) {
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		r, err := m.store.FindRide(ctx, id)
		if err != nil {
			return nil, "", m.storeErr("ride.update", id, err)
		}
		before := r.Status
		version := r.Version
		if err := fn(r); err != nil {
			return nil, "", err
		}
		if r.Status != before && !models.CanTransition(before, r.Status) {
			return nil, "", invalid(id, before, r.Status)
		}
		if !models.HasDriverStatus(r.Status) {
			r.DriverID = ""
		} else if r.DriverID == "" {
			return nil, "", apperr.New(apperr.Validation, "ride.update", fmt.Sprintf("status %s requires a driver", r.Status))
		}
		err = m.store.UpdateRide(ctx, r, version)
		if errors.Is(err, storage.ErrVersionConflict) {
			observability.CASRetries.Inc()
			continue
		}
		if err != nil {
			return nil, "", m.storeErr("ride.update", id, err)
		}
		if r.Status != before {
			observability.TransitionsTotal.WithLabelValues(string(r.Status)).Inc()
		}
		return r, before, nil
	}
	return nil, "", apperr.Wrap(apperr.Dependency, "ride.update", fmt.Errorf("%w on %s", ErrContention, id))
}

// Transition moves the ride to status to. It fails with ErrNotFound when
// the ride is absent and ErrInvalidTransition when the edge is not in the
// lifecycle graph. Of several concurrent callers racing for the same edge
// exactly one succeeds; the rest re-read the new status and fail the edge
// check.
func (m *Machine) Transition(ctx context.Context, id string, to models.RideStatus, x Extra) (*models.Ride, error) {
	return m.Update(ctx, id, x.Actor, func(r *models.Ride) error {
		if x.Holder != "" && r.DriverID != x.Holder {
			return notHolder(id, x.Holder)
		}
		if !models.CanTransition(r.Status, to) {
			return invalid(id, r.Status, to)
		}
		r.Status = to
		if x.DriverID != "" {
			r.DriverID = x.DriverID
		}
		if to == models.StatusRequested {
			r.DriverID = ""
		}
		if x.Fare != nil {
			r.Fare = *x.Fare
		}
		if x.StartedAt != nil {
			t := *x.StartedAt
			r.StartedAt = &t
		}
		if x.CompletedAt != nil {
			t := *x.CompletedAt
			r.CompletedAt = &t
		}
		if x.CancelledBy != "" {
			r.CancelledBy = x.CancelledBy
		}
		return nil
	})
}

func (m *Machine) Accept(ctx context.Context, id, driverID string) (*models.Ride, error) {
	now := m.now()
	return m.Transition(ctx, id, models.StatusAccepted, Extra{Actor: driverID, DriverID: driverID, StartedAt: &now})
}

// Release puts an accepted ride back to requested, dropping the driver.
// A non-empty driverID must still hold the ride.
func (m *Machine) Release(ctx context.Context, id, driverID string) (*models.Ride, error) {
	return m.Transition(ctx, id, models.StatusRequested, Extra{Actor: driverID, Holder: driverID})
}

// Start and Complete check driverID against the ride inside the
// compare-and-swap; an empty driverID skips the check.
func (m *Machine) Start(ctx context.Context, id, actor, driverID string) (*models.Ride, error) {
	now := m.now()
	return m.Transition(ctx, id, models.StatusInProgress, Extra{Actor: actor, Holder: driverID, StartedAt: &now})
}

func (m *Machine) Complete(ctx context.Context, id, actor, driverID string, fare *float64) (*models.Ride, error) {
	now := m.now()
	return m.Transition(ctx, id, models.StatusCompleted, Extra{Actor: actor, Holder: driverID, Fare: fare, CompletedAt: &now})
}

// Cancel is allowed from any non-terminal status. by is recorded only. The
// second result is the ride as it was just before the cancel was written.
func (m *Machine) Cancel(ctx context.Context, id, by string) (*models.Ride, *models.Ride, error) {
	var prev *models.Ride
	r, err := m.Update(ctx, id, by, func(r *models.Ride) error {
		if !models.CanTransition(r.Status, models.StatusCancelled) {
			return invalid(id, r.Status, models.StatusCancelled)
		}
		prev = r.Clone()
		r.Status = models.StatusCancelled
		r.CancelledBy = by
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return r, prev, nil
}

// ActiveForDriver returns the driver's accepted or in-progress ride.
func (m *Machine) ActiveForDriver(ctx context.Context, driverID string) (*models.Ride, bool, error) {
	rides, err := m.store.FindRides(ctx, storage.RideFilter{
		Statuses: []models.RideStatus{models.StatusAccepted, models.StatusInProgress},
		DriverID: driverID,
		Limit:    1,
	})
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Dependency, "ride.active_for_driver", err)
	}
	if len(rides) == 0 {
		return nil, false, nil
	}
	return rides[0], true, nil
}

func (m *Machine) Requested(ctx context.Context) ([]*models.Ride, error) {
	rides, err := m.store.FindRides(ctx, storage.RideFilter{Statuses: []models.RideStatus{models.StatusRequested}})
	if err != nil {
		return nil, apperr.Wrap(apperr.Dependency, "ride.requested", err)
	}
	return rides, nil
}

func (m *Machine) record(ctx context.Context, c Change) {
	if m.journal == nil {
		return
	}
	if err := m.journal.RecordTransition(ctx, c); err != nil {
		m.logger.Warn("journal transition failed", "ride_id", c.RideID, "to", c.To, "error", err)
	}
}

func (m *Machine) storeErr(op, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &apperr.Error{Category: apperr.NotFound, Op: op, Msg: "ride not found: " + id, Err: ErrNotFound}
	}
	return apperr.Wrap(apperr.Dependency, op, err)
}

func invalid(id string, from, to models.RideStatus) error {
	return &apperr.Error{
		Category: apperr.InvalidTransition,
		Op:       "ride.transition",
		Msg:      fmt.Sprintf("ride %s cannot move from %s to %s", id, from, to),
		Err:      ErrInvalidTransition,
	}
}

func notHolder(id, driverID string) error {
	return &apperr.Error{
		Category: apperr.InvalidTransition,
		Op:       "ride.transition",
		Msg:      fmt.Sprintf("ride %s is not held by %s", id, driverID),
		Err:      fmt.Errorf("%w: %w", ErrInvalidTransition, ErrNotHolder),
	}
}
