package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryStoreVersionedUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	r := &models.Ride{ID: "r1", PassengerID: "p1", Status: models.StatusRequested}
	if err := m.CreateRide(ctx, r); err != nil {
		t.Fatal(err)
	}

	a, _ := m.FindRide(ctx, "r1")
	b, _ := m.FindRide(ctx, "r1")

	a.Status = models.StatusAccepted
	a.DriverID = "d1"
	if err := m.UpdateRide(ctx, a, 0); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 1 {
		t.Fatalf("expected version 1, got %d", a.Version)
	}

	b.Status = models.StatusAccepted
	b.DriverID = "d2"
	if err := m.UpdateRide(ctx, b, 0); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	got, _ := m.FindRide(ctx, "r1")
	if got.DriverID != "d1" {
		t.Fatalf("stale writer overwrote ride: %+v", got)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, &models.Ride{ID: "r1", Shared: true, Passengers: []string{"p1"}})
	r, _ := m.FindRide(ctx, "r1")
	r.Passengers = append(r.Passengers, "p2")
	r.Passengers[0] = "mutated"

	again, _ := m.FindRide(ctx, "r1")
	if len(again.Passengers) != 1 || again.Passengers[0] != "p1" {
		t.Fatalf("store shared memory with caller: %v", again.Passengers)
	}
}

func TestMemoryStoreFindRidesFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateRide(ctx, &models.Ride{ID: "a", Status: models.StatusRequested})
	_ = m.CreateRide(ctx, &models.Ride{ID: "b", Status: models.StatusAccepted, DriverID: "d1"})
	_ = m.CreateRide(ctx, &models.Ride{ID: "c", Status: models.StatusInProgress, DriverID: "d2"})

	got, _ := m.FindRides(ctx, RideFilter{Statuses: []models.RideStatus{models.StatusAccepted, models.StatusInProgress}, DriverID: "d1"})
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("unexpected rides %+v", got)
	}
	if _, err := m.FindRide(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreUpdateUser(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.PutUser(models.User{ID: "d1", Role: models.RoleDriver, Active: true})
	conn := "c-1"
	if err := m.UpdateUser(ctx, "d1", UserUpdate{Location: &models.Coord{Lat: 1, Lng: 2}, ConnID: &conn}); err != nil {
		t.Fatal(err)
	}
	u, _ := m.FindUser(ctx, "d1")
	if u.ConnID != "c-1" || u.Location == nil || u.Location.Lng != 2 {
		t.Fatalf("unexpected user %+v", u)
	}
	if err := m.UpdateUser(ctx, "ghost", UserUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
