package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/dispatch/dispatchtest"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/settlement"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/storage/storagetest"
)

type harness struct {
	gw     *Gateway
	reg    *registry.Registry
	store  *storage.MemoryStore
	rides  *storagetest.RideStore
	ledger *ledger.MemoryLedger
}

func newHarness() *harness {
	store := storage.NewMemoryStore()
	hub := dispatch.NewHub(nil)
	reg := registry.New(geo.NewIndex(), store, nil)
	n := notify.New(hub, reg)
	rides := storagetest.Wrap(store)
	m := ride.NewMachine(rides)
	l := ledger.NewMemoryLedger()
	match := &matcher.Service{Machine: m, Registry: reg, Notify: n}
	gw := New(Deps{
		Hub:        hub,
		Registry:   reg,
		Notify:     n,
		Machine:    m,
		Matcher:    match,
		ETA:        &eta.Pipeline{Registry: reg, Machine: m, Notify: n},
		Settlement: &settlement.Service{Machine: m, Ledger: l, Notify: n},
		Pool:       &pool.Service{Machine: m, Notify: n, Offers: match},
	})
	return &harness{gw: gw, reg: reg, store: store, rides: rides, ledger: l}
}

type client struct {
	*dispatchtest.Conn
	s *Session
}

func (h *harness) connect(id string, role models.Role) *client {
	h.store.PutUser(models.User{ID: id, Role: role, Active: true})
	c := dispatchtest.NewConn("conn-" + id)
	s := h.gw.Connect(context.Background(), c, auth.Identity{UserID: id, Role: role})
	return &client{Conn: c, s: s}
}

func (h *harness) send(t *testing.T, c *client, event string, payload any) error {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return h.gw.Dispatch(context.Background(), c.s, event, raw)
}

func lastError(t *testing.T, c *client) events.ErrorNotice {
	t.Helper()
	msgs := c.Of(events.Error)
	if len(msgs) == 0 {
		t.Fatalf("expected an error notice on %s", c.ID())
	}
	n, ok := msgs[len(msgs)-1].Data.(events.ErrorNotice)
	if !ok {
		t.Fatalf("unexpected notice payload %#v", msgs[len(msgs)-1].Data)
	}
	return n
}

func f64(v float64) *float64 { return &v }

func requestPayload() events.RideRequestPayload {
	return events.RideRequestPayload{
		From: &models.Place{Address: "Piazza", Lat: 9.03, Lng: 38.74},
		To:   &models.Place{Address: "Bole", Lat: 9.04, Lng: 38.75},
		Fare: 120,
	}
}

func onlyRide(t *testing.T, h *harness) *models.Ride {
	t.Helper()
	rides, err := h.store.FindRides(context.Background(), storage.RideFilter{})
	if err != nil || len(rides) != 1 {
		t.Fatalf("expected one ride, got %d (%v)", len(rides), err)
	}
	return rides[0]
}

func TestRideLifecycleEndToEnd(t *testing.T) {
	h := newHarness()
	p := h.connect("p1", models.RolePassenger)
	d := h.connect("d1", models.RoleDriver)
	far := h.connect("d2", models.RoleDriver)
	h.ledger.Open("p1", 500)
	h.ledger.Open("d1", 0)

	if err := h.send(t, d, events.DriverLocation, events.DriverLocationPayload{Lat: f64(9.031), Lng: f64(38.741)}); err != nil {
		t.Fatal(err)
	}
	if err := h.send(t, far, events.DriverLocation, events.DriverLocationPayload{Lat: f64(9.5), Lng: f64(39.5)}); err != nil {
		t.Fatal(err)
	}

	if err := h.send(t, p, events.RideRequest, requestPayload()); err != nil {
		t.Fatal(err)
	}
	if d.Count(events.RideNew) != 1 || far.Count(events.RideNew) != 0 {
		t.Fatalf("offer should reach only the nearby driver")
	}
	r := onlyRide(t, h)

	if err := h.send(t, d, events.RideAccept, events.RideRefPayload{RideID: r.ID}); err != nil {
		t.Fatal(err)
	}
	if p.Count(events.RideAccepted) != 1 || far.Count(events.RideRemove) != 1 {
		t.Fatalf("accept should notify passenger and withdraw the offer")
	}

	if err := h.send(t, d, events.DriverLocation, events.DriverLocationPayload{Lat: f64(9.031), Lng: f64(38.741)}); err != nil {
		t.Fatal(err)
	}
	if p.Count(events.DriverETA) != 1 {
		t.Fatalf("passenger should get an ETA once the ride is accepted")
	}

	if err := h.send(t, d, events.RideStart, events.RideRefPayload{RideID: r.ID}); err != nil {
		t.Fatal(err)
	}
	if err := h.send(t, d, events.RideComplete, events.RideCompletePayload{RideID: r.ID, Fare: f64(130)}); err != nil {
		t.Fatal(err)
	}
	done, _ := h.store.FindRide(context.Background(), r.ID)
	if done.Status != models.StatusCompleted || done.PaymentStatus != models.PaymentPaid || done.Fare != 130 {
		t.Fatalf("unexpected final ride %+v", done)
	}
	if bal, _ := h.ledger.Balance(context.Background(), "d1"); bal != 130 {
		t.Fatalf("driver balance %v, want 130", bal)
	}
	if n := len(p.Of(events.RideStatus)); n < 4 {
		t.Fatalf("passenger should see each status change, got %d", n)
	}
	if len(p.Of(events.Error)) != 0 || len(d.Of(events.Error)) != 0 {
		t.Fatalf("no error notices expected")
	}
}

func TestSecondAcceptGetsNoticeOnlyOnItsConnection(t *testing.T) {
	h := newHarness()
	p := h.connect("p1", models.RolePassenger)
	a := h.connect("A", models.RoleDriver)
	b := h.connect("B", models.RoleDriver)
	_ = h.send(t, p, events.RideRequest, requestPayload())
	r := onlyRide(t, h)

	if err := h.send(t, a, events.RideAccept, events.RideRefPayload{RideID: r.ID}); err != nil {
		t.Fatal(err)
	}
	err := h.send(t, b, events.RideAccept, events.RideRefPayload{RideID: r.ID})
	if apperr.CategoryOf(err) != apperr.InvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	n := lastError(t, b)
	if n.Category != string(apperr.InvalidTransition) || n.Event != events.RideAccept {
		t.Fatalf("unexpected notice %+v", n)
	}
	if len(a.Of(events.Error)) != 0 {
		t.Fatalf("the winner must not see the loser's error")
	}
}

func TestNoNearbyDriversNotice(t *testing.T) {
	h := newHarness()
	p := h.connect("p1", models.RolePassenger)
	err := h.send(t, p, events.RideRequest, requestPayload())
	if apperr.CategoryOf(err) != apperr.NotFound {
		t.Fatalf("expected not found notice, got %v", err)
	}
	if r := onlyRide(t, h); r.Status != models.StatusRequested {
		t.Fatalf("ride should still be requested")
	}
	if lastError(t, p).Message != "No nearby drivers found." {
		t.Fatalf("unexpected message %+v", lastError(t, p))
	}
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	h := newHarness()
	p := h.connect("p1", models.RolePassenger)

	h.gw.HandleMessage(context.Background(), p.s, []byte(`{not json`))
	if lastError(t, p).Category != string(apperr.Validation) {
		t.Fatalf("bad frame should be a validation notice")
	}
	h.gw.HandleMessage(context.Background(), p.s, []byte(`{"type":"ride:teleport","data":{}}`))
	if n := lastError(t, p); n.Category != string(apperr.Validation) || n.Event != "ride:teleport" {
		t.Fatalf("unexpected notice %+v", n)
	}
	h.gw.HandleMessage(context.Background(), p.s, []byte(`{"type":"ride:request","data":{"from":{"lat":9}}}`))
	if n := lastError(t, p); n.Category != string(apperr.Validation) {
		t.Fatalf("missing destination should be a validation notice, got %+v", n)
	}
}

func TestCannotActForAnotherUser(t *testing.T) {
	h := newHarness()
	p := h.connect("p1", models.RolePassenger)
	d := h.connect("d1", models.RoleDriver)

	pl := requestPayload()
	pl.PassengerID = "someone-else"
	if err := h.send(t, p, events.RideRequest, pl); apperr.CategoryOf(err) != apperr.Auth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if err := h.send(t, p, events.RideAccept, events.RideRefPayload{RideID: "x"}); apperr.CategoryOf(err) != apperr.Auth {
		t.Fatalf("passenger cannot accept, got %v", err)
	}
	if err := h.send(t, d, events.DriverLocation, events.DriverLocationPayload{DriverID: "d9", Lat: f64(9), Lng: f64(38)}); apperr.CategoryOf(err) != apperr.Auth {
		t.Fatalf("driver cannot move another driver, got %v", err)
	}
}

func TestOnlyAssignedDriverCompletes(t *testing.T) {
	h := newHarness()
	p := h.connect("p1", models.RolePassenger)
	a := h.connect("A", models.RoleDriver)
	b := h.connect("B", models.RoleDriver)
	_ = h.send(t, p, events.RideRequest, requestPayload())
	r := onlyRide(t, h)
	_ = h.send(t, a, events.RideAccept, events.RideRefPayload{RideID: r.ID})
	_ = h.send(t, a, events.RideStart, events.RideRefPayload{RideID: r.ID})

	if err := h.send(t, b, events.RideComplete, events.RideCompletePayload{RideID: r.ID}); apperr.CategoryOf(err) != apperr.Auth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestCompleteWithLedgerDownStillCompletes(t *testing.T) {
	h := newHarness()
	p := h.connect("p1", models.RolePassenger)
	d := h.connect("d1", models.RoleDriver)
	_ = h.send(t, p, events.RideRequest, requestPayload())
	r := onlyRide(t, h)
	_ = h.send(t, d, events.RideAccept, events.RideRefPayload{RideID: r.ID})
	_ = h.send(t, d, events.RideStart, events.RideRefPayload{RideID: r.ID})

	// no wallets were opened
	err := h.send(t, d, events.RideComplete, events.RideCompletePayload{RideID: r.ID})
	if apperr.CategoryOf(err) != apperr.Dependency {
		t.Fatalf("expected dependency failure, got %v", err)
	}
	got, _ := h.store.FindRide(context.Background(), r.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("ride must stay completed, got %s", got.Status)
	}
	if p.Count(events.PaymentFailed) != 1 {
		t.Fatalf("passenger should get payment:failed")
	}

	h.ledger.Open("p1", 200)
	h.ledger.Open("d1", 0)
	if err := h.send(t, p, events.RidePay, events.RideRefPayload{RideID: r.ID}); err != nil {
		t.Fatal(err)
	}
	got, _ = h.store.FindRide(context.Background(), r.ID)
	if got.PaymentStatus != models.PaymentPaid {
		t.Fatalf("ride:pay should settle, got %s", got.PaymentStatus)
	}
}

func TestCancelNotifiesFormerDriver(t *testing.T) {
	h := newHarness()
	p := h.connect("p1", models.RolePassenger)
	d := h.connect("d1", models.RoleDriver)
	_ = h.send(t, p, events.RideRequest, requestPayload())
	r := onlyRide(t, h)
	_ = h.send(t, d, events.RideAccept, events.RideRefPayload{RideID: r.ID})
	d.Reset()

	if err := h.send(t, p, events.RideCancel, events.RideRefPayload{RideID: r.ID}); err != nil {
		t.Fatal(err)
	}
	got, _ := h.store.FindRide(context.Background(), r.ID)
	if got.Status != models.StatusCancelled || got.CancelledBy != "p1" || got.DriverID != "" {
		t.Fatalf("unexpected cancelled ride %+v", got)
	}
	if d.Count(events.RideStatus) != 1 {
		t.Fatalf("former driver should hear about the cancel")
	}
	if err := h.send(t, p, events.RideCancel, events.RideRefPayload{RideID: r.ID}); apperr.CategoryOf(err) != apperr.InvalidTransition {
		t.Fatalf("cancelling twice should fail, got %v", err)
	}
}

func TestRideshareFlow(t *testing.T) {
	h := newHarness()
	p1 := h.connect("p1", models.RolePassenger)
	p2 := h.connect("p2", models.RolePassenger)
	d := h.connect("d1", models.RoleDriver)
	_ = h.send(t, d, events.DriverLocation, events.DriverLocationPayload{Lat: f64(9.031), Lng: f64(38.741)})

	err := h.send(t, p1, events.RideshareCreate, events.RideshareCreatePayload{
		From: &models.Place{Lat: 9.03, Lng: 38.74}, To: &models.Place{Lat: 9.04, Lng: 38.75}, Fare: 90, MaxPassengers: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p2.Count(events.RideshareNew) != 1 {
		t.Fatalf("rideshare:new should be broadcast")
	}
	r := onlyRide(t, h)

	if err := h.send(t, p2, events.RideshareJoin, events.RideshareJoinPayload{RideID: r.ID}); err != nil {
		t.Fatal(err)
	}
	if p1.Count(events.RideshareUpdate) != 1 || p1.Count(events.RideShareReady) != 1 {
		t.Fatalf("pool members should see update and ready")
	}
	if d.Count(events.RideNew) != 1 {
		t.Fatalf("full pool should be offered to the nearby driver")
	}

	p3 := h.connect("p3", models.RolePassenger)
	err = h.send(t, p3, events.RideshareJoin, events.RideshareJoinPayload{RideID: r.ID})
	if n := lastError(t, p3); apperr.CategoryOf(err) != apperr.Capacity || n.Category != string(apperr.Capacity) {
		t.Fatalf("expected capacity notice, got %v %+v", err, n)
	}
}

func TestTip(t *testing.T) {
	h := newHarness()
	p := h.connect("p1", models.RolePassenger)
	d := h.connect("d1", models.RoleDriver)
	h.ledger.Open("d1", 0)
	if err := h.send(t, p, events.RideTip, events.RideTipPayload{DriverID: "d1", RideID: "r1", Amount: 20}); err != nil {
		t.Fatal(err)
	}
	if d.Count(events.WalletUpdate) != 1 {
		t.Fatalf("driver should get wallet:update")
	}
	if err := h.send(t, p, events.RideTip, events.RideTipPayload{DriverID: "d1", Amount: 0}); apperr.CategoryOf(err) != apperr.Validation {
		t.Fatalf("zero tip should be a validation error, got %v", err)
	}
}

func TestJoinRoomObservesRide(t *testing.T) {
	h := newHarness()
	p := h.connect("p1", models.RolePassenger)
	stranger := h.connect("p2", models.RolePassenger)
	admin := h.connect("ops", models.RoleAdmin)
	_ = h.send(t, p, events.RideRequest, requestPayload())
	r := onlyRide(t, h)

	if err := h.send(t, stranger, events.JoinRoom, events.JoinRoomPayload{RideID: r.ID}); apperr.CategoryOf(err) != apperr.Auth {
		t.Fatalf("non participant should be refused, got %v", err)
	}
	if err := h.send(t, admin, events.JoinRoom, events.JoinRoomPayload{RideID: r.ID}); err != nil {
		t.Fatal(err)
	}
	if err := h.send(t, p, events.JoinRoom, events.JoinRoomPayload{UserID: "p1"}); err != nil {
		t.Fatal(err)
	}
	u, _ := h.store.FindUser(context.Background(), "p1")
	if u.ConnID != p.ID() {
		t.Fatalf("joinRoom should persist the handle, got %q", u.ConnID)
	}
}

func TestPanicBecomesInternalNotice(t *testing.T) {
	h := newHarness()
	p := h.connect("p1", models.RolePassenger)
	h.gw.handlers["boom"] = func(context.Context, *Session, json.RawMessage) error { panic("kaboom") }

	err := h.gw.Dispatch(context.Background(), p.s, "boom", nil)
	if apperr.CategoryOf(err) != apperr.Internal {
		t.Fatalf("expected internal error, got %v", err)
	}
	if n := lastError(t, p); n.Message != "internal error" {
		t.Fatalf("panic details must not leak, got %+v", n)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	h := newHarness()
	d := h.connect("d1", models.RoleDriver)
	h.gw.Disconnect(context.Background(), d.s)
	if _, ok := h.reg.Lookup("d1"); ok {
		t.Fatalf("driver should be gone after disconnect")
	}
	u, _ := h.store.FindUser(context.Background(), "d1")
	if u.ConnID != "" {
		t.Fatalf("connection handle should be cleared, got %q", u.ConnID)
	}
}

func TestCancelNotifiesDriverWhoAcceptedMidCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	p := h.connect("p1", models.RolePassenger)
	d := h.connect("d1", models.RoleDriver)
	if err := h.send(t, p, events.RideRequest, requestPayload()); apperr.CategoryOf(err) != apperr.NotFound {
		t.Fatalf("expected no-drivers notice, got %v", err)
	}
	r := onlyRide(t, h)

	// the cancel reads requested, then d1's accept lands first
	h.rides.AfterNextFind(r.ID, func() {
		if _, err := h.gw.machine.Accept(ctx, r.ID, "d1"); err != nil {
			t.Errorf("accept: %v", err)
		}
	})
	d.Reset()
	if err := h.send(t, p, events.RideCancel, events.RideRefPayload{RideID: r.ID}); err != nil {
		t.Fatal(err)
	}
	msgs := d.Of(events.RideStatus)
	if len(msgs) != 1 {
		t.Fatalf("driver who held the ride should get ride:status, got %d", len(msgs))
	}
	if got := msgs[0].Data.(*models.Ride); got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if d.Count(events.RideRemove) != 0 {
		t.Fatalf("no offer to withdraw once the ride was accepted")
	}
}

func TestStaleStartFromFormerDriverFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	p := h.connect("p1", models.RolePassenger)
	b := h.connect("B", models.RoleDriver)
	if err := h.send(t, b, events.DriverLocation, events.DriverLocationPayload{Lat: f64(9.031), Lng: f64(38.741)}); err != nil {
		t.Fatal(err)
	}
	if err := h.send(t, p, events.RideRequest, requestPayload()); err != nil {
		t.Fatal(err)
	}
	r := onlyRide(t, h)
	if err := h.send(t, b, events.RideAccept, events.RideRefPayload{RideID: r.ID}); err != nil {
		t.Fatal(err)
	}

	// B's start passes the early check, then the ride moves to C
	h.rides.AfterNextFind(r.ID, func() {
		h.rides.AfterNextFind(r.ID, func() {
			if _, err := h.gw.machine.Release(ctx, r.ID, "B"); err != nil {
				t.Errorf("release: %v", err)
			}
			if _, err := h.gw.machine.Accept(ctx, r.ID, "C"); err != nil {
				t.Errorf("accept C: %v", err)
			}
		})
	})
	err := h.send(t, b, events.RideStart, events.RideRefPayload{RideID: r.ID})
	if apperr.CategoryOf(err) != apperr.InvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, _ := h.gw.machine.Get(ctx, r.ID)
	if got.Status != models.StatusAccepted || got.DriverID != "C" {
		t.Fatalf("stale start changed C's ride: %+v", got)
	}
}

func TestAdminConnectReceivesFleetSnapshot(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.connect("d1", models.RoleDriver)
	h.connect("d2", models.RoleDriver)
	_ = h.reg.UpdateLocation(ctx, "d1", models.Coord{Lat: 9.03, Lng: 38.74})

	admin := h.connect("ops", models.RoleAdmin)
	msgs := admin.Of(events.FleetDrivers)
	if len(msgs) != 1 {
		t.Fatalf("expected one fleet snapshot, got %d", len(msgs))
	}
	fleet, ok := msgs[0].Data.([]events.LocationUpdate)
	if !ok || len(fleet) != 1 || fleet[0].DriverID != "d1" || fleet[0].Lat != 9.03 {
		t.Fatalf("unexpected snapshot %#v", msgs[0].Data)
	}

	p := h.connect("p1", models.RolePassenger)
	if p.Count(events.FleetDrivers) != 0 {
		t.Fatalf("passengers must not receive the fleet")
	}
}
