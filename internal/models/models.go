package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a pickup or drop-off point.
type Place struct {
	Address string  `json:"address,omitempty"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

func (p Place) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePassenger, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

// User is owned by the storage service. Only Location and ConnID are
// written from here.
type User struct {
	ID          string     `json:"id"`
	Role        Role       `json:"role"`
	Location    *Coord     `json:"location,omitempty"`
	ConnID      string     `json:"connId,omitempty"`
	Active      bool       `json:"active"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
}

type RideStatus string

const (
	StatusRideshareWaiting RideStatus = "rideshare_waiting"
	StatusRequested        RideStatus = "requested"
	StatusAccepted         RideStatus = "accepted"
	StatusInProgress       RideStatus = "in_progress"
	StatusCompleted        RideStatus = "completed"
	StatusCancelled        RideStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

type Ride struct {
	ID            string        `json:"id"`
	PassengerID   string        `json:"passenger"`
	DriverID      string        `json:"driver,omitempty"`
	From          Place         `json:"from"`
	To            Place         `json:"to"`
	DistanceKm    float64       `json:"distanceKm"`
	Fare          float64       `json:"fare"`
	Status        RideStatus    `json:"status"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	CancelledBy   string        `json:"cancelledBy,omitempty"`

	Shared        bool     `json:"shared,omitempty"`
	Passengers    []string `json:"passengers,omitempty"`
	MaxPassengers int      `json:"maxPassengers,omitempty"`
	SharedFare    float64  `json:"sharedFare,omitempty"`

	// Version increments on every persisted mutation and guards
	// compare-and-swap updates.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.Passengers != nil {
		c.Passengers = append([]string(nil), r.Passengers...)
	}
	return &c
}

// Riders returns every passenger that should hear about this ride.
func (r *Ride) Riders() []string {
	if r.Shared && len(r.Passengers) > 0 {
		return r.Passengers
	}
	return []string{r.PassengerID}
}

func (r *Ride) HasPassenger(id string) bool {
	for _, p := range r.Riders() {
		if p == id {
			return true
		}
	}
	return false
}

// HasDriverStatus reports whether a ride in status s must carry a driver.
func HasDriverStatus(s RideStatus) bool {
	switch s {
	case StatusAccepted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Transitions is the ride lifecycle graph. accepted -> requested is the
// driver-decline edge.
var Transitions = map[RideStatus][]RideStatus{
	StatusRideshareWaiting: {StatusRequested, StatusCancelled},
	StatusRequested:        {StatusAccepted, StatusCancelled},
	StatusAccepted:         {StatusInProgress, StatusRequested, StatusCancelled},
	StatusInProgress:       {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to RideStatus) bool {
	for _, s := range Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
