// Package events names the realtime events exchanged with clients and
// defines their payloads.
package events

import "github.com/example/ride-dispatch/internal/models"

// inbound
const (
	JoinRoom        = "joinRoom"
	RideRequest     = "ride:request"
	DriverNearby    = "driver:nearby"
	RideAccept      = "ride:accept"
	RideReject      = "ride:reject"
	RideStart       = "ride:start"
	DriverLocation  = "driver:location"
	RideComplete    = "ride:complete"
	RidePay         = "ride:pay"
	RideTip         = "ride:tip"
	RideCancel      = "ride:cancel"
	RideshareCreate = "rideshare:create"
	RideshareJoin   = "rideshare:join"
)

// outbound
const (
	RideNew             = "ride:new"
	RideList            = "ride:list"
	RideAccepted        = "ride:accepted"
	RideRemove          = "ride:remove"
	RideStatus          = "ride:status"
	RideUpdate          = "ride:update"
	DriverLocationEvent = "driver:location:update"
	FleetDrivers        = "fleet:drivers"
	DriverETA           = "driver:eta:update"
	PaymentFailed       = "payment:failed"
	WalletUpdate        = "wallet:update"
	RideshareNew        = "rideshare:new"
	RideshareUpdate     = "rideshare:update"
	RideShareReady      = "ride:share:ready"
	Error               = "error:ride"
	Connected           = "connected"
)

type JoinRoomPayload struct {
	UserID string `json:"userId,omitempty"`
	RideID string `json:"rideId,omitempty"`
}

type RideRequestPayload struct {
	PassengerID string        `json:"passengerId"`
	From        *models.Place `json:"from"`
	To          *models.Place `json:"to"`
	DistanceKm  float64       `json:"distanceKm"`
	Fare        float64       `json:"fare"`
}

type DriverNearbyPayload struct {
	DriverID string        `json:"driverId"`
	Location *models.Coord `json:"location,omitempty"`
}

type RideRefPayload struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId,omitempty"`
}

type DriverLocationPayload struct {
	DriverID string   `json:"driverId"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
}

type RideCompletePayload struct {
	RideID string   `json:"rideId"`
	Fare   *float64 `json:"fare,omitempty"`
}

type RideTipPayload struct {
	DriverID string  `json:"driverId"`
	RideID   string  `json:"rideId"`
	Amount   float64 `json:"amount"`
}

type RideshareCreatePayload struct {
	PassengerID   string        `json:"passengerId"`
	From          *models.Place `json:"from"`
	To            *models.Place `json:"to"`
	Fare          float64       `json:"fare"`
	MaxPassengers int           `json:"maxPassengers"`
}

type RideshareJoinPayload struct {
	RideID      string `json:"rideId"`
	PassengerID string `json:"passengerId"`
}

type RideRemoved struct {
	RideID string `json:"rideId"`
}

type LocationUpdate struct {
	DriverID string  `json:"driverId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

type ETAKind string

const (
	ToPickup  ETAKind = "to_pickup"
	ToDropoff ETAKind = "to_dropoff"
)

type ETAUpdate struct {
	RideID         string  `json:"rideId"`
	Type           ETAKind `json:"type"`
	ETASeconds     int64   `json:"etaSeconds"`
	DistanceMeters float64 `json:"distanceMeters"`
}

type PaymentFailure struct {
	RideID string `json:"rideId"`
	Reason string `json:"reason,omitempty"`
}

type WalletChange struct {
	RideID string  `json:"rideId,omitempty"`
	Amount float64 `json:"amount"`
	Kind   string  `json:"kind"`
}

// ErrorNotice goes only to the connection whose event failed.
type ErrorNotice struct {
	Category string `json:"category"`
	Event    string `json:"event"`
	Message  string `json:"message"`
}
