// Package notify turns ride changes into outbound events for the parties
// that should see them.
package notify

import (
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

type Notifier struct {
	hub *dispatch.Hub
	reg *registry.Registry
}

func New(hub *dispatch.Hub, reg *registry.Registry) *Notifier {
	return &Notifier{hub: hub, reg: reg}
}

// User publishes to everything the user has open.
func (n *Notifier) User(userID, typ string, data any) int {
	if userID == "" {
		return 0
	}
	return n.hub.Publish(dispatch.UserTopic(userID), dispatch.Message{Type: typ, Data: data})
}

func (n *Notifier) Topic(t dispatch.Topic, typ string, data any) int {
	return n.hub.Publish(t, dispatch.Message{Type: typ, Data: data})
}

func (n *Notifier) All(typ string, data any) int {
	return n.hub.Broadcast(dispatch.Message{Type: typ, Data: data})
}

func (n *Notifier) Direct(c dispatch.Conn, typ string, data any) bool {
	return n.hub.Send(c, dispatch.Message{Type: typ, Data: data})
}

// Subscribe joins the user's live connection, if any, to t.
func (n *Notifier) Subscribe(userID string, t dispatch.Topic) bool {
	e, ok := n.reg.Lookup(userID)
	if !ok {
		return false
	}
	n.hub.Join(t, e.Conn)
	return true
}

// Status announces a ride's new state: ride:status to its passengers and
// driver, ride:update to ride observers and the fleet map.
func (n *Notifier) Status(r *models.Ride) {
	for _, p := range r.Riders() {
		n.User(p, events.RideStatus, r)
	}
	if r.DriverID != "" {
		n.User(r.DriverID, events.RideStatus, r)
	}
	n.Topic(dispatch.RideTopic(r.ID), events.RideUpdate, r)
	n.Topic(dispatch.FleetTopic(), events.RideUpdate, r)
}
