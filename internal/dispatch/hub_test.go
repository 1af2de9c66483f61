package dispatch_test

import (
	"testing"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/dispatch/dispatchtest"
)

func TestPublishReachesOnlyMembers(t *testing.T) {
	h := dispatch.NewHub(nil)
	a := dispatchtest.NewConn("a")
	b := dispatchtest.NewConn("b")
	h.Attach(a)
	h.Attach(b)
	h.Join(dispatch.PoolTopic("r1"), a)

	if n := h.Publish(dispatch.PoolTopic("r1"), dispatch.Message{Type: "rideshare:update"}); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if a.Count("rideshare:update") != 1 || b.Count("rideshare:update") != 0 {
		t.Fatalf("delivery leaked outside the topic")
	}

	if n := h.Broadcast(dispatch.Message{Type: "rideshare:new"}); n != 2 {
		t.Fatalf("expected broadcast to 2, got %d", n)
	}
}

func TestDetachDropsMemberships(t *testing.T) {
	h := dispatch.NewHub(nil)
	a := dispatchtest.NewConn("a")
	h.Attach(a)
	h.Join(dispatch.UserTopic("u1"), a)
	h.Join(dispatch.RideTopic("r1"), a)

	h.Detach(a)
	if h.Members(dispatch.UserTopic("u1")) != 0 || h.Members(dispatch.RideTopic("r1")) != 0 {
		t.Fatalf("expected topics to be empty after detach")
	}
	if h.Broadcast(dispatch.Message{Type: "x"}) != 0 {
		t.Fatalf("detached connection still reachable")
	}
}

func TestClosedConnIsSkipped(t *testing.T) {
	h := dispatch.NewHub(nil)
	a := dispatchtest.NewConn("a")
	b := dispatchtest.NewConn("b")
	h.Join(dispatch.UserTopic("u1"), a)
	h.Join(dispatch.UserTopic("u1"), b)
	_ = a.Close()

	if n := h.Publish(dispatch.UserTopic("u1"), dispatch.Message{Type: "ride:status"}); n != 1 {
		t.Fatalf("expected 1 successful send, got %d", n)
	}
}

func TestLeave(t *testing.T) {
	h := dispatch.NewHub(nil)
	a := dispatchtest.NewConn("a")
	h.Join(dispatch.RideTopic("r1"), a)
	if !h.Joined(a, dispatch.RideTopic("r1")) {
		t.Fatalf("expected membership")
	}
	h.Leave(dispatch.RideTopic("r1"), a)
	if h.Joined(a, dispatch.RideTopic("r1")) {
		t.Fatalf("expected membership to be gone")
	}
}
