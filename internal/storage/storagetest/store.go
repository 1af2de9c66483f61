// Package storagetest wraps a RideStore so tests can interleave writes at
// exact points of a read-modify-write.
package storagetest

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type RideStore struct {
	storage.RideStore

	mu    sync.Mutex
	after map[string]func()
}

func Wrap(s storage.RideStore) *RideStore {
	return &RideStore{RideStore: s, after: make(map[string]func())}
}

// AfterNextFind runs fn once, right after the next FindRide(id) has read
// the ride and before its caller sees it. fn may use the store freely.
func (s *RideStore) AfterNextFind(id string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.after[id] = fn
}

func (s *RideStore) FindRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := s.RideStore.FindRide(ctx, id)
	s.mu.Lock()
	fn := s.after[id]
	delete(s.after, id)
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return r, err
}
