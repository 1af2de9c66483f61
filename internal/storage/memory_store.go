package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
	users map[string]*models.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride), users: make(map[string]*models.User)}
}

func (m *MemoryStore) FindRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) UpdateRide(_ context.Context, r *models.Ride, expectVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectVersion {
		return ErrVersionConflict
	}
	r.Version = expectVersion + 1
	r.UpdatedAt = time.Now()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) FindRides(_ context.Context, f RideFilter) ([]*models.Ride, error) {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if f.match(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// PutUser seeds a user record, standing in for the storage service.
func (m *MemoryStore) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = &u
}

func (m *MemoryStore) FindUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	if u.Location != nil {
		loc := *u.Location
		c.Location = &loc
	}
	return &c, nil
}

func (m *MemoryStore) UpdateUser(_ context.Context, id string, upd UserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	if upd.Location != nil {
		loc := *upd.Location
		u.Location = &loc
	}
	if upd.ConnID != nil {
		u.ConnID = *upd.ConnID
	}
	if upd.LastUpdated != nil {
		t := *upd.LastUpdated
		u.LastUpdated = &t
	}
	return nil
}
