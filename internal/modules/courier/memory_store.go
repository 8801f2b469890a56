// README: In-process directory store for local runs and tests.
package courier

import (
	"context"
	"sync"
	"time"

	"courierdispatch/internal/types"
)

type MemoryStore struct {
	mu       sync.RWMutex
	couriers map[types.ID]*Courier
	handles  map[types.ID]string
	owners   map[string]types.ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		couriers: make(map[types.ID]*Courier),
		handles:  make(map[types.ID]string),
		owners:   make(map[string]types.ID),
	}
}

func (s *MemoryStore) SetPosition(_ context.Context, id types.ID, p types.Point, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.couriers[id]
	if !ok {
		c = &Courier{ID: id}
		s.couriers[id] = c
	}
	c.Position = p
	c.Online = true
	c.UpdatedAt = at
	return nil
}

func (s *MemoryStore) SetHandle(_ context.Context, userID types.ID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.handles[userID]; ok && prev != handle {
		delete(s.owners, prev)
	}
	s.handles[userID] = handle
	s.owners[handle] = userID
	if c, ok := s.couriers[userID]; ok {
		c.Online = true
	}
	return nil
}

func (s *MemoryStore) ClearHandle(_ context.Context, handleOrID string) (types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.owners[handleOrID]
	if !ok {
		userID = types.ID(handleOrID)
	}
	handle, hasHandle := s.handles[userID]
	c, isCourier := s.couriers[userID]
	if !hasHandle && !isCourier {
		return "", nil
	}
	if hasHandle {
		delete(s.owners, handle)
		delete(s.handles, userID)
	}
	if isCourier {
		c.Online = false
	}
	return userID, nil
}

func (s *MemoryStore) Handle(_ context.Context, userID types.ID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handles[userID], nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Courier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.couriers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.Handle = s.handles[id]
	return &cp, nil
}

func (s *MemoryStore) WithinRadius(_ context.Context, center types.Point, radiusMeters float64) ([]Nearby, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Nearby{}
	for id, c := range s.couriers {
		dist := haversineMeters(center, c.Position)
		if dist > radiusMeters {
			continue
		}
		cp := *c
		cp.Handle = s.handles[id]
		out = append(out, Nearby{Courier: cp, DistanceMeters: dist})
	}
	sortByDistance(out, func(n Nearby) float64 { return n.DistanceMeters })
	return out, nil
}
