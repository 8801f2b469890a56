// README: In-process ledger store; every mutation runs under one mutex.
package assignment

import (
	"context"
	"sort"
	"sync"
	"time"

	"courierdispatch/internal/types"
)

type MemoryStore struct {
	mu   sync.Mutex
	byID map[types.ID]*Assignment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[types.ID]*Assignment)}
}

func (s *MemoryStore) Create(_ context.Context, a *Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byID {
		if existing.OrderID != a.OrderID || existing.LineID != a.LineID {
			continue
		}
		if existing.Status == StatusAccepted {
			return ErrLineAssigned
		}
	}
	for _, existing := range s.byID {
		if existing.OrderID == a.OrderID && existing.LineID == a.LineID && CanTransition(existing.Status, StatusSuperseded) {
			existing.Status = StatusSuperseded
			at := a.CreatedAt
			existing.ClosedAt = &at
		}
	}
	s.byID[a.ID] = clone(a)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

func (s *MemoryStore) Accept(_ context.Context, id, courierID types.ID, at time.Time) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !CanTransition(a.Status, StatusAccepted) {
		return nil, ErrAlreadyResolved
	}
	if !a.HasCandidate(courierID) {
		return nil, ErrNotCandidate
	}
	for _, other := range s.byID {
		if other.Status == StatusAccepted && other.AssigneeID != nil && *other.AssigneeID == courierID {
			return nil, ErrCourierBusy
		}
	}

	assignee := courierID
	a.AssigneeID = &assignee
	a.Status = StatusAccepted
	a.AcceptedAt = &at
	return clone(a), nil
}

func (s *MemoryStore) Complete(_ context.Context, orderID, lineID, courierID types.ID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.byID {
		if a.OrderID != orderID || a.LineID != lineID || !CanTransition(a.Status, StatusCompleted) {
			continue
		}
		if a.AssigneeID == nil || *a.AssigneeID != courierID {
			continue
		}
		a.Status = StatusCompleted
		a.CompletedAt = &at
		a.ClosedAt = &at
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) PendingForCourier(_ context.Context, courierID types.ID) ([]*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*Assignment{}
	for _, a := range s.byID {
		if a.Status == StatusBroadcast && a.HasCandidate(courierID) {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AcceptedForCourier(_ context.Context, courierID types.ID) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.byID {
		if a.Status == StatusAccepted && a.AssigneeID != nil && *a.AssigneeID == courierID {
			return clone(a), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) BusyAmong(_ context.Context, courierIDs []types.ID) ([]types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[types.ID]bool, len(courierIDs))
	for _, id := range courierIDs {
		wanted[id] = true
	}
	var busy []types.ID
	for _, a := range s.byID {
		if a.Status == StatusAccepted && a.AssigneeID != nil && wanted[*a.AssigneeID] {
			busy = append(busy, *a.AssigneeID)
		}
	}
	return busy, nil
}

func (s *MemoryStore) ExpireBroadcasts(_ context.Context, createdBefore, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.byID {
		if CanTransition(a.Status, StatusExpired) && a.CreatedAt.Before(createdBefore) {
			a.Status = StatusExpired
			closed := at
			a.ClosedAt = &closed
			n++
		}
	}
	return n, nil
}

func clone(a *Assignment) *Assignment {
	cp := *a
	cp.Candidates = append([]types.ID(nil), a.Candidates...)
	if a.AssigneeID != nil {
		v := *a.AssigneeID
		cp.AssigneeID = &v
	}
	return &cp
}
