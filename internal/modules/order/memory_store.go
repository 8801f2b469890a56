// README: In-process order store used for local runs and tests.
package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"courierdispatch/internal/types"
)

type MemoryStore struct {
	mu     sync.Mutex
	orders map[types.ID]*Order
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[types.ID]*Order)}
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return ErrConflict
	}
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) MarkPaid(_ context.Context, id types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Paid {
		return false, nil
	}
	o.Paid = true
	return true, nil
}

func (s *MemoryStore) LinkAssignment(_ context.Context, orderID, lineID, assignmentID types.ID, prev *types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.line(orderID, lineID)
	if err != nil {
		return false, err
	}
	if !sameID(l.AssignmentID, prev) {
		return false, nil
	}
	id := assignmentID
	l.AssignmentID = &id
	return true, nil
}

func sameID(a, b *types.ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *MemoryStore) SetAssignee(_ context.Context, orderID, lineID, courierID types.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.line(orderID, lineID)
	if err != nil {
		return err
	}
	id := courierID
	l.AssigneeID = &id
	l.UpdatedAt = at
	return nil
}

func (s *MemoryStore) UpdateLineStatus(_ context.Context, orderID, lineID types.ID, from, to LineStatus, version int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.line(orderID, lineID)
	if err != nil {
		return false, nil
	}
	if l.Status != from || l.StatusVersion != version {
		return false, nil
	}
	l.Status = to
	l.StatusVersion++
	l.UpdatedAt = at
	if to == LineDelivered {
		delivered := at
		l.DeliveredAt = &delivered
	}
	return true, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.events) + 1)
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) DeliveredSince(_ context.Context, courierID types.ID, since time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Time
	for _, o := range s.orders {
		for _, l := range o.Lines {
			if l.Status != LineDelivered || l.AssigneeID == nil || *l.AssigneeID != courierID || l.DeliveredAt == nil {
				continue
			}
			if !l.DeliveredAt.Before(since) {
				out = append(out, *l.DeliveredAt)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Events returns the audit trail for one order line, oldest first.
func (s *MemoryStore) Events(orderID, lineID types.ID) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.OrderID == orderID && e.LineID == lineID {
			out = append(out, e)
		}
	}
	return out
}

// line must be called with s.mu held.
func (s *MemoryStore) line(orderID, lineID types.ID) (*Line, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	l, ok := o.Line(lineID)
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}
