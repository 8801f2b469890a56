// README: Assignment ledger service; validates commands and delegates atomic transitions to the store.
package assignment

import (
	"context"
	"time"

	"courierdispatch/internal/types"
)

type Ledger struct {
	store Store
	now   func() time.Time
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

type CreateCommand struct {
	OrderID    types.ID
	LineID     types.ID
	ShopID     types.ID
	Candidates []types.ID
}

type AcceptCommand struct {
	AssignmentID types.ID
	CourierID    types.ID
}

type CompleteCommand struct {
	OrderID   types.ID
	LineID    types.ID
	CourierID types.ID
}

// Create opens a broadcast to cmd.Candidates. Duplicate candidates are dropped,
// first occurrence wins.
func (l *Ledger) Create(ctx context.Context, cmd CreateCommand) (*Assignment, error) {
	if cmd.OrderID == "" || cmd.LineID == "" || cmd.ShopID == "" {
		return nil, ErrInvalidInput
	}
	candidates := dedupe(cmd.Candidates)
	if len(candidates) == 0 {
		return nil, ErrInvalidInput
	}

	a := &Assignment{
		ID:         types.NewID(),
		OrderID:    cmd.OrderID,
		LineID:     cmd.LineID,
		ShopID:     cmd.ShopID,
		Candidates: candidates,
		Status:     StatusBroadcast,
		CreatedAt:  l.now(),
	}
	if err := l.store.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Accept resolves the race among candidates; exactly one concurrent caller wins.
func (l *Ledger) Accept(ctx context.Context, cmd AcceptCommand) (*Assignment, error) {
	if cmd.AssignmentID == "" || cmd.CourierID == "" {
		return nil, ErrInvalidInput
	}
	return l.store.Accept(ctx, cmd.AssignmentID, cmd.CourierID, l.now())
}

// Complete closes the courier's accepted assignment for the line. It reports
// whether anything changed; a repeated call returns false without error.
func (l *Ledger) Complete(ctx context.Context, cmd CompleteCommand) (bool, error) {
	if cmd.OrderID == "" || cmd.LineID == "" || cmd.CourierID == "" {
		return false, ErrInvalidInput
	}
	return l.store.Complete(ctx, cmd.OrderID, cmd.LineID, cmd.CourierID, l.now())
}

// FindActiveForCourier lists open broadcasts that include the courier, newest first.
func (l *Ledger) FindActiveForCourier(ctx context.Context, courierID types.ID) ([]*Assignment, error) {
	return l.store.PendingForCourier(ctx, courierID)
}

// FindAcceptedForCourier returns the courier's current job or ErrNotFound.
func (l *Ledger) FindAcceptedForCourier(ctx context.Context, courierID types.ID) (*Assignment, error) {
	return l.store.AcceptedForCourier(ctx, courierID)
}

// BusyCouriers returns the subset of ids holding an accepted assignment.
func (l *Ledger) BusyCouriers(ctx context.Context, ids []types.ID) ([]types.ID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return l.store.BusyAmong(ctx, ids)
}

func (l *Ledger) Get(ctx context.Context, id types.ID) (*Assignment, error) {
	return l.store.Get(ctx, id)
}

// ExpireStale closes broadcasts older than ttl.
func (l *Ledger) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, ErrInvalidInput
	}
	now := l.now()
	return l.store.ExpireBroadcasts(ctx, now.Add(-ttl), now)
}

func dedupe(ids []types.ID) []types.ID {
	seen := make(map[types.ID]bool, len(ids))
	out := make([]types.ID, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
