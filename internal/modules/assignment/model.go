// README: Assignment aggregate, lifecycle statuses and ledger errors.
package assignment

import (
	"errors"
	"time"

	"courierdispatch/internal/types"
)

type Status string

const (
	StatusBroadcast Status = "broadcast"
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	// StatusSuperseded closes a broadcast nobody accepted once a newer one exists for the line.
	StatusSuperseded Status = "superseded"
	// StatusExpired closes a broadcast nobody accepted within the configured TTL.
	StatusExpired Status = "expired"
)

var (
	ErrInvalidInput    = errors.New("invalid assignment input")
	ErrNotFound        = errors.New("assignment not found")
	ErrAlreadyResolved = errors.New("assignment no longer available")
	ErrCourierBusy     = errors.New("courier already has an active delivery")
	ErrNotCandidate    = errors.New("courier was not offered this assignment")
	ErrLineAssigned    = errors.New("order line already has an active assignment")
)

// Assignment is one dispatch attempt for a single shop's portion of an order.
type Assignment struct {
	ID          types.ID
	OrderID     types.ID
	LineID      types.ID
	ShopID      types.ID
	Candidates  []types.ID
	AssigneeID  *types.ID
	Status      Status
	CreatedAt   time.Time
	AcceptedAt  *time.Time
	CompletedAt *time.Time
	ClosedAt    *time.Time
}

func (a *Assignment) HasCandidate(id types.ID) bool {
	for _, c := range a.Candidates {
		if c == id {
			return true
		}
	}
	return false
}

// Open reports whether the assignment still blocks a new dispatch for its line.
func (a *Assignment) Open() bool {
	return a.Status == StatusBroadcast || a.Status == StatusAccepted
}

// AllowedTransitions represents the assignment state flow as code. The memory
// store checks it; the Postgres store encodes the same flow in its WHERE clauses.
var AllowedTransitions = map[Status][]Status{
	StatusBroadcast: {StatusAccepted, StatusSuperseded, StatusExpired},
	StatusAccepted:  {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
