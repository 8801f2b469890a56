// README: Dispatch results, outbound payloads and collaborator contracts.
package dispatch

import (
	"context"
	"time"

	"courierdispatch/internal/modules/assignment"
	"courierdispatch/internal/modules/courier"
	"courierdispatch/internal/modules/matching"
	"courierdispatch/internal/modules/order"
	"courierdispatch/internal/types"
)

type Outcome string

const (
	OutcomeBroadcast    Outcome = "broadcast"
	OutcomeNoCandidates Outcome = "no_candidates"
	// OutcomeSkipped means the line already has an assignment in progress.
	OutcomeSkipped Outcome = "skipped"
)

type DispatchCommand struct {
	Order  *order.Order
	LineID types.ID
	// RadiusMeters falls back to the configured wide radius when zero.
	RadiusMeters float64
}

type Result struct {
	Outcome    Outcome
	Assignment *assignment.Assignment
	Candidates []matching.Candidate
	// Notified counts successful pushes, Unreachable counts candidates
	// without a handle.
	Notified    int
	Unreachable int
}

// LineResult is one line's outcome from a whole-order trigger.
type LineResult struct {
	LineID types.ID
	Result *Result
}

// Offer is the newAssignment payload and the pending offer view.
type Offer struct {
	AssignmentID    types.ID      `json:"assignmentId"`
	OrderID         types.ID      `json:"orderId"`
	LineID          types.ID      `json:"lineId"`
	ShopID          types.ID      `json:"shopId"`
	ShopName        string        `json:"shopName"`
	DeliveryAddress order.Address `json:"deliveryAddress"`
	Items           []order.Item  `json:"items"`
	Subtotal        types.Money   `json:"subtotal"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Job is the courier's current delivery.
type Job struct {
	AssignmentID    types.ID         `json:"assignmentId"`
	OrderID         types.ID         `json:"orderId"`
	LineID          types.ID         `json:"lineId"`
	ShopID          types.ID         `json:"shopId"`
	ShopName        string           `json:"shopName"`
	CustomerID      types.ID         `json:"customerId"`
	Pickup          order.Address    `json:"pickup"`
	DeliveryAddress order.Address    `json:"deliveryAddress"`
	Items           []order.Item     `json:"items"`
	Subtotal        types.Money      `json:"subtotal"`
	LineStatus      order.LineStatus `json:"lineStatus"`
	AcceptedAt      *time.Time       `json:"acceptedAt,omitempty"`
	CourierPosition *types.Point     `json:"courierPosition,omitempty"`
}

type Directory interface {
	HandleFor(ctx context.Context, userID types.ID) (string, bool, error)
	Get(ctx context.Context, id types.ID) (*courier.Courier, error)
}

type Finder interface {
	FindAvailable(ctx context.Context, point types.Point, radiusMeters float64) ([]matching.Candidate, error)
}

type Ledger interface {
	Create(ctx context.Context, cmd assignment.CreateCommand) (*assignment.Assignment, error)
	Accept(ctx context.Context, cmd assignment.AcceptCommand) (*assignment.Assignment, error)
	Complete(ctx context.Context, cmd assignment.CompleteCommand) (bool, error)
	FindActiveForCourier(ctx context.Context, courierID types.ID) ([]*assignment.Assignment, error)
	FindAcceptedForCourier(ctx context.Context, courierID types.ID) (*assignment.Assignment, error)
	Get(ctx context.Context, id types.ID) (*assignment.Assignment, error)
	ExpireStale(ctx context.Context, ttl time.Duration) (int, error)
}

type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	LinkAssignment(ctx context.Context, orderID, lineID, assignmentID types.ID, prev *types.ID) error
	SetAssignee(ctx context.Context, orderID, lineID, courierID types.ID) error
}

// EventPublisher fans assignment lifecycle changes out to other services.
type EventPublisher interface {
	AssignmentBroadcast(ctx context.Context, a *assignment.Assignment) error
	NoCandidates(ctx context.Context, orderID, lineID types.ID) error
	AssignmentAccepted(ctx context.Context, a *assignment.Assignment) error
	AssignmentCompleted(ctx context.Context, orderID, lineID, courierID types.ID) error
}

type NopPublisher struct{}

func (NopPublisher) AssignmentBroadcast(context.Context, *assignment.Assignment) error { return nil }

func (NopPublisher) NoCandidates(context.Context, types.ID, types.ID) error { return nil }

func (NopPublisher) AssignmentAccepted(context.Context, *assignment.Assignment) error { return nil }

func (NopPublisher) AssignmentCompleted(context.Context, types.ID, types.ID, types.ID) error {
	return nil
}

func offerFor(a *assignment.Assignment, o *order.Order, l *order.Line) Offer {
	return Offer{
		AssignmentID:    a.ID,
		OrderID:         o.ID,
		LineID:          l.ID,
		ShopID:          l.ShopID,
		ShopName:        l.ShopName,
		DeliveryAddress: o.Address,
		Items:           l.Items,
		Subtotal:        l.Subtotal,
		CreatedAt:       a.CreatedAt,
	}
}
