// README: Event envelope and payloads exchanged over Kafka.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"courierdispatch/internal/types"
)

type Type string

// Outbound.
const (
	TypeAssignmentBroadcast    Type = "assignment.broadcast"
	TypeAssignmentNoCandidates Type = "assignment.no_candidates"
	TypeAssignmentAccepted     Type = "assignment.accepted"
	TypeAssignmentCompleted    Type = "assignment.completed"
)

// Inbound, produced by the order-management layer.
const (
	TypeOrderConfirmed       Type = "order.confirmed"
	TypeOrderPaymentVerified Type = "order.payment_verified"
	TypeLineOutForDelivery   Type = "order.line_out_for_delivery"
)

type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type AssignmentEvent struct {
	AssignmentID types.ID   `json:"assignment_id"`
	OrderID      types.ID   `json:"order_id"`
	LineID       types.ID   `json:"line_id"`
	ShopID       types.ID   `json:"shop_id,omitempty"`
	CourierID    types.ID   `json:"courier_id,omitempty"`
	Candidates   []types.ID `json:"candidates,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

type OrderEvent struct {
	OrderID types.ID `json:"order_id"`
	LineID  types.ID `json:"line_id,omitempty"`
}
