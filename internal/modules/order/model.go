// README: Order aggregate, per-shop lines and line status definitions.
package order

import (
	"errors"
	"time"

	"courierdispatch/internal/types"
)

type PaymentMethod string

const (
	PaymentCOD    PaymentMethod = "cod"
	PaymentOnline PaymentMethod = "online"
)

type LineStatus string

const (
	LineNone           LineStatus = "none"
	LinePending        LineStatus = "pending"
	LinePreparing      LineStatus = "preparing"
	LineOutForDelivery LineStatus = "out_for_delivery"
	LineDelivered      LineStatus = "delivered"
)

var (
	ErrNotFound     = errors.New("order not found")
	ErrBadRequest   = errors.New("bad request")
	ErrInvalidState = errors.New("invalid state transition")
	ErrConflict     = errors.New("order state conflict")
	ErrNotAssignee  = errors.New("courier is not assigned to this line")
	ErrNotOwner     = errors.New("caller does not own this shop")
	ErrInvalidOTP   = errors.New("invalid or expired delivery code")
)

// ErrAlreadyDelivered comes back with the order when the assignee repeats a
// verification for a line that is already delivered.
var ErrAlreadyDelivered = errors.New("line already delivered")

type Address struct {
	Text  string      `json:"text"`
	Point types.Point `json:"point"`
}

type Item struct {
	Name     string      `json:"name"`
	Quantity int         `json:"quantity"`
	Price    types.Money `json:"price"`
}

// Line is one shop's portion of an order. It is dispatched and delivered on
// its own.
type Line struct {
	ID            types.ID
	ShopID        types.ID
	ShopName      string
	OwnerID       types.ID
	Pickup        Address
	Items         []Item
	Subtotal      types.Money
	Status        LineStatus
	StatusVersion int
	AssignmentID  *types.ID
	AssigneeID    *types.ID
	DeliveredAt   *time.Time
	UpdatedAt     time.Time
}

type Order struct {
	ID            types.ID
	CustomerID    types.ID
	PaymentMethod PaymentMethod
	Paid          bool
	Address       Address
	Lines         []Line
	CreatedAt     time.Time
}

func (o *Order) Line(id types.ID) (*Line, bool) {
	for i := range o.Lines {
		if o.Lines[i].ID == id {
			return &o.Lines[i], true
		}
	}
	return nil, false
}

// ReadyForDispatch reports whether the order may be offered to couriers:
// cash orders right away, online orders once payment is verified.
func (o *Order) ReadyForDispatch() bool {
	return o.PaymentMethod == PaymentCOD || o.Paid
}

// Event is one entry of the line status audit trail.
type Event struct {
	ID         int64
	OrderID    types.ID
	LineID     types.ID
	FromStatus LineStatus
	ToStatus   LineStatus
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the line state flow as code.
var AllowedTransitions = map[LineStatus][]LineStatus{
	LinePending:        {LinePreparing, LineOutForDelivery},
	LinePreparing:      {LineOutForDelivery},
	LineOutForDelivery: {LineDelivered},
}

func CanTransition(from, to LineStatus) bool {
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

func subtotal(items []Item) types.Money {
	var total types.Money
	for _, it := range items {
		total = total.Add(types.Money{Amount: it.Price.Amount * int64(it.Quantity), Currency: it.Price.Currency})
	}
	return total
}

func cloneOrder(o *Order) *Order {
	cp := *o
	cp.Lines = make([]Line, len(o.Lines))
	for i, l := range o.Lines {
		cp.Lines[i] = cloneLine(l)
	}
	return &cp
}

func cloneLine(l Line) Line {
	l.Items = append([]Item(nil), l.Items...)
	if l.AssignmentID != nil {
		v := *l.AssignmentID
		l.AssignmentID = &v
	}
	if l.AssigneeID != nil {
		v := *l.AssigneeID
		l.AssigneeID = &v
	}
	if l.DeliveredAt != nil {
		v := *l.DeliveredAt
		l.DeliveredAt = &v
	}
	return l
}
