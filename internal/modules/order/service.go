// README: Order service: order snapshots, per-line status, courier linkage and delivery OTP.
package order

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"sort"
	"time"

	"courierdispatch/internal/types"
)

const DefaultOTPTTL = 5 * time.Minute

type Service struct {
	store  Store
	otps   OTPStore
	otpTTL time.Duration
	now    func() time.Time
}

func NewService(store Store, otps OTPStore, otpTTL time.Duration) *Service {
	if otpTTL <= 0 {
		otpTTL = DefaultOTPTTL
	}
	return &Service{store: store, otps: otps, otpTTL: otpTTL, now: time.Now}
}

type LineInput struct {
	ID       types.ID
	ShopID   types.ID
	ShopName string
	OwnerID  types.ID
	Pickup   Address
	Items    []Item
}

type CreateCommand struct {
	// ID is optional; the order-management layer usually supplies its own.
	ID            types.ID
	CustomerID    types.ID
	PaymentMethod PaymentMethod
	Address       Address
	Lines         []LineInput
}

type LineStatusCommand struct {
	OrderID types.ID
	LineID  types.ID
	OwnerID types.ID
	Status  LineStatus
}

type VerifyOTPCommand struct {
	OrderID   types.ID
	LineID    types.ID
	CourierID types.ID
	Code      string
}

// HourlyCount is the number of lines a courier delivered in one local hour.
type HourlyCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

func (s *Service) Register(ctx context.Context, cmd CreateCommand) (*Order, error) {
	if cmd.CustomerID == "" || len(cmd.Lines) == 0 || !cmd.Address.Point.Valid() {
		return nil, ErrBadRequest
	}
	if cmd.PaymentMethod != PaymentCOD && cmd.PaymentMethod != PaymentOnline {
		return nil, ErrBadRequest
	}

	now := s.now()
	id := cmd.ID
	if id == "" {
		id = types.NewID()
	}
	o := &Order{
		ID:            id,
		CustomerID:    cmd.CustomerID,
		PaymentMethod: cmd.PaymentMethod,
		Address:       cmd.Address,
		CreatedAt:     now,
	}

	seen := make(map[types.ID]bool, len(cmd.Lines))
	for _, in := range cmd.Lines {
		if in.ShopID == "" || in.OwnerID == "" || len(in.Items) == 0 {
			return nil, ErrBadRequest
		}
		for _, it := range in.Items {
			if it.Name == "" || it.Quantity <= 0 || it.Price.Amount < 0 {
				return nil, ErrBadRequest
			}
		}
		lineID := in.ID
		if lineID == "" {
			lineID = types.NewID()
		}
		if seen[lineID] {
			return nil, ErrBadRequest
		}
		seen[lineID] = true

		o.Lines = append(o.Lines, Line{
			ID:        lineID,
			ShopID:    in.ShopID,
			ShopName:  in.ShopName,
			OwnerID:   in.OwnerID,
			Pickup:    in.Pickup,
			Items:     append([]Item(nil), in.Items...),
			Subtotal:  subtotal(in.Items),
			Status:    LinePending,
			UpdatedAt: now,
		})
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	for _, l := range o.Lines {
		_ = s.store.AppendEvent(ctx, &Event{
			OrderID:    o.ID,
			LineID:     l.ID,
			FromStatus: LineNone,
			ToStatus:   LinePending,
			ActorType:  "customer",
			ActorID:    &o.CustomerID,
			CreatedAt:  now,
		})
	}
	return o, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	if id == "" {
		return nil, ErrBadRequest
	}
	return s.store.Get(ctx, id)
}

// MarkPaymentVerified flags an online order as paid. changed is false when it
// already was.
func (s *Service) MarkPaymentVerified(ctx context.Context, orderID types.ID) (o *Order, changed bool, err error) {
	o, err = s.Get(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if o.PaymentMethod != PaymentOnline {
		return nil, false, ErrInvalidState
	}
	changed, err = s.store.MarkPaid(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	o.Paid = true
	return o, changed, nil
}

// LinkAssignment points the line at assignmentID only while it still points at
// prev (nil for an unlinked line). A moved link returns ErrConflict.
func (s *Service) LinkAssignment(ctx context.Context, orderID, lineID, assignmentID types.ID, prev *types.ID) error {
	if orderID == "" || lineID == "" || assignmentID == "" {
		return ErrBadRequest
	}
	ok, err := s.store.LinkAssignment(ctx, orderID, lineID, assignmentID, prev)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

func (s *Service) SetAssignee(ctx context.Context, orderID, lineID, courierID types.ID) error {
	if orderID == "" || lineID == "" || courierID == "" {
		return ErrBadRequest
	}
	return s.store.SetAssignee(ctx, orderID, lineID, courierID, s.now())
}

// UpdateLineStatus is the shop owner's status change. Delivered is reachable
// only through VerifyDeliveryOTP. Setting the current status again is a no-op.
func (s *Service) UpdateLineStatus(ctx context.Context, cmd LineStatusCommand) (*Order, error) {
	switch cmd.Status {
	case LinePreparing, LineOutForDelivery:
	case LineDelivered:
		return nil, ErrInvalidState
	default:
		return nil, ErrBadRequest
	}
	o, l, err := s.getLine(ctx, cmd.OrderID, cmd.LineID)
	if err != nil {
		return nil, err
	}
	if l.OwnerID != cmd.OwnerID {
		return nil, ErrNotOwner
	}
	if l.Status == cmd.Status {
		return o, nil
	}
	if !CanTransition(l.Status, cmd.Status) {
		return nil, ErrInvalidState
	}

	now := s.now()
	ok, err := s.store.UpdateLineStatus(ctx, o.ID, l.ID, l.Status, cmd.Status, l.StatusVersion, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	owner := cmd.OwnerID
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		LineID:     l.ID,
		FromStatus: l.Status,
		ToStatus:   cmd.Status,
		ActorType:  "owner",
		ActorID:    &owner,
		CreatedAt:  now,
	})
	return s.store.Get(ctx, o.ID)
}

// IssueDeliveryOTP creates a fresh 4-digit code for the line, replacing any
// earlier one. Only the line's assignee may ask while it is out for delivery.
func (s *Service) IssueDeliveryOTP(ctx context.Context, orderID, lineID, courierID types.ID) (string, *Order, error) {
	o, l, err := s.getLine(ctx, orderID, lineID)
	if err != nil {
		return "", nil, err
	}
	if l.AssigneeID == nil || *l.AssigneeID != courierID {
		return "", nil, ErrNotAssignee
	}
	if l.Status != LineOutForDelivery {
		return "", nil, ErrInvalidState
	}
	code, err := generateOTP()
	if err != nil {
		return "", nil, err
	}
	if err := s.otps.Save(ctx, orderID, lineID, code, s.otpTTL); err != nil {
		return "", nil, fmt.Errorf("store delivery code: %w", err)
	}
	return code, o, nil
}

// VerifyDeliveryOTP checks the code and marks the line delivered. Once the
// line is delivered, a repeat from the assignee returns the order together
// with ErrAlreadyDelivered.
func (s *Service) VerifyDeliveryOTP(ctx context.Context, cmd VerifyOTPCommand) (*Order, error) {
	if cmd.Code == "" {
		return nil, ErrBadRequest
	}
	o, l, err := s.getLine(ctx, cmd.OrderID, cmd.LineID)
	if err != nil {
		return nil, err
	}
	if l.AssigneeID == nil || *l.AssigneeID != cmd.CourierID {
		return nil, ErrNotAssignee
	}
	if l.Status == LineDelivered {
		return o, ErrAlreadyDelivered
	}
	if !CanTransition(l.Status, LineDelivered) {
		return nil, ErrInvalidState
	}
	code, ok, err := s.otps.Lookup(ctx, o.ID, l.ID)
	if err != nil {
		return nil, fmt.Errorf("load delivery code: %w", err)
	}
	if !ok || subtle.ConstantTimeCompare([]byte(code), []byte(cmd.Code)) != 1 {
		return nil, ErrInvalidOTP
	}

	now := s.now()
	updated, err := s.store.UpdateLineStatus(ctx, o.ID, l.ID, l.Status, LineDelivered, l.StatusVersion, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, ErrConflict
	}
	_ = s.otps.Delete(ctx, o.ID, l.ID)
	courierID := cmd.CourierID
	_ = s.store.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		LineID:     l.ID,
		FromStatus: l.Status,
		ToStatus:   LineDelivered,
		ActorType:  "courier",
		ActorID:    &courierID,
		CreatedAt:  now,
	})
	return s.store.Get(ctx, o.ID)
}

// TodayDeliveries groups the courier's deliveries since local midnight by hour.
func (s *Service) TodayDeliveries(ctx context.Context, courierID types.ID) ([]HourlyCount, error) {
	if courierID == "" {
		return nil, ErrBadRequest
	}
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	times, err := s.store.DeliveredSince(ctx, courierID, midnight)
	if err != nil {
		return nil, err
	}

	byHour := make(map[int]int)
	for _, t := range times {
		byHour[t.In(now.Location()).Hour()]++
	}
	out := make([]HourlyCount, 0, len(byHour))
	for h, n := range byHour {
		out = append(out, HourlyCount{Hour: h, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out, nil
}

func (s *Service) getLine(ctx context.Context, orderID, lineID types.ID) (*Order, *Line, error) {
	if orderID == "" || lineID == "" {
		return nil, nil, ErrBadRequest
	}
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	l, ok := o.Line(lineID)
	if !ok {
		return nil, nil, ErrNotFound
	}
	return o, l, nil
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", fmt.Errorf("generate delivery code: %w", err)
	}
	return fmt.Sprintf("%d", 1000+n.Int64()), nil
}
