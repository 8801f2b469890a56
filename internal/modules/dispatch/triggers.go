// README: Inbound triggers; turn order and courier events into coordinator calls.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"courierdispatch/internal/events"
	"courierdispatch/internal/modules/assignment"
	"courierdispatch/internal/modules/notify"
	"courierdispatch/internal/modules/order"
	"courierdispatch/internal/types"
)

// OrderService is the part of the order service the triggers drive.
type OrderService interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	MarkPaymentVerified(ctx context.Context, orderID types.ID) (*order.Order, bool, error)
	UpdateLineStatus(ctx context.Context, cmd order.LineStatusCommand) (*order.Order, error)
	IssueDeliveryOTP(ctx context.Context, orderID, lineID, courierID types.ID) (string, *order.Order, error)
	VerifyDeliveryOTP(ctx context.Context, cmd order.VerifyOTPCommand) (*order.Order, error)
}

type Triggers struct {
	coord  *Coordinator
	orders OrderService
}

func NewTriggers(coord *Coordinator, orders OrderService) *Triggers {
	return &Triggers{coord: coord, orders: orders}
}

// OnOrderConfirmedForDelivery dispatches every line that is not delivered and
// has nothing in flight, using the wide radius. Online orders must be paid
// first. Per-line failures are joined; the other lines still go out.
func (t *Triggers) OnOrderConfirmedForDelivery(ctx context.Context, orderID types.ID) ([]LineResult, error) {
	o, err := t.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return t.dispatchOrder(ctx, o)
}

// OnPaymentVerified marks the order paid and dispatches it. Repeated calls are
// harmless: lines already offered are skipped.
func (t *Triggers) OnPaymentVerified(ctx context.Context, orderID types.ID) ([]LineResult, error) {
	o, _, err := t.orders.MarkPaymentVerified(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return t.dispatchOrder(ctx, o)
}

func (t *Triggers) dispatchOrder(ctx context.Context, o *order.Order) ([]LineResult, error) {
	if !o.ReadyForDispatch() {
		return nil, fmt.Errorf("order %s awaiting payment: %w", o.ID, order.ErrInvalidState)
	}
	var (
		out  []LineResult
		errs []error
	)
	for i := range o.Lines {
		l := &o.Lines[i]
		blocked, err := t.coord.lineBlocksDispatch(ctx, l)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %s: %w", l.ID, err))
			continue
		}
		if blocked {
			out = append(out, LineResult{LineID: l.ID, Result: &Result{Outcome: OutcomeSkipped}})
			continue
		}
		res, err := t.coord.Dispatch(ctx, DispatchCommand{Order: o, LineID: l.ID, RadiusMeters: t.coord.cfg.WideRadiusMeters})
		if err != nil {
			errs = append(errs, fmt.Errorf("line %s: %w", l.ID, err))
			continue
		}
		out = append(out, LineResult{LineID: l.ID, Result: res})
	}
	return out, errors.Join(errs...)
}

// OnShopMarkedOutForDelivery dispatches one line with the narrow radius unless
// it already has an open or accepted assignment.
func (t *Triggers) OnShopMarkedOutForDelivery(ctx context.Context, orderID, lineID types.ID) (*Result, error) {
	o, err := t.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	l, ok := o.Line(lineID)
	if !ok {
		return nil, fmt.Errorf("line %s: %w", lineID, order.ErrNotFound)
	}
	blocked, err := t.coord.lineBlocksDispatch(ctx, l)
	if err != nil {
		return nil, err
	}
	if blocked {
		return &Result{Outcome: OutcomeSkipped}, nil
	}
	return t.coord.Dispatch(ctx, DispatchCommand{Order: o, LineID: lineID, RadiusMeters: t.coord.cfg.NarrowRadiusMeters})
}

// UpdateLineStatus applies a shop owner's status change, tells the customer
// and dispatches the line when it goes out for delivery.
func (t *Triggers) UpdateLineStatus(ctx context.Context, cmd order.LineStatusCommand) (*order.Order, *Result, error) {
	o, err := t.orders.UpdateLineStatus(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}
	l, ok := o.Line(cmd.LineID)
	if !ok {
		return o, nil, nil
	}
	t.coord.notifyUser(ctx, o.CustomerID, notify.EventUpdateStatus, map[string]any{
		"orderId":  o.ID,
		"lineId":   l.ID,
		"shopName": l.ShopName,
		"status":   l.Status,
	})
	if l.Status != order.LineOutForDelivery {
		return o, nil, nil
	}
	res, err := t.OnShopMarkedOutForDelivery(ctx, o.ID, l.ID)
	if err != nil {
		return o, nil, err
	}
	return o, res, nil
}

func (t *Triggers) OnCourierAcceptRequest(ctx context.Context, assignmentID, courierID types.ID) (*assignment.Assignment, error) {
	return t.coord.ResolveAcceptance(ctx, assignmentID, courierID)
}

func (t *Triggers) OnDeliveryConfirmed(ctx context.Context, orderID, lineID, courierID types.ID) (bool, error) {
	return t.coord.ResolveCompletion(ctx, orderID, lineID, courierID)
}

// ErrCustomerUnreachable is returned when a delivery code was issued but the
// customer has no live channel to receive it.
var ErrCustomerUnreachable = errors.New("customer is not reachable")

// SendDeliveryOTP issues a code for the line and pushes it to the customer.
func (t *Triggers) SendDeliveryOTP(ctx context.Context, orderID, lineID, courierID types.ID) error {
	code, o, err := t.orders.IssueDeliveryOTP(ctx, orderID, lineID, courierID)
	if err != nil {
		return err
	}
	shopName := ""
	if l, ok := o.Line(lineID); ok {
		shopName = l.ShopName
	}
	sent := t.coord.notifyUser(ctx, o.CustomerID, notify.EventDeliveryOTP, map[string]any{
		"orderId":  o.ID,
		"lineId":   lineID,
		"shopName": shopName,
		"otp":      code,
	})
	if !sent {
		return ErrCustomerUnreachable
	}
	return nil
}

// VerifyDeliveryOTP checks the customer's code, marks the line delivered and
// completes the courier's assignment. Repeating it for a delivered line
// retries only the completion.
func (t *Triggers) VerifyDeliveryOTP(ctx context.Context, cmd order.VerifyOTPCommand) (*order.Order, error) {
	o, err := t.orders.VerifyDeliveryOTP(ctx, cmd)
	if err != nil && !errors.Is(err, order.ErrAlreadyDelivered) {
		return nil, err
	}
	if _, err := t.OnDeliveryConfirmed(ctx, cmd.OrderID, cmd.LineID, cmd.CourierID); err != nil {
		return o, fmt.Errorf("complete assignment: %w", err)
	}
	return o, nil
}

// Bus adapts the triggers to the order-topic consumer, which only needs to
// know whether handling failed.
func (t *Triggers) Bus() events.Triggers {
	return busTriggers{t: t}
}

type busTriggers struct {
	t *Triggers
}

func (b busTriggers) OnOrderConfirmedForDelivery(ctx context.Context, orderID types.ID) error {
	_, err := b.t.OnOrderConfirmedForDelivery(ctx, orderID)
	return err
}

func (b busTriggers) OnPaymentVerified(ctx context.Context, orderID types.ID) error {
	_, err := b.t.OnPaymentVerified(ctx, orderID)
	return err
}

func (b busTriggers) OnShopMarkedOutForDelivery(ctx context.Context, orderID, lineID types.ID) error {
	_, err := b.t.OnShopMarkedOutForDelivery(ctx, orderID, lineID)
	return err
}
