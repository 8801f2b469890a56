package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courierdispatch/internal/config"
	"courierdispatch/internal/modules/assignment"
	"courierdispatch/internal/modules/matching"
	"courierdispatch/internal/modules/notify"
	"courierdispatch/internal/modules/order"
	"courierdispatch/internal/types"
)

func TestTriggers_OnlineOrderWaitsForPayment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addCourier(t, "A", 200, true)
	env.addOrder(t, "ord_online", order.PaymentOnline, 2)

	_, err := env.triggers.OnOrderConfirmedForDelivery(ctx, "ord_online")
	require.ErrorIs(t, err, order.ErrInvalidState)
	assert.Empty(t, env.gw.sent(notify.EventNewAssignment))

	results, err := env.triggers.OnPaymentVerified(ctx, "ord_online")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, OutcomeBroadcast, r.Result.Outcome, "line %s", r.LineID)
	}
	assert.Len(t, env.gw.sent(notify.EventNewAssignment), 2)

	// A repeated payment notice does not offer the lines again.
	results, err = env.triggers.OnPaymentVerified(ctx, "ord_online")
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, OutcomeSkipped, r.Result.Outcome)
	}
	assert.Len(t, env.gw.sent(notify.EventNewAssignment), 2)
}

func TestTriggers_ConfirmDispatchesCashOrder(t *testing.T) {
	env := newTestEnv(t)
	env.addCourier(t, "far", 20000, true)
	env.addOrder(t, "ord_cod", order.PaymentCOD, 1)

	results, err := env.triggers.OnOrderConfirmedForDelivery(context.Background(), "ord_cod")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, OutcomeBroadcast, results[0].Result.Outcome)
	assert.Equal(t, []types.ID{"far"}, matching.IDs(results[0].Result.Candidates), "wide radius reaches 20 km")

	_, err = env.triggers.OnOrderConfirmedForDelivery(context.Background(), "missing")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestTriggers_OutForDeliveryRedispatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(c *config.DispatchConfig) { c.BroadcastTTL = time.Millisecond })
	env.addCourier(t, "near", 200, true)
	env.addCourier(t, "wide", 8000, true)
	env.addOrder(t, "ord_r", order.PaymentCOD, 1)

	results, err := env.triggers.OnOrderConfirmedForDelivery(ctx, "ord_r")
	require.NoError(t, err)
	first := results[0].Result.Assignment
	require.NotNil(t, first)
	assert.Equal(t, []types.ID{"near", "wide"}, first.Candidates)

	// The broadcast is still open.
	res, err := env.triggers.OnShopMarkedOutForDelivery(ctx, "ord_r", "line_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	time.Sleep(5 * time.Millisecond)
	env.coord.expireOnce(ctx)
	a, err := env.ledger.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, assignment.StatusExpired, a.Status)

	res, err = env.triggers.OnShopMarkedOutForDelivery(ctx, "ord_r", "line_1")
	require.NoError(t, err)
	require.Equal(t, OutcomeBroadcast, res.Outcome)
	assert.Equal(t, []types.ID{"near"}, res.Assignment.Candidates, "narrow radius")

	_, err = env.triggers.OnCourierAcceptRequest(ctx, res.Assignment.ID, "near")
	require.NoError(t, err)

	res, err = env.triggers.OnShopMarkedOutForDelivery(ctx, "ord_r", "line_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome, "an assigned line is never offered again")
}

func TestTriggers_UpdateLineStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addCourier(t, "A", 200, true)
	env.addOrder(t, "ord_s", order.PaymentCOD, 1)

	_, _, err := env.triggers.UpdateLineStatus(ctx, order.LineStatusCommand{OrderID: "ord_s", LineID: "line_1", OwnerID: "owner_2", Status: order.LinePreparing})
	require.ErrorIs(t, err, order.ErrNotOwner)

	o, res, err := env.triggers.UpdateLineStatus(ctx, order.LineStatusCommand{OrderID: "ord_s", LineID: "line_1", OwnerID: "owner_1", Status: order.LinePreparing})
	require.NoError(t, err)
	assert.Nil(t, res)
	l, _ := o.Line("line_1")
	assert.Equal(t, order.LinePreparing, l.Status)

	o, res, err = env.triggers.UpdateLineStatus(ctx, order.LineStatusCommand{OrderID: "ord_s", LineID: "line_1", OwnerID: "owner_1", Status: order.LineOutForDelivery})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, OutcomeBroadcast, res.Outcome)
	l, _ = o.Line("line_1")
	assert.Equal(t, order.LineOutForDelivery, l.Status)

	updates := env.gw.sent(notify.EventUpdateStatus)
	require.Len(t, updates, 2)
	assert.Equal(t, "ws:cust_1", updates[0].Handle)
}

func TestTriggers_DeliveryOTP(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addCourier(t, "A", 200, true)
	env.addCourier(t, "B", 300, true)
	env.addOrder(t, "ord_otp", order.PaymentCOD, 1)

	results, err := env.triggers.OnOrderConfirmedForDelivery(ctx, "ord_otp")
	require.NoError(t, err)
	_, err = env.triggers.OnCourierAcceptRequest(ctx, results[0].Result.Assignment.ID, "A")
	require.NoError(t, err)
	_, res, err := env.triggers.UpdateLineStatus(ctx, order.LineStatusCommand{OrderID: "ord_otp", LineID: "line_1", OwnerID: "owner_1", Status: order.LineOutForDelivery})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	require.ErrorIs(t, env.triggers.SendDeliveryOTP(ctx, "ord_otp", "line_1", "B"), order.ErrNotAssignee)
	require.NoError(t, env.triggers.SendDeliveryOTP(ctx, "ord_otp", "line_1", "A"))

	codes := env.gw.sent(notify.EventDeliveryOTP)
	require.Len(t, codes, 1)
	assert.Equal(t, "ws:cust_1", codes[0].Handle)
	payload, ok := codes[0].Payload.(map[string]any)
	require.True(t, ok)
	code, _ := payload["otp"].(string)
	require.Len(t, code, 4)

	wrong := "0000"
	if code == wrong {
		wrong = "1111"
	}
	_, err = env.triggers.VerifyDeliveryOTP(ctx, order.VerifyOTPCommand{OrderID: "ord_otp", LineID: "line_1", CourierID: "A", Code: wrong})
	require.ErrorIs(t, err, order.ErrInvalidOTP)

	o, err := env.triggers.VerifyDeliveryOTP(ctx, order.VerifyOTPCommand{OrderID: "ord_otp", LineID: "line_1", CourierID: "A", Code: code})
	require.NoError(t, err)
	l, _ := o.Line("line_1")
	assert.Equal(t, order.LineDelivered, l.Status)

	_, err = env.coord.CurrentJob(ctx, "A")
	require.ErrorIs(t, err, assignment.ErrNotFound)
	assert.ElementsMatch(t, []string{"ws:owner_1", "ws:cust_1"}, env.gw.handles(notify.EventOrderDelivered))

	// The delivered line is skipped by later triggers.
	results, err = env.triggers.OnOrderConfirmedForDelivery(ctx, "ord_otp")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, results[0].Result.Outcome)
}

func TestTriggers_SendDeliveryOTPNeedsReachableCustomer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addCourier(t, "A", 200, true)
	env.addOrder(t, "ord_off", order.PaymentCOD, 1)

	results, err := env.triggers.OnOrderConfirmedForDelivery(ctx, "ord_off")
	require.NoError(t, err)
	_, err = env.triggers.OnCourierAcceptRequest(ctx, results[0].Result.Assignment.ID, "A")
	require.NoError(t, err)
	_, _, err = env.triggers.UpdateLineStatus(ctx, order.LineStatusCommand{OrderID: "ord_off", LineID: "line_1", OwnerID: "owner_1", Status: order.LineOutForDelivery})
	require.NoError(t, err)

	require.NoError(t, env.dir.MarkUnreachable(ctx, "ws:cust_1"))
	require.ErrorIs(t, env.triggers.SendDeliveryOTP(ctx, "ord_off", "line_1", "A"), ErrCustomerUnreachable)
}

func TestTriggers_BusAdapter(t *testing.T) {
	env := newTestEnv(t)
	env.addCourier(t, "A", 200, true)
	env.addOrder(t, "ord_bus", order.PaymentOnline, 1)
	bus := env.triggers.Bus()

	require.ErrorIs(t, bus.OnOrderConfirmedForDelivery(context.Background(), "ord_bus"), order.ErrInvalidState)
	require.NoError(t, bus.OnPaymentVerified(context.Background(), "ord_bus"))
	require.NoError(t, bus.OnShopMarkedOutForDelivery(context.Background(), "ord_bus", "line_1"))
	assert.Len(t, env.gw.sent(notify.EventNewAssignment), 1)
}

// Closing the assignment fails after the line is delivered; verifying again
// finishes the completion and frees the courier.
func TestTriggers_RepeatVerifyCompletesAssignment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addCourier(t, "A", 200, true)
	env.addOrder(t, "ord_close", order.PaymentCOD, 1)
	env.deps.Ledger = &flakyLedger{Ledger: env.ledger, completeFailures: 1}
	env.rebuild()

	results, err := env.triggers.OnOrderConfirmedForDelivery(ctx, "ord_close")
	require.NoError(t, err)
	_, err = env.triggers.OnCourierAcceptRequest(ctx, results[0].Result.Assignment.ID, "A")
	require.NoError(t, err)
	_, _, err = env.triggers.UpdateLineStatus(ctx, order.LineStatusCommand{OrderID: "ord_close", LineID: "line_1", OwnerID: "owner_1", Status: order.LineOutForDelivery})
	require.NoError(t, err)
	require.NoError(t, env.triggers.SendDeliveryOTP(ctx, "ord_close", "line_1", "A"))
	payload, ok := env.gw.sent(notify.EventDeliveryOTP)[0].Payload.(map[string]any)
	require.True(t, ok)
	code, _ := payload["otp"].(string)

	cmd := order.VerifyOTPCommand{OrderID: "ord_close", LineID: "line_1", CourierID: "A", Code: code}
	o, err := env.triggers.VerifyDeliveryOTP(ctx, cmd)
	require.Error(t, err)
	require.NotNil(t, o)
	assert.Equal(t, order.LineDelivered, env.line(t, "ord_close", "line_1").Status)
	_, err = env.coord.CurrentJob(ctx, "A")
	require.NoError(t, err, "assignment still open after the failed close")

	_, err = env.triggers.VerifyDeliveryOTP(ctx, cmd)
	require.NoError(t, err)
	_, err = env.coord.CurrentJob(ctx, "A")
	require.ErrorIs(t, err, assignment.ErrNotFound)
	assert.ElementsMatch(t, []string{"ws:owner_1", "ws:cust_1"}, env.gw.handles(notify.EventOrderDelivered))

	// Another courier cannot use the repeat path.
	_, err = env.triggers.VerifyDeliveryOTP(ctx, order.VerifyOTPCommand{OrderID: "ord_close", LineID: "line_1", CourierID: "B", Code: code})
	require.ErrorIs(t, err, order.ErrNotAssignee)
}
