package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"courierdispatch/internal/config"
	"courierdispatch/internal/metrics"
	"courierdispatch/internal/modules/assignment"
	"courierdispatch/internal/modules/courier"
	"courierdispatch/internal/modules/matching"
	"courierdispatch/internal/modules/order"
	"courierdispatch/internal/types"
)

// center is the delivery point used by every scenario.
var center = types.Point{Lat: 12.97, Lng: 77.59}

// north returns a point m metres due north of center.
func north(m float64) types.Point {
	return types.Point{Lat: center.Lat + m/111195, Lng: center.Lng}
}

type pushed struct {
	Handle  string
	Event   string
	Payload any
}

type recordingGateway struct {
	mu     sync.Mutex
	pushes []pushed
	fail   map[string]error
}

func (g *recordingGateway) Push(_ context.Context, handle, event string, payload any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail[handle]; err != nil {
		return err
	}
	g.pushes = append(g.pushes, pushed{Handle: handle, Event: event, Payload: payload})
	return nil
}

func (g *recordingGateway) sent(event string) []pushed {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []pushed
	for _, p := range g.pushes {
		if p.Event == event {
			out = append(out, p)
		}
	}
	return out
}

func (g *recordingGateway) handles(event string) []string {
	var out []string
	for _, p := range g.sent(event) {
		out = append(out, p.Handle)
	}
	return out
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) record(t string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, t)
	return nil
}

func (p *recordingPublisher) AssignmentBroadcast(context.Context, *assignment.Assignment) error {
	return p.record("broadcast")
}

func (p *recordingPublisher) NoCandidates(context.Context, types.ID, types.ID) error {
	return p.record("no_candidates")
}

func (p *recordingPublisher) AssignmentAccepted(context.Context, *assignment.Assignment) error {
	return p.record("accepted")
}

func (p *recordingPublisher) AssignmentCompleted(context.Context, types.ID, types.ID, types.ID) error {
	return p.record("completed")
}

type testEnv struct {
	dir      *courier.Directory
	ledger   *assignment.Ledger
	orders   *order.Service
	gw       *recordingGateway
	events   *recordingPublisher
	metrics  *metrics.Dispatch
	hook     *logtest.Hook
	deps     Deps
	coord    *Coordinator
	triggers *Triggers
}

func newTestEnv(t *testing.T, tweak ...func(*config.DispatchConfig)) *testEnv {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	cfg := config.DispatchConfig{
		WideRadiusMeters:   50000,
		NarrowRadiusMeters: 5000,
		ExpiryTick:         5 * time.Millisecond,
		PushTimeout:        time.Second,
	}
	for _, f := range tweak {
		f(&cfg)
	}

	env := &testEnv{
		dir:     courier.NewDirectory(courier.NewMemoryStore(), courier.NewMemoryAccounts(), logger),
		ledger:  assignment.NewLedger(assignment.NewMemoryStore()),
		orders:  order.NewService(order.NewMemoryStore(), order.NewMemoryOTPStore(), 0),
		gw:      &recordingGateway{fail: map[string]error{}},
		events:  &recordingPublisher{},
		metrics: metrics.NewDispatch(nil),
		hook:    hook,
	}
	env.deps = Deps{
		Directory: env.dir,
		Finder:    matching.NewFinder(env.dir, env.ledger),
		Ledger:    env.ledger,
		Orders:    env.orders,
		Gateway:   env.gw,
		Events:    env.events,
		Metrics:   env.metrics,
		Log:       logger,
		Config:    cfg,
	}
	env.rebuild()
	return env
}

// rebuild recreates the coordinator and triggers from e.deps.
func (e *testEnv) rebuild() {
	e.coord = NewCoordinator(e.deps)
	e.triggers = NewTriggers(e.coord, e.orders)
}

// flakyOrders fails the next assigneeFailures SetAssignee calls.
type flakyOrders struct {
	Orders
	mu               sync.Mutex
	assigneeFailures int
}

func (f *flakyOrders) SetAssignee(ctx context.Context, orderID, lineID, courierID types.ID) error {
	f.mu.Lock()
	if f.assigneeFailures > 0 {
		f.assigneeFailures--
		f.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	f.mu.Unlock()
	return f.Orders.SetAssignee(ctx, orderID, lineID, courierID)
}

// flakyLedger fails the next completeFailures Complete calls.
type flakyLedger struct {
	Ledger
	mu               sync.Mutex
	completeFailures int
}

func (f *flakyLedger) Complete(ctx context.Context, cmd assignment.CompleteCommand) (bool, error) {
	f.mu.Lock()
	if f.completeFailures > 0 {
		f.completeFailures--
		f.mu.Unlock()
		return false, errors.New("connection reset by peer")
	}
	f.mu.Unlock()
	return f.Ledger.Complete(ctx, cmd)
}

// addCourier registers a courier metres north of center. Reachable couriers get
// the handle "ws:<id>".
func (e *testEnv) addCourier(t *testing.T, id types.ID, metersNorth float64, reachable bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.dir.Register(ctx, courier.Profile{ID: id, FullName: "Courier " + string(id), Mobile: "9000000000"}))
	require.NoError(t, e.dir.UpdatePosition(ctx, courier.PositionUpdate{CourierID: id, Position: north(metersNorth)}))
	if reachable {
		require.NoError(t, e.dir.Connect(ctx, id, "ws:"+string(id)))
	}
}

func (e *testEnv) connect(t *testing.T, userID types.ID) {
	t.Helper()
	require.NoError(t, e.dir.Connect(context.Background(), userID, "ws:"+string(userID)))
}

// addOrder registers an order delivered to center with one line per shop
// ("line_1" for shop_1 owned by owner_1, and so on). The customer and owners
// are connected.
func (e *testEnv) addOrder(t *testing.T, id types.ID, method order.PaymentMethod, lines int) *order.Order {
	t.Helper()
	cmd := order.CreateCommand{
		ID:            id,
		CustomerID:    "cust_1",
		PaymentMethod: method,
		Address:       order.Address{Text: "12 MG Road, Bengaluru", Point: center},
	}
	for i := 1; i <= lines; i++ {
		cmd.Lines = append(cmd.Lines, order.LineInput{
			ID:       types.ID(fmt.Sprintf("line_%d", i)),
			ShopID:   types.ID(fmt.Sprintf("shop_%d", i)),
			ShopName: fmt.Sprintf("Shop %d", i),
			OwnerID:  types.ID(fmt.Sprintf("owner_%d", i)),
			Pickup:   order.Address{Text: "Brigade Road", Point: north(300)},
			Items: []order.Item{
				{Name: "Masala Dosa", Quantity: 2, Price: types.Money{Amount: 12000, Currency: "INR"}},
			},
		})
		e.connect(t, types.ID(fmt.Sprintf("owner_%d", i)))
	}
	e.connect(t, "cust_1")
	o, err := e.orders.Register(context.Background(), cmd)
	require.NoError(t, err)
	return o
}

// occupy gives the courier an accepted job on an unrelated order.
func (e *testEnv) occupy(t *testing.T, courierID types.ID) {
	t.Helper()
	ctx := context.Background()
	a, err := e.ledger.Create(ctx, assignment.CreateCommand{
		OrderID:    types.ID("elsewhere_" + string(courierID)),
		LineID:     "line_1",
		ShopID:     "shop_x",
		Candidates: []types.ID{courierID},
	})
	require.NoError(t, err)
	_, err = e.ledger.Accept(ctx, assignment.AcceptCommand{AssignmentID: a.ID, CourierID: courierID})
	require.NoError(t, err)
}

func (e *testEnv) line(t *testing.T, orderID, lineID types.ID) *order.Line {
	t.Helper()
	o, err := e.orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	l, ok := o.Line(lineID)
	require.True(t, ok)
	return l
}
