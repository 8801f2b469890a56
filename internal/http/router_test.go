// README: End-to-end tests of the HTTP surface over in-memory stores.
package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"courierdispatch/internal/config"
	apihttp "courierdispatch/internal/http"
	"courierdispatch/internal/infra"
	"courierdispatch/internal/metrics"
	"courierdispatch/internal/modules/assignment"
	"courierdispatch/internal/modules/courier"
	"courierdispatch/internal/modules/dispatch"
	"courierdispatch/internal/modules/matching"
	"courierdispatch/internal/modules/notify"
	"courierdispatch/internal/modules/order"
	"courierdispatch/internal/types"
)

// tokenVerifier accepts tokens of the form "<role>:<uid>".
type tokenVerifier struct{}

func (tokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.FirebaseToken, error) {
	role, uid, ok := strings.Cut(raw, ":")
	if !ok || uid == "" {
		return nil, errors.New("bad token")
	}
	return &infra.FirebaseToken{UID: uid, Claims: map[string]interface{}{"role": role}}, nil
}

// capturingGateway records pushes and forwards socket handles to the hub.
type capturingGateway struct {
	mu     sync.Mutex
	pushes map[string][]any
	next   notify.Gateway
}

func (g *capturingGateway) Push(ctx context.Context, handle, event string, payload any) error {
	g.mu.Lock()
	g.pushes[event] = append(g.pushes[event], payload)
	g.mu.Unlock()
	if g.next == nil {
		return nil
	}
	return g.next.Push(ctx, handle, event, payload)
}

func (g *capturingGateway) last(event string) any {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.pushes[event]
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1]
}

type testAPI struct {
	router    *gin.Engine
	directory *courier.Directory
	orders    *order.Service
	triggers  *dispatch.Triggers
	gateway   *capturingGateway
}

// newTestAPI wires the full stack. With live set, pushes go through the
// websocket hub; otherwise every handle counts as reachable.
func newTestAPI(t *testing.T, live bool) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := logtest.NewNullLogger()
	reg := prometheus.NewRegistry()

	hub := notify.NewHub(logger)
	gw := &capturingGateway{pushes: map[string][]any{}}
	if live {
		gw.next = notify.NewRouter().Route(notify.PrefixSocket, hub)
	}
	dir := courier.NewDirectory(courier.NewMemoryStore(), courier.NewMemoryAccounts(), logger)
	ledger := assignment.NewLedger(assignment.NewMemoryStore())
	orders := order.NewService(order.NewMemoryStore(), order.NewMemoryOTPStore(), 0)
	coord := dispatch.NewCoordinator(dispatch.Deps{
		Directory: dir,
		Finder:    matching.NewFinder(dir, ledger),
		Ledger:    ledger,
		Orders:    orders,
		Gateway:   gw,
		Metrics:   metrics.NewDispatch(reg),
		Log:       logger,
		Config:    config.DispatchConfig{WideRadiusMeters: 50000, NarrowRadiusMeters: 5000, PushTimeout: time.Second},
	})
	triggers := dispatch.NewTriggers(coord, orders)

	r := apihttp.NewRouter(apihttp.RouterDeps{
		Verifier:    tokenVerifier{},
		Directory:   dir,
		Orders:      orders,
		Coordinator: coord,
		Triggers:    triggers,
		Hub:         hub,
		Log:         logger,
		Metrics:     metrics.NewHTTP(reg),
		Gatherer:    reg,
	})
	return &testAPI{router: r, directory: dir, orders: orders, triggers: triggers, gateway: gw}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

var dropPoint = types.Point{Lat: 12.97, Lng: 77.59}

func createOrderBody(id string) map[string]any {
	return map[string]any{
		"id":             id,
		"customer_id":    "cust1",
		"payment_method": "cod",
		"address": map[string]any{
			"text":  "12 MG Road",
			"point": map[string]any{"latitude": dropPoint.Lat, "longitude": dropPoint.Lng},
		},
		"lines": []map[string]any{{
			"id":        "line1",
			"shop_id":   "shop1",
			"shop_name": "Dosa Corner",
			"owner_id":  "owner1",
			"items": []map[string]any{
				{"name": "Masala Dosa", "quantity": 2, "price": map[string]any{"amount": 12000, "currency": "INR"}},
			},
		}},
	}
}

func (a *testAPI) onboardCourier(t *testing.T, id string, lat float64) {
	t.Helper()
	token := "courier:" + id
	if w := a.do(t, http.MethodPut, "/api/couriers/me/profile", token, map[string]any{"full_name": "Courier " + id}); w.Code != http.StatusOK {
		t.Fatalf("profile %s: %d %s", id, w.Code, w.Body.String())
	}
	if w := a.do(t, http.MethodPut, "/api/couriers/me/location", token, map[string]any{"latitude": lat, "longitude": dropPoint.Lng}); w.Code != http.StatusOK {
		t.Fatalf("location %s: %d %s", id, w.Code, w.Body.String())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t, false)
	if w := api.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("health: %d %q", w.Code, w.Body.String())
	}
	w := api.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Errorf("expected request counter in metrics output")
	}
}

func TestRoutes_AuthAndRoles(t *testing.T) {
	api := newTestAPI(t, false)
	cases := []struct {
		name, method, path, token string
		want                      int
	}{
		{"no token", http.MethodGet, "/api/couriers/me/assignments", "", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/couriers/me/assignments", "garbage", http.StatusUnauthorized},
		{"owner cannot accept", http.MethodPost, "/api/assignments/a1/accept", "owner:o1", http.StatusForbidden},
		{"courier cannot create orders", http.MethodPost, "/api/orders", "courier:c1", http.StatusForbidden},
		{"customer cannot confirm", http.MethodPost, "/api/orders/o1/confirm", "customer:u1", http.StatusForbidden},
		{"courier cannot change line status", http.MethodPut, "/api/orders/o1/lines/l1/status", "courier:c1", http.StatusForbidden},
	}
	for _, tc := range cases {
		if w := api.do(t, tc.method, tc.path, tc.token, nil); w.Code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, w.Code)
		}
	}
}

func TestAccept_UnknownAssignment(t *testing.T) {
	api := newTestAPI(t, false)
	if w := api.do(t, http.MethodPost, "/api/assignments/missing/accept", "courier:c1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := api.do(t, http.MethodPost, "/api/assignments/bad%20id/accept", "courier:c1", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid id, got %d", w.Code)
	}
}

func TestDeliveryFlow(t *testing.T) {
	api := newTestAPI(t, false)
	api.onboardCourier(t, "courierA", dropPoint.Lat+0.002)
	api.onboardCourier(t, "courierB", dropPoint.Lat+0.004)

	if w := api.do(t, http.MethodPost, "/api/orders", "service:orders", createOrderBody("order1")); w.Code != http.StatusCreated {
		t.Fatalf("create order: %d %s", w.Code, w.Body.String())
	}
	if w := api.do(t, http.MethodPost, "/api/orders", "service:orders", createOrderBody("order1")); w.Code != http.StatusConflict {
		t.Fatalf("duplicate order: expected 409, got %d", w.Code)
	}

	w := api.do(t, http.MethodPost, "/api/orders/order1/confirm", "service:orders", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", w.Code, w.Body.String())
	}
	lines, _ := decode(t, w)["lines"].([]any)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line result, got %v", lines)
	}
	first, _ := lines[0].(map[string]any)
	if first["outcome"] != string(dispatch.OutcomeBroadcast) {
		t.Fatalf("expected broadcast, got %v", first["outcome"])
	}
	assignmentID, _ := first["assignment_id"].(string)

	w = api.do(t, http.MethodGet, "/api/couriers/me/assignments", "courier:courierB", nil)
	offers, _ := decode(t, w)["assignments"].([]any)
	if len(offers) != 1 {
		t.Fatalf("courierB should see one offer, got %d", len(offers))
	}

	if w := api.do(t, http.MethodPost, "/api/assignments/"+assignmentID+"/accept", "courier:courierA", nil); w.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}
	if w := api.do(t, http.MethodPost, "/api/assignments/"+assignmentID+"/accept", "courier:courierB", nil); w.Code != http.StatusConflict {
		t.Fatalf("second accept: expected 409, got %d", w.Code)
	}

	w = api.do(t, http.MethodGet, "/api/couriers/me/current", "courier:courierA", nil)
	if job, _ := decode(t, w)["job"].(map[string]any); job == nil || job["assignmentId"] != assignmentID {
		t.Fatalf("unexpected current job: %s", w.Body.String())
	}
	w = api.do(t, http.MethodGet, "/api/couriers/me/current", "courier:courierB", nil)
	if decode(t, w)["job"] != nil {
		t.Fatalf("courierB should be idle: %s", w.Body.String())
	}

	if err := api.directory.Connect(context.Background(), "cust1", "ws:cust1"); err != nil {
		t.Fatalf("connect customer: %v", err)
	}

	// Only the owning shop may move its line.
	if w := api.do(t, http.MethodPut, "/api/orders/order1/lines/line1/status", "owner:owner2", map[string]any{"status": "out_for_delivery"}); w.Code != http.StatusForbidden {
		t.Fatalf("foreign owner: expected 403, got %d", w.Code)
	}
	if w := api.do(t, http.MethodPut, "/api/orders/order1/lines/line1/status", "owner:owner1", map[string]any{"status": "out_for_delivery"}); w.Code != http.StatusOK {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}

	if w := api.do(t, http.MethodPost, "/api/orders/order1/lines/line1/delivery-otp", "courier:courierB", nil); w.Code != http.StatusForbidden {
		t.Fatalf("otp by non-assignee: expected 403, got %d", w.Code)
	}
	if w := api.do(t, http.MethodPost, "/api/orders/order1/lines/line1/delivery-otp", "courier:courierA", nil); w.Code != http.StatusOK {
		t.Fatalf("send otp: %d %s", w.Code, w.Body.String())
	}
	payload, _ := api.gateway.last(notify.EventDeliveryOTP).(map[string]any)
	code, _ := payload["otp"].(string)
	if len(code) != 4 {
		t.Fatalf("expected a 4-digit code, got %q", code)
	}

	if w := api.do(t, http.MethodPost, "/api/orders/order1/lines/line1/delivery-otp/verify", "courier:courierA", map[string]any{"code": "abcd"}); w.Code != http.StatusBadRequest {
		t.Fatalf("wrong code: expected 400, got %d", w.Code)
	}
	if w := api.do(t, http.MethodPost, "/api/orders/order1/lines/line1/delivery-otp/verify", "courier:courierA", map[string]any{"code": code}); w.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", w.Code, w.Body.String())
	}

	w = api.do(t, http.MethodGet, "/api/couriers/me/deliveries/today", "courier:courierA", nil)
	if total, _ := decode(t, w)["total"].(float64); total != 1 {
		t.Fatalf("expected 1 delivery today, got %s", w.Body.String())
	}
	w = api.do(t, http.MethodGet, "/api/couriers/me/current", "courier:courierA", nil)
	if decode(t, w)["job"] != nil {
		t.Fatalf("courierA should be free after delivery: %s", w.Body.String())
	}
}

func TestPaymentVerified_OnlineOrder(t *testing.T) {
	api := newTestAPI(t, false)
	api.onboardCourier(t, "courierA", dropPoint.Lat+0.002)

	body := createOrderBody("order2")
	body["payment_method"] = "online"
	if w := api.do(t, http.MethodPost, "/api/orders", "service:orders", body); w.Code != http.StatusCreated {
		t.Fatalf("create order: %d %s", w.Code, w.Body.String())
	}
	if w := api.do(t, http.MethodPost, "/api/orders/order2/confirm", "service:orders", nil); w.Code != http.StatusConflict {
		t.Fatalf("unpaid confirm: expected 409, got %d", w.Code)
	}
	w := api.do(t, http.MethodPost, "/api/orders/order2/payment-verified", "service:orders", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("payment verified: %d %s", w.Code, w.Body.String())
	}
	lines, _ := decode(t, w)["lines"].([]any)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line result, got %s", w.Body.String())
	}
	if first, _ := lines[0].(map[string]any); first["outcome"] != string(dispatch.OutcomeBroadcast) {
		t.Fatalf("expected the line to be offered after payment, got %v", first["outcome"])
	}
}

func dialSocket(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", token, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForHandle(t *testing.T, dir *courier.Directory, userID types.ID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := dir.HandleFor(context.Background(), userID); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never became reachable", userID)
}

func TestSocket_CourierLocationReachesCustomer(t *testing.T) {
	api := newTestAPI(t, true)
	srv := httptest.NewServer(api.router)
	defer srv.Close()
	ctx := context.Background()

	api.onboardCourier(t, "courierA", dropPoint.Lat+0.002)
	if w := api.do(t, http.MethodPost, "/api/orders", "service:orders", createOrderBody("order3")); w.Code != http.StatusCreated {
		t.Fatalf("create order: %d", w.Code)
	}

	customer := dialSocket(t, srv, "customer:cust1")
	courierConn := dialSocket(t, srv, "courier:courierA")
	waitForHandle(t, api.directory, "cust1")
	waitForHandle(t, api.directory, "courierA")

	results, err := api.triggers.OnOrderConfirmedForDelivery(ctx, "order3")
	if err != nil || len(results) != 1 || results[0].Result.Assignment == nil {
		t.Fatalf("dispatch: %v %+v", err, results)
	}
	_ = courierConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var offer notify.Envelope
	if err := courierConn.ReadJSON(&offer); err != nil || offer.Event != notify.EventNewAssignment {
		t.Fatalf("expected newAssignment frame, got %+v (%v)", offer, err)
	}
	if _, err := api.triggers.OnCourierAcceptRequest(ctx, results[0].Result.Assignment.ID, "courierA"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	frame := map[string]any{"event": "updateLocation", "payload": map[string]any{"latitude": 12.971, "longitude": 77.59}}
	if err := courierConn.WriteJSON(frame); err != nil {
		t.Fatalf("write location: %v", err)
	}

	_ = customer.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got notify.Envelope
	if err := customer.ReadJSON(&got); err != nil {
		t.Fatalf("read customer frame: %v", err)
	}
	if got.Event != notify.EventUpdateDeliveryLocation {
		t.Fatalf("expected %s, got %s", notify.EventUpdateDeliveryLocation, got.Event)
	}
	var loc map[string]any
	if err := json.Unmarshal(got.Payload, &loc); err != nil || loc["latitude"] != 12.971 {
		t.Fatalf("unexpected location payload %s", got.Payload)
	}

	c, err := api.directory.Get(ctx, "courierA")
	if err != nil || c.Position.Lat != 12.971 {
		t.Fatalf("directory position not updated: %+v %v", c, err)
	}

	// Closing the socket makes the courier unreachable again.
	courierConn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := api.directory.HandleFor(ctx, "courierA"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("courierA still reachable after disconnect")
}
