package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"oms-core/internal/events"
	"oms-core/internal/monitor"
	"oms-core/internal/oms"
	"oms-core/internal/outbox"
	"oms-core/internal/position"
	"oms-core/internal/reconcile"
	"oms-core/internal/risk"
	"oms-core/pkg/db"
	"oms-core/pkg/refdata"
	"oms-core/pkg/venue"
)

const testSecret = "test-secret"

type testServer struct {
	server *Server
	orders *oms.Service
	sim    *venue.SimVenue
	db     *db.Database
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	orders := oms.NewService(database, bus)
	sim := venue.NewSimVenue(false)
	dispatcher := outbox.NewDispatcher(database, orders, sim, metrics, bus, outbox.Options{})

	server := NewServer(bus, database, orders, dispatcher,
		position.NewAggregator(database), reconcile.NewService(database),
		refdata.NewCatalog(), metrics, testSecret)

	return &testServer{server: server, orders: orders, sim: sim, db: database}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.server.Router.ServeHTTP(w, req)
	return w
}

func orderBody(qty float64) map[string]any {
	return map[string]any{
		"client_id": "client-a",
		"symbol":    "EURUSD",
		"side":      "BUY",
		"type":      "LIMIT",
		"qty":       qty,
		"price":     1.10,
	}
}

func TestCreateOrder(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/orders", orderBody(10), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["status"] != "NEW" {
		t.Errorf("expected status NEW, got %v", resp["status"])
	}

	// A durable SEND event exists for the dispatcher.
	pending, err := ts.db.ListPendingDispatchEvents(context.Background(), time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("Failed to list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].EventType != db.DispatchSend {
		t.Errorf("expected 1 pending SEND event, got %+v", pending)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	ts := newTestServer(t)

	t.Run("missing fields", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/orders", map[string]any{"symbol": "EURUSD"}, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("bad side", func(t *testing.T) {
		body := orderBody(10)
		body["side"] = "HOLD"
		w := ts.do(t, http.MethodPost, "/orders", body, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("limit order without price", func(t *testing.T) {
		body := orderBody(10)
		delete(body, "price")
		w := ts.do(t, http.MethodPost, "/orders", body, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})
}

func TestCreateOrderRiskReject(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	now := time.Now().UTC()
	limit := db.RiskLimit{
		ID: "lim-1", ClientID: "client-a",
		MaxNotional: 1_000_000, MaxOrderSize: 100, TradingHours: "00:00-23:59",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := ts.db.InsertRiskLimit(ctx, limit); err != nil {
		t.Fatalf("Failed to insert limit: %v", err)
	}

	w := ts.do(t, http.MethodPost, "/orders", orderBody(150), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["error"] != "RISK_REJECT" {
		t.Errorf("expected RISK_REJECT, got %v", resp["error"])
	}
	if resp["reason"] != risk.ReasonSizeLimit {
		t.Errorf("expected %s, got %v", risk.ReasonSizeLimit, resp["reason"])
	}

	// Rejected submissions leave no order behind.
	orders, err := ts.orders.List(ctx, "client-a", "")
	if err != nil {
		t.Fatalf("Failed to list orders: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("expected no orders, got %d", len(orders))
	}
}

func TestGetOrder(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/orders", orderBody(10), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	var created map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	id := created["id"].(string)

	w = ts.do(t, http.MethodGet, "/orders/"+id, nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/orders/unknown-id", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCancelOrder(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	w := ts.do(t, http.MethodPost, "/orders", orderBody(10), nil)
	var created map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	id := created["id"].(string)

	t.Run("cancel enqueues a durable event", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/orders/"+id+"/cancel", nil, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		pending, err := ts.db.ListPendingDispatchEvents(ctx, time.Now().UTC(), 10)
		if err != nil {
			t.Fatalf("Failed to list pending: %v", err)
		}
		found := false
		for _, ev := range pending {
			if ev.OrderID == id && ev.EventType == db.DispatchCancel {
				found = true
			}
		}
		if !found {
			t.Errorf("expected a pending CANCEL event, got %+v", pending)
		}
	})

	t.Run("terminal order returns 409", func(t *testing.T) {
		if _, err := ts.orders.ApplyFill(ctx, id, 10, 1.10, "exec-1"); err != nil {
			t.Fatalf("Failed to fill order: %v", err)
		}
		w := ts.do(t, http.MethodPost, "/orders/"+id+"/cancel", nil, nil)
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", w.Code)
		}
	})

	t.Run("unknown order returns 404", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/orders/unknown/cancel", nil, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})
}

func TestGetPositions(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	w := ts.do(t, http.MethodGet, "/positions", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without clientId, got %d", w.Code)
	}

	create := ts.do(t, http.MethodPost, "/orders", orderBody(10), nil)
	var created map[string]any
	if err := json.Unmarshal(create.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if _, err := ts.orders.ApplyFill(ctx, created["id"].(string), 10, 1.10, "exec-1"); err != nil {
		t.Fatalf("Failed to fill order: %v", err)
	}

	w = ts.do(t, http.MethodGet, "/positions?clientId=client-a", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var positions []position.Position
	if err := json.Unmarshal(w.Body.Bytes(), &positions); err != nil {
		t.Fatalf("Failed to decode positions: %v", err)
	}
	if len(positions) != 1 || positions[0].NetQty != 10 {
		t.Errorf("expected one position with netQty 10, got %+v", positions)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ts.do(t, http.MethodPost, "/orders", orderBody(10), nil)

	// A submission rejected by the gate counts toward orders_rejected and
	// the per-reason counter only, never orders_total.
	now := time.Now().UTC()
	limit := db.RiskLimit{
		ID: "lim-metrics", ClientID: "client-a",
		MaxNotional: 1_000_000, MaxOrderSize: 100, TradingHours: "00:00-23:59",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := ts.db.InsertRiskLimit(ctx, limit); err != nil {
		t.Fatalf("Failed to insert limit: %v", err)
	}
	if w := ts.do(t, http.MethodPost, "/orders", orderBody(150), nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w := ts.do(t, http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap map[string]float64
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to decode metrics: %v", err)
	}
	if snap[monitor.CounterOrdersTotal] != 1 {
		t.Errorf("expected orders_total 1 (accepted only), got %v", snap[monitor.CounterOrdersTotal])
	}
	if snap[monitor.CounterOrdersRejected] != 1 {
		t.Errorf("expected orders_rejected 1, got %v", snap[monitor.CounterOrdersRejected])
	}
	if snap[monitor.RiskRejectCounter(risk.ReasonSizeLimit)] != 1 {
		t.Errorf("expected risk_rejects:%s 1, got %v",
			risk.ReasonSizeLimit, snap[monitor.RiskRejectCounter(risk.ReasonSizeLimit)])
	}
	// The two POSTs are recorded by the time the snapshot is taken; the
	// /metrics request itself is only counted once its handler returns.
	if snap[monitor.CounterAPIRequests] < 2 {
		t.Errorf("expected api_requests_total >= 2, got %v", snap[monitor.CounterAPIRequests])
	}
	if snap[monitor.CounterAPIErrors] < 1 {
		t.Errorf("expected api_errors_total >= 1, got %v", snap[monitor.CounterAPIErrors])
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	t.Run("missing token rejected", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/admin/reconcile/internal", nil, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("bad token rejected", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/admin/reconcile/internal", nil,
			map[string]string{"Authorization": "Bearer nonsense"})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("valid token accepted", func(t *testing.T) {
		token, err := GenerateAdminToken("ops", testSecret, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("Failed to generate token: %v", err)
		}
		w := ts.do(t, http.MethodGet, "/admin/reconcile/internal", nil,
			map[string]string{"Authorization": "Bearer " + token})
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
	})
}

func TestAdminRiskLimitCRUD(t *testing.T) {
	ts := newTestServer(t)
	token, err := GenerateAdminToken("ops", testSecret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	auth := map[string]string{"Authorization": "Bearer " + token}

	body := map[string]any{
		"client_id":      "client-a",
		"max_notional":   500000,
		"max_order_size": 100,
		"trading_hours":  "09:30-16:00",
	}
	w := ts.do(t, http.MethodPost, "/admin/risk-limits", body, auth)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/admin/risk-limits?clientId=client-a", nil, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var limits []db.RiskLimit
	if err := json.Unmarshal(w.Body.Bytes(), &limits); err != nil {
		t.Fatalf("Failed to decode limits: %v", err)
	}
	if len(limits) != 1 {
		t.Fatalf("expected 1 limit, got %d", len(limits))
	}

	body["blocked"] = true
	w = ts.do(t, http.MethodPut, "/admin/risk-limits/"+limits[0].ID, body, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The updated limit now blocks submissions.
	w = ts.do(t, http.MethodPost, "/orders", orderBody(10), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["reason"] != risk.ReasonBlocked {
		t.Errorf("expected %s, got %v", risk.ReasonBlocked, resp["reason"])
	}

	w = ts.do(t, http.MethodPut, "/admin/risk-limits/unknown", body, auth)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown limit, got %d", w.Code)
	}
}

func TestAdminDeleteOrder(t *testing.T) {
	ts := newTestServer(t)
	token, err := GenerateAdminToken("ops", testSecret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	auth := map[string]string{"Authorization": "Bearer " + token}

	w := ts.do(t, http.MethodPost, "/orders", orderBody(10), nil)
	var created map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	id := created["id"].(string)

	w = ts.do(t, http.MethodDelete, "/admin/orders/"+id, nil, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodGet, "/orders/"+id, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
}
