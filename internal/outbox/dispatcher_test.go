package outbox

import (
	"context"
	"testing"
	"time"

	"oms-core/internal/events"
	"oms-core/internal/monitor"
	"oms-core/internal/oms"
	"oms-core/pkg/db"
	"oms-core/pkg/venue"
)

type fixture struct {
	db         *db.Database
	orders     *oms.Service
	sim        *venue.SimVenue
	metrics    *monitor.Metrics
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	bus := events.NewBus()
	orders := oms.NewService(database, bus)
	sim := venue.NewSimVenue(false)
	metrics := monitor.NewMetrics()
	d := NewDispatcher(database, orders, sim, metrics, bus, Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  10 * time.Millisecond,
	})
	return &fixture{db: database, orders: orders, sim: sim, metrics: metrics, dispatcher: d}
}

func (f *fixture) createOrder(t *testing.T) *db.Order {
	t.Helper()
	px := 1.10
	o, err := f.orders.Create(context.Background(), oms.CreateParams{
		ClientID: "client-a",
		Symbol:   "EURUSD",
		Side:     oms.SideBuy,
		Type:     oms.TypeLimit,
		Qty:      10,
		Price:    &px,
	})
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	return o
}

func (f *fixture) pendingCount(t *testing.T) int {
	t.Helper()
	evs, err := f.db.ListPendingDispatchEvents(context.Background(), time.Now().UTC().Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("Failed to list pending events: %v", err)
	}
	return len(evs)
}

func TestSendDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	if err := f.dispatcher.EnqueueSend(ctx, o.ID); err != nil {
		t.Fatalf("Failed to enqueue send: %v", err)
	}
	if err := f.dispatcher.ProcessOnce(ctx); err != nil {
		t.Fatalf("Failed to process batch: %v", err)
	}

	sent := f.sim.SentOrders()
	if len(sent) != 1 {
		t.Fatalf("expected 1 outbound order, got %d", len(sent))
	}
	if sent[0].OrderRef != o.ID || sent[0].Qty != 10 {
		t.Errorf("outbound message mismatch: %+v", sent[0])
	}
	if n := f.pendingCount(t); n != 0 {
		t.Errorf("expected no pending events, got %d", n)
	}
	if got := f.metrics.Get(monitor.CounterOrdersDispatched); got != 1 {
		t.Errorf("expected orders_dispatched 1, got %d", got)
	}
}

func TestSendRedeliveryIsSuppressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	if err := f.dispatcher.EnqueueSend(ctx, o.ID); err != nil {
		t.Fatalf("Failed to enqueue send: %v", err)
	}
	if err := f.dispatcher.ProcessOnce(ctx); err != nil {
		t.Fatalf("Failed to process batch: %v", err)
	}

	// Simulate a fill arriving, then a crash-redelivery of the same SEND:
	// the row is re-inserted and the worker must not re-send the order.
	if _, err := f.orders.ApplyFill(ctx, o.ID, 10, 1.10, "exec-1"); err != nil {
		t.Fatalf("Failed to apply fill: %v", err)
	}
	if _, err := f.db.DB.Exec(`UPDATE dispatch_events SET status = 'PENDING' WHERE order_id = ?`, o.ID); err != nil {
		t.Fatalf("Failed to reset event: %v", err)
	}
	if err := f.dispatcher.ProcessOnce(ctx); err != nil {
		t.Fatalf("Failed to process batch: %v", err)
	}

	if sent := f.sim.SentOrders(); len(sent) != 1 {
		t.Fatalf("expected exactly 1 outbound order after redelivery, got %d", len(sent))
	}
	if got := f.metrics.Get(monitor.CounterDispatchSuppressed); got != 1 {
		t.Errorf("expected dispatch_suppressed 1, got %d", got)
	}
}

func TestEnqueueSendIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	if err := f.dispatcher.EnqueueSend(ctx, o.ID); err != nil {
		t.Fatalf("Failed to enqueue send: %v", err)
	}
	if err := f.dispatcher.EnqueueSend(ctx, o.ID); err != nil {
		t.Fatalf("Failed to re-enqueue send: %v", err)
	}
	if n := f.pendingCount(t); n != 1 {
		t.Errorf("expected 1 pending event, got %d", n)
	}
}

func TestTransportFailureRetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	f.sim.FailNextSends(1)
	if err := f.dispatcher.EnqueueSend(ctx, o.ID); err != nil {
		t.Fatalf("Failed to enqueue send: %v", err)
	}
	if err := f.dispatcher.ProcessOnce(ctx); err != nil {
		t.Fatalf("Failed to process batch: %v", err)
	}

	// Event stays pending with an attempt recorded; order untouched.
	if n := f.pendingCount(t); n != 1 {
		t.Fatalf("expected event still pending, got %d", n)
	}
	got, err := f.orders.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Failed to get order: %v", err)
	}
	if got.Status != oms.StatusNew {
		t.Errorf("transport failure changed order status to %s", got.Status)
	}
	if f.metrics.Get(monitor.CounterDispatchRetries) != 1 {
		t.Errorf("expected dispatch_retries 1, got %d", f.metrics.Get(monitor.CounterDispatchRetries))
	}

	// After the backoff elapses the retry succeeds.
	time.Sleep(5 * time.Millisecond)
	if err := f.dispatcher.ProcessOnce(ctx); err != nil {
		t.Fatalf("Failed to process retry: %v", err)
	}
	if sent := f.sim.SentOrders(); len(sent) != 1 {
		t.Errorf("expected 1 outbound order after retry, got %d", len(sent))
	}
}

func TestExhaustedAttemptsMarkEventFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	f.sim.FailNextSends(10)
	if err := f.dispatcher.EnqueueSend(ctx, o.ID); err != nil {
		t.Fatalf("Failed to enqueue send: %v", err)
	}
	for i := 0; i < 5; i++ {
		time.Sleep(12 * time.Millisecond)
		if err := f.dispatcher.ProcessOnce(ctx); err != nil {
			t.Fatalf("Failed to process batch: %v", err)
		}
	}

	if n := f.pendingCount(t); n != 0 {
		t.Errorf("expected no pending events after exhaustion, got %d", n)
	}
	if f.metrics.Get(monitor.CounterDispatchFailed) != 1 {
		t.Errorf("expected dispatch_failed 1, got %d", f.metrics.Get(monitor.CounterDispatchFailed))
	}

	var status string
	if err := f.db.DB.QueryRow(`SELECT status FROM dispatch_events WHERE order_id = ?`, o.ID).Scan(&status); err != nil {
		t.Fatalf("Failed to read event status: %v", err)
	}
	if status != db.DispatchFailed {
		t.Errorf("expected event FAILED, got %s", status)
	}
}

func TestVenueRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	f.sim.RejectOrders("DUPLICATE_ORDER")
	if err := f.dispatcher.EnqueueSend(ctx, o.ID); err != nil {
		t.Fatalf("Failed to enqueue send: %v", err)
	}
	if err := f.dispatcher.ProcessOnce(ctx); err != nil {
		t.Fatalf("Failed to process batch: %v", err)
	}

	got, err := f.orders.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Failed to get order: %v", err)
	}
	if got.Status != oms.StatusRejected {
		t.Errorf("expected REJECTED, got %s", got.Status)
	}
	if got.RejectReason != "DUPLICATE_ORDER" {
		t.Errorf("expected reject reason recorded, got %q", got.RejectReason)
	}
	if n := f.pendingCount(t); n != 0 {
		t.Errorf("expected no pending events after reject, got %d", n)
	}

	// The reject is not retried even if processing runs again.
	f.sim.RejectOrders("")
	if err := f.dispatcher.ProcessOnce(ctx); err != nil {
		t.Fatalf("Failed to process batch: %v", err)
	}
	if sent := f.sim.SentOrders(); len(sent) != 0 {
		t.Errorf("rejected order was re-sent: %d messages", len(sent))
	}
}

func TestCancelDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	if err := f.dispatcher.EnqueueCancel(ctx, o.ID); err != nil {
		t.Fatalf("Failed to enqueue cancel: %v", err)
	}
	if err := f.dispatcher.ProcessOnce(ctx); err != nil {
		t.Fatalf("Failed to process batch: %v", err)
	}

	cancels := f.sim.CancelRequests()
	if len(cancels) != 1 || cancels[0].OrderRef != o.ID {
		t.Fatalf("expected 1 cancel for %s, got %+v", o.ID, cancels)
	}
}

func TestCancelForTerminalOrderIsSuppressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	if _, err := f.orders.ApplyFill(ctx, o.ID, 10, 1.10, "exec-1"); err != nil {
		t.Fatalf("Failed to fill order: %v", err)
	}
	if err := f.dispatcher.EnqueueCancel(ctx, o.ID); err != nil {
		t.Fatalf("Failed to enqueue cancel: %v", err)
	}
	if err := f.dispatcher.ProcessOnce(ctx); err != nil {
		t.Fatalf("Failed to process batch: %v", err)
	}

	if cancels := f.sim.CancelRequests(); len(cancels) != 0 {
		t.Errorf("cancel sent for terminal order: %+v", cancels)
	}
	if n := f.pendingCount(t); n != 0 {
		t.Errorf("expected suppressed event resolved, got %d pending", n)
	}
}

func TestEventsSurviveRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createOrder(t)

	if err := f.dispatcher.EnqueueSend(ctx, o.ID); err != nil {
		t.Fatalf("Failed to enqueue send: %v", err)
	}

	// A fresh dispatcher over the same database picks the event up.
	restarted := NewDispatcher(f.db, f.orders, f.sim, f.metrics, nil, Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  10 * time.Millisecond,
	})
	if err := restarted.ProcessOnce(ctx); err != nil {
		t.Fatalf("Failed to process batch: %v", err)
	}
	if sent := f.sim.SentOrders(); len(sent) != 1 {
		t.Errorf("expected 1 outbound order after restart, got %d", len(sent))
	}
}
