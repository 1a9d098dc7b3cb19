// Package outbox implements durable send/cancel dispatch. Every outbound
// venue message is first recorded as a dispatch event row; a single worker
// drains due rows, talks to the venue session, and resolves each row to
// DONE or FAILED. Delivery is at-least-once, so handlers re-check order
// state before sending.
package outbox

import (
	"context"
	"log"
	"sync"
	"time"

	"oms-core/internal/events"
	"oms-core/internal/monitor"
	"oms-core/internal/oms"
	"oms-core/pkg/db"
	"oms-core/pkg/venue"
)

// Options tunes the dispatch worker.
type Options struct {
	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	SendTimeout  time.Duration
	BatchSize    int
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 250 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
}

// Dispatcher is the outbox worker. Enqueue methods are called from the
// request path after the order row is committed; the worker goroutine
// owns all venue sends.
type Dispatcher struct {
	DB      *db.Database
	Orders  *oms.Service
	Session venue.Session
	Metrics *monitor.Metrics
	Bus     *events.Bus

	opts Options

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewDispatcher creates the dispatch worker. Start must be called before
// events are processed; Enqueue* may be called at any time.
func NewDispatcher(database *db.Database, orders *oms.Service, session venue.Session,
	metrics *monitor.Metrics, bus *events.Bus, opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		DB:      database,
		Orders:  orders,
		Session: session,
		Metrics: metrics,
		Bus:     bus,
		opts:    opts,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// EnqueueSend records a durable SEND event for an order and nudges the
// worker. The order row must already be committed.
func (d *Dispatcher) EnqueueSend(ctx context.Context, orderID string) error {
	if err := d.DB.InsertDispatchEvent(ctx, orderID, db.DispatchSend); err != nil {
		return err
	}
	d.nudge()
	return nil
}

// EnqueueCancel records a durable CANCEL event for an order and nudges the
// worker.
func (d *Dispatcher) EnqueueCancel(ctx context.Context, orderID string) error {
	if err := d.DB.InsertDispatchEvent(ctx, orderID, db.DispatchCancel); err != nil {
		return err
	}
	d.nudge()
	return nil
}

func (d *Dispatcher) nudge() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start launches the worker loop. It drains due events on every poll tick
// and whenever an enqueue nudges it.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.opts.PollInterval)
		defer ticker.Stop()

		log.Printf("outbox: dispatch worker started (poll %s, max attempts %d)",
			d.opts.PollInterval, d.opts.MaxAttempts)

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
			case <-d.wake:
			}
			if err := d.ProcessOnce(ctx); err != nil {
				log.Printf("outbox: process batch: %v", err)
			}
		}
	}()
}

// Stop terminates the worker and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// ProcessOnce drains one batch of due events. Exposed so tests and the
// worker loop share the same path.
func (d *Dispatcher) ProcessOnce(ctx context.Context) error {
	pending, err := d.DB.ListPendingDispatchEvents(ctx, time.Now().UTC(), d.opts.BatchSize)
	if err != nil {
		return err
	}
	for _, ev := range pending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		d.process(ctx, ev)
	}
	return nil
}

func (d *Dispatcher) process(ctx context.Context, ev db.DispatchEvent) {
	var err error
	switch ev.EventType {
	case db.DispatchSend:
		err = d.handleSend(ctx, ev)
	case db.DispatchCancel:
		err = d.handleCancel(ctx, ev)
	default:
		log.Printf("outbox: unknown event type %q on event %d", ev.EventType, ev.ID)
		d.markDone(ctx, ev.ID, "unknown event type")
		return
	}
	if err != nil {
		d.resolveFailure(ctx, ev, err)
	}
}

// handleSend delivers a NEW order to the venue. Redelivered events for
// orders that already progressed past NEW are suppressed so at-least-once
// delivery never re-sends an order.
func (d *Dispatcher) handleSend(ctx context.Context, ev db.DispatchEvent) error {
	o, err := d.Orders.Get(ctx, ev.OrderID)
	if err == oms.ErrNotFound {
		d.markDone(ctx, ev.ID, "order deleted")
		return nil
	}
	if err != nil {
		return err
	}
	if o.Status != oms.StatusNew || o.CumQty > 0 {
		if d.Metrics != nil {
			d.Metrics.Inc(monitor.CounterDispatchSuppressed)
		}
		log.Printf("outbox: suppressing SEND for order %s in status %s", o.ID, o.Status)
		d.markDone(ctx, ev.ID, "suppressed: order past NEW")
		return nil
	}

	msg := venue.NewOrder{
		OrderRef:    o.ID,
		ClientID:    o.ClientID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Type:        o.Type,
		Qty:         o.Qty,
		TimeInForce: o.TimeInForce,
	}
	if o.Price != nil {
		msg.Price = *o.Price
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	start := time.Now()
	if err := d.Session.SendNewOrder(sendCtx, msg); err != nil {
		return err
	}
	if d.Metrics != nil {
		d.Metrics.DispatchLatency.RecordDuration(time.Since(start))
		d.Metrics.Inc(monitor.CounterOrdersDispatched)
	}
	if d.Bus != nil {
		d.Bus.Publish(events.EventOrderDispatched, *o)
	}
	d.markDone(ctx, ev.ID, "")
	return nil
}

// handleCancel delivers a cancel request. Terminal orders no longer need
// one, so redeliveries resolve quietly.
func (d *Dispatcher) handleCancel(ctx context.Context, ev db.DispatchEvent) error {
	o, err := d.Orders.Get(ctx, ev.OrderID)
	if err == oms.ErrNotFound {
		d.markDone(ctx, ev.ID, "order deleted")
		return nil
	}
	if err != nil {
		return err
	}
	if oms.IsTerminal(o.Status) {
		if d.Metrics != nil {
			d.Metrics.Inc(monitor.CounterDispatchSuppressed)
		}
		d.markDone(ctx, ev.ID, "suppressed: order already terminal")
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	start := time.Now()
	if err := d.Session.SendCancel(sendCtx, venue.CancelRequest{OrderRef: o.ID}); err != nil {
		return err
	}
	if d.Metrics != nil {
		d.Metrics.DispatchLatency.RecordDuration(time.Since(start))
	}
	d.markDone(ctx, ev.ID, "")
	return nil
}

// resolveFailure routes a send error: a venue rejection is terminal for
// both the order and the event; transport trouble reschedules with
// exponential backoff until the attempt budget runs out.
func (d *Dispatcher) resolveFailure(ctx context.Context, ev db.DispatchEvent, sendErr error) {
	if rej, ok := venue.AsReject(sendErr); ok {
		log.Printf("outbox: venue rejected order %s: %s", ev.OrderID, rej.Reason)
		if _, err := d.Orders.MarkRejected(ctx, ev.OrderID, rej.Reason); err != nil && err != oms.ErrTerminalState {
			log.Printf("outbox: mark order %s rejected: %v", ev.OrderID, err)
		}
		d.markDone(ctx, ev.ID, rej.Error())
		return
	}

	attempts := ev.Attempts + 1
	if attempts >= d.opts.MaxAttempts {
		log.Printf("outbox: event %d (%s %s) failed after %d attempts: %v",
			ev.ID, ev.EventType, ev.OrderID, attempts, sendErr)
		if d.Metrics != nil {
			d.Metrics.Inc(monitor.CounterDispatchFailed)
		}
		if err := d.DB.MarkDispatchEvent(ctx, ev.ID, db.DispatchFailed, sendErr.Error()); err != nil {
			log.Printf("outbox: mark event %d failed: %v", ev.ID, err)
		}
		return
	}

	delay := d.backoff(attempts)
	if d.Metrics != nil {
		d.Metrics.Inc(monitor.CounterDispatchRetries)
	}
	if !venue.IsTransport(sendErr) {
		log.Printf("outbox: event %d unexpected error, retrying in %s: %v", ev.ID, delay, sendErr)
	}
	next := time.Now().UTC().Add(delay)
	if err := d.DB.RescheduleDispatchEvent(ctx, ev.ID, attempts, next, sendErr.Error()); err != nil {
		log.Printf("outbox: reschedule event %d: %v", ev.ID, err)
	}
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.opts.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.opts.BackoffMax {
			return d.opts.BackoffMax
		}
	}
	if delay > d.opts.BackoffMax {
		delay = d.opts.BackoffMax
	}
	return delay
}

func (d *Dispatcher) markDone(ctx context.Context, id int64, note string) {
	if err := d.DB.MarkDispatchEvent(ctx, id, db.DispatchDone, note); err != nil {
		log.Printf("outbox: mark event %d done: %v", id, err)
	}
}
