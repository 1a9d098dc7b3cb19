// Package ingest consumes inbound venue messages: execution reports are
// deduplicated by exec id and applied to orders, cancel acks and rejects
// drive terminal transitions. Bad messages are logged and counted, never
// fatal; the venue already holds the truth and reconciliation catches up.
package ingest

import (
	"context"
	"errors"
	"log"
	"sync"

	"oms-core/internal/events"
	"oms-core/internal/monitor"
	"oms-core/internal/oms"
	"oms-core/pkg/db"
	"oms-core/pkg/venue"
)

// Ingestor applies inbound venue traffic to the order store.
type Ingestor struct {
	Orders  *oms.Service
	Metrics *monitor.Metrics
	Bus     *events.Bus

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewIngestor creates an ingestor seeded with the exec ids already
// persisted, so redeliveries across restarts are still deduplicated.
func NewIngestor(ctx context.Context, database *db.Database, orders *oms.Service,
	metrics *monitor.Metrics, bus *events.Bus) (*Ingestor, error) {
	ids, err := database.ListExecIDs(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return &Ingestor{
		Orders:  orders,
		Metrics: metrics,
		Bus:     bus,
		seen:    seen,
	}, nil
}

// Run drains the session's inbound channel until it closes or ctx ends.
func (in *Ingestor) Run(ctx context.Context, inbound <-chan venue.Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			in.Handle(ctx, msg)
		}
	}
}

// Handle routes one inbound message.
func (in *Ingestor) Handle(ctx context.Context, msg venue.Inbound) {
	switch m := msg.(type) {
	case venue.ExecutionReport:
		in.HandleExecution(ctx, m)
	case venue.CancelAck:
		in.HandleCancelAck(ctx, m)
	case venue.OrderReject:
		in.HandleReject(ctx, m)
	default:
		log.Printf("ingest: unhandled inbound message %T", msg)
	}
}

// HandleExecution applies a fill. Reports with a previously seen exec id
// are dropped; the dedup set is marked only after the fill commits so a
// failed apply can be retried on redelivery.
func (in *Ingestor) HandleExecution(ctx context.Context, m venue.ExecutionReport) {
	if m.ExecID != "" && in.isDuplicate(m.ExecID) {
		if in.Metrics != nil {
			in.Metrics.Inc(monitor.CounterExecutionsDuplicate)
		}
		log.Printf("ingest: duplicate execution %s for order %s dropped", m.ExecID, m.OrderRef)
		return
	}

	o, err := in.Orders.ApplyFill(ctx, m.OrderRef, m.FillQty, m.FillPx, m.ExecID)
	if err != nil {
		switch {
		case errors.Is(err, oms.ErrTerminalState), errors.Is(err, oms.ErrOverfill):
			if in.Metrics != nil {
				in.Metrics.Inc(monitor.CounterInvalidTransitions)
			}
			log.Printf("ingest: execution %s for order %s not applied: %v", m.ExecID, m.OrderRef, err)
			// The venue state disagrees with ours; mark seen so the same
			// report does not spin, and let reconciliation surface the drift.
			in.markSeen(m.ExecID)
		case errors.Is(err, oms.ErrNotFound):
			log.Printf("ingest: execution %s for unknown order %s", m.ExecID, m.OrderRef)
		default:
			log.Printf("ingest: apply execution %s for order %s: %v", m.ExecID, m.OrderRef, err)
		}
		return
	}

	in.markSeen(m.ExecID)
	if in.Metrics != nil {
		in.Metrics.Inc(monitor.CounterExecutionsApplied)
	}
	if in.Bus != nil {
		in.Bus.Publish(events.EventPositionChange, events.PositionChange{
			ClientID: o.ClientID,
			Symbol:   o.Symbol,
			Side:     o.Side,
			FillQty:  m.FillQty,
			FillPx:   m.FillPx,
		})
	}
}

// HandleCancelAck moves the order to CANCELLED. An ack for an order that
// already filled is logged and dropped.
func (in *Ingestor) HandleCancelAck(ctx context.Context, m venue.CancelAck) {
	if _, err := in.Orders.MarkCancelled(ctx, m.OrderRef); err != nil {
		if errors.Is(err, oms.ErrTerminalState) {
			if in.Metrics != nil {
				in.Metrics.Inc(monitor.CounterInvalidTransitions)
			}
			log.Printf("ingest: cancel ack for terminal order %s dropped", m.OrderRef)
			return
		}
		log.Printf("ingest: cancel ack for order %s: %v", m.OrderRef, err)
		return
	}
	if in.Metrics != nil {
		in.Metrics.Inc(monitor.CounterOrdersCancelled)
	}
}

// HandleReject moves the order to REJECTED with the venue's reason.
func (in *Ingestor) HandleReject(ctx context.Context, m venue.OrderReject) {
	if _, err := in.Orders.MarkRejected(ctx, m.OrderRef, m.Reason); err != nil {
		if errors.Is(err, oms.ErrTerminalState) {
			if in.Metrics != nil {
				in.Metrics.Inc(monitor.CounterInvalidTransitions)
			}
			log.Printf("ingest: reject for terminal order %s dropped", m.OrderRef)
			return
		}
		log.Printf("ingest: reject for order %s: %v", m.OrderRef, err)
	}
}

func (in *Ingestor) isDuplicate(execID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.seen[execID]
	return ok
}

func (in *Ingestor) markSeen(execID string) {
	if execID == "" {
		return
	}
	in.mu.Lock()
	in.seen[execID] = struct{}{}
	in.mu.Unlock()
}
