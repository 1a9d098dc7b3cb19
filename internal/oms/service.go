// Package oms owns the persisted order state machine. Orders are mutated
// only through this service; the dispatcher and reconciliation never touch
// rows directly.
package oms

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"oms-core/internal/events"
	"oms-core/pkg/db"
)

// Order sides, types, and statuses.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeMarket = "MARKET"
	TypeLimit  = "LIMIT"

	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelled       = "CANCELLED"
	StatusRejected        = "REJECTED"
)

// FillEpsilon is the tolerance for declaring an order FILLED when cumQty
// is a float close to qty. Chosen at 1e-9: far below any real fill
// increment, far above float64 accumulation noise.
const FillEpsilon = 1e-9

// casRetries bounds optimistic-concurrency retries per fill.
const casRetries = 3

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Service is the order store: creation, queries, fill application, and
// terminal transitions, with per-order serialization.
type Service struct {
	DB  *db.Database
	Bus *events.Bus

	locks *keyedMutex
}

// NewService creates the order store service.
func NewService(database *db.Database, bus *events.Bus) *Service {
	return &Service{
		DB:    database,
		Bus:   bus,
		locks: newKeyedMutex(),
	}
}

// CreateParams carries the attributes of an admitted order submission.
type CreateParams struct {
	ClientID    string
	Symbol      string
	Side        string
	Type        string
	Qty         float64
	Price       *float64
	TimeInForce string
}

// Create persists a new order in status NEW. The insert is the only write
// of its transaction and the transaction is committed before Create
// returns, so a dispatch event enqueued afterwards can never be observed
// ahead of the durable order row.
func (s *Service) Create(ctx context.Context, p CreateParams) (*db.Order, error) {
	now := time.Now().UTC()
	o := db.Order{
		ID:          uuid.NewString(),
		ClientID:    p.ClientID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		Type:        p.Type,
		Qty:         p.Qty,
		Price:       p.Price,
		TimeInForce: p.TimeInForce,
		Status:      StatusNew,
		CumQty:      0,
		AvgPx:       nil,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if o.TimeInForce == "" {
		o.TimeInForce = "GTC"
	}

	tx, err := s.DB.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create order: %w", err)
	}
	defer tx.Rollback()

	if err := s.DB.InsertOrderTx(ctx, tx, o); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create order: %w", err)
	}

	if s.Bus != nil {
		s.Bus.Publish(events.EventOrderAccepted, o)
	}
	return &o, nil
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id string) (*db.Order, error) {
	o, err := s.DB.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrNotFound
	}
	return o, nil
}

// List returns orders, optionally filtered by client and/or symbol.
func (s *Service) List(ctx context.Context, clientID, symbol string) ([]db.Order, error) {
	return s.DB.ListOrders(ctx, clientID, symbol)
}

// ApplyFill appends an execution and advances cumQty/avgPx, moving the
// order to PARTIALLY_FILLED or FILLED. Terminal orders and overfills are
// rejected with no state change.
func (s *Service) ApplyFill(ctx context.Context, id string, fillQty, fillPx float64, execID string) (*db.Order, error) {
	if fillQty <= 0 || fillPx <= 0 {
		return nil, fmt.Errorf("%w: qty=%v px=%v", ErrInvalidFill, fillQty, fillPx)
	}

	unlock := s.locks.lock(id)
	defer unlock()

	for attempt := 0; attempt < casRetries; attempt++ {
		o, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if IsTerminal(o.Status) {
			return nil, fmt.Errorf("apply fill to %s order %s: %w", o.Status, id, ErrTerminalState)
		}

		newCum := o.CumQty + fillQty
		if newCum > o.Qty+FillEpsilon {
			return nil, fmt.Errorf("fill %v on order %s (qty %v, cum %v): %w",
				fillQty, id, o.Qty, o.CumQty, ErrOverfill)
		}
		if newCum > o.Qty {
			newCum = o.Qty // absorb float noise inside the tolerance
		}

		// Running volume-weighted mean over all applied fills.
		prevAvg := 0.0
		if o.AvgPx != nil {
			prevAvg = *o.AvgPx
		}
		newAvg := (prevAvg*o.CumQty + fillPx*fillQty) / newCum

		status := StatusPartiallyFilled
		if newCum >= o.Qty-FillEpsilon {
			status = StatusFilled
		}

		tx, err := s.DB.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin apply fill: %w", err)
		}

		exec := db.Execution{
			ID:       uuid.NewString(),
			OrderID:  id,
			ExecID:   execID,
			ExecQty:  fillQty,
			ExecPx:   fillPx,
			ExecTime: time.Now().UTC(),
		}
		if err := s.DB.InsertExecutionTx(ctx, tx, exec); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("insert execution: %w", err)
		}

		ok, err := s.DB.UpdateOrderFillTx(ctx, tx, id, status, newCum, newAvg, o.Version)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("update order fill: %w", err)
		}
		if !ok {
			// Version moved underneath us; reload and retry.
			tx.Rollback()
			log.Printf("oms: fill version conflict on order %s (attempt %d)", id, attempt+1)
			continue
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit apply fill: %w", err)
		}

		updated := *o
		updated.Status = status
		updated.CumQty = newCum
		updated.AvgPx = &newAvg
		updated.Version = o.Version + 1
		updated.UpdatedAt = time.Now().UTC()

		if s.Bus != nil {
			if status == StatusFilled {
				s.Bus.Publish(events.EventOrderFilled, updated)
			} else {
				s.Bus.Publish(events.EventOrderPartiallyFilled, updated)
			}
		}
		return &updated, nil
	}

	return nil, fmt.Errorf("apply fill to order %s: %w", id, ErrConflict)
}

// MarkCancelled moves an order to CANCELLED; legal only from NEW or
// PARTIALLY_FILLED.
func (s *Service) MarkCancelled(ctx context.Context, id string) (*db.Order, error) {
	return s.transition(ctx, id, StatusCancelled, "")
}

// MarkRejected moves an order to REJECTED with the venue-supplied reason;
// legal only from NEW or PARTIALLY_FILLED.
func (s *Service) MarkRejected(ctx context.Context, id, reason string) (*db.Order, error) {
	return s.transition(ctx, id, StatusRejected, reason)
}

func (s *Service) transition(ctx context.Context, id, status, reason string) (*db.Order, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsTerminal(o.Status) {
		return nil, fmt.Errorf("transition %s order %s to %s: %w", o.Status, id, status, ErrTerminalState)
	}

	ok, err := s.DB.TransitionOrderStatus(ctx, id, status, reason)
	if err != nil {
		return nil, fmt.Errorf("transition order %s: %w", id, err)
	}
	if !ok {
		// Lost a race with another mutator that made the order terminal.
		return nil, fmt.Errorf("transition order %s to %s: %w", id, status, ErrTerminalState)
	}

	updated, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Bus != nil {
		switch status {
		case StatusCancelled:
			s.Bus.Publish(events.EventOrderCancelled, *updated)
		case StatusRejected:
			s.Bus.Publish(events.EventOrderRejected, *updated)
		}
	}
	return updated, nil
}

// Delete removes an order and its executions in one transaction.
func (s *Service) Delete(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	ok, err := s.DB.DeleteOrderCascade(ctx, id)
	if err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
