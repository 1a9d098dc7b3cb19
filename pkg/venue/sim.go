package venue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// SimVenue is an in-process venue used for dry-run mode and tests. It
// implements the same Session contract as the websocket session: recorded
// sends, optional auto-fills, and injectable transport/protocol failures.
type SimVenue struct {
	mu           sync.Mutex
	sent         []NewOrder
	cancels      []CancelRequest
	autoFill     bool
	autoCancel   bool
	failSends    int
	rejectReason string

	seq     atomic.Uint64
	inbound chan Inbound
	stopped sync.Once
}

// NewSimVenue builds a simulator. With autoFill the venue immediately
// emits a full-fill execution report for every accepted order; with
// autoCancel every cancel request is acknowledged.
func NewSimVenue(autoFill bool) *SimVenue {
	return &SimVenue{
		autoFill:   autoFill,
		autoCancel: true,
		inbound:    make(chan Inbound, 256),
	}
}

// Start is a no-op; the simulator is always connected.
func (v *SimVenue) Start(ctx context.Context) error { return nil }

// Stop closes the inbound channel.
func (v *SimVenue) Stop() error {
	v.stopped.Do(func() { close(v.inbound) })
	return nil
}

// Inbound delivers simulated venue messages.
func (v *SimVenue) Inbound() <-chan Inbound { return v.inbound }

// FailNextSends makes the next n sends fail with a transport error.
func (v *SimVenue) FailNextSends(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failSends = n
}

// RejectOrders makes every subsequent new-order attempt fail with a hard
// venue rejection carrying reason. Pass "" to accept orders again.
func (v *SimVenue) RejectOrders(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectReason = reason
}

// SetAutoCancel toggles automatic cancel acknowledgements.
func (v *SimVenue) SetAutoCancel(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.autoCancel = on
}

// SendNewOrder records the message and, depending on configuration,
// auto-fills or refuses it.
func (v *SimVenue) SendNewOrder(ctx context.Context, msg NewOrder) error {
	v.mu.Lock()
	if v.failSends > 0 {
		v.failSends--
		v.mu.Unlock()
		return &TransportError{Op: "new_order", Err: fmt.Errorf("simulated disconnect")}
	}
	if v.rejectReason != "" {
		reason := v.rejectReason
		v.mu.Unlock()
		return &RejectError{OrderRef: msg.OrderRef, Reason: reason}
	}
	v.sent = append(v.sent, msg)
	autoFill := v.autoFill
	v.mu.Unlock()

	if autoFill {
		px := msg.Price
		if px <= 0 {
			px = 100.0 // simulator market price for market orders
		}
		v.Emit(ExecutionReport{
			OrderRef: msg.OrderRef,
			ExecID:   uuid.NewString(),
			FillQty:  msg.Qty,
			FillPx:   px,
		})
	}
	return nil
}

// SendCancel records the message and acknowledges it when auto-cancel is on.
func (v *SimVenue) SendCancel(ctx context.Context, msg CancelRequest) error {
	v.mu.Lock()
	if v.failSends > 0 {
		v.failSends--
		v.mu.Unlock()
		return &TransportError{Op: "cancel_request", Err: fmt.Errorf("simulated disconnect")}
	}
	v.cancels = append(v.cancels, msg)
	autoCancel := v.autoCancel
	v.mu.Unlock()

	if autoCancel {
		v.Emit(CancelAck{OrderRef: msg.OrderRef})
	}
	return nil
}

// Emit pushes an inbound message, stamping the session sequence number.
func (v *SimVenue) Emit(msg Inbound) {
	seq := v.seq.Add(1)
	switch m := msg.(type) {
	case ExecutionReport:
		m.Seq = seq
		v.inbound <- m
	case CancelAck:
		m.Seq = seq
		v.inbound <- m
	case OrderReject:
		m.Seq = seq
		v.inbound <- m
	}
}

// SentOrders returns a snapshot of accepted new-order messages.
func (v *SimVenue) SentOrders() []NewOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]NewOrder, len(v.sent))
	copy(out, v.sent)
	return out
}

// CancelRequests returns a snapshot of accepted cancel messages.
func (v *SimVenue) CancelRequests() []CancelRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]CancelRequest, len(v.cancels))
	copy(out, v.cancels)
	return out
}
