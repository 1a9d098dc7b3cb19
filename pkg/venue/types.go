// Package venue defines the protocol boundary to the external execution
// venue: outbound order messages, inbound reports, the session contract,
// and the error taxonomy used by the dispatch worker.
package venue

import "context"

// NewOrder is the outbound new-order message. OrderRef is the venue-facing
// order reference (the internal order id).
type NewOrder struct {
	OrderRef    string  `json:"order_ref"`
	ClientID    string  `json:"client_id"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Type        string  `json:"type"`
	Qty         float64 `json:"qty"`
	Price       float64 `json:"price,omitempty"`
	TimeInForce string  `json:"time_in_force"`
}

// CancelRequest is the outbound cancel message for a previously sent order.
type CancelRequest struct {
	OrderRef string `json:"order_ref"`
}

// ExecutionReport is an inbound fill notification. The session may
// redeliver reports; ExecID keys deduplication downstream.
type ExecutionReport struct {
	OrderRef string  `json:"order_ref"`
	ExecID   string  `json:"exec_id"`
	FillQty  float64 `json:"fill_qty"`
	FillPx   float64 `json:"fill_px"`
	Seq      uint64  `json:"seq"`
}

// CancelAck is an inbound acknowledgement that the venue cancelled an order.
type CancelAck struct {
	OrderRef string `json:"order_ref"`
	Seq      uint64 `json:"seq"`
}

// OrderReject is an inbound hard venue-level rejection of an order.
type OrderReject struct {
	OrderRef string `json:"order_ref"`
	Reason   string `json:"reason"`
	Seq      uint64 `json:"seq"`
}

// Inbound is implemented by every message the session can deliver.
type Inbound interface {
	isInbound()
}

func (ExecutionReport) isInbound() {}
func (CancelAck) isInbound()       {}
func (OrderReject) isInbound()     {}

// Session is a stateful, sequence-numbered connection to the venue.
// Implementations maintain heartbeats and outbound sequence numbers;
// send calls honor the context deadline.
type Session interface {
	// Start establishes the session and begins heartbeating and reading.
	Start(ctx context.Context) error
	// Stop tears the session down; the Inbound channel is closed.
	Stop() error
	// SendNewOrder emits a new-order message. A synchronous venue refusal
	// surfaces as *RejectError, transport trouble as *TransportError.
	SendNewOrder(ctx context.Context, msg NewOrder) error
	// SendCancel emits a cancel-request message.
	SendCancel(ctx context.Context, msg CancelRequest) error
	// Inbound delivers execution reports, cancel acks, and rejects.
	Inbound() <-chan Inbound
}
