package db

import "time"

// Order represents an order row. Orders are owned by the order store and
// must only be mutated through its operations.
type Order struct {
	ID           string
	ClientID     string
	Symbol       string
	Side         string
	Type         string
	Qty          float64
	Price        *float64 // nil for market orders
	TimeInForce  string
	Status       string
	CumQty       float64
	AvgPx        *float64 // defined only once CumQty > 0
	RejectReason string
	Version      int64 // optimistic concurrency token
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Execution represents an immutable fill applied to an order.
type Execution struct {
	ID       string
	OrderID  string
	ExecID   string // venue-supplied execution identifier, "" when absent
	ExecQty  float64
	ExecPx   float64
	ExecTime time.Time
}

// RiskLimit represents a pre-trade limit row. A row with Symbol == nil
// applies to all of the client's symbols; a symbol-specific row wins.
type RiskLimit struct {
	ID           string
	ClientID     string
	Symbol       *string
	MaxNotional  float64
	MaxOrderSize float64
	TradingHours string // "HH:MM-HH:MM", same-day window
	Blocked      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Dispatch event types and statuses.
const (
	DispatchSend   = "SEND"
	DispatchCancel = "CANCEL"

	DispatchPending = "PENDING"
	DispatchDone    = "DONE"
	DispatchFailed  = "FAILED"
)

// DispatchEvent is a durable outbox entry bridging the transactional order
// path and the venue session worker.
type DispatchEvent struct {
	ID            int64
	OrderID       string
	EventType     string
	Status        string
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
