// Package risk implements the pre-trade admission gate: threshold and
// trading-window checks evaluated against a client's risk limit row.
package risk

import (
	"time"

	"github.com/google/uuid"

	"oms-core/pkg/db"
	"oms-core/pkg/refdata"
)

// Rejection reasons, in check order.
const (
	ReasonBlocked       = "BLOCKED"
	ReasonOutsideHours  = "OUTSIDE_TRADING_HOURS"
	ReasonSizeLimit     = "SIZE_LIMIT_EXCEEDED"
	ReasonNotionalLimit = "NOTIONAL_LIMIT_EXCEEDED"
)

// Intent is the subset of an order submission the gate evaluates.
type Intent struct {
	ClientID string
	Symbol   string
	Qty      float64
	Price    *float64 // nil for market orders
}

// Decision is the gate's verdict. Reason is set only when not allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

func accept() Decision              { return Decision{Allowed: true} }
func reject(reason string) Decision { return Decision{Reason: reason} }

// Permissive default bounds substituted when no limit row is configured.
const (
	defaultMaxNotional  = 1e12
	defaultMaxOrderSize = 1e9
	defaultTradingHours = "00:00-23:59"
)

// DefaultLimit returns the maximally permissive limit used when no row
// exists for a client/symbol pair. Admission never hard-fails merely
// because no limit has been configured.
func DefaultLimit(clientID string) db.RiskLimit {
	return db.RiskLimit{
		ID:           uuid.NewString(),
		ClientID:     clientID,
		Symbol:       nil,
		MaxNotional:  defaultMaxNotional,
		MaxOrderSize: defaultMaxOrderSize,
		TradingHours: defaultTradingHours,
		Blocked:      false,
	}
}

// Evaluate runs the admission checks in order; the first failure wins.
// Pure: no side effects, the caller records metrics and the reason tag.
func Evaluate(o Intent, limit db.RiskLimit, spec refdata.SymbolSpec, now time.Time) Decision {
	if limit.Blocked {
		return reject(ReasonBlocked)
	}

	if !withinWindow(limit.TradingHours, now) {
		return reject(ReasonOutsideHours)
	}

	if o.Qty > limit.MaxOrderSize {
		return reject(ReasonSizeLimit)
	}

	refPrice := spec.RefPrice
	if o.Price != nil && *o.Price > 0 {
		refPrice = *o.Price
	}
	if o.Qty*refPrice > limit.MaxNotional {
		return reject(ReasonNotionalLimit)
	}

	return accept()
}
