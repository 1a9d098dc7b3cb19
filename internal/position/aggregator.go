// Package position derives net client positions from execution history.
// Positions are always recomputed from executions, never stored, so they
// cannot drift from the fills that produced them.
package position

import (
	"context"
	"sort"

	"oms-core/pkg/db"
)

// Position is a client's net exposure in one symbol. NetQty is signed:
// buys add, sells subtract. AvgPx is the volume-weighted price over all
// executions regardless of side. UnrealizedPnl is reported but not yet
// computed; it needs a market data feed this service does not have.
type Position struct {
	ClientID      string  `json:"client_id"`
	Symbol        string  `json:"symbol"`
	NetQty        float64 `json:"net_qty"`
	AvgPx         float64 `json:"avg_px"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// Aggregator computes positions from the execution log.
type Aggregator struct {
	DB *db.Database
}

// NewAggregator creates the position aggregator.
func NewAggregator(database *db.Database) *Aggregator {
	return &Aggregator{DB: database}
}

// ByClient returns one position per symbol the client has traded, sorted
// by symbol. Symbols whose volume nets to zero are still reported so the
// caller sees closed positions.
func (a *Aggregator) ByClient(ctx context.Context, clientID string) ([]Position, error) {
	execs, err := a.DB.ListClientExecutions(ctx, clientID)
	if err != nil {
		return nil, err
	}

	type acc struct {
		netQty   float64
		volume   float64
		notional float64
	}
	perSymbol := make(map[string]*acc)
	for _, e := range execs {
		s, ok := perSymbol[e.Symbol]
		if !ok {
			s = &acc{}
			perSymbol[e.Symbol] = s
		}
		if e.Side == "SELL" {
			s.netQty -= e.ExecQty
		} else {
			s.netQty += e.ExecQty
		}
		s.volume += e.ExecQty
		s.notional += e.ExecQty * e.ExecPx
	}

	out := make([]Position, 0, len(perSymbol))
	for symbol, s := range perSymbol {
		p := Position{ClientID: clientID, Symbol: symbol, NetQty: s.netQty}
		if s.volume > 0 {
			p.AvgPx = s.notional / s.volume
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
