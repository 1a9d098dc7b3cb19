package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const orderColumns = `id, client_id, symbol, side, type, qty, price, time_in_force,
	status, cum_qty, avg_px, COALESCE(reject_reason, ''), version, created_at, updated_at`

// InsertOrderTx inserts a new order row inside the given transaction.
// The caller commits; no dispatch event may reference the order before that.
func (d *Database) InsertOrderTx(ctx context.Context, tx *sql.Tx, o Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, client_id, symbol, side, type, qty, price, time_in_force,
			status, cum_qty, avg_px, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.ClientID, o.Symbol, o.Side, o.Type, o.Qty, o.Price, o.TimeInForce,
		o.Status, o.CumQty, o.AvgPx, o.Version, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

// GetOrder returns an order by id, or nil when it does not exist.
func (d *Database) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

// ListOrders returns orders, optionally filtered by client and/or symbol.
func (d *Database) ListOrders(ctx context.Context, clientID, symbol string) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var (
		conds []string
		args  []any
	)
	if clientID != "" {
		conds = append(conds, "client_id = ?")
		args = append(args, clientID)
	}
	if symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, symbol)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *o)
	}
	return res, rows.Err()
}

// UpdateOrderFillTx applies a fill result to an order with a version check.
// Returns false when the version no longer matches (concurrent mutation).
func (d *Database) UpdateOrderFillTx(ctx context.Context, tx *sql.Tx, id, status string, cumQty, avgPx float64, version int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, cum_qty = ?, avg_px = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, status, cumQty, avgPx, time.Now().UTC(), id, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TransitionOrderStatus moves an order to a terminal status, but only from
// NEW or PARTIALLY_FILLED. Returns false when the order was already terminal.
func (d *Database) TransitionOrderStatus(ctx context.Context, id, status, reason string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, reject_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status IN ('NEW', 'PARTIALLY_FILLED')
	`, status, reason, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteOrderCascade removes an order and its executions in one transaction.
// Returns false when the order does not exist.
func (d *Database) DeleteOrderCascade(ctx context.Context, id string) (bool, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete order: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE order_id = ?`, id); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dispatch_events WHERE order_id = ?`, id); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.ClientID, &o.Symbol, &o.Side, &o.Type, &o.Qty, &o.Price, &o.TimeInForce,
		&o.Status, &o.CumQty, &o.AvgPx, &o.RejectReason, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
