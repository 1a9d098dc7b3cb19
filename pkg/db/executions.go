package db

import (
	"context"
	"database/sql"
)

// InsertExecutionTx appends an execution row inside the given transaction.
func (d *Database) InsertExecutionTx(ctx context.Context, tx *sql.Tx, e Execution) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO executions (id, order_id, exec_id, exec_qty, exec_px, exec_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.OrderID, e.ExecID, e.ExecQty, e.ExecPx, e.ExecTime)
	return err
}

// ListExecutionsByOrder returns all executions of an order, oldest first.
func (d *Database) ListExecutionsByOrder(ctx context.Context, orderID string) ([]Execution, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, exec_id, exec_qty, exec_px, exec_time
		FROM executions WHERE order_id = ?
		ORDER BY exec_time ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.OrderID, &e.ExecID, &e.ExecQty, &e.ExecPx, &e.ExecTime); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListExecIDs returns every non-empty venue execution id. Used to seed
// the ingest deduplication set after a restart.
func (d *Database) ListExecIDs(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT exec_id FROM executions WHERE exec_id <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// ClientExecution is an execution joined with its order's side and symbol,
// the raw material for position aggregation.
type ClientExecution struct {
	Symbol  string
	Side    string
	ExecQty float64
	ExecPx  float64
}

// ListClientExecutions returns all executions belonging to a client's orders.
func (d *Database) ListClientExecutions(ctx context.Context, clientID string) ([]ClientExecution, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT o.symbol, o.side, e.exec_qty, e.exec_px
		FROM executions e
		JOIN orders o ON o.id = e.order_id
		WHERE o.client_id = ?
		ORDER BY e.exec_time ASC, e.id ASC
	`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ClientExecution
	for rows.Next() {
		var ce ClientExecution
		if err := rows.Scan(&ce.Symbol, &ce.Side, &ce.ExecQty, &ce.ExecPx); err != nil {
			return nil, err
		}
		res = append(res, ce)
	}
	return res, rows.Err()
}

// OrderExecutionRow pairs one execution quantity with its order's recorded
// cumulative quantity, for drift detection.
type OrderExecutionRow struct {
	OrderID     string
	OrderCumQty float64
	ExecQty     float64
}

// ListOrderExecutionRows returns one row per execution joined with the
// owning order's cum_qty, covering every order that has executions.
func (d *Database) ListOrderExecutionRows(ctx context.Context) ([]OrderExecutionRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT o.id, o.cum_qty, e.exec_qty
		FROM executions e
		JOIN orders o ON o.id = e.order_id
		ORDER BY o.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []OrderExecutionRow
	for rows.Next() {
		var r OrderExecutionRow
		if err := rows.Scan(&r.OrderID, &r.OrderCumQty, &r.ExecQty); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}
