package db

import (
	"context"
	"database/sql"
)

const riskLimitColumns = `id, client_id, symbol, max_notional, max_order_size,
	trading_hours, blocked, created_at, updated_at`

// InsertRiskLimit creates a new risk limit row.
func (d *Database) InsertRiskLimit(ctx context.Context, l RiskLimit) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_limits (
			id, client_id, symbol, max_notional, max_order_size, trading_hours, blocked,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		l.ID, l.ClientID, l.Symbol, l.MaxNotional, l.MaxOrderSize, l.TradingHours,
		boolToInt(l.Blocked), l.CreatedAt, l.UpdatedAt,
	)
	return err
}

// UpdateRiskLimit updates an existing row; returns false when it is missing.
func (d *Database) UpdateRiskLimit(ctx context.Context, l RiskLimit) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE risk_limits
		SET symbol = ?, max_notional = ?, max_order_size = ?, trading_hours = ?,
		    blocked = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, l.Symbol, l.MaxNotional, l.MaxOrderSize, l.TradingHours, boolToInt(l.Blocked), l.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListRiskLimits returns risk limits, optionally filtered by client.
func (d *Database) ListRiskLimits(ctx context.Context, clientID string) ([]RiskLimit, error) {
	query := `SELECT ` + riskLimitColumns + ` FROM risk_limits`
	var args []any
	if clientID != "" {
		query += ` WHERE client_id = ?`
		args = append(args, clientID)
	}
	query += ` ORDER BY client_id, symbol`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []RiskLimit
	for rows.Next() {
		l, err := scanRiskLimit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *l)
	}
	return res, rows.Err()
}

// FindRiskLimit resolves the limit governing (clientID, symbol): a
// symbol-specific row wins over the client-general row (symbol IS NULL).
// Returns nil when neither exists; the caller substitutes the permissive
// default.
func (d *Database) FindRiskLimit(ctx context.Context, clientID, symbol string) (*RiskLimit, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+riskLimitColumns+` FROM risk_limits
		WHERE client_id = ? AND symbol = ?
		LIMIT 1
	`, clientID, symbol)
	l, err := scanRiskLimit(row)
	if err == nil {
		return l, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	row = d.DB.QueryRowContext(ctx, `
		SELECT `+riskLimitColumns+` FROM risk_limits
		WHERE client_id = ? AND symbol IS NULL
		LIMIT 1
	`, clientID)
	l, err = scanRiskLimit(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

func scanRiskLimit(row rowScanner) (*RiskLimit, error) {
	var (
		l       RiskLimit
		blocked int
	)
	err := row.Scan(
		&l.ID, &l.ClientID, &l.Symbol, &l.MaxNotional, &l.MaxOrderSize,
		&l.TradingHours, &blocked, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Blocked = blocked == 1
	return &l, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
