package db

import (
	"context"
	"database/sql"
	"time"
)

// InsertDispatchEvent appends a durable outbox entry. It must only be called
// after the transaction that created the triggering order state has
// committed. A duplicate (order_id, event_type) pair is ignored so that
// re-enqueueing is idempotent.
func (d *Database) InsertDispatchEvent(ctx context.Context, orderID, eventType string) error {
	now := time.Now().UTC()
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO dispatch_events (order_id, event_type, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, 'PENDING', 0, ?, ?, ?)
		ON CONFLICT(order_id, event_type) DO NOTHING
	`, orderID, eventType, now, now, now)
	return err
}

// ListPendingDispatchEvents returns due PENDING events, oldest first.
func (d *Database) ListPendingDispatchEvents(ctx context.Context, now time.Time, limit int) ([]DispatchEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, event_type, status, attempts, last_error, next_attempt_at, created_at, updated_at
		FROM dispatch_events
		WHERE status = 'PENDING' AND next_attempt_at <= ?
		ORDER BY id ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []DispatchEvent
	for rows.Next() {
		var e DispatchEvent
		if err := rows.Scan(&e.ID, &e.OrderID, &e.EventType, &e.Status, &e.Attempts,
			&e.LastError, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MarkDispatchEvent sets a terminal outbox status (DONE or FAILED).
func (d *Database) MarkDispatchEvent(ctx context.Context, id int64, status, lastError string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE dispatch_events
		SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, status, lastError, time.Now().UTC(), id)
	return err
}

// RescheduleDispatchEvent keeps an event PENDING for a later retry.
func (d *Database) RescheduleDispatchEvent(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE dispatch_events
		SET attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, attempts, nextAttemptAt, lastError, time.Now().UTC(), id)
	return err
}

// GetDispatchEvent returns one outbox entry by id, or nil when missing.
func (d *Database) GetDispatchEvent(ctx context.Context, id int64) (*DispatchEvent, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, order_id, event_type, status, attempts, last_error, next_attempt_at, created_at, updated_at
		FROM dispatch_events WHERE id = ?
	`, id)
	var e DispatchEvent
	err := row.Scan(&e.ID, &e.OrderID, &e.EventType, &e.Status, &e.Attempts,
		&e.LastError, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}
