package database

import (
	"context"
	"time"
)

// AuditEvent is one row of the operational audit trail.
type AuditEvent struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordEvent appends one audit row. Callers treat failures as best-effort;
// audit must never take down the operation that produced it.
func (c *Client) RecordEvent(ctx context.Context, kind, detail string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO operational_events (kind, detail) VALUES ($1, $2)`,
		kind, detail)
	return err
}

// RecentEvents returns the newest audit rows, newest first.
func (c *Client) RecentEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, kind, detail, created_at
		 FROM operational_events
		 ORDER BY id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
