package store

import (
	"context"
	"fmt"
	"time"

	"github.com/vivarium-sim/vivarium/internal/agent"
)

// InsertEvent records an observable world occurrence.
func (s *Store) InsertEvent(ctx context.Context, e *agent.Event) error {
	return insertEvent(ctx, s.db, e)
}

func insertEvent(ctx context.Context, q querier, e *agent.Event) error {
	_, err := q.Exec(ctx, `
		INSERT INTO events (id, text, event_type, created_at)
		VALUES ($1, $2, $3, $4)`,
		e.ID, e.Text, e.Type, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func scanEvents(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]*agent.Event, error) {
	var out []*agent.Event
	for rows.Next() {
		var e agent.Event
		if err := rows.Scan(&e.ID, &e.Text, &e.Type, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RecentEvents returns the latest events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*agent.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, text, event_type, created_at
		FROM events
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ActiveFocusEvent returns the newest injected event still inside its
// focus window, or nil. Agent actions never grab focus.
func (s *Store) ActiveFocusEvent(ctx context.Context, window time.Duration) (*agent.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, text, event_type, created_at
		FROM events
		WHERE event_type IN ('world', 'user_event') AND created_at > $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("focus event: %w", err)
	}
	defer rows.Close()

	out, err := scanEvents(rows)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}
