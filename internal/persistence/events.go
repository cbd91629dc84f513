package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertEvent appends a row to the audit feed. Feed rows are informational;
// they do not go through the bus.
func (s *Store) InsertEvent(ctx context.Context, typ, agentID, taskID, message string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO events (id, type, agent_id, task_id, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, uuid.NewString(), typ, nullable(agentID), nullable(taskID), message, time.Now().UTC())
		return err
	})
}

// ListRecentEvents returns the newest feed rows, most recent first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]EventRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, COALESCE(agent_id, ''), COALESCE(task_id, ''), message, created_at
		FROM events
		ORDER BY created_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.ID, &e.Type, &e.AgentID, &e.TaskID, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
