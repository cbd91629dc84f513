package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apprapid/missionctl/internal/bus"
	"github.com/google/uuid"
)

// InsertDeliverable records a deliverable (file, URL, artifact) for a task
// and publishes task.deliverable_added.
func (s *Store) InsertDeliverable(ctx context.Context, d *Deliverable) error {
	if d.TaskID == "" {
		return errors.New("deliverable task_id is required")
	}
	if strings.TrimSpace(d.Title) == "" {
		return errors.New("deliverable title is required")
	}
	if d.Kind == "" {
		d.Kind = "artifact"
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = time.Now().UTC()

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_deliverables (id, task_id, kind, title, url, path, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, d.ID, d.TaskID, d.Kind, d.Title, d.URL, d.Path, d.Description, d.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert deliverable: %w", err)
	}

	s.publish(bus.TopicTaskDeliverableAdded, bus.DeliverableEvent{
		DeliverableID: d.ID,
		TaskID:        d.TaskID,
		Kind:          d.Kind,
		Title:         d.Title,
	})
	return nil
}

// ListDeliverables returns a task's deliverables, newest first.
func (s *Store) ListDeliverables(ctx context.Context, taskID string) ([]Deliverable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, title, url, path, description, created_at
		FROM task_deliverables
		WHERE task_id = ?
		ORDER BY created_at DESC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	defer rows.Close()

	var out []Deliverable
	for rows.Next() {
		var d Deliverable
		if err := rows.Scan(&d.ID, &d.TaskID, &d.Kind, &d.Title, &d.URL, &d.Path, &d.Description, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deliverable: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
