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

// InsertActivity logs an activity against a task and publishes
// task.activity_logged. The task must exist.
func (s *Store) InsertActivity(ctx context.Context, a *Activity) error {
	if a.TaskID == "" {
		return errors.New("activity task_id is required")
	}
	if strings.TrimSpace(a.Message) == "" {
		return errors.New("activity message is required")
	}
	if a.ActivityType == "" {
		a.ActivityType = "note"
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_activities (id, task_id, agent_id, activity_type, message, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.TaskID, nullable(a.AgentID), a.ActivityType, a.Message, a.Metadata, a.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}

	s.publish(bus.TopicTaskActivityLogged, bus.ActivityEvent{
		ActivityID:   a.ID,
		TaskID:       a.TaskID,
		AgentID:      a.AgentID,
		ActivityType: a.ActivityType,
		Message:      a.Message,
	})
	return nil
}

// ListActivities returns a task's activities with joined agent info, newest first.
func (s *Store) ListActivities(ctx context.Context, taskID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.task_id, COALESCE(a.agent_id, ''), a.activity_type, a.message, a.metadata, a.created_at,
		       COALESCE(ag.name, ''), COALESCE(ag.avatar_emoji, '')
		FROM task_activities a
		LEFT JOIN agents ag ON a.agent_id = ag.id
		WHERE a.task_id = ?
		ORDER BY a.created_at DESC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AgentID, &a.ActivityType, &a.Message, &a.Metadata, &a.CreatedAt, &a.AgentName, &a.AgentEmoji); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
