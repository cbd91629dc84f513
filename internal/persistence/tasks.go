package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apprapid/missionctl/internal/bus"
	"github.com/apprapid/missionctl/internal/shared"
	"github.com/google/uuid"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

const taskSelect = `
	SELECT t.id, t.workspace_id, t.title, t.description, t.status, t.priority,
	       COALESCE(t.assigned_agent_id, ''), COALESCE(t.created_by_agent_id, ''),
	       t.crm_task_id, t.sync_source, t.due_date, t.created_at, t.updated_at,
	       COALESCE(a.name, ''), COALESCE(a.avatar_emoji, '')
	FROM tasks t
	LEFT JOIN agents a ON t.assigned_agent_id = a.id
`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var assigned, createdBy sql.NullString
	if err := row.Scan(
		&t.ID, &t.WorkspaceID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&assigned, &createdBy,
		&t.CRMTaskID, &t.SyncSource, &t.DueDate, &t.CreatedAt, &t.UpdatedAt,
		&t.AssignedAgentName, &t.AssignedAgentEmoji,
	); err != nil {
		return nil, err
	}
	t.AssignedAgentID = assigned.String
	t.CreatedByAgentID = createdBy.String
	return &t, nil
}

// CreateTask inserts a task and publishes task.created. The caller may
// pre-set ID, CRMTaskID and SyncSource (the bridge does); everything else is
// defaulted here.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if strings.TrimSpace(t.Title) == "" {
		return errors.New("task title is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.WorkspaceID == "" {
		t.WorkspaceID = shared.DefaultWorkspaceID
	}
	if t.Status == "" {
		t.Status = StatusEarlyIntake
	}
	if !ValidStatus(t.Status) {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if !ValidPriority(t.Priority) {
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, workspace_id, title, description, status, priority,
			                   assigned_agent_id, created_by_agent_id, crm_task_id,
			                   sync_source, due_date, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.WorkspaceID, t.Title, t.Description, t.Status, t.Priority,
			nullable(t.AssignedAgentID), nullable(t.CreatedByAgentID), t.CRMTaskID,
			t.SyncSource, t.DueDate, t.CreatedAt, t.UpdatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	s.publish(bus.TopicTaskCreated, bus.TaskEvent{
		TaskID:      t.ID,
		WorkspaceID: t.WorkspaceID,
		Title:       t.Title,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		SyncSource:  t.SyncSource,
	})
	return nil
}

// GetTask returns a task by ID with joined agent fields.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, taskSelect+` WHERE t.id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetTaskByTitle returns the oldest task with an exactly matching title in
// the given workspace. Titles are assumed unique per workspace; if they are
// not, the earliest created row wins.
func (s *Store) GetTaskByTitle(ctx context.Context, workspaceID, title string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		taskSelect+` WHERE t.workspace_id = ? AND t.title = ? ORDER BY t.created_at ASC LIMIT 1;`,
		workspaceID, title))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task by title: %w", err)
	}
	return t, nil
}

// GetTaskByCRMID returns the task holding the given remote cross-reference.
func (s *Store) GetTaskByCRMID(ctx context.Context, crmID string) (*Task, error) {
	if crmID == "" {
		return nil, ErrNotFound
	}
	t, err := scanTask(s.db.QueryRowContext(ctx,
		taskSelect+` WHERE t.crm_task_id = ? LIMIT 1;`, crmID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task by crm id: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks filtered by optional status, newest first.
func (s *Store) ListTasks(ctx context.Context, status string, limit, offset int) ([]Task, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []any{}
	if status != "" {
		where = ` WHERE t.status = ?`
		args = append(args, status)
	}

	var total int
	countQuery := `SELECT COUNT(1) FROM tasks t` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, taskSelect+where+` ORDER BY t.updated_at DESC LIMIT ? OFFSET ?;`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, total, rows.Err()
}

// TaskUpdate holds a partial task update. Nil fields are left untouched.
type TaskUpdate struct {
	Title           *string
	Description     *string
	Status          *TaskStatus
	Priority        *TaskPriority
	AssignedAgentID *string
	DueDate         *string
	CRMTaskID       *string
	SyncSource      *string
}

func (u TaskUpdate) empty() bool {
	return u.Title == nil && u.Description == nil && u.Status == nil &&
		u.Priority == nil && u.AssignedAgentID == nil && u.DueDate == nil &&
		u.CRMTaskID == nil && u.SyncSource == nil
}

// UpdateTask applies a partial update, bumps updated_at and publishes
// task.updated. Returns the updated row.
func (s *Store) UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*Task, error) {
	if upd.empty() {
		return nil, errors.New("no updates provided")
	}
	if upd.Status != nil && !ValidStatus(*upd.Status) {
		return nil, fmt.Errorf("invalid status %q", *upd.Status)
	}
	if upd.Priority != nil && !ValidPriority(*upd.Priority) {
		return nil, fmt.Errorf("invalid priority %q", *upd.Priority)
	}

	sets := []string{}
	args := []any{}
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if upd.Title != nil {
		if strings.TrimSpace(*upd.Title) == "" {
			return nil, errors.New("task title is required")
		}
		set("title", *upd.Title)
	}
	if upd.Description != nil {
		set("description", *upd.Description)
	}
	if upd.Status != nil {
		set("status", *upd.Status)
	}
	if upd.Priority != nil {
		set("priority", *upd.Priority)
	}
	if upd.AssignedAgentID != nil {
		set("assigned_agent_id", nullable(*upd.AssignedAgentID))
	}
	if upd.DueDate != nil {
		set("due_date", *upd.DueDate)
	}
	if upd.CRMTaskID != nil {
		set("crm_task_id", *upd.CRMTaskID)
	}
	if upd.SyncSource != nil {
		set("sync_source", *upd.SyncSource)
	} else {
		// A local (non-bridge) write clears any bridge origin tag.
		set("sync_source", "")
	}
	set("updated_at", time.Now().UTC())
	args = append(args, id)

	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?;`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update task: %w", err)
	}

	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskUpdated, bus.TaskEvent{
		TaskID:      t.ID,
		WorkspaceID: t.WorkspaceID,
		Title:       t.Title,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		SyncSource:  t.SyncSource,
	})
	return t, nil
}

// SetTaskCRMID records the remote cross-reference without bumping updated_at
// or publishing an event; this is bridge bookkeeping, not a user-visible edit.
func (s *Store) SetTaskCRMID(ctx context.Context, id, crmID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET crm_task_id = ? WHERE id = ?;`, crmID, id)
		return err
	})
}

// DeleteTask removes a task and its cascade rows, then publishes task.deleted.
// The corresponding CRM record, if any, is retained for audit.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	existing, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE task_id = ?;`, id); err != nil {
			return err
		}
		// task_activities and task_deliverables cascade.
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	s.publish(bus.TopicTaskDeleted, bus.TaskDeletedEvent{TaskID: id, Title: existing.Title})
	return nil
}

// CountTasks returns the total number of tasks.
func (s *Store) CountTasks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
