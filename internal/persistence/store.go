package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apprapid/missionctl/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger. v1 is the initial task/agent schema; v2 adds the
	// crm_task_id cross-reference and sync_source origin tag to tasks.
	schemaVersionV1  = 1
	schemaChecksumV1 = "mc-v1-2026-07-02-task-schema"

	schemaVersionV2  = 2
	schemaChecksumV2 = "mc-v2-2026-07-18-crm-bridge"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// TaskStatus is the local (fine-grained) task lifecycle vocabulary.
type TaskStatus string

const (
	StatusEarlyIntake TaskStatus = "early-intake"
	StatusPlanning    TaskStatus = "planning"
	StatusAssigned    TaskStatus = "assigned"
	StatusActive      TaskStatus = "active"
	StatusTesting     TaskStatus = "testing"
	StatusReview      TaskStatus = "review"
	StatusComplete    TaskStatus = "complete"
)

// ValidStatus reports whether s is a known local task status.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusEarlyIntake, StatusPlanning, StatusAssigned, StatusActive, StatusTesting, StatusReview, StatusComplete:
		return true
	}
	return false
}

// TaskPriority is the local priority vocabulary.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// ValidPriority reports whether p is a known local priority.
func ValidPriority(p TaskPriority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// BridgeSource is the origin tag stamped on every record the bridge writes,
// on either side. Records carrying it are never pulled back.
const BridgeSource = "mc-bridge"

// Task is a row in the tasks table. CRMTaskID is the cross-reference to the
// remote record; SyncSource records which system last wrote the row.
type Task struct {
	ID               string       `json:"id"`
	WorkspaceID      string       `json:"workspace_id"`
	Title            string       `json:"title"`
	Description      string       `json:"description,omitempty"`
	Status           TaskStatus   `json:"status"`
	Priority         TaskPriority `json:"priority"`
	AssignedAgentID  string       `json:"assigned_agent_id,omitempty"`
	CreatedByAgentID string       `json:"created_by_agent_id,omitempty"`
	CRMTaskID        string       `json:"crm_task_id,omitempty"`
	SyncSource       string       `json:"sync_source,omitempty"`
	DueDate          string       `json:"due_date,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`

	// Joined agent fields, populated by reads.
	AssignedAgentName  string `json:"assigned_agent_name,omitempty"`
	AssignedAgentEmoji string `json:"assigned_agent_emoji,omitempty"`
}

// Agent is a row in the agents table.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Role        string    `json:"role,omitempty"`
	AvatarEmoji string    `json:"avatar_emoji,omitempty"`
	IsMaster    bool      `json:"is_master"`
	WorkspaceID string    `json:"workspace_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Activity is a row in the task_activities table.
type Activity struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	AgentID      string    `json:"agent_id,omitempty"`
	ActivityType string    `json:"activity_type"`
	Message      string    `json:"message"`
	Metadata     string    `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	AgentName  string `json:"agent_name,omitempty"`
	AgentEmoji string `json:"agent_emoji,omitempty"`
}

// Deliverable is a row in the task_deliverables table.
type Deliverable struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	URL         string    `json:"url,omitempty"`
	Path        string    `json:"path,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EventRow is a row in the events audit feed.
type EventRow struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".missionctl", "missionctl.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_meta (
			version    INTEGER PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_meta;`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if current < schemaVersionV1 {
		if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_meta (version, checksum) VALUES (?, ?);`,
			schemaVersionV1, schemaChecksumV1); err != nil {
			return fmt.Errorf("record schema v1: %w", err)
		}
	}

	if current < schemaVersionV2 {
		if current >= schemaVersionV1 {
			// Upgrading an existing v1 database in place.
			for _, stmt := range schemaV2Migration {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("apply schema v2: %w", err)
				}
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_meta (version, checksum) VALUES (?, ?);`,
			schemaVersionV2, schemaChecksumV2); err != nil {
			return fmt.Errorf("record schema v2: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS workspaces (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agents (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	role         TEXT NOT NULL DEFAULT '',
	avatar_emoji TEXT NOT NULL DEFAULT '',
	is_master    INTEGER NOT NULL DEFAULT 0,
	workspace_id TEXT NOT NULL DEFAULT 'default',
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT PRIMARY KEY,
	workspace_id        TEXT NOT NULL DEFAULT 'default',
	title               TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'early-intake',
	priority            TEXT NOT NULL DEFAULT 'normal',
	assigned_agent_id   TEXT REFERENCES agents(id) ON DELETE SET NULL,
	created_by_agent_id TEXT,
	crm_task_id         TEXT NOT NULL DEFAULT '',
	sync_source         TEXT NOT NULL DEFAULT '',
	due_date            TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_workspace_title ON tasks(workspace_id, title);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_crm_id ON tasks(crm_task_id);

CREATE TABLE IF NOT EXISTS task_activities (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	agent_id      TEXT,
	activity_type TEXT NOT NULL,
	message       TEXT NOT NULL,
	metadata      TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_activities_task ON task_activities(task_id);

CREATE TABLE IF NOT EXISTS task_deliverables (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	kind        TEXT NOT NULL,
	title       TEXT NOT NULL,
	url         TEXT NOT NULL DEFAULT '',
	path        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_deliverables_task ON task_deliverables(task_id);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	agent_id   TEXT,
	task_id    TEXT,
	message    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);

INSERT OR IGNORE INTO workspaces (id, name) VALUES ('default', 'Default');
`

// schemaV2Migration upgrades a v1 database; fresh databases get these columns
// from schemaV1 directly.
var schemaV2Migration = []string{
	`ALTER TABLE tasks ADD COLUMN crm_task_id TEXT NOT NULL DEFAULT '';`,
	`ALTER TABLE tasks ADD COLUMN sync_source TEXT NOT NULL DEFAULT '';`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_crm_id ON tasks(crm_task_id);`,
}
