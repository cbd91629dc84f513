package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/apprapid/missionctl/internal/shared"
	"github.com/google/uuid"
)

// defaultRoster is seeded on first start. Charlie is the master agent who
// approves review→complete transitions.
var defaultRoster = []Agent{
	{Name: "Charlie", Role: "Coordinator", AvatarEmoji: "🧭", IsMaster: true},
	{Name: "Victor", Role: "Strategy", AvatarEmoji: "♟️"},
	{Name: "Radu", Role: "Builder", AvatarEmoji: "🔨"},
	{Name: "Alexandra", Role: "Communications", AvatarEmoji: "📣"},
	{Name: "Anabelle", Role: "Design", AvatarEmoji: "🎨"},
	{Name: "Mihai", Role: "QA", AvatarEmoji: "🛡️"},
	{Name: "Apex", Role: "Operations", AvatarEmoji: "⚙️"},
}

// SeedAgents inserts the default roster, skipping names that already exist.
func (s *Store) SeedAgents(ctx context.Context) error {
	for _, a := range defaultRoster {
		now := time.Now().UTC()
		err := retryOnBusy(ctx, 5, func() error {
			_, err := s.db.ExecContext(ctx, `
				INSERT OR IGNORE INTO agents (id, name, role, avatar_emoji, is_master, workspace_id, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?);
			`, uuid.NewString(), a.Name, a.Role, a.AvatarEmoji, a.IsMaster, shared.DefaultWorkspaceID, now, now)
			return err
		})
		if err != nil {
			return fmt.Errorf("seed agent %s: %w", a.Name, err)
		}
	}
	return nil
}

const agentSelect = `
	SELECT id, name, role, avatar_emoji, is_master, workspace_id, created_at, updated_at
	FROM agents
`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	if err := row.Scan(&a.ID, &a.Name, &a.Role, &a.AvatarEmoji, &a.IsMaster, &a.WorkspaceID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgent returns an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, agentSelect+` WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// GetAgentByName returns an agent by canonical name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, agentSelect+` WHERE name = ?;`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by name: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, agentSelect+` ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
