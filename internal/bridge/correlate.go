package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/apprapid/missionctl/internal/crm"
	"github.com/apprapid/missionctl/internal/persistence"
	"github.com/apprapid/missionctl/internal/shared"
)

// Correlation is the result of matching a remote record to a local task.
// ByTitle is true when the match came from the exact-title fallback rather
// than the cross-reference field; callers use it to write the missing
// cross-reference back to the remote so later syncs take the fast path.
type Correlation struct {
	Task    *persistence.Task
	ByTitle bool
}

// Resolver matches inbound remote records to local tasks: cross-reference
// field first, exact-title fallback second, no match otherwise.
type Resolver struct {
	store *persistence.Store
}

// NewResolver creates a resolver over the local store.
func NewResolver(store *persistence.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve finds the local task for a remote record, or returns (nil, nil)
// when no local counterpart exists. A stale cross-reference pointing at a
// deleted local task falls through to the title fallback.
func (r *Resolver) Resolve(ctx context.Context, remote crm.RemoteTask) (*Correlation, error) {
	if remote.MCTaskID != "" {
		task, err := r.store.GetTask(ctx, remote.MCTaskID)
		if err == nil {
			return &Correlation{Task: task}, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("resolve by cross-reference: %w", err)
		}
	}

	task, err := r.store.GetTaskByTitle(ctx, shared.DefaultWorkspaceID, remote.Title)
	if err == nil {
		return &Correlation{Task: task, ByTitle: true}, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("resolve by title: %w", err)
	}
	return nil, nil
}
