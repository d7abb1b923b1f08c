package store

import (
	"context"

	"github.com/rendis/ordo/pkg/schema"
)

// Repository defines the persistence layer contract for workflow instances
// and their append-only history log. All implementations must be safe for
// concurrent use.
type Repository interface {
	// Instances
	CreateInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	DeleteInstance(ctx context.Context, id string) error

	// History (append-only)
	AppendHistory(ctx context.Context, entry *schema.HistoryEntry) error
	GetHistory(ctx context.Context, instanceID string, limit int) ([]*schema.HistoryEntry, error)

	// CommitTransition atomically appends one history entry and applies one
	// instance update. Either both writes persist or neither does; this is
	// the transactional unit behind every advance/resume.
	CommitTransition(ctx context.Context, entry *schema.HistoryEntry, inst *schema.WorkflowInstance) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
