package store

import (
	"context"

	"github.com/rendis/reelflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow state. GetState creates a default record on first access.
	GetState(ctx context.Context, ownerID, workflowID string) (*schema.WorkflowState, error)
	UpdateState(ctx context.Context, ownerID, workflowID string, patch schema.StatePatch) (*schema.WorkflowState, error)
	// AcquireRun atomically flips isRunning false->true and applies patch.
	// It reports false, without error, when the workflow is already running.
	AcquireRun(ctx context.Context, ownerID, workflowID string, patch schema.StatePatch) (bool, error)
	ListStates(ctx context.Context, filter schema.StateFilter) ([]*schema.WorkflowState, error)

	// Definitions (durable copy behind the per-owner cache)
	SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	// ReplaceDefinitions upserts defs and deletes the owner's other definitions atomically.
	ReplaceDefinitions(ctx context.Context, ownerID string, defs []*schema.WorkflowDefinition) (int, error)
	GetDefinition(ctx context.Context, ownerID, id string) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, ownerID string) ([]*schema.WorkflowDefinition, error)

	// Prompt history, newest first
	AppendHistory(ctx context.Context, entry *schema.PromptHistoryEntry, keep int) error
	ListHistory(ctx context.Context, workflowID string, limit int) ([]*schema.PromptHistoryEntry, error)
	ClearHistory(ctx context.Context, workflowID string) (int, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
