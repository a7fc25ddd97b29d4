package store

import (
	"context"

	"github.com/me/godeck/pkg/model"
)

// Store defines the persistence layer for the run ledger.
type Store interface {
	// Run CRUD
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	UpdateRun(ctx context.Context, run *model.Run) error

	// Step operations
	CreateStep(ctx context.Context, step *model.StepRecord) error
	GetStep(ctx context.Context, id string) (*model.StepRecord, error)
	ListStepsByRun(ctx context.Context, runID string) ([]*model.StepRecord, error)
	UpdateStep(ctx context.Context, step *model.StepRecord) error

	// Batch failures
	RecordBatchFailure(ctx context.Context, f *model.BatchFailure) error
	ListBatchFailures(ctx context.Context, batchID string) ([]*model.BatchFailure, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
