package simulation

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, run *Run) error
	Update(ctx context.Context, run *Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	// List returns runs newest first without their results.
	List(ctx context.Context, limit, offset int) ([]*Run, int, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*Run, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
