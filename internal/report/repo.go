package report

import (
	"context"

	"github.com/google/uuid"
)

// RunRepository persists reconciliation run summaries.
type RunRepository interface {
	Create(ctx context.Context, run *Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	List(ctx context.Context, subject string, limit int) ([]*Run, error)
}
