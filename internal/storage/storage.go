package storage

import (
	"context"

	"github.com/slok/photomesh/internal/model"
)

// Repository is the interface for pipeline run persistence.
type Repository interface {
	CreateRun(ctx context.Context, r model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context) ([]model.Run, error)
}
