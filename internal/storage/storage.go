// Package storage defines the persistence interface for pipeline runs.
package storage

import (
	"context"

	"github.com/hyperjump/lexsub/internal/models"
)

// Storage defines run persistence operations. A stored report loads back with
// the same results, order, failures and warnings.
type Storage interface {
	// Run operations
	SaveReport(ctx context.Context, report *models.Report, info *models.RunInfo) (string, error)
	LoadReport(ctx context.Context, runID string) (*models.Report, error)
	GetRun(ctx context.Context, runID string) (*models.RunInfo, error)
	FindRunByInputs(ctx context.Context, inputsID string) (*models.RunInfo, error)
	ListRuns(ctx context.Context, offset, limit int) ([]*models.RunInfo, error)
	DeleteRun(ctx context.Context, runID string) error

	// Stats
	CountRuns(ctx context.Context) (int64, error)

	Close() error
}
