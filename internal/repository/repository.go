// Package repository defines the run history store: registered tasks, timing
// samples and violations, keyed by run id.
package repository

import (
	"context"

	"github.com/nadmax/rtsched/internal/repository/models"
	"github.com/nadmax/rtsched/internal/scheduler"
	"github.com/nadmax/rtsched/internal/task"
	"github.com/nadmax/rtsched/internal/timing"
)

type HistoryRepository interface {
	RecordTask(ctx context.Context, runID string, d task.Descriptor) error
	RecordSample(ctx context.Context, runID string, s timing.Sample) error
	RecordViolation(ctx context.Context, runID string, v scheduler.Violation) error
	GetTaskSummary(ctx context.Context, runID string) ([]models.TaskSummary, error)
	// GetRecentSamples returns the newest samples first. A zero taskID
	// selects every task of the run.
	GetRecentSamples(ctx context.Context, runID string, taskID task.ID, limit int) ([]models.SampleRecord, error)
	GetViolations(ctx context.Context, runID string, limit int) ([]models.ViolationRecord, error)
	Close() error
}
