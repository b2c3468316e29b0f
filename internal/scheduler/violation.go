package scheduler

import (
	"errors"
	"time"

	"github.com/nadmax/rtsched/internal/analysis"
	"github.com/nadmax/rtsched/internal/registry"
	"github.com/nadmax/rtsched/internal/task"
)

var (
	ErrInvalidParameters        = registry.ErrInvalidParameters
	ErrTaskNotFound             = registry.ErrTaskNotFound
	ErrUtilizationBoundExceeded = analysis.ErrUtilizationBoundExceeded
	ErrUtilizationExceedsOne    = analysis.ErrUtilizationExceedsOne
	ErrTaskBusy                 = errors.New("task has an outstanding job")
	ErrNotSporadic              = errors.New("task is not sporadic")
)

type ViolationKind string

const (
	// DeadlineMissed: a job completed after its absolute deadline.
	DeadlineMissed ViolationKind = "deadline_missed"
	// DoubleRelease: a task released while its previous job was still pending.
	// The stale job is discarded and counted as a deadline miss.
	DoubleRelease ViolationKind = "double_release"
	// ThresholdExceeded: a job met its deadline but its latency exceeded the
	// task's configured violation threshold.
	ThresholdExceeded ViolationKind = "threshold_exceeded"
)

// Violation is reported synchronously from Tick. It is never fatal.
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	TaskID   task.ID       `json:"task_id"`
	Task     string        `json:"task"`
	Release  time.Duration `json:"release_ns"`
	Deadline time.Duration `json:"deadline_ns"`
	At       time.Duration `json:"at_ns"`
	Latency  time.Duration `json:"latency_ns"`
}
