// Package models contains data structures used by the history repository layer.
package models

import (
	"time"

	"github.com/nadmax/rtsched/internal/task"
)

type TaskSummary struct {
	TaskID         task.ID `json:"task_id"`
	Name           string  `json:"name"`
	Samples        int     `json:"samples"`
	DeadlineMisses int     `json:"deadline_misses"`
	Violations     int     `json:"violations"`
	AvgLatencyNs   float64 `json:"avg_latency_ns"`
	MaxLatencyNs   int64   `json:"max_latency_ns"`
	MinLatencyNs   int64   `json:"min_latency_ns"`
}

type SampleRecord struct {
	ID             int64     `json:"id"`
	RunID          string    `json:"run_id"`
	TaskID         task.ID   `json:"task_id"`
	ReleaseNs      int64     `json:"release_ns"`
	StartNs        *int64    `json:"start_ns,omitempty"`
	CompletionNs   int64     `json:"completion_ns"`
	LatencyNs      int64     `json:"latency_ns"`
	PeriodActualNs *int64    `json:"period_actual_ns,omitempty"`
	Missed         bool      `json:"missed"`
	Superseded     bool      `json:"superseded"`
	Violation      bool      `json:"violation"`
	RecordedAt     time.Time `json:"recorded_at"`
}

type ViolationRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	TaskID     task.ID   `json:"task_id"`
	Task       string    `json:"task"`
	Kind       string    `json:"kind"`
	ReleaseNs  int64     `json:"release_ns"`
	DeadlineNs int64     `json:"deadline_ns"`
	AtNs       int64     `json:"at_ns"`
	LatencyNs  int64     `json:"latency_ns"`
	RecordedAt time.Time `json:"recorded_at"`
}
