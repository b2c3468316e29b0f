// Package task defines the scheduling data model: immutable task descriptors,
// the job instances released from them and the ordering key shared by the
// policy engine and the ready queue.
package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type (
	ID       uint64
	JobState string
)

const (
	StateReady          JobState = "ready"
	StateExecuting      JobState = "executing"
	StatePreempted      JobState = "preempted"
	StateBlocked        JobState = "blocked"
	StateCompleted      JobState = "completed"
	StateMissedDeadline JobState = "missed_deadline"
)

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q: %w", s, err)
	}

	return ID(v), nil
}

// Spec is what a caller supplies at registration. The registry validates it
// and derives the remaining Descriptor fields.
type Spec struct {
	Name               string
	Period             time.Duration
	RelativeDeadline   time.Duration // zero means "same as Period"
	WCET               time.Duration
	Offset             time.Duration
	Sporadic           bool
	ViolationThreshold time.Duration // zero means "same as RelativeDeadline"
}

// Descriptor is immutable once registered.
type Descriptor struct {
	ID                 ID            `json:"id"`
	Name               string        `json:"name"`
	Period             time.Duration `json:"period_ns"`
	RelativeDeadline   time.Duration `json:"deadline_ns"`
	WCET               time.Duration `json:"wcet_ns"`
	Offset             time.Duration `json:"offset_ns"`
	Sporadic           bool          `json:"sporadic"`
	BasePriority       int64         `json:"base_priority"`
	ViolationThreshold time.Duration `json:"threshold_ns"`
}

func (d Descriptor) Utilization() float64 {
	return float64(d.WCET) / float64(d.Period)
}

func (d Descriptor) ToJSON() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// Key orders jobs in the ready queue: smaller sorts first, ties go to the
// lower task id.
type Key struct {
	Value int64 `json:"value"`
	Task  ID    `json:"task"`
}

func (k Key) Less(o Key) bool {
	if k.Value != o.Value {
		return k.Value < o.Value
	}

	return k.Task < o.Task
}

// Job is one activation of a task.
type Job struct {
	TaskID           ID
	Release          time.Duration
	AbsoluteDeadline time.Duration
	Remaining        time.Duration
	Key              Key
	Boost            *Key
	State            JobState
	Started          bool
	StartedAt        time.Duration
	PeriodActual     time.Duration
	HasPeriod        bool
}

func NewJob(d Descriptor, release time.Duration) *Job {
	return &Job{
		TaskID:           d.ID,
		Release:          release,
		AbsoluteDeadline: release + d.RelativeDeadline,
		Remaining:        d.WCET,
		State:            StateReady,
	}
}

// EffectiveKey is the job's own key unless an inherited boost sorts earlier.
func (j *Job) EffectiveKey() Key {
	if j.Boost != nil && j.Boost.Less(j.Key) {
		return *j.Boost
	}

	return j.Key
}

func (j *Job) Done() bool {
	return j.Remaining <= 0
}

func (j *Job) LateAt(at time.Duration) bool {
	return at > j.AbsoluteDeadline
}
