// Package policy computes ready-queue ordering keys for the two supported
// scheduling policies.
package policy

import (
	"fmt"
	"strings"

	"github.com/nadmax/rtsched/internal/task"
)

type Policy int

const (
	// RMS is fixed-priority rate-monotonic scheduling: shorter period first.
	RMS Policy = iota
	// EDF is dynamic-priority earliest-deadline-first scheduling.
	EDF
)

func (p Policy) String() string {
	switch p {
	case RMS:
		return "rms"
	case EDF:
		return "edf"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func Parse(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rms", "rm", "rate-monotonic":
		return RMS, nil
	case "edf", "earliest-deadline-first":
		return EDF, nil
	default:
		return 0, fmt.Errorf("unknown scheduling policy %q", s)
	}
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*p = parsed
	return nil
}

// Static reports whether keys are fixed at registration time.
func (p Policy) Static() bool {
	return p == RMS
}

// ComputeKey derives the ordering key of job from its descriptor and its own
// state only.
func ComputeKey(p Policy, d task.Descriptor, job *task.Job) task.Key {
	switch p {
	case EDF:
		return task.Key{Value: int64(job.AbsoluteDeadline), Task: d.ID}
	default:
		return task.Key{Value: d.BasePriority, Task: d.ID}
	}
}
