// Package analysis decides whether a task set is schedulable under a policy
// before it is admitted.
package analysis

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/nadmax/rtsched/internal/policy"
	"github.com/nadmax/rtsched/internal/task"
)

var (
	// ErrUtilizationBoundExceeded is warning-level: the Liu-Layland bound is
	// sufficient but not necessary.
	ErrUtilizationBoundExceeded = errors.New("utilization exceeds rate-monotonic bound")
	// ErrUtilizationExceedsOne is a hard rejection.
	ErrUtilizationExceedsOne = errors.New("utilization exceeds one")
)

const tolerance = 1e-9

// maxIterations caps the response-time fixed point search.
const maxIterations = 10000

type Report struct {
	Policy        policy.Policy             `json:"policy"`
	Tasks         int                       `json:"tasks"`
	Utilization   float64                   `json:"utilization"`
	Bound         float64                   `json:"bound"`
	Admitted      bool                      `json:"admitted"`
	Reason        string                    `json:"reason,omitempty"`
	Feasible      bool                      `json:"feasible"`
	ResponseTimes map[task.ID]time.Duration `json:"response_times_ns,omitempty"`
}

func Utilization(set []task.Descriptor) float64 {
	var u float64
	for _, d := range set {
		u += d.Utilization()
	}

	return u
}

// LiuLaylandBound returns n(2^(1/n) - 1).
func LiuLaylandBound(n int) float64 {
	if n <= 0 {
		return 0
	}

	return float64(n) * (math.Pow(2, 1/float64(n)) - 1)
}

// Check is a pure function of its arguments. A nil error means admitted.
func Check(set []task.Descriptor, p policy.Policy) (Report, error) {
	r := Report{
		Policy:      p,
		Tasks:       len(set),
		Utilization: Utilization(set),
	}

	var err error
	switch p {
	case policy.EDF:
		r.Bound = 1
		r.Feasible = r.Utilization <= 1+tolerance
		if !r.Feasible {
			err = fmt.Errorf("%w: U=%.4f", ErrUtilizationExceedsOne, r.Utilization)
		}
	default:
		r.Bound = LiuLaylandBound(len(set))
		r.ResponseTimes, r.Feasible = ResponseTimes(set)
		if len(set) > 0 && r.Utilization > r.Bound+tolerance {
			err = fmt.Errorf("%w: U=%.4f > %.4f", ErrUtilizationBoundExceeded, r.Utilization, r.Bound)
		}
	}

	r.Admitted = err == nil
	if err != nil {
		r.Reason = err.Error()
	}

	return r, err
}

// ResponseTimes runs fixed-priority response-time analysis with rate-monotonic
// priorities. It returns each task's worst-case response time and whether all
// of them meet their relative deadlines. The result is exact for deadlines no
// longer than periods. A response time that diverges is reported as the first
// value past the deadline.
func ResponseTimes(set []task.Descriptor) (map[task.ID]time.Duration, bool) {
	ordered := slices.Clone(set)
	slices.SortFunc(ordered, func(a, b task.Descriptor) int {
		ka := task.Key{Value: a.BasePriority, Task: a.ID}
		kb := task.Key{Value: b.BasePriority, Task: b.ID}
		switch {
		case ka.Less(kb):
			return -1
		case kb.Less(ka):
			return 1
		default:
			return 0
		}
	})

	out := make(map[task.ID]time.Duration, len(ordered))
	feasible := true
	for i, d := range ordered {
		hp := ordered[:i]

		r := d.WCET
		for _, h := range hp {
			r += h.WCET
		}

		for range maxIterations {
			next := d.WCET
			for _, h := range hp {
				next += ceilDiv(r, h.Period) * h.WCET
			}

			if next == r || next > d.RelativeDeadline {
				r = next
				break
			}
			r = next
		}

		out[d.ID] = r
		if r > d.RelativeDeadline {
			feasible = false
		}
	}

	return out, feasible
}

func ceilDiv(a, b time.Duration) time.Duration {
	return (a + b - 1) / b
}
