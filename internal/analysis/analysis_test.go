package analysis

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/nadmax/rtsched/internal/policy"
	"github.com/nadmax/rtsched/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func desc(id task.ID, period, wcet time.Duration) task.Descriptor {
	return task.Descriptor{
		ID:               id,
		Period:           period,
		RelativeDeadline: period,
		WCET:             wcet,
		BasePriority:     int64(period),
	}
}

func threeTaskSet() []task.Descriptor {
	return []task.Descriptor{
		desc(1, 10*time.Millisecond, 2*time.Millisecond),
		desc(2, 20*time.Millisecond, 3*time.Millisecond),
		desc(3, 40*time.Millisecond, 5*time.Millisecond),
	}
}

func TestLiuLaylandBound(t *testing.T) {
	assert.InDelta(t, 1.0, LiuLaylandBound(1), 1e-12)
	assert.InDelta(t, 0.8284, LiuLaylandBound(2), 1e-4)
	assert.InDelta(t, 0.7798, LiuLaylandBound(3), 1e-4)
	assert.Equal(t, 0.0, LiuLaylandBound(0))
}

func TestCheck_ThreeTaskScenario(t *testing.T) {
	for _, p := range []policy.Policy{policy.RMS, policy.EDF} {
		t.Run(p.String(), func(t *testing.T) {
			r, err := Check(threeTaskSet(), p)
			require.NoError(t, err)

			assert.True(t, r.Admitted)
			assert.True(t, r.Feasible)
			assert.Equal(t, 3, r.Tasks)
			assert.InDelta(t, 0.475, r.Utilization, 1e-9)
			assert.Empty(t, r.Reason)
		})
	}
}

func TestCheck_EDFRejectsOverload(t *testing.T) {
	set := []task.Descriptor{
		desc(1, 10*time.Millisecond, 6*time.Millisecond),
		desc(2, 10*time.Millisecond, 6*time.Millisecond),
	}

	r, err := Check(set, policy.EDF)

	assert.ErrorIs(t, err, ErrUtilizationExceedsOne)
	assert.False(t, r.Admitted)
	assert.False(t, r.Feasible)
	assert.InDelta(t, 1.2, r.Utilization, 1e-9)
	assert.NotEmpty(t, r.Reason)
}

func TestCheck_EDFAdmitsFullUtilization(t *testing.T) {
	set := []task.Descriptor{
		desc(1, 10*time.Millisecond, 5*time.Millisecond),
		desc(2, 20*time.Millisecond, 10*time.Millisecond),
	}

	_, err := Check(set, policy.EDF)
	assert.NoError(t, err)
}

func TestCheck_RMSBoundIsWarningLevel(t *testing.T) {
	// U = 0.9 exceeds the two-task bound but the harmonic set is schedulable.
	set := []task.Descriptor{
		desc(1, 10*time.Millisecond, 5*time.Millisecond),
		desc(2, 20*time.Millisecond, 8*time.Millisecond),
	}

	r, err := Check(set, policy.RMS)

	assert.ErrorIs(t, err, ErrUtilizationBoundExceeded)
	assert.False(t, r.Admitted)
	assert.True(t, r.Feasible, "response-time analysis still proves the set feasible")
	assert.Equal(t, 5*time.Millisecond, r.ResponseTimes[1])
	assert.Equal(t, 18*time.Millisecond, r.ResponseTimes[2])
}

func TestResponseTimes_Infeasible(t *testing.T) {
	set := []task.Descriptor{
		desc(1, 10*time.Millisecond, 6*time.Millisecond),
		desc(2, 14*time.Millisecond, 6*time.Millisecond),
	}

	rt, feasible := ResponseTimes(set)

	assert.False(t, feasible)
	assert.Equal(t, 6*time.Millisecond, rt[1])
	assert.Greater(t, rt[2], 14*time.Millisecond)
}

func TestCheck_EmptySet(t *testing.T) {
	for _, p := range []policy.Policy{policy.RMS, policy.EDF} {
		r, err := Check(nil, p)
		assert.NoError(t, err)
		assert.True(t, r.Admitted)
	}
}

// buildSet turns generated periods (5ms steps) and utilization shares into a
// task set of at most n tasks.
func buildSet(periods, shares []int, n int) []task.Descriptor {
	n = min(n, len(periods), len(shares))
	set := make([]task.Descriptor, 0, n)
	for i := range n {
		period := time.Duration(periods[i]*5) * time.Millisecond
		wcet := max(period*time.Duration(shares[i])/200, time.Microsecond)
		set = append(set, desc(task.ID(i+1), period, wcet))
	}

	return set
}

func TestRMSBoundImpliesFeasibleResponseTimes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sets under the Liu-Layland bound pass response-time analysis", prop.ForAll(
		func(periods, shares []int, n int) bool {
			r, err := Check(buildSet(periods, shares, n), policy.RMS)
			if err != nil {
				return true
			}
			return r.Feasible
		},
		gen.SliceOfN(4, gen.IntRange(1, 20)),
		gen.SliceOfN(4, gen.IntRange(1, 100)),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}

func TestEDFAdmissionMatchesUtilization(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("EDF admits exactly when U <= 1", prop.ForAll(
		func(periods, shares []int, n int) bool {
			set := buildSet(periods, shares, n)
			_, err := Check(set, policy.EDF)
			return (err == nil) == (Utilization(set) <= 1+tolerance)
		},
		gen.SliceOfN(4, gen.IntRange(1, 20)),
		gen.SliceOfN(4, gen.IntRange(1, 100)),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
