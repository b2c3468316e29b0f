package scheduler

import (
	"testing"
	"time"

	"github.com/nadmax/rtsched/internal/policy"
	"github.com/nadmax/rtsched/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ms = time.Millisecond

func setupTestScheduler(t *testing.T, p policy.Policy) *Scheduler {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Policy = p
	cfg.Debug = true
	return New(cfg, nil)
}

func periodic(name string, period, wcet time.Duration) task.Spec {
	return task.Spec{Name: name, Period: period, WCET: wcet}
}

// busy consumes every budget it is given.
func busy(_ task.ID, budget time.Duration) time.Duration { return budget }

func run(s *Scheduler, from, ticks int, exec Executor) {
	for i := from; i < from+ticks; i++ {
		s.Tick(time.Duration(i)*ms, exec)
	}
}

func TestRegister(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(periodic("control", 10*ms, 2*ms))
	require.NoError(t, err)

	d, ok := s.Task(id)
	require.True(t, ok)
	assert.Equal(t, "control", d.Name)
	assert.Equal(t, 10*ms, d.RelativeDeadline)
	assert.Equal(t, int64(10*ms), d.BasePriority)

	next, ok := s.NextRelease(id)
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), next)

	_, ok = s.Snapshot(id)
	assert.True(t, ok, "registered tasks appear in the snapshot immediately")
	assert.InDelta(t, 0.2, s.Analysis().Utilization, 1e-9)
}

func TestRegister_InvalidParameters(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	_, err := s.Register(periodic("bad", 0, ms))
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = s.Register(periodic("bad", 10*ms, 11*ms))
	assert.ErrorIs(t, err, ErrInvalidParameters)
	assert.Empty(t, s.Tasks())
}

func TestRegister_EDFRejectsOverload(t *testing.T) {
	s := setupTestScheduler(t, policy.EDF)

	_, err := s.Register(periodic("a", 10*ms, 6*ms))
	require.NoError(t, err)

	_, err = s.Register(periodic("b", 10*ms, 6*ms))
	assert.ErrorIs(t, err, ErrUtilizationExceedsOne)
	assert.Len(t, s.Tasks(), 1)
	assert.InDelta(t, 0.6, s.Analysis().Utilization, 1e-9)
}

func TestRegister_AdmissionModes(t *testing.T) {
	// U = 0.9 is above the two-task bound of 0.828 but the harmonic set is
	// feasible under response-time analysis.
	tests := []struct {
		name      string
		admission Admission
		admitted  bool
	}{
		{"warn", AdmitWarn, true},
		{"strict", AdmitStrict, false},
		{"exact", AdmitExact, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Admission = tt.admission
			s := New(cfg, nil)

			_, err := s.Register(periodic("fast", 10*ms, 5*ms))
			require.NoError(t, err)
			_, err = s.Register(periodic("slow", 20*ms, 8*ms))

			if tt.admitted {
				assert.NoError(t, err)
				assert.Len(t, s.Tasks(), 2)
				return
			}
			assert.ErrorIs(t, err, ErrUtilizationBoundExceeded)
			assert.Len(t, s.Tasks(), 1)
		})
	}
}

func TestRegister_ExactRejectsInfeasible(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Admission = AdmitExact
	s := New(cfg, nil)

	_, err := s.Register(periodic("a", 4*ms, 2*ms))
	require.NoError(t, err)
	_, err = s.Register(periodic("b", 6*ms, 3*ms))
	assert.ErrorIs(t, err, ErrUtilizationBoundExceeded)
}

func TestDeregister(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(periodic("control", 10*ms, 3*ms))
	require.NoError(t, err)

	s.Tick(0, busy)
	assert.ErrorIs(t, s.Deregister(id), ErrTaskBusy)

	run(s, 1, 5, busy)
	require.NoError(t, s.Deregister(id))

	_, ok := s.Task(id)
	assert.False(t, ok)
	_, ok = s.Snapshot(id)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Deregister(id), ErrTaskNotFound)

	// Nothing is released for a removed task.
	run(s, 6, 20, busy)
	assert.Equal(t, 0, s.QueueLen())
	assert.Equal(t, StateIdle, s.State())
}

func TestTrigger_Sporadic(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(task.Spec{Name: "alarm", Period: 10 * ms, WCET: 2 * ms, Sporadic: true})
	require.NoError(t, err)

	run(s, 0, 6, busy)
	st, _ := s.Snapshot(id)
	assert.Zero(t, st.Count, "sporadic tasks wait for a trigger")

	require.NoError(t, s.Trigger(id))
	require.NoError(t, s.Trigger(id), "triggering an armed task is a no-op")
	run(s, 6, 3, busy)

	samples := s.Samples(id)
	require.Len(t, samples, 1)
	assert.Equal(t, 6*ms, samples[0].Release)
	assert.Equal(t, 2*ms, samples[0].Latency)

	// The next release honours the minimum inter-arrival time.
	require.NoError(t, s.Trigger(id))
	next, ok := s.NextRelease(id)
	require.True(t, ok)
	assert.Equal(t, 16*ms, next)

	run(s, 9, 10, busy)
	samples = s.Samples(id)
	require.Len(t, samples, 2)
	assert.Equal(t, 16*ms, samples[1].Release)
}

func TestTrigger_Errors(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(periodic("control", 10*ms, 2*ms))
	require.NoError(t, err)

	assert.ErrorIs(t, s.Trigger(id), ErrNotSporadic)
	assert.ErrorIs(t, s.Trigger(42), ErrTaskNotFound)
}

func TestSetThreshold(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(periodic("control", 10*ms, 3*ms))
	require.NoError(t, err)

	var got []Violation
	s.SetViolationHandler(func(v Violation) { got = append(got, v) })

	require.NoError(t, s.SetThreshold(id, 2*ms))
	th, ok := s.Threshold(id)
	require.True(t, ok)
	assert.Equal(t, 2*ms, th)

	run(s, 0, 10, busy)
	require.Len(t, got, 1)
	assert.Equal(t, ThresholdExceeded, got[0].Kind)
	assert.Equal(t, 3*ms, got[0].Latency)

	st, _ := s.Snapshot(id)
	assert.Equal(t, uint64(1), st.Violations)
	assert.Zero(t, st.DeadlineMisses)

	assert.ErrorIs(t, s.SetThreshold(99, ms), ErrTaskNotFound)
}

func TestOffset(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(task.Spec{Name: "late", Period: 10 * ms, WCET: ms, Offset: 4 * ms})
	require.NoError(t, err)

	run(s, 0, 30, busy)
	samples := s.Samples(id)
	require.Len(t, samples, 3)
	assert.Equal(t, 4*ms, samples[0].Release)
	assert.Equal(t, 14*ms, samples[1].Release)
	assert.Equal(t, 24*ms, samples[2].Release)
}

func TestRegisterWhileRunning(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	run(s, 0, 5, busy)
	id, err := s.Register(periodic("late", 10*ms, ms))
	require.NoError(t, err)

	next, ok := s.NextRelease(id)
	require.True(t, ok)
	assert.Equal(t, 4*ms, next)

	run(s, 5, 1, busy)
	samples := s.Samples(id)
	require.Len(t, samples, 1)
	assert.Equal(t, 5*ms, samples[0].Release)
}

func TestAdmissionString(t *testing.T) {
	for _, a := range []Admission{AdmitWarn, AdmitStrict, AdmitExact} {
		parsed, err := ParseAdmission(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	}

	def, err := ParseAdmission("")
	require.NoError(t, err)
	assert.Equal(t, AdmitWarn, def)

	_, err = ParseAdmission("lenient")
	assert.Error(t, err)
}
