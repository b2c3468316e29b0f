package scheduler

import (
	"testing"
	"time"

	"github.com/nadmax/rtsched/internal/inherit"
	"github.com/nadmax/rtsched/internal/policy"
	"github.com/nadmax/rtsched/internal/task"
	"github.com/nadmax/rtsched/internal/timing"
	"github.com/nadmax/rtsched/internal/worker/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTick_ThreeTaskScenario(t *testing.T) {
	for _, p := range []policy.Policy{policy.RMS, policy.EDF} {
		t.Run(p.String(), func(t *testing.T) {
			s := setupTestScheduler(t, p)

			ids := make([]task.ID, 0, 3)
			for _, sp := range []task.Spec{
				periodic("T1", 10*ms, 2*ms),
				periodic("T2", 20*ms, 3*ms),
				periodic("T3", 40*ms, 5*ms),
			} {
				id, err := s.Register(sp)
				require.NoError(t, err)
				ids = append(ids, id)
			}
			assert.InDelta(t, 0.475, s.Analysis().Utilization, 1e-9)
			assert.True(t, s.Analysis().Admitted)

			var violations []Violation
			s.SetViolationHandler(func(v Violation) { violations = append(violations, v) })

			run(s, 0, 1000, busy)

			assert.Empty(t, violations)
			all := s.SnapshotAll()
			require.Len(t, all, 3)
			assert.Equal(t, uint64(100), all[ids[0]].Count)
			assert.Equal(t, uint64(50), all[ids[1]].Count)
			assert.Equal(t, uint64(25), all[ids[2]].Count)
			for _, id := range ids {
				d, _ := s.Task(id)
				st := all[id]
				assert.Zero(t, st.DeadlineMisses, d.Name)
				assert.LessOrEqual(t, st.MaxLatency, d.RelativeDeadline, d.Name)
				assert.GreaterOrEqual(t, st.MinLatency, d.WCET, d.Name)
			}
			// T1 always has the earliest key, so it is never delayed.
			assert.Equal(t, 2*ms, all[ids[0]].MaxLatency)
		})
	}
}

func TestTick_Preemption(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	slow, err := s.Register(periodic("slow", 40*ms, 10*ms))
	require.NoError(t, err)
	fast, err := s.Register(task.Spec{Name: "fast", Period: 10 * ms, WCET: 2 * ms, Offset: 3 * ms})
	require.NoError(t, err)

	var order []task.ID
	exec := func(id task.ID, budget time.Duration) time.Duration {
		order = append(order, id)
		return budget
	}
	run(s, 0, 15, exec)

	expected := []task.ID{slow, slow, slow, fast, fast, slow, slow, slow, slow, slow, slow, slow, fast, fast}
	assert.Equal(t, expected, order)

	samples := s.Samples(slow)
	require.Len(t, samples, 1)
	assert.Equal(t, 12*ms, samples[0].Completion)
	assert.Equal(t, time.Duration(0), samples[0].Start)
}

func TestTick_EDFFullUtilization(t *testing.T) {
	s := setupTestScheduler(t, policy.EDF)

	a, err := s.Register(periodic("a", 4*ms, 2*ms))
	require.NoError(t, err)
	b, err := s.Register(periodic("b", 6*ms, 3*ms))
	require.NoError(t, err)

	run(s, 0, 1200, busy)

	all := s.SnapshotAll()
	assert.Equal(t, uint64(300), all[a].Count)
	assert.Equal(t, uint64(200), all[b].Count)
	assert.Zero(t, all[a].DeadlineMisses)
	assert.Zero(t, all[b].DeadlineMisses)
}

func TestTick_RMSOverloadMisses(t *testing.T) {
	// The same set that EDF schedules at U = 1 is not RMS-schedulable.
	s := setupTestScheduler(t, policy.RMS)

	_, err := s.Register(periodic("a", 4*ms, 2*ms))
	require.NoError(t, err)
	b, err := s.Register(periodic("b", 6*ms, 3*ms))
	require.NoError(t, err)

	var kinds []ViolationKind
	s.SetViolationHandler(func(v Violation) { kinds = append(kinds, v.Kind) })

	run(s, 0, 120, busy)

	st, _ := s.Snapshot(b)
	assert.NotZero(t, st.DeadlineMisses)
	assert.Contains(t, kinds, DoubleRelease)
}

func TestTick_Overrun(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(periodic("stuck", 10*ms, 2*ms))
	require.NoError(t, err)

	var violations []Violation
	s.SetViolationHandler(func(v Violation) { violations = append(violations, v) })

	stalled := func(task.ID, time.Duration) time.Duration { return 0 }
	for i := range 26 {
		s.Tick(time.Duration(i)*ms, stalled)
		pending := s.QueueLen()
		if _, running := s.Current(); running {
			pending++
		}
		assert.LessOrEqual(t, pending, 1, "at most one outstanding job per task")
	}

	require.Len(t, violations, 2)
	for _, v := range violations {
		assert.Equal(t, DoubleRelease, v.Kind)
		assert.Equal(t, id, v.TaskID)
	}
	assert.Equal(t, 10*ms, violations[0].Deadline)
	assert.Equal(t, 10*ms, violations[0].At)

	st, _ := s.Snapshot(id)
	assert.Equal(t, uint64(2), st.DoubleReleases)
	assert.Equal(t, uint64(2), st.DeadlineMisses)
	assert.Zero(t, st.Count)
}

func TestTick_LateCompletion(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(task.Spec{Name: "tight", Period: 10 * ms, RelativeDeadline: 3 * ms, WCET: 3 * ms})
	require.NoError(t, err)

	var violations []Violation
	s.SetViolationHandler(func(v Violation) { violations = append(violations, v) })

	// Half a quantum of progress per tick: 3ms of work ends at 5.5ms.
	half := func(_ task.ID, budget time.Duration) time.Duration { return min(budget, ms/2) }
	run(s, 0, 10, half)

	require.Len(t, violations, 1)
	assert.Equal(t, DeadlineMissed, violations[0].Kind)
	assert.Equal(t, id, violations[0].TaskID)
	assert.Equal(t, 5*ms+500*time.Microsecond, violations[0].Latency)

	samples := s.Samples(id)
	require.Len(t, samples, 1)
	assert.True(t, samples[0].Missed)
	assert.Equal(t, 5*ms+500*time.Microsecond, samples[0].Completion)

	st, _ := s.Snapshot(id)
	assert.Equal(t, uint64(1), st.DeadlineMisses)
	assert.Zero(t, st.DoubleReleases)
}

func TestTick_FractionHandlerCompletes(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(periodic("half", 10*ms, 2*ms))
	require.NoError(t, err)

	half, err := handlers.Fraction(0.5, s.Config().Quantum)
	require.NoError(t, err)
	exec := func(tid task.ID, budget time.Duration) time.Duration {
		used, _ := half(tid, budget)
		return used
	}

	var violations []Violation
	s.SetViolationHandler(func(v Violation) { violations = append(violations, v) })

	run(s, 0, 100, exec)

	assert.Empty(t, violations)
	st, ok := s.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, uint64(10), st.Count)
	assert.Zero(t, st.DoubleReleases)
	assert.Zero(t, st.DeadlineMisses)
	assert.Equal(t, 3*ms+500*time.Microsecond, st.MaxLatency)
	_, running := s.Current()
	assert.False(t, running)
}

func TestTick_ClampsConsumed(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(periodic("greedy", 10*ms, 3*ms))
	require.NoError(t, err)

	greedy := func(task.ID, time.Duration) time.Duration { return time.Hour }
	run(s, 0, 3, greedy)

	samples := s.Samples(id)
	require.Len(t, samples, 1)
	assert.Equal(t, 3*ms, samples[0].Completion)
}

func TestTick_NilExecutorConsumesBudget(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(periodic("control", 10*ms, 2*ms))
	require.NoError(t, err)

	run(s, 0, 2, nil)
	assert.Len(t, s.Samples(id), 1)
}

func TestTick_Jitter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quantum = 3 * ms
	cfg.HistoryDepth = 128
	cfg.Debug = true
	s := New(cfg, nil)

	id, err := s.Register(periodic("sensor", 10*ms, ms))
	require.NoError(t, err)

	// Ticks every 3ms cannot hit every 10ms boundary exactly.
	for i := range 334 {
		s.Tick(time.Duration(i)*cfg.Quantum, busy)
	}

	samples := s.Samples(id)
	require.Len(t, samples, 100)
	for _, sample := range samples[1:] {
		require.True(t, sample.HasPeriod)
		assert.InDelta(t, float64(10*ms), float64(sample.PeriodActual), float64(cfg.Quantum))
	}

	st, _ := s.Snapshot(id)
	assert.LessOrEqual(t, st.JitterMean.Abs(), cfg.Quantum)
	assert.LessOrEqual(t, st.JitterStdDev, cfg.Quantum)
	assert.NotZero(t, st.JitterStdDev)
}

func TestTick_ExactTicksHaveNoJitter(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(periodic("sensor", 10*ms, ms))
	require.NoError(t, err)

	run(s, 0, 1000, busy)

	st, _ := s.Snapshot(id)
	assert.Equal(t, uint64(100), st.Count)
	assert.Zero(t, st.JitterMean)
	assert.Zero(t, st.JitterStdDev)
}

func TestTick_SkippedReleasesCollapse(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(periodic("control", 10*ms, ms))
	require.NoError(t, err)

	s.Tick(0, busy)
	s.Tick(35*ms, busy)

	samples := s.Samples(id)
	require.Len(t, samples, 2)
	assert.Equal(t, 35*ms, samples[1].Release)
	next, _ := s.NextRelease(id)
	assert.Equal(t, 40*ms, next)
}

func TestTick_NonMonotonicIgnored(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	id, err := s.Register(periodic("control", 10*ms, 2*ms))
	require.NoError(t, err)

	s.Tick(5*ms, busy)
	s.Tick(3*ms, busy)
	assert.Equal(t, 5*ms, s.Now())

	_, running := s.Current()
	assert.True(t, running, "the ignored tick must not consume budget")
	s.Tick(6*ms, busy)
	assert.Len(t, s.Samples(id), 1)
}

func TestTick_Deterministic(t *testing.T) {
	trace := func() []task.ID {
		s := setupTestScheduler(t, policy.EDF)
		for _, sp := range []task.Spec{
			periodic("a", 7*ms, 2*ms),
			periodic("b", 11*ms, 3*ms),
			periodic("c", 13*ms, 4*ms),
		} {
			_, err := s.Register(sp)
			require.NoError(t, err)
		}

		var out []task.ID
		run(s, 0, 1001, func(id task.ID, budget time.Duration) time.Duration {
			out = append(out, id)
			return budget
		})
		return out
	}

	first := trace()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, trace())
}

func TestTick_SampleHandler(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	_, err := s.Register(periodic("control", 10*ms, 2*ms))
	require.NoError(t, err)

	var samples []timing.Sample
	s.SetSampleHandler(func(sample timing.Sample) { samples = append(samples, sample) })

	run(s, 0, 50, busy)
	assert.Len(t, samples, 5)
}

func TestTick_PriorityInheritance(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	low, err := s.Register(periodic("low", 100*ms, 10*ms))
	require.NoError(t, err)
	mid, err := s.Register(task.Spec{Name: "mid", Period: 50 * ms, WCET: 25 * ms, Offset: ms})
	require.NoError(t, err)
	high, err := s.Register(task.Spec{Name: "high", Period: 20 * ms, WCET: 2 * ms, Offset: 2 * ms})
	require.NoError(t, err)

	bus := inherit.NewBoostableResource("bus", s)
	held := map[task.ID]time.Duration{}
	// low and high hold the bus for their whole job.
	withBus := func(id task.ID, wcet, budget time.Duration) time.Duration {
		if _, err := bus.TryAcquire(id); err != nil {
			return 0
		}
		held[id] += budget
		if held[id] >= wcet {
			held[id] = 0
			require.NoError(t, bus.Release(id))
		}
		return budget
	}

	order := make([]task.ID, 0, 20)
	exec := func(id task.ID, budget time.Duration) time.Duration {
		order = append(order, id)
		switch id {
		case low:
			return withBus(id, 10*ms, budget)
		case high:
			return withBus(id, 2*ms, budget)
		default:
			return budget
		}
	}

	run(s, 0, 3, exec)
	assert.Equal(t, []task.ID{low, mid, high}, order)
	assert.Equal(t, []task.ID{high}, bus.Waiters())

	highKey := task.Key{Value: int64(20 * ms), Task: high}
	key, ok := s.EffectiveKey(low)
	require.True(t, ok)
	assert.Equal(t, highKey, key, "the holder inherits the waiter's priority")

	run(s, 3, 11, exec)
	for i := 3; i <= 11; i++ {
		assert.Equal(t, low, order[i], "tick %d: boosted holder runs ahead of mid", i)
	}
	assert.Equal(t, high, order[12])
	assert.Equal(t, high, order[13])

	key, _ = s.EffectiveKey(mid)
	assert.Equal(t, task.Key{Value: int64(50 * ms), Task: mid}, key)

	samples := s.Samples(high)
	require.Len(t, samples, 1)
	assert.Equal(t, 12*ms, samples[0].Latency)
	assert.False(t, samples[0].Missed)

	run(s, 14, 86, exec)
	for _, id := range []task.ID{low, mid, high} {
		st, _ := s.Snapshot(id)
		assert.Zero(t, st.DeadlineMisses, "task %d", id)
	}
}

func TestTick_SupersededHolderKeepsBoost(t *testing.T) {
	s := setupTestScheduler(t, policy.EDF)

	low, err := s.Register(periodic("low", 10*ms, 2*ms))
	require.NoError(t, err)
	high, err := s.Register(task.Spec{Name: "high", Period: 50 * ms, RelativeDeadline: 3 * ms, WCET: ms, Offset: ms})
	require.NoError(t, err)

	bus := inherit.NewBoostableResource("bus", s)
	// low takes the bus and never makes progress, so its job is still
	// pending at the next release.
	exec := func(id task.ID, budget time.Duration) time.Duration {
		if _, err := bus.TryAcquire(id); err != nil {
			return 0
		}
		if id == low {
			return 0
		}
		return budget
	}

	run(s, 0, 10, exec)
	boosted := task.Key{Value: int64(4 * ms), Task: high}
	key, ok := s.EffectiveKey(low)
	require.True(t, ok)
	require.Equal(t, boosted, key)

	s.Tick(10*ms, exec)

	st, _ := s.Snapshot(low)
	assert.Equal(t, uint64(1), st.DoubleReleases)
	holder, held := bus.Holder()
	assert.True(t, held)
	assert.Equal(t, low, holder)
	assert.Equal(t, []task.ID{high}, bus.Waiters())

	key, ok = s.EffectiveKey(low)
	require.True(t, ok)
	assert.Equal(t, boosted, key, "the replacement job inherits the holder's boost")

	require.NoError(t, bus.Release(low))
	key, _ = s.EffectiveKey(low)
	assert.Equal(t, task.Key{Value: int64(20 * ms), Task: low}, key)
}

func TestBlockOutsideExecutorPanicsInDebug(t *testing.T) {
	s := setupTestScheduler(t, policy.RMS)

	assert.Panics(t, func() { s.Block(1) })
}
