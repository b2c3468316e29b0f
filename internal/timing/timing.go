// Package timing records release, start and completion timestamps per task and
// derives latency and jitter statistics from them.
package timing

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nadmax/rtsched/internal/report"
	"github.com/nadmax/rtsched/internal/task"
)

const DefaultDepth = 64

var ErrNotTracked = errors.New("task is not tracked")

// Sample is the timing record of one finished job instance. Superseded
// samples describe a stale instance replaced by the next release of its task;
// their Completion is the time of replacement.
type Sample struct {
	TaskID       task.ID       `json:"task_id"`
	Release      time.Duration `json:"release_ns"`
	Start        time.Duration `json:"start_ns"`
	Started      bool          `json:"started"`
	Completion   time.Duration `json:"completion_ns"`
	Latency      time.Duration `json:"latency_ns"`
	PeriodActual time.Duration `json:"period_actual_ns"`
	HasPeriod    bool          `json:"has_period"`
	Missed       bool          `json:"missed"`
	Superseded   bool          `json:"superseded"`
	Violation    bool          `json:"violation"`
}

type series struct {
	desc        task.Descriptor
	threshold   time.Duration
	history     *Ring[Sample]
	lastRelease time.Duration
	released    bool
	latency     running
	jitter      running
	violations  uint64
	misses      uint64
	doubles     uint64
}

// Instrumentation must only be used from the dispatcher goroutine.
type Instrumentation struct {
	depth  int
	series map[task.ID]*series
	dirty  bool
}

func New(depth int) *Instrumentation {
	if depth <= 0 {
		depth = DefaultDepth
	}

	return &Instrumentation{
		depth:  depth,
		series: make(map[task.ID]*series),
		dirty:  true,
	}
}

func (in *Instrumentation) Depth() int {
	return in.depth
}

func (in *Instrumentation) Track(d task.Descriptor) {
	in.series[d.ID] = &series{
		desc:      d,
		threshold: d.ViolationThreshold,
		history:   NewRing[Sample](in.depth),
	}
	in.dirty = true
}

func (in *Instrumentation) Forget(id task.ID) {
	delete(in.series, id)
	in.dirty = true
}

func (in *Instrumentation) SetThreshold(id task.ID, threshold time.Duration) error {
	s, ok := in.series[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotTracked, id)
	}
	if threshold <= 0 {
		threshold = s.desc.RelativeDeadline
	}

	s.threshold = threshold
	in.dirty = true
	return nil
}

func (in *Instrumentation) Threshold(id task.ID) (time.Duration, bool) {
	s, ok := in.series[id]
	if !ok {
		return 0, false
	}

	return s.threshold, true
}

// RecordRelease stamps job with the time elapsed since the previous release
// of the same task.
func (in *Instrumentation) RecordRelease(job *task.Job) {
	s, ok := in.series[job.TaskID]
	if !ok {
		return
	}

	if s.released {
		job.PeriodActual = job.Release - s.lastRelease
		job.HasPeriod = true
	}
	s.lastRelease = job.Release
	s.released = true
}

func (in *Instrumentation) RecordStart(job *task.Job, at time.Duration) {
	if job.Started {
		return
	}

	job.Started = true
	job.StartedAt = at
}

// RecordCompletion folds a completed job into the task statistics.
func (in *Instrumentation) RecordCompletion(job *task.Job, at time.Duration) (Sample, bool) {
	s, ok := in.series[job.TaskID]
	if !ok {
		return Sample{}, false
	}

	sample := newSample(job, at)
	sample.Missed = job.LateAt(at)
	sample.Violation = sample.Missed || sample.Latency > s.threshold

	s.latency.add(float64(sample.Latency))
	if job.HasPeriod {
		s.jitter.add(float64(job.PeriodActual - s.desc.Period))
	}
	if sample.Violation {
		s.violations++
	}
	if sample.Missed {
		s.misses++
		job.State = task.StateMissedDeadline
	} else {
		job.State = task.StateCompleted
	}

	s.history.Push(sample)
	in.dirty = true
	return sample, true
}

// RecordSuperseded records the deadline miss of a job that was still pending
// when its task released again.
func (in *Instrumentation) RecordSuperseded(job *task.Job, at time.Duration) (Sample, bool) {
	s, ok := in.series[job.TaskID]
	if !ok {
		return Sample{}, false
	}

	sample := newSample(job, at)
	sample.Missed = true
	sample.Superseded = true
	sample.Violation = true

	s.violations++
	s.misses++
	s.doubles++
	job.State = task.StateMissedDeadline

	s.history.Push(sample)
	in.dirty = true
	return sample, true
}

func newSample(job *task.Job, at time.Duration) Sample {
	return Sample{
		TaskID:       job.TaskID,
		Release:      job.Release,
		Start:        job.StartedAt,
		Started:      job.Started,
		Completion:   at,
		Latency:      at - job.Release,
		PeriodActual: job.PeriodActual,
		HasPeriod:    job.HasPeriod,
	}
}

// Samples returns the retained history of a task, oldest first.
func (in *Instrumentation) Samples(id task.ID) []Sample {
	s, ok := in.series[id]
	if !ok {
		return nil
	}

	return s.history.Items()
}

func (in *Instrumentation) Statistics(id task.ID) (report.Statistics, bool) {
	s, ok := in.series[id]
	if !ok {
		return report.Statistics{}, false
	}

	return s.statistics(), true
}

func (s *series) statistics() report.Statistics {
	st := report.Statistics{
		TaskID:         s.desc.ID,
		Name:           s.desc.Name,
		Count:          s.latency.n,
		Violations:     s.violations,
		DeadlineMisses: s.misses,
		DoubleReleases: s.doubles,
	}

	if s.latency.n > 0 {
		st.MinLatency = nanos(s.latency.min)
		st.MaxLatency = nanos(s.latency.max)
		st.MeanLatency = nanos(s.latency.mean)
	}
	if s.jitter.n > 0 {
		st.JitterMean = nanos(s.jitter.mean)
		st.JitterStdDev = nanos(s.jitter.stddev())
	}

	return st
}

// Publish commits the current aggregates to board if anything changed since
// the last call.
func (in *Instrumentation) Publish(board *report.Board) bool {
	if !in.dirty {
		return false
	}

	stats := make(map[task.ID]report.Statistics, len(in.series))
	for id, s := range in.series {
		stats[id] = s.statistics()
	}

	board.Publish(stats)
	in.dirty = false
	return true
}

func nanos(v float64) time.Duration {
	return time.Duration(math.Round(v))
}
