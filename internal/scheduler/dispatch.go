package scheduler

import (
	"time"

	"github.com/nadmax/rtsched/internal/metrics"
	"github.com/nadmax/rtsched/internal/policy"
	"github.com/nadmax/rtsched/internal/task"
	"github.com/nadmax/rtsched/internal/timing"
)

// Tick advances the scheduler to logical time now: due releases, then one
// dispatch decision, then at most one quantum of execution through exec.
// A now earlier than the previous tick is logged and ignored.
func (s *Scheduler) Tick(now time.Duration, exec Executor) {
	start := time.Now()
	defer func() { metrics.RecordTick(time.Since(start)) }()

	if s.started && now < s.now {
		s.logger.Warn("tick time went backwards, ignoring", "now", now, "last", s.now)
		return
	}
	s.now, s.started = now, true

	s.releaseDue(now)
	s.dispatch()
	if s.current == nil {
		s.state = StateIdle
	} else {
		s.execute(now, exec)
	}

	s.timing.Publish(s.board)
	metrics.UpdateReadyQueueDepth(s.ready.Len())
}

func (s *Scheduler) releaseDue(now time.Duration) {
	for _, id := range s.registry.IDs() {
		next, armed := s.next[id]
		if !armed || next > now {
			continue
		}
		d, _ := s.registry.Get(id)

		stale := s.supersede(d, now)

		job := task.NewJob(d, now)
		job.Key = policy.ComputeKey(s.cfg.Policy, d, job)
		// A boost belongs to the task while it holds a resource, not to one job.
		if stale != nil && stale.Boost != nil {
			boost := *stale.Boost
			job.Boost = &boost
		}
		s.timing.RecordRelease(job)
		s.lastRelease[id] = now
		s.ready.Push(job)
		metrics.RecordRelease(d.Name)

		if d.Sporadic {
			delete(s.next, id)
			continue
		}
		// Releases missed while the loop was stalled collapse into this one.
		s.next[id] = next + ((now-next)/d.Period+1)*d.Period
	}
}

// supersede discards the pending job of d, if any, before a new release, and
// returns it.
func (s *Scheduler) supersede(d task.Descriptor, now time.Duration) *task.Job {
	var stale *task.Job
	if s.current != nil && s.current.TaskID == d.ID {
		stale, s.current = s.current, nil
	} else if j, ok := s.ready.Remove(d.ID); ok {
		stale = j
	} else if j, ok := s.parked[d.ID]; ok {
		stale = j
		delete(s.parked, d.ID)
	}
	if stale == nil {
		return nil
	}

	sample, ok := s.timing.RecordSuperseded(stale, now)
	if !ok {
		s.invariant("superseded job of untracked task", "task", d.ID)
		return stale
	}
	s.logger.Warn("job still pending at next release, discarding",
		"task", d.Name,
		"release", stale.Release,
		"deadline", stale.AbsoluteDeadline,
		"remaining", stale.Remaining,
	)
	s.emit(d, sample, DoubleRelease)
	return stale
}

// dispatch selects the job to run this tick. A running job keeps the
// processor unless the queue head has a strictly smaller effective key.
func (s *Scheduler) dispatch() {
	s.state = StateDispatching
	for {
		head, ok := s.ready.Peek()
		switch {
		case !ok:
		case s.current == nil:
			s.current, _ = s.ready.PopMin()
		case head.EffectiveKey().Less(s.current.EffectiveKey()):
			prev := s.current
			prev.State = task.StatePreempted
			s.ready.Push(prev)
			s.state = StatePreempted
			if d, ok := s.registry.Get(prev.TaskID); ok {
				metrics.RecordPreemption(d.Name)
			}
			s.current, _ = s.ready.PopMin()
		}

		if s.current == nil {
			return
		}
		if _, ok := s.registry.Get(s.current.TaskID); ok {
			return
		}
		s.invariant("dispatched job of unregistered task", "task", s.current.TaskID)
		s.current = nil
	}
}

func (s *Scheduler) execute(now time.Duration, exec Executor) {
	job := s.current
	s.state = StateExecuting
	job.State = task.StateExecuting
	s.timing.RecordStart(job, now)

	budget := min(job.Remaining, s.cfg.Quantum)
	consumed := budget
	if exec != nil {
		s.executing = true
		consumed = exec(job.TaskID, budget)
		s.executing = false
	}
	consumed = max(0, min(consumed, budget))
	job.Remaining -= consumed

	switch {
	case job.Done():
		s.complete(job, now+consumed)
	case job.State == task.StateBlocked:
		s.parked[job.TaskID] = job
		s.current = nil
	}
}

func (s *Scheduler) complete(job *task.Job, at time.Duration) {
	s.current = nil
	s.state = StateCompleted

	d, ok := s.registry.Get(job.TaskID)
	if !ok {
		s.invariant("completed job of unregistered task", "task", job.TaskID)
		return
	}
	sample, ok := s.timing.RecordCompletion(job, at)
	if !ok {
		s.invariant("completed job of untracked task", "task", job.TaskID)
		return
	}

	metrics.RecordCompletion(d.Name, sample.Latency)
	if st, ok := s.timing.Statistics(job.TaskID); ok {
		metrics.UpdateJitter(d.Name, st.JitterStdDev)
	}

	switch {
	case sample.Missed:
		s.logger.Warn("deadline missed",
			"task", d.Name,
			"release", sample.Release,
			"deadline", job.AbsoluteDeadline,
			"completion", at,
		)
		s.emit(d, sample, DeadlineMissed)
	case sample.Violation:
		s.emit(d, sample, ThresholdExceeded)
	default:
		s.emit(d, sample, "")
	}
}

// emit forwards a sample and, when kind is set, the matching violation.
func (s *Scheduler) emit(d task.Descriptor, sample timing.Sample, kind ViolationKind) {
	if s.onSample != nil {
		s.onSample(sample)
	}
	if kind == "" {
		return
	}

	metrics.RecordViolation(d.Name, string(kind))
	if s.onViolation != nil {
		s.onViolation(Violation{
			Kind:     kind,
			TaskID:   d.ID,
			Task:     d.Name,
			Release:  sample.Release,
			Deadline: sample.Release + d.RelativeDeadline,
			At:       sample.Completion,
			Latency:  sample.Latency,
		})
	}
}
