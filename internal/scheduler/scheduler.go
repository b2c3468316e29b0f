// Package scheduler is the tick-driven dispatcher. A single control goroutine
// owns a Scheduler and drives it through Tick; only the statistics board is
// safe to read from other goroutines.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nadmax/rtsched/internal/analysis"
	"github.com/nadmax/rtsched/internal/logging"
	"github.com/nadmax/rtsched/internal/metrics"
	"github.com/nadmax/rtsched/internal/queue"
	"github.com/nadmax/rtsched/internal/registry"
	"github.com/nadmax/rtsched/internal/report"
	"github.com/nadmax/rtsched/internal/task"
	"github.com/nadmax/rtsched/internal/timing"
)

// Executor runs task id for at most budget of logical time and reports how
// much it consumed. Values outside [0, budget] are clamped.
type Executor func(id task.ID, budget time.Duration) time.Duration

type State int

const (
	StateIdle State = iota
	StateDispatching
	StateExecuting
	StatePreempted
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateExecuting:
		return "executing"
	case StatePreempted:
		return "preempted"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	registry *registry.Registry
	ready    *queue.Queue
	timing   *timing.Instrumentation
	board    *report.Board
	analysis analysis.Report

	current *task.Job
	parked  map[task.ID]*task.Job
	// next holds the pending release time of each armed task. Idle sporadic
	// tasks have no entry.
	next        map[task.ID]time.Duration
	lastRelease map[task.ID]time.Duration

	now       time.Duration
	started   bool
	state     State
	executing bool

	onViolation func(Violation)
	onSample    func(timing.Sample)
}

func New(cfg Config, logger *slog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:         cfg,
		logger:      logging.OrDiscard(logger),
		registry:    registry.New(registry.Options{AllowArbitraryDeadlines: cfg.AllowArbitraryDeadlines}),
		ready:       queue.New(),
		timing:      timing.New(cfg.HistoryDepth),
		board:       report.NewBoard(),
		parked:      make(map[task.ID]*task.Job),
		next:        make(map[task.ID]time.Duration),
		lastRelease: make(map[task.ID]time.Duration),
	}
	s.analysis, _ = analysis.Check(nil, cfg.Policy)
	return s
}

func (s *Scheduler) Config() Config { return s.cfg }

// Board exposes the statistics board for readers on other goroutines.
func (s *Scheduler) Board() *report.Board { return s.board }

func (s *Scheduler) SetViolationHandler(fn func(Violation)) { s.onViolation = fn }

func (s *Scheduler) SetSampleHandler(fn func(timing.Sample)) { s.onSample = fn }

// Register validates spec, runs admission against the current task set and
// arms the first release at the current time plus the task's offset.
func (s *Scheduler) Register(spec task.Spec) (task.ID, error) {
	d, err := s.registry.Build(spec)
	if err != nil {
		metrics.RecordAdmissionRejected("invalid_parameters")
		return 0, err
	}

	candidate := append(s.registry.List(), d)
	rep, err := analysis.Check(candidate, s.cfg.Policy)
	if err != nil {
		if rerr := s.admit(d, rep, err); rerr != nil {
			return 0, rerr
		}
	}

	if err := s.registry.Insert(d); err != nil {
		return 0, err
	}
	s.analysis = rep
	s.timing.Track(d)
	if !d.Sporadic {
		s.next[d.ID] = s.now + d.Offset
	}

	metrics.UpdateTaskSet(s.registry.Len(), s.cfg.Policy.String(), rep.Utilization)
	s.timing.Publish(s.board)
	s.logger.Info("task registered",
		"task", d.Name,
		"id", d.ID,
		"period", d.Period,
		"deadline", d.RelativeDeadline,
		"wcet", d.WCET,
		"utilization", rep.Utilization,
	)

	return d.ID, nil
}

// admit decides whether a failed schedulability check is fatal for d.
func (s *Scheduler) admit(d task.Descriptor, rep analysis.Report, err error) error {
	switch {
	case errors.Is(err, analysis.ErrUtilizationExceedsOne):
		metrics.RecordAdmissionRejected("utilization_exceeds_one")
		return err
	case errors.Is(err, analysis.ErrUtilizationBoundExceeded):
		switch s.cfg.Admission {
		case AdmitStrict:
			metrics.RecordAdmissionRejected("utilization_bound_exceeded")
			return err
		case AdmitExact:
			if !rep.Feasible {
				metrics.RecordAdmissionRejected("response_time_analysis")
				return fmt.Errorf("%w: response-time analysis failed", err)
			}
		}
		metrics.RecordAdmissionWarning()
		s.logger.Warn("task set exceeds utilization bound, deadlines are not guaranteed",
			"task", d.Name,
			"utilization", rep.Utilization,
			"bound", rep.Bound,
			"feasible", rep.Feasible,
		)
		return nil
	default:
		return err
	}
}

// Deregister removes a task with no outstanding job.
func (s *Scheduler) Deregister(id task.ID) error {
	d, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if s.outstanding(id) {
		return fmt.Errorf("%w: %s", ErrTaskBusy, d.Name)
	}

	if err := s.registry.Deregister(id); err != nil {
		return err
	}
	delete(s.next, id)
	delete(s.lastRelease, id)
	s.timing.Forget(id)
	metrics.ForgetTask(d.Name)

	s.analysis, _ = analysis.Check(s.registry.List(), s.cfg.Policy)
	metrics.UpdateTaskSet(s.registry.Len(), s.cfg.Policy.String(), s.analysis.Utilization)
	s.timing.Publish(s.board)
	s.logger.Info("task deregistered", "task", d.Name, "id", id)
	return nil
}

// Trigger arms the next release of a sporadic task, no earlier than one
// period after its previous release.
func (s *Scheduler) Trigger(id task.ID) error {
	d, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if !d.Sporadic {
		return fmt.Errorf("%w: %s", ErrNotSporadic, d.Name)
	}
	if _, armed := s.next[id]; armed {
		return nil
	}

	at := s.now
	if last, ok := s.lastRelease[id]; ok {
		at = max(at, last+d.Period)
	}
	s.next[id] = at
	return nil
}

func (s *Scheduler) SetThreshold(id task.ID, threshold time.Duration) error {
	if err := s.timing.SetThreshold(id, threshold); err != nil {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}

	return nil
}

func (s *Scheduler) Threshold(id task.ID) (time.Duration, bool) {
	return s.timing.Threshold(id)
}

func (s *Scheduler) Task(id task.ID) (task.Descriptor, bool) {
	return s.registry.Get(id)
}

func (s *Scheduler) Tasks() []task.Descriptor {
	return s.registry.List()
}

// Analysis returns the schedulability report of the registered set.
func (s *Scheduler) Analysis() analysis.Report {
	return s.analysis
}

func (s *Scheduler) Now() time.Duration { return s.now }

func (s *Scheduler) State() State { return s.state }

func (s *Scheduler) Current() (task.ID, bool) {
	if s.current == nil {
		return 0, false
	}

	return s.current.TaskID, true
}

func (s *Scheduler) QueueLen() int { return s.ready.Len() }

// ReadyJobs returns the queued jobs in dispatch order.
func (s *Scheduler) ReadyJobs() []*task.Job { return s.ready.Jobs() }

// NextRelease reports when id is next released. Idle sporadic tasks report false.
func (s *Scheduler) NextRelease(id task.ID) (time.Duration, bool) {
	at, ok := s.next[id]
	return at, ok
}

func (s *Scheduler) Samples(id task.ID) []timing.Sample {
	return s.timing.Samples(id)
}

// Snapshot is safe to call from any goroutine.
func (s *Scheduler) Snapshot(id task.ID) (report.Statistics, bool) {
	return s.board.Snapshot(id)
}

// SnapshotAll is safe to call from any goroutine.
func (s *Scheduler) SnapshotAll() map[task.ID]report.Statistics {
	return s.board.SnapshotAll()
}

func (s *Scheduler) outstanding(id task.ID) bool {
	if s.current != nil && s.current.TaskID == id {
		return true
	}
	if _, ok := s.parked[id]; ok {
		return true
	}

	return s.ready.Contains(id)
}

func (s *Scheduler) lookup(id task.ID) *task.Job {
	if s.current != nil && s.current.TaskID == id {
		return s.current
	}
	if j, ok := s.parked[id]; ok {
		return j
	}
	if j, ok := s.ready.Get(id); ok {
		return j
	}

	return nil
}

func (s *Scheduler) invariant(msg string, args ...any) {
	if s.cfg.Debug {
		panic(fmt.Sprintf("scheduler: %s %v", msg, args))
	}

	s.logger.Error("scheduler invariant violated: "+msg, args...)
}
