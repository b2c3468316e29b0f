// Package loop drives a scheduler from the wall clock on a single control
// goroutine. Registration commands are serialized onto that goroutine and
// samples flow to the sinks through a bounded channel, so a slow sink never
// delays a tick.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nadmax/rtsched/internal/analysis"
	"github.com/nadmax/rtsched/internal/logging"
	"github.com/nadmax/rtsched/internal/metrics"
	"github.com/nadmax/rtsched/internal/report"
	"github.com/nadmax/rtsched/internal/scheduler"
	"github.com/nadmax/rtsched/internal/task"
	"github.com/nadmax/rtsched/internal/timing"
)

var ErrStopped = errors.New("control loop is not running")

// Sink receives scheduler events off the control goroutine.
type Sink interface {
	RecordTask(ctx context.Context, runID string, d task.Descriptor) error
	RecordSample(ctx context.Context, runID string, s timing.Sample) error
	RecordViolation(ctx context.Context, runID string, v scheduler.Violation) error
}

// Publisher receives periodic copies of the statistics board.
type Publisher interface {
	PublishSnapshot(ctx context.Context, runID string, stats map[task.ID]report.Statistics) error
}

type Config struct {
	// Interval is the wall-clock tick period. Zero uses the scheduler quantum.
	Interval        time.Duration
	SinkBuffer      int
	PublishInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		SinkBuffer:      1024,
		PublishInterval: time.Second,
	}
}

type event struct {
	task      *task.Descriptor
	sample    *timing.Sample
	violation *scheduler.Violation
}

type namedSink struct {
	name string
	sink Sink
}

type namedPublisher struct {
	name string
	pub  Publisher
}

type Loop struct {
	sched  *scheduler.Scheduler
	exec   scheduler.Executor
	config Config
	logger *slog.Logger
	runID  string

	cmds       chan func()
	events     chan event
	sinks      []namedSink
	publishers []namedPublisher

	onViolation func(scheduler.Violation)

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	epoch     time.Time
}

func New(sched *scheduler.Scheduler, exec scheduler.Executor, cfg Config, logger *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = sched.Config().Quantum
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = DefaultConfig().SinkBuffer
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = DefaultConfig().PublishInterval
	}

	l := &Loop{
		sched:  sched,
		exec:   exec,
		config: cfg,
		logger: logging.OrDiscard(logger).With("component", "loop"),
		runID:  uuid.New().String(),
		cmds:   make(chan func()),
		events: make(chan event, cfg.SinkBuffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	sched.SetSampleHandler(func(s timing.Sample) { l.enqueue(event{sample: &s}) })
	sched.SetViolationHandler(func(v scheduler.Violation) {
		l.enqueue(event{violation: &v})
		if l.onViolation != nil {
			l.onViolation(v)
		}
	})
	return l
}

func (l *Loop) RunID() string { return l.runID }

// Board is safe to read from any goroutine.
func (l *Loop) Board() *report.Board { return l.sched.Board() }

// AddSink must be called before Start.
func (l *Loop) AddSink(name string, s Sink) {
	l.sinks = append(l.sinks, namedSink{name: name, sink: s})
}

// AddPublisher must be called before Start.
func (l *Loop) AddPublisher(name string, p Publisher) {
	l.publishers = append(l.publishers, namedPublisher{name: name, pub: p})
}

// OnViolation registers fn to run synchronously on the control goroutine for
// every violation. It must be called before Start.
func (l *Loop) OnViolation(fn func(scheduler.Violation)) {
	l.onViolation = fn
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	err := ErrStopped
	l.startOnce.Do(func() {
		l.started.Store(true)
		err = l.run(ctx)
	})
	return err
}

func (l *Loop) run(ctx context.Context) error {
	l.epoch = time.Now()
	l.logger.Info("control loop started",
		"run_id", l.runID,
		"policy", l.sched.Config().Policy.String(),
		"interval", l.config.Interval,
	)

	sinkCtx, cancelSinks := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.drain(sinkCtx)
	}()
	go func() {
		defer wg.Done()
		l.publish(sinkCtx)
	}()

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("control loop stopping (context cancelled)")
			err = ctx.Err()
			break loop
		case <-l.stopCh:
			l.logger.Info("control loop stopping (stop called)")
			break loop
		case fn := <-l.cmds:
			fn()
		case <-ticker.C:
			l.tick()
		}
	}

	close(l.doneCh)
	close(l.events)
	cancelSinks()
	wg.Wait()
	l.flush(context.WithoutCancel(ctx))
	return err
}

func (l *Loop) tick() {
	start := time.Now()
	l.sched.Tick(start.Sub(l.epoch), l.exec)
	if time.Since(start) > l.config.Interval {
		metrics.RecordTickOverrun()
	}
}

// Stop waits for the loop and its sinks to finish.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	if l.started.Load() {
		<-l.doneCh
	}
}

func (l *Loop) enqueue(e event) {
	select {
	case l.events <- e:
	default:
		metrics.RecordSampleDropped("loop")
	}
}

func (l *Loop) drain(ctx context.Context) {
	for e := range l.events {
		l.dispatch(ctx, e)
	}
}

func (l *Loop) dispatch(ctx context.Context, e event) {
	for _, s := range l.sinks {
		var err error
		switch {
		case e.task != nil:
			err = s.sink.RecordTask(ctx, l.runID, *e.task)
		case e.sample != nil:
			err = s.sink.RecordSample(ctx, l.runID, *e.sample)
		case e.violation != nil:
			err = s.sink.RecordViolation(ctx, l.runID, *e.violation)
		}
		if err != nil {
			metrics.RecordSampleDropped(s.name)
			l.logger.Warn("sink failed", "sink", s.name, "error", err)
		}
	}
}

func (l *Loop) publish(ctx context.Context) {
	if len(l.publishers) == 0 {
		return
	}

	ticker := time.NewTicker(l.config.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.flush(ctx)
		}
	}
}

func (l *Loop) flush(ctx context.Context) {
	stats := l.Board().SnapshotAll()
	for _, p := range l.publishers {
		if err := p.pub.PublishSnapshot(ctx, l.runID, stats); err != nil {
			metrics.RecordSampleDropped(p.name)
			l.logger.Warn("publish failed", "publisher", p.name, "error", err)
		}
	}
}

// do runs fn on the control goroutine and waits for it.
func (l *Loop) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}

	select {
	case l.cmds <- wrapped:
	case <-l.doneCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	<-done
	return nil
}

// Register admits spec. Each setup function runs on the control goroutine
// after admission and before the first release can be dispatched. When one
// fails the task is deregistered again and that error is returned.
func (l *Loop) Register(ctx context.Context, spec task.Spec, setup ...func(task.Descriptor) error) (task.Descriptor, error) {
	var (
		d   task.Descriptor
		err error
	)
	if cerr := l.do(ctx, func() {
		var id task.ID
		if id, err = l.sched.Register(spec); err != nil {
			return
		}
		d, _ = l.sched.Task(id)

		for _, fn := range setup {
			if err = fn(d); err != nil {
				if derr := l.sched.Deregister(id); derr != nil {
					l.logger.Error("failed to roll back registration", "task_id", id, "error", derr)
				}
				d = task.Descriptor{}
				return
			}
		}
		l.enqueue(event{task: &d})
	}); cerr != nil {
		return task.Descriptor{}, cerr
	}

	return d, err
}

func (l *Loop) Deregister(ctx context.Context, id task.ID) error {
	var err error
	if cerr := l.do(ctx, func() { err = l.sched.Deregister(id) }); cerr != nil {
		return cerr
	}

	return err
}

func (l *Loop) Trigger(ctx context.Context, id task.ID) error {
	var err error
	if cerr := l.do(ctx, func() { err = l.sched.Trigger(id) }); cerr != nil {
		return cerr
	}

	return err
}

func (l *Loop) SetThreshold(ctx context.Context, id task.ID, threshold time.Duration) error {
	var err error
	if cerr := l.do(ctx, func() { err = l.sched.SetThreshold(id, threshold) }); cerr != nil {
		return cerr
	}

	return err
}

func (l *Loop) Task(ctx context.Context, id task.ID) (task.Descriptor, bool, error) {
	var (
		d  task.Descriptor
		ok bool
	)
	err := l.do(ctx, func() { d, ok = l.sched.Task(id) })
	return d, ok, err
}

func (l *Loop) Tasks(ctx context.Context) ([]task.Descriptor, error) {
	var list []task.Descriptor
	err := l.do(ctx, func() { list = l.sched.Tasks() })
	return list, err
}

func (l *Loop) Analysis(ctx context.Context) (analysis.Report, error) {
	var r analysis.Report
	err := l.do(ctx, func() { r = l.sched.Analysis() })
	return r, err
}

func (l *Loop) Samples(ctx context.Context, id task.ID) ([]timing.Sample, error) {
	var samples []timing.Sample
	err := l.do(ctx, func() { samples = l.sched.Samples(id) })
	return samples, err
}
