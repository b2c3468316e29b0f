// Package worker maps scheduled tasks onto named work functions and exposes
// them to the dispatcher as a single executor.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nadmax/rtsched/internal/logging"
	"github.com/nadmax/rtsched/internal/task"
)

var ErrUnknownHandler = errors.New("no handler registered")

// TaskHandler performs at most budget of work for task id and reports how
// much it used. An error is logged; the reported time is still charged.
type TaskHandler func(id task.ID, budget time.Duration) (time.Duration, error)

type Worker struct {
	id       string
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]TaskHandler
	bindings map[task.ID]string
	fallback string
}

func NewWorker(id string, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		logger:   logging.OrDiscard(logger).With("component", "worker", "worker_id", id),
		handlers: make(map[string]TaskHandler),
		bindings: make(map[task.ID]string),
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) RegisterHandler(name string, handler TaskHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.handlers[name] = handler
}

// Handlers returns the registered handler names, sorted.
func (w *Worker) Handlers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.handlers))
	for name := range w.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SetDefault selects the handler for tasks without a binding. An empty name
// restores plain simulation, where every budget is consumed in full.
func (w *Worker) SetDefault(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if name != "" {
		if _, ok := w.handlers[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownHandler, name)
		}
	}

	w.fallback = name
	return nil
}

func (w *Worker) Bind(id task.ID, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.handlers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}

	w.bindings[id] = name
	return nil
}

func (w *Worker) Unbind(id task.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.bindings, id)
}

func (w *Worker) Binding(id task.ID) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	name, ok := w.bindings[id]
	return name, ok
}

// Execute matches scheduler.Executor.
func (w *Worker) Execute(id task.ID, budget time.Duration) time.Duration {
	w.mu.RLock()
	name, ok := w.bindings[id]
	if !ok {
		name = w.fallback
	}
	handler := w.handlers[name]
	w.mu.RUnlock()

	if handler == nil {
		return budget
	}

	used, err := handler(id, budget)
	if err != nil {
		w.logger.Warn("handler failed", "task_id", id, "handler", name, "error", err)
	}

	return used
}
