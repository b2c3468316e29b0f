// Package registry stores the immutable descriptors of admitted tasks.
package registry

import (
	"errors"
	"fmt"
	"slices"

	"github.com/nadmax/rtsched/internal/task"
)

var (
	ErrInvalidParameters = errors.New("invalid task parameters")
	ErrTaskNotFound      = errors.New("task not found")
)

type Options struct {
	// AllowArbitraryDeadlines lifts the deadline <= period restriction.
	AllowArbitraryDeadlines bool
}

type Registry struct {
	opts   Options
	tasks  map[task.ID]task.Descriptor
	order  []task.ID
	nextID task.ID
}

func New(opts Options) *Registry {
	return &Registry{
		opts:   opts,
		tasks:  make(map[task.ID]task.Descriptor),
		nextID: 1,
	}
}

// Build validates spec and returns the descriptor Insert would store next.
// It does not mutate the registry.
func (r *Registry) Build(spec task.Spec) (task.Descriptor, error) {
	deadline := spec.RelativeDeadline
	if deadline == 0 {
		deadline = spec.Period
	}

	threshold := spec.ViolationThreshold
	if threshold == 0 {
		threshold = deadline
	}

	switch {
	case spec.Period <= 0:
		return task.Descriptor{}, fmt.Errorf("%w: period must be positive, got %s", ErrInvalidParameters, spec.Period)
	case deadline < 0:
		return task.Descriptor{}, fmt.Errorf("%w: deadline must be positive, got %s", ErrInvalidParameters, deadline)
	case deadline > spec.Period && !r.opts.AllowArbitraryDeadlines:
		return task.Descriptor{}, fmt.Errorf("%w: deadline %s exceeds period %s", ErrInvalidParameters, deadline, spec.Period)
	case spec.WCET <= 0:
		return task.Descriptor{}, fmt.Errorf("%w: wcet must be positive, got %s", ErrInvalidParameters, spec.WCET)
	case spec.WCET > deadline:
		return task.Descriptor{}, fmt.Errorf("%w: wcet %s exceeds deadline %s", ErrInvalidParameters, spec.WCET, deadline)
	case spec.Offset < 0:
		return task.Descriptor{}, fmt.Errorf("%w: offset must not be negative, got %s", ErrInvalidParameters, spec.Offset)
	case threshold < 0:
		return task.Descriptor{}, fmt.Errorf("%w: violation threshold must not be negative, got %s", ErrInvalidParameters, threshold)
	}

	id := r.nextID
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("task-%d", id)
	}

	return task.Descriptor{
		ID:                 id,
		Name:               name,
		Period:             spec.Period,
		RelativeDeadline:   deadline,
		WCET:               spec.WCET,
		Offset:             spec.Offset,
		Sporadic:           spec.Sporadic,
		BasePriority:       int64(spec.Period),
		ViolationThreshold: threshold,
	}, nil
}

// Insert stores a descriptor previously returned by Build.
func (r *Registry) Insert(d task.Descriptor) error {
	if d.ID != r.nextID {
		return fmt.Errorf("%w: descriptor id %d is stale, next id is %d", ErrInvalidParameters, d.ID, r.nextID)
	}

	r.tasks[d.ID] = d
	r.order = append(r.order, d.ID)
	r.nextID++
	return nil
}

func (r *Registry) Register(spec task.Spec) (task.Descriptor, error) {
	d, err := r.Build(spec)
	if err != nil {
		return task.Descriptor{}, err
	}

	if err := r.Insert(d); err != nil {
		return task.Descriptor{}, err
	}

	return d, nil
}

func (r *Registry) Deregister(id task.ID) error {
	if _, ok := r.tasks[id]; !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}

	delete(r.tasks, id)
	if i, found := slices.BinarySearch(r.order, id); found {
		r.order = slices.Delete(r.order, i, i+1)
	}

	return nil
}

func (r *Registry) Get(id task.ID) (task.Descriptor, bool) {
	d, ok := r.tasks[id]
	return d, ok
}

func (r *Registry) Len() int {
	return len(r.tasks)
}

// IDs returns registered ids in ascending order. The slice must not be modified.
func (r *Registry) IDs() []task.ID {
	return r.order
}

// List returns descriptors ordered by id.
func (r *Registry) List() []task.Descriptor {
	out := make([]task.Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id])
	}

	return out
}

// PriorityOrder returns ids from highest to lowest rate-monotonic priority.
func (r *Registry) PriorityOrder() []task.ID {
	list := r.List()
	slices.SortFunc(list, func(a, b task.Descriptor) int {
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

	ids := make([]task.ID, len(list))
	for i, d := range list {
		ids[i] = d.ID
	}

	return ids
}
