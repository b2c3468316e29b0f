// Package inherit provides a priority-inheritance resource for work executed
// inside scheduler callbacks. While a task holds the resource and another task
// waits for it, the holder runs with the best waiter's ordering key, so work
// of intermediate priority cannot keep the holder, and transitively the
// waiter, off the processor.
package inherit

import (
	"errors"
	"fmt"
	"slices"

	"github.com/nadmax/rtsched/internal/task"
)

var (
	ErrWouldBlock = errors.New("resource held by another task")
	ErrNotHolder  = errors.New("task does not hold the resource")
)

// Booster is implemented by the scheduler. All calls happen on the dispatcher
// goroutine, from inside executor callbacks.
type Booster interface {
	EffectiveKey(id task.ID) (task.Key, bool)
	Boost(id task.ID, key task.Key)
	Unboost(id task.ID)
	Block(id task.ID)
	Wake(id task.ID)
}

// BoostableResource guards a value of type T. A holder is expected to keep at
// most one boostable resource at a time: releasing clears its whole boost.
type BoostableResource[T any] struct {
	value   T
	booster Booster
	holder  task.ID
	held    bool
	waiters []task.ID
}

func NewBoostableResource[T any](value T, b Booster) *BoostableResource[T] {
	return &BoostableResource[T]{value: value, booster: b}
}

// TryAcquire grants the resource to id, or records id as a waiter, blocks it
// and boosts the current holder. Acquisition is reentrant.
func (r *BoostableResource[T]) TryAcquire(id task.ID) (*T, error) {
	if !r.held {
		r.holder = id
		r.held = true
		r.waiters = slices.DeleteFunc(r.waiters, func(w task.ID) bool { return w == id })
		return &r.value, nil
	}

	if r.holder == id {
		return &r.value, nil
	}

	if !slices.Contains(r.waiters, id) {
		r.waiters = append(r.waiters, id)
	}
	r.booster.Block(id)
	r.boostHolder()
	return nil, fmt.Errorf("%w: held by task %d", ErrWouldBlock, r.holder)
}

// Release hands the resource back, restores the holder's own key and wakes
// every waiter so they compete again by priority.
func (r *BoostableResource[T]) Release(id task.ID) error {
	if !r.held || r.holder != id {
		return fmt.Errorf("%w: task %d", ErrNotHolder, id)
	}

	r.held = false
	r.booster.Unboost(id)

	waiters := r.waiters
	r.waiters = nil
	for _, w := range waiters {
		r.booster.Wake(w)
	}

	return nil
}

// Withdraw drops id from the waiters, for example after its task was
// deregistered or its job was superseded.
func (r *BoostableResource[T]) Withdraw(id task.ID) {
	before := len(r.waiters)
	r.waiters = slices.DeleteFunc(r.waiters, func(w task.ID) bool { return w == id })
	if len(r.waiters) == before || !r.held {
		return
	}

	r.booster.Unboost(r.holder)
	r.boostHolder()
}

func (r *BoostableResource[T]) boostHolder() {
	var best task.Key
	found := false
	for _, w := range r.waiters {
		k, ok := r.booster.EffectiveKey(w)
		if !ok {
			continue
		}
		if !found || k.Less(best) {
			best, found = k, true
		}
	}

	if found {
		r.booster.Boost(r.holder, best)
	}
}

func (r *BoostableResource[T]) Holder() (task.ID, bool) {
	return r.holder, r.held
}

// EffectiveKey is the key the holder is currently scheduled with.
func (r *BoostableResource[T]) EffectiveKey() (task.Key, bool) {
	if !r.held {
		return task.Key{}, false
	}

	return r.booster.EffectiveKey(r.holder)
}

func (r *BoostableResource[T]) Waiters() []task.ID {
	return slices.Clone(r.waiters)
}
