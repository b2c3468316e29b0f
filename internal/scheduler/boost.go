package scheduler

import "github.com/nadmax/rtsched/internal/task"

// The methods below let a Scheduler back inherit.BoostableResource.

func (s *Scheduler) EffectiveKey(id task.ID) (task.Key, bool) {
	j := s.lookup(id)
	if j == nil {
		return task.Key{}, false
	}

	return j.EffectiveKey(), true
}

func (s *Scheduler) Boost(id task.ID, key task.Key) {
	j := s.lookup(id)
	if j == nil {
		return
	}

	j.Boost = &key
	s.ready.Fix(id)
}

func (s *Scheduler) Unboost(id task.ID) {
	j := s.lookup(id)
	if j == nil || j.Boost == nil {
		return
	}

	j.Boost = nil
	s.ready.Fix(id)
}

// Block parks the running job at the end of its quantum. Only the job
// currently inside the executor may block.
func (s *Scheduler) Block(id task.ID) {
	if !s.executing || s.current == nil || s.current.TaskID != id {
		s.invariant("block outside the running executor", "task", id)
		return
	}

	s.current.State = task.StateBlocked
}

func (s *Scheduler) Wake(id task.ID) {
	if j, ok := s.parked[id]; ok {
		delete(s.parked, id)
		j.State = task.StateReady
		s.ready.Push(j)
		return
	}
	if s.current != nil && s.current.TaskID == id && s.current.State == task.StateBlocked {
		s.current.State = task.StateExecuting
	}
}
