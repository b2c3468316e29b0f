// Package handlers provides work functions for the worker. Each handler
// consumes part or all of the budget the dispatcher grants per quantum and
// reports the time actually used.
package handlers

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/nadmax/rtsched/internal/task"
)

// Spin burns CPU until budget has elapsed on the wall clock.
func Spin(_ task.ID, budget time.Duration) (time.Duration, error) {
	start := time.Now()
	var sum [sha256.Size]byte
	for time.Since(start) < budget {
		sum = sha256.Sum256(sum[:])
	}

	return time.Since(start), nil
}

// Sleep yields the processor for budget. Useful for modelling blocking I/O
// without burning CPU.
func Sleep(_ task.ID, budget time.Duration) (time.Duration, error) {
	start := time.Now()
	time.Sleep(budget)
	return time.Since(start), nil
}

// Fraction simulates a job that progresses f of a quantum per call. The
// dispatcher caps the budget at the job's remaining work, so the step is
// taken from quantum rather than from budget; otherwise the tail would shrink
// geometrically and never reach zero.
func Fraction(f float64, quantum time.Duration) (func(task.ID, time.Duration) (time.Duration, error), error) {
	if f <= 0 || f > 1 {
		return nil, fmt.Errorf("fraction %v out of range (0, 1]", f)
	}
	if quantum <= 0 {
		return nil, fmt.Errorf("quantum must be positive, got %v", quantum)
	}

	step := max(time.Duration(float64(quantum)*f), 1)
	return func(_ task.ID, budget time.Duration) (time.Duration, error) {
		return min(budget, step), nil
	}, nil
}
