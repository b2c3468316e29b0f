// Package report exposes read-only scheduling statistics. Readers never lock:
// the dispatcher publishes a fresh immutable map and readers load it
// atomically.
package report

import (
	"encoding/json"
	"maps"
	"sync/atomic"
	"time"

	"github.com/nadmax/rtsched/internal/task"
)

// Statistics is the per-task aggregate. Durations serialize as nanoseconds.
type Statistics struct {
	TaskID         task.ID       `json:"task_id"`
	Name           string        `json:"name"`
	Count          uint64        `json:"count"`
	MinLatency     time.Duration `json:"min_latency_ns"`
	MaxLatency     time.Duration `json:"max_latency_ns"`
	MeanLatency    time.Duration `json:"mean_latency_ns"`
	JitterMean     time.Duration `json:"jitter_mean_ns"`
	JitterStdDev   time.Duration `json:"jitter_stddev_ns"`
	Violations     uint64        `json:"violations"`
	DeadlineMisses uint64        `json:"deadline_misses"`
	DoubleReleases uint64        `json:"double_releases"`
}

func (s Statistics) ToJSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func StatisticsFromJSON(data string) (Statistics, error) {
	var s Statistics
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Statistics{}, err
	}

	return s, nil
}

type snapshot struct {
	version uint64
	stats   map[task.ID]Statistics
}

type Board struct {
	current atomic.Pointer[snapshot]
}

func NewBoard() *Board {
	b := &Board{}
	b.current.Store(&snapshot{stats: map[task.ID]Statistics{}})
	return b
}

// Publish replaces the visible snapshot. The board takes ownership of stats;
// the caller must not modify it afterwards.
func (b *Board) Publish(stats map[task.ID]Statistics) {
	prev := b.current.Load()
	b.current.Store(&snapshot{version: prev.version + 1, stats: stats})
}

func (b *Board) Snapshot(id task.ID) (Statistics, bool) {
	s, ok := b.current.Load().stats[id]
	return s, ok
}

// SnapshotAll returns a copy of the most recently published statistics.
func (b *Board) SnapshotAll() map[task.ID]Statistics {
	return maps.Clone(b.current.Load().stats)
}

// Version increases by one with every Publish.
func (b *Board) Version() uint64 {
	return b.current.Load().version
}
