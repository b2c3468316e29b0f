package report

import (
	"sync"
	"testing"
	"time"

	"github.com/nadmax/rtsched/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoard_Empty(t *testing.T) {
	b := NewBoard()

	_, ok := b.Snapshot(1)
	assert.False(t, ok)
	assert.Empty(t, b.SnapshotAll())
	assert.Equal(t, uint64(0), b.Version())
}

func TestBoard_Publish(t *testing.T) {
	b := NewBoard()

	b.Publish(map[task.ID]Statistics{
		1: {TaskID: 1, Count: 3},
		2: {TaskID: 2, Count: 5},
	})

	s, ok := b.Snapshot(2)
	require.True(t, ok)
	assert.Equal(t, uint64(5), s.Count)
	assert.Len(t, b.SnapshotAll(), 2)
	assert.Equal(t, uint64(1), b.Version())
}

func TestBoard_SnapshotAllIsCopy(t *testing.T) {
	b := NewBoard()
	b.Publish(map[task.ID]Statistics{1: {TaskID: 1, Count: 1}})

	all := b.SnapshotAll()
	all[1] = Statistics{TaskID: 1, Count: 99}
	delete(all, 1)

	s, ok := b.Snapshot(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), s.Count)
}

func TestBoard_ConcurrentReaders(t *testing.T) {
	b := NewBoard()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				_ = b.SnapshotAll()
				_, _ = b.Snapshot(1)
			}
		}()
	}

	for i := range 1000 {
		b.Publish(map[task.ID]Statistics{1: {TaskID: 1, Count: uint64(i)}})
	}
	wg.Wait()

	s, _ := b.Snapshot(1)
	assert.Equal(t, uint64(999), s.Count)
}

func TestStatisticsJSON(t *testing.T) {
	s := Statistics{
		TaskID:       4,
		Name:         "imu",
		Count:        10,
		MinLatency:   time.Millisecond,
		MaxLatency:   3 * time.Millisecond,
		MeanLatency:  2 * time.Millisecond,
		JitterStdDev: 500 * time.Microsecond,
		Violations:   1,
	}

	jsonStr, err := s.ToJSON()
	require.NoError(t, err)

	for _, field := range []string{
		`"task_id":4`, `"count":10`, `"min_latency_ns":1000000`, `"max_latency_ns":3000000`,
		`"mean_latency_ns":2000000`, `"jitter_mean_ns":0`, `"jitter_stddev_ns":500000`, `"violations":1`,
	} {
		assert.Contains(t, jsonStr, field)
	}

	restored, err := StatisticsFromJSON(jsonStr)
	require.NoError(t, err)
	assert.Equal(t, s, restored)

	_, err = StatisticsFromJSON("{")
	assert.Error(t, err)
}
