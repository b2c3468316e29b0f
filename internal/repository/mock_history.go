package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/rtsched/internal/repository/models"
	"github.com/nadmax/rtsched/internal/scheduler"
	"github.com/nadmax/rtsched/internal/task"
	"github.com/nadmax/rtsched/internal/timing"
)

var _ HistoryRepository = (*MockHistoryRepository)(nil)

// MockHistoryRepository keeps everything in memory and records each call.
type MockHistoryRepository struct {
	mu                   sync.Mutex
	RecordTaskCalls      []RecordTaskCall
	RecordSampleCalls    []RecordSampleCall
	RecordViolationCalls []RecordViolationCall
	RecordTaskError      error
	RecordSampleError    error
	RecordViolationErr   error
	GetTaskSummaryError  error
	GetSamplesError      error
	GetViolationsError   error
	nextID               int64
	closed               bool
}

type RecordTaskCall struct {
	RunID string
	Task  task.Descriptor
}

type RecordSampleCall struct {
	RunID  string
	Sample timing.Sample
	ID     int64
	At     time.Time
}

type RecordViolationCall struct {
	RunID     string
	Violation scheduler.Violation
	ID        int64
	At        time.Time
}

func NewMockHistoryRepository() *MockHistoryRepository {
	return &MockHistoryRepository{}
}

func (m *MockHistoryRepository) RecordTask(ctx context.Context, runID string, d task.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RecordTaskError != nil {
		return m.RecordTaskError
	}

	for i, c := range m.RecordTaskCalls {
		if c.RunID == runID && c.Task.ID == d.ID {
			m.RecordTaskCalls[i].Task = d
			return nil
		}
	}

	m.RecordTaskCalls = append(m.RecordTaskCalls, RecordTaskCall{RunID: runID, Task: d})
	return nil
}

func (m *MockHistoryRepository) RecordSample(ctx context.Context, runID string, s timing.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RecordSampleError != nil {
		return m.RecordSampleError
	}

	m.nextID++
	m.RecordSampleCalls = append(m.RecordSampleCalls, RecordSampleCall{
		RunID:  runID,
		Sample: s,
		ID:     m.nextID,
		At:     time.Now(),
	})

	return nil
}

func (m *MockHistoryRepository) RecordViolation(ctx context.Context, runID string, v scheduler.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RecordViolationErr != nil {
		return m.RecordViolationErr
	}

	m.nextID++
	m.RecordViolationCalls = append(m.RecordViolationCalls, RecordViolationCall{
		RunID:     runID,
		Violation: v,
		ID:        m.nextID,
		At:        time.Now(),
	})

	return nil
}

func (m *MockHistoryRepository) GetTaskSummary(ctx context.Context, runID string) ([]models.TaskSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskSummaryError != nil {
		return nil, m.GetTaskSummaryError
	}

	var summaries []models.TaskSummary
	for _, c := range m.RecordTaskCalls {
		if c.RunID != runID {
			continue
		}

		s := models.TaskSummary{TaskID: c.Task.ID, Name: c.Task.Name}
		var total int64
		for _, sc := range m.RecordSampleCalls {
			if sc.RunID != runID || sc.Sample.TaskID != c.Task.ID {
				continue
			}

			if sc.Sample.Missed {
				s.DeadlineMisses++
			}
			if sc.Sample.Violation {
				s.Violations++
			}
			if sc.Sample.Superseded {
				continue
			}

			lat := int64(sc.Sample.Latency)
			if s.Samples == 0 || lat < s.MinLatencyNs {
				s.MinLatencyNs = lat
			}
			if lat > s.MaxLatencyNs {
				s.MaxLatencyNs = lat
			}
			total += lat
			s.Samples++
		}

		if s.Samples > 0 {
			s.AvgLatencyNs = float64(total) / float64(s.Samples)
		}
		summaries = append(summaries, s)
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].TaskID < summaries[j].TaskID })
	return summaries, nil
}

func (m *MockHistoryRepository) GetRecentSamples(ctx context.Context, runID string, taskID task.ID, limit int) ([]models.SampleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetSamplesError != nil {
		return nil, m.GetSamplesError
	}

	var records []models.SampleRecord
	for i := len(m.RecordSampleCalls) - 1; i >= 0 && len(records) < limit; i-- {
		c := m.RecordSampleCalls[i]
		if c.RunID != runID || (taskID != 0 && c.Sample.TaskID != taskID) {
			continue
		}

		r := models.SampleRecord{
			ID:           c.ID,
			RunID:        c.RunID,
			TaskID:       c.Sample.TaskID,
			ReleaseNs:    int64(c.Sample.Release),
			CompletionNs: int64(c.Sample.Completion),
			LatencyNs:    int64(c.Sample.Latency),
			Missed:       c.Sample.Missed,
			Superseded:   c.Sample.Superseded,
			Violation:    c.Sample.Violation,
			RecordedAt:   c.At,
		}
		if c.Sample.Started {
			start := int64(c.Sample.Start)
			r.StartNs = &start
		}
		if c.Sample.HasPeriod {
			period := int64(c.Sample.PeriodActual)
			r.PeriodActualNs = &period
		}
		records = append(records, r)
	}

	return records, nil
}

func (m *MockHistoryRepository) GetViolations(ctx context.Context, runID string, limit int) ([]models.ViolationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetViolationsError != nil {
		return nil, m.GetViolationsError
	}

	var records []models.ViolationRecord
	for i := len(m.RecordViolationCalls) - 1; i >= 0 && len(records) < limit; i-- {
		c := m.RecordViolationCalls[i]
		if c.RunID != runID {
			continue
		}

		records = append(records, models.ViolationRecord{
			ID:         c.ID,
			RunID:      c.RunID,
			TaskID:     c.Violation.TaskID,
			Task:       c.Violation.Task,
			Kind:       string(c.Violation.Kind),
			ReleaseNs:  int64(c.Violation.Release),
			DeadlineNs: int64(c.Violation.Deadline),
			AtNs:       int64(c.Violation.At),
			LatencyNs:  int64(c.Violation.Latency),
			RecordedAt: c.At,
		})
	}

	return records, nil
}

func (m *MockHistoryRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func (m *MockHistoryRepository) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

func (m *MockHistoryRepository) GetRecordSampleCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.RecordSampleCalls)
}

func (m *MockHistoryRepository) GetRecordViolationCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.RecordViolationCalls)
}

func (m *MockHistoryRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RecordTaskCalls = nil
	m.RecordSampleCalls = nil
	m.RecordViolationCalls = nil
	m.nextID = 0
}
