// Package dashboard serves run-level summaries built from the live
// statistics board and persisted sample history.
package dashboard

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/nadmax/rtsched/internal/httputil"
	"github.com/nadmax/rtsched/internal/report"
	"github.com/nadmax/rtsched/internal/repository"
	"github.com/nadmax/rtsched/internal/repository/models"
	"github.com/nadmax/rtsched/internal/task"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

type Dashboard struct {
	board   *report.Board
	history repository.HistoryRepository
	runID   string
}

type TaskLatency struct {
	TaskID     task.ID `json:"task_id"`
	Name       string  `json:"name"`
	MaxLatency string  `json:"max_latency"`
}

type Stats struct {
	RunID           string       `json:"run_id"`
	TotalTasks      int          `json:"total_tasks"`
	CompletedJobs   uint64       `json:"completed_jobs"`
	Violations      uint64       `json:"violations"`
	DeadlineMisses  uint64       `json:"deadline_misses"`
	DoubleReleases  uint64       `json:"double_releases"`
	AverageLatency  string       `json:"average_latency"`
	WorstLatency    *TaskLatency `json:"worst_latency,omitempty"`
	TasksWithMisses []task.ID    `json:"tasks_with_misses"`
	SnapshotVersion uint64       `json:"snapshot_version"`
	LastUpdated     time.Time    `json:"last_updated"`
}

type History struct {
	RunID   string                `json:"run_id"`
	Samples []models.SampleRecord `json:"samples"`
}

// NewDashboard accepts a nil history, in which case GetHistory answers 503.
func NewDashboard(board *report.Board, history repository.HistoryRepository, runID string) *Dashboard {
	return &Dashboard{
		board:   board,
		history: history,
		runID:   runID,
	}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	snapshot := d.board.SnapshotAll()

	stats := Stats{
		RunID:           d.runID,
		TotalTasks:      len(snapshot),
		TasksWithMisses: []task.ID{},
		SnapshotVersion: d.board.Version(),
		LastUpdated:     time.Now(),
	}

	var weighted, worstMax time.Duration
	for _, s := range snapshot {
		if s.Count > 0 && (stats.WorstLatency == nil || s.MaxLatency > worstMax ||
			(s.MaxLatency == worstMax && s.TaskID < stats.WorstLatency.TaskID)) {
			worstMax = s.MaxLatency
			stats.WorstLatency = &TaskLatency{
				TaskID:     s.TaskID,
				Name:       s.Name,
				MaxLatency: s.MaxLatency.String(),
			}
		}

		stats.CompletedJobs += s.Count
		stats.Violations += s.Violations
		stats.DeadlineMisses += s.DeadlineMisses
		stats.DoubleReleases += s.DoubleReleases
		weighted += s.MeanLatency * time.Duration(s.Count)

		if s.DeadlineMisses > 0 {
			stats.TasksWithMisses = append(stats.TasksWithMisses, s.TaskID)
		}
	}
	sort.Slice(stats.TasksWithMisses, func(i, j int) bool {
		return stats.TasksWithMisses[i] < stats.TasksWithMisses[j]
	})

	if stats.CompletedJobs > 0 {
		avg := weighted / time.Duration(stats.CompletedJobs)
		stats.AverageLatency = avg.Round(time.Microsecond).String()
	} else {
		stats.AverageLatency = "N/A"
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// GetHistory returns persisted samples, newest first. Query parameters:
// task (id, optional) and limit (default 50, at most 1000).
func (d *Dashboard) GetHistory(w http.ResponseWriter, r *http.Request) {
	if d.history == nil {
		httputil.WriteJSONError(w, "history is not configured", http.StatusServiceUnavailable)
		return
	}

	var id task.ID
	if v := r.URL.Query().Get("task"); v != "" {
		parsed, err := task.ParseID(v)
		if err != nil {
			httputil.WriteJSONError(w, "invalid task id", http.StatusBadRequest)
			return
		}
		id = parsed
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	samples, err := d.history.GetRecentSamples(r.Context(), d.runID, id, limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if samples == nil {
		samples = []models.SampleRecord{}
	}

	httputil.WriteJSON(w, http.StatusOK, History{RunID: d.runID, Samples: samples})
}

// GetSummary returns per-task aggregates computed by the history store.
func (d *Dashboard) GetSummary(w http.ResponseWriter, r *http.Request) {
	if d.history == nil {
		httputil.WriteJSONError(w, "history is not configured", http.StatusServiceUnavailable)
		return
	}

	summaries, err := d.history.GetTaskSummary(r.Context(), d.runID)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if summaries == nil {
		summaries = []models.TaskSummary{}
	}

	httputil.WriteJSON(w, http.StatusOK, summaries)
}
