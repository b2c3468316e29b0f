package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadmax/rtsched/internal/loop"
	"github.com/nadmax/rtsched/internal/metrics"
)

func startMetricsCollector(ctx context.Context, l *loop.Loop, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSchedulerMetrics(ctx, l, logger)
		}
	}
}

// updateSchedulerMetrics refreshes gauges that are only derived from the
// published board and the current analysis.
func updateSchedulerMetrics(ctx context.Context, l *loop.Loop, logger *slog.Logger) {
	queryCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	rep, err := l.Analysis(queryCtx)
	if err != nil {
		logger.Warn("failed to read analysis for metrics", "error", err)
		return
	}
	metrics.UpdateTaskSet(rep.Tasks, rep.Policy.String(), rep.Utilization)

	var misses uint64
	for _, s := range l.Board().SnapshotAll() {
		metrics.UpdateJitter(s.Name, s.JitterStdDev)
		misses += s.DeadlineMisses
	}

	logger.Debug("scheduler metrics refreshed", "tasks", rep.Tasks, "utilization", rep.Utilization, "deadline_misses", misses)
}
