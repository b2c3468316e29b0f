package postgres

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS rt_tasks (
	run_id        TEXT        NOT NULL,
	task_id       BIGINT      NOT NULL,
	name          TEXT        NOT NULL,
	period_ns     BIGINT      NOT NULL,
	deadline_ns   BIGINT      NOT NULL,
	wcet_ns       BIGINT      NOT NULL,
	offset_ns     BIGINT      NOT NULL DEFAULT 0,
	sporadic      BOOLEAN     NOT NULL DEFAULT FALSE,
	threshold_ns  BIGINT      NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (run_id, task_id)
);

CREATE TABLE IF NOT EXISTS rt_samples (
	id               BIGSERIAL PRIMARY KEY,
	run_id           TEXT        NOT NULL,
	task_id          BIGINT      NOT NULL,
	release_ns       BIGINT      NOT NULL,
	start_ns         BIGINT,
	completion_ns    BIGINT      NOT NULL,
	latency_ns       BIGINT      NOT NULL,
	period_actual_ns BIGINT,
	missed           BOOLEAN     NOT NULL DEFAULT FALSE,
	superseded       BOOLEAN     NOT NULL DEFAULT FALSE,
	violation        BOOLEAN     NOT NULL DEFAULT FALSE,
	recorded_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS rt_samples_run_task_idx ON rt_samples (run_id, task_id, id DESC);

CREATE TABLE IF NOT EXISTS rt_violations (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT        NOT NULL,
	task_id     BIGINT      NOT NULL,
	task_name   TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	release_ns  BIGINT      NOT NULL,
	deadline_ns BIGINT      NOT NULL,
	at_ns       BIGINT      NOT NULL,
	latency_ns  BIGINT      NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS rt_violations_run_idx ON rt_violations (run_id, id DESC);
`

// Migrate creates the history tables if they do not exist.
func (r *HistoryRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	return nil
}
