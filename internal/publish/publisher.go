// Package publish mirrors the statistics board into Redis so that external
// readers can poll per-task records without talking to the scheduler.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nadmax/rtsched/internal/logging"
	"github.com/nadmax/rtsched/internal/report"
	"github.com/nadmax/rtsched/internal/task"
)

const keyPrefix = "rtsched"

// DefaultTTL bounds how long a run's keys outlive its last publication.
const DefaultTTL = 24 * time.Hour

var ErrNoStatistics = errors.New("no statistics published for task")

func StatsKey(runID string) string {
	return fmt.Sprintf("%s:%s:stats", keyPrefix, runID)
}

func ViolationsKey(runID string) string {
	return fmt.Sprintf("%s:%s:violations", keyPrefix, runID)
}

func UpdatedKey(runID string) string {
	return fmt.Sprintf("%s:%s:updated_at", keyPrefix, runID)
}

type RedisPublisher struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisPublisher(redisAddr string, logger *slog.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisPublisherFromClient(client, logger), nil
}

func NewRedisPublisherFromClient(client *redis.Client, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		ttl:    DefaultTTL,
		logger: logging.OrDiscard(logger).With("component", "publish"),
	}
}

func (p *RedisPublisher) SetTTL(ttl time.Duration) {
	p.ttl = ttl
}

// PublishSnapshot replaces the run's records with stats in one transaction.
// Tasks missing from stats disappear from both keys.
func (p *RedisPublisher) PublishSnapshot(ctx context.Context, runID string, stats map[task.ID]report.Statistics) error {
	statsKey := StatsKey(runID)
	violationsKey := ViolationsKey(runID)

	fields := make([]any, 0, len(stats)*2)
	members := make([]redis.Z, 0, len(stats))
	for id, s := range stats {
		data, err := s.ToJSON()
		if err != nil {
			return fmt.Errorf("failed to encode statistics for task %d: %w", id, err)
		}

		member := strconv.FormatUint(uint64(id), 10)
		fields = append(fields, member, data)
		members = append(members, redis.Z{
			Score:  float64(s.Violations),
			Member: member,
		})
	}

	pipe := p.client.TxPipeline()
	pipe.Del(ctx, statsKey, violationsKey)
	if len(fields) > 0 {
		pipe.HSet(ctx, statsKey, fields...)
		pipe.ZAdd(ctx, violationsKey, members...)
		if p.ttl > 0 {
			pipe.Expire(ctx, statsKey, p.ttl)
			pipe.Expire(ctx, violationsKey, p.ttl)
		}
	}
	pipe.Set(ctx, UpdatedKey(runID), time.Now().UTC().Format(time.RFC3339Nano), p.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	p.logger.Debug("snapshot published", "run_id", runID, "tasks", len(stats))
	return nil
}

func (p *RedisPublisher) GetStatistics(ctx context.Context, runID string, id task.ID) (report.Statistics, error) {
	data, err := p.client.HGet(ctx, StatsKey(runID), strconv.FormatUint(uint64(id), 10)).Result()
	if errors.Is(err, redis.Nil) {
		return report.Statistics{}, fmt.Errorf("%w: %d", ErrNoStatistics, id)
	}
	if err != nil {
		return report.Statistics{}, err
	}

	return report.StatisticsFromJSON(data)
}

func (p *RedisPublisher) GetAllStatistics(ctx context.Context, runID string) (map[task.ID]report.Statistics, error) {
	entries, err := p.client.HGetAll(ctx, StatsKey(runID)).Result()
	if err != nil {
		return nil, err
	}

	stats := make(map[task.ID]report.Statistics, len(entries))
	for field, data := range entries {
		s, err := report.StatisticsFromJSON(data)
		if err != nil {
			p.logger.Warn("skipping malformed statistics", "run_id", runID, "field", field, "error", err)
			continue
		}
		stats[s.TaskID] = s
	}

	return stats, nil
}

// WorstOffenders returns up to n task ids with the most violations, most first.
// Tasks with no violations are left out.
func (p *RedisPublisher) WorstOffenders(ctx context.Context, runID string, n int) ([]task.ID, error) {
	if n <= 0 {
		return nil, nil
	}

	members, err := p.client.ZRevRangeByScore(ctx, ViolationsKey(runID), &redis.ZRangeBy{
		Min:   "(0",
		Max:   "+inf",
		Count: int64(n),
	}).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]task.ID, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, task.ID(id))
	}

	return ids, nil
}

func (p *RedisPublisher) UpdatedAt(ctx context.Context, runID string) (time.Time, error) {
	raw, err := p.client.Get(ctx, UpdatedKey(runID)).Result()
	if err != nil {
		return time.Time{}, err
	}

	return time.Parse(time.RFC3339Nano, raw)
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
