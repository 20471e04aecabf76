package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/service/approval"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultBatch = 50

// Redis keeps jobs in a sorted set scored by due time in unix milliseconds,
// so queued jobs survive a restart. Several workers may share one key: a job
// belongs to the worker whose ZREM removed it.
type Redis struct {
	client   redis.Cmdable
	key      string
	interval time.Duration
	retry    time.Duration
	batch    int64
	logger   *slog.Logger
	now      func() time.Time
}

// NewRedis creates a Redis scheduler on key polling every interval.
func NewRedis(client redis.Cmdable, key string, interval time.Duration, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Redis{
		client:   client,
		key:      key,
		interval: interval,
		retry:    DefaultRetryDelay,
		batch:    defaultBatch,
		logger:   logger.With("scheduler", "redis", "key", key),
		now:      time.Now,
	}
}

var _ approval.Scheduler = (*Redis)(nil)

func (r *Redis) Schedule(ctx context.Context, accountID uuid.UUID, delay time.Duration) error {
	due := r.now().Add(delay)
	if err := r.client.ZAdd(ctx, r.key, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: accountID.String(),
	}).Err(); err != nil {
		return fmt.Errorf("scheduling %s: %w", accountID, err)
	}
	return nil
}

func (r *Redis) Run(ctx context.Context, fn approval.JobFunc) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.tick(ctx, fn); err != nil && ctx.Err() == nil {
			r.logger.Error("polling due jobs failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Redis) tick(ctx context.Context, fn approval.JobFunc) error {
	// jobs claimed before a failure still run
	ids, err := r.claim(ctx)
	for _, id := range ids {
		if err := fn(ctx, id); err != nil {
			r.logger.Warn("job failed, retrying later", "account_id", id, "retry_in", r.retry, "error", err)
			if err := r.Schedule(ctx, id, r.retry); err != nil {
				r.logger.Error("job lost", "account_id", id, "error", err)
			}
		}
	}
	return err
}

// claim removes up to batch due jobs and returns those this worker won.
func (r *Redis) claim(ctx context.Context) ([]uuid.UUID, error) {
	members, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(r.now().UnixMilli(), 10),
		Count: r.batch,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing due jobs: %w", err)
	}
	var out []uuid.UUID
	for _, m := range members {
		removed, err := r.client.ZRem(ctx, r.key, m).Result()
		if err != nil {
			return out, fmt.Errorf("claiming %s: %w", m, err)
		}
		if removed == 0 {
			continue
		}
		id, err := uuid.Parse(m)
		if err != nil {
			r.logger.Warn("dropping malformed job", "member", m, "error", err)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
