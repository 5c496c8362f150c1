package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RedisQueue stores jobs in a Redis list so queued listeners survive a
// restart and can be shared by several server instances. Delayed retries
// wait in a sorted set scored by their due time until a worker promotes
// them onto the list.
type RedisQueue struct {
	client  rdb.Cmdable
	key     string
	delayed string
	workers int
	poll    time.Duration
	logger  zerolog.Logger
}

func NewRedisQueue(client rdb.Cmdable, name string, workers int, logger zerolog.Logger) *RedisQueue {
	if workers < 1 {
		workers = 1
	}
	return &RedisQueue{
		client:  client,
		key:     "hms:queue:" + name,
		delayed: "hms:queue:" + name + ":delayed",
		workers: workers,
		poll:    time.Second,
		logger:  logger.With().Str("component", "redis_queue").Str("key", "hms:queue:"+name).Logger(),
	}
}

func (q *RedisQueue) Key() string { return q.key }

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if time.Until(job.RunAt) > 0 {
		z := rdb.Z{Score: float64(job.RunAt.UnixMilli()), Member: string(b)}
		if err := q.client.ZAdd(ctx, q.delayed, z).Err(); err != nil {
			return fmt.Errorf("zadd %s: %w", q.delayed, err)
		}
		return nil
	}
	if err := q.client.LPush(ctx, q.key, b).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

// promote moves delayed jobs due by now onto the work list. ZREM decides
// which instance owns a job when several promote at once.
func (q *RedisQueue) promote(ctx context.Context, now time.Time) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, q.delayed, &rdb.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore %s: %w", q.delayed, err)
	}
	moved := 0
	for _, m := range due {
		n, err := q.client.ZRem(ctx, q.delayed, m).Result()
		if err != nil {
			return moved, fmt.Errorf("zrem %s: %w", q.delayed, err)
		}
		if n == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.key, m).Err(); err != nil {
			return moved, fmt.Errorf("lpush %s: %w", q.key, err)
		}
		moved++
	}
	return moved, nil
}

// Start pops jobs with BRPOP. Workers stop taking new jobs once ctx is
// cancelled; jobs left in the list or the delayed set are picked up by the
// next process.
func (q *RedisQueue) Start(ctx context.Context, handle func(context.Context, Job)) error {
	jobCtx := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(q.poll)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-t.C:
				if _, err := q.promote(gctx, now); err != nil && gctx.Err() == nil {
					q.logger.Error().Err(err).Msg("promoting delayed jobs failed")
				}
			}
		}
	})
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				job, ok := q.pop(gctx)
				if !ok {
					continue
				}
				handle(jobCtx, job)
			}
			return nil
		})
	}
	return g.Wait()
}

func (q *RedisQueue) pop(ctx context.Context) (Job, bool) {
	res, err := q.client.BRPop(ctx, q.poll, q.key).Result()
	if err != nil {
		if !errors.Is(err, rdb.Nil) && ctx.Err() == nil {
			q.logger.Error().Err(err).Msg("brpop failed")
			sleepCtx(ctx, q.poll)
		}
		return Job{}, false
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return Job{}, false
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		q.logger.Error().Err(err).Msg("discarding malformed job")
		return Job{}, false
	}
	return job, true
}
