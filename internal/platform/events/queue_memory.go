package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull   = errors.New("events: queue full")
	ErrQueueClosed = errors.New("events: queue closed")
)

// MemoryQueue is an in-process queue backed by a buffered channel.
// Jobs still buffered or waiting on a retry delay at shutdown are handled
// before Start returns.
type MemoryQueue struct {
	jobs           chan Job
	workers        int
	enqueueTimeout time.Duration
	closed         atomic.Bool
	logger         zerolog.Logger

	mu      sync.Mutex
	delayed map[*time.Timer]Job
}

func NewMemoryQueue(buffer, workers int, logger zerolog.Logger) *MemoryQueue {
	if buffer < 1 {
		buffer = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &MemoryQueue{
		jobs:           make(chan Job, buffer),
		workers:        workers,
		enqueueTimeout: 2 * time.Second,
		logger:         logger.With().Str("component", "memory_queue").Logger(),
		delayed:        make(map[*time.Timer]Job),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if wait := time.Until(job.RunAt); wait > 0 {
		q.schedule(job, wait)
		return nil
	}
	return q.push(ctx, job)
}

func (q *MemoryQueue) push(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	default:
	}
	t := time.NewTimer(q.enqueueTimeout)
	defer t.Stop()
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return ErrQueueFull
	}
}

// schedule pushes job once wait has passed. The timer callback holds mu
// while pushing so shutdown sees every job either in the channel or still
// in delayed.
func (q *MemoryQueue) schedule(job Job, wait time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(wait, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, pending := q.delayed[timer]; !pending {
			return
		}
		delete(q.delayed, timer)
		if err := q.push(context.Background(), job); err != nil {
			q.logger.Error().Err(err).Str("listener", job.Listener).Int("attempt", job.Attempt).
				Msg("delayed job dropped")
		}
	})
	q.delayed[timer] = job
}

// Len reports the number of buffered jobs.
func (q *MemoryQueue) Len() int { return len(q.jobs) }

// Delayed reports the number of jobs waiting on a retry delay.
func (q *MemoryQueue) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed)
}

// takeDelayed stops every pending timer and returns their jobs.
func (q *MemoryQueue) takeDelayed() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.delayed))
	for t, job := range q.delayed {
		t.Stop()
		out = append(out, job)
	}
	q.delayed = make(map[*time.Timer]Job)
	return out
}

func (q *MemoryQueue) Start(ctx context.Context, handle func(context.Context, Job)) error {
	// In-flight jobs finish even when ctx is cancelled.
	jobCtx := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case job := <-q.jobs:
					handle(jobCtx, job)
				}
			}
		})
	}
	err := g.Wait()

	q.closed.Store(true)
	// Retries still waiting get one immediate attempt instead of being lost.
	pending := q.takeDelayed()
	drained := 0
drain:
	for {
		select {
		case job := <-q.jobs:
			handle(jobCtx, job)
			drained++
		default:
			break drain
		}
	}
	for _, job := range pending {
		job.RunAt = time.Time{}
		handle(jobCtx, job)
		drained++
	}
	if drained > 0 {
		q.logger.Info().Int("jobs", drained).Msg("drained queue on shutdown")
	}
	return err
}
