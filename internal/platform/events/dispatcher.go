package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matokham-ai/hospital-sub013/internal/platform/metrics"
)

// Mode selects where a listener runs.
type Mode int

const (
	// Sync listeners run inline inside Dispatch.
	Sync Mode = iota
	// Queued listeners run on a worker pulled from the Queue.
	Queued
)

func (m Mode) String() string {
	if m == Queued {
		return "queued"
	}
	return "sync"
}

// Listener reacts to one event. Returning an error marks the invocation as
// failed; the dispatcher never propagates it to the publisher.
type Listener func(ctx context.Context, evt Event) error

type registration struct {
	name string
	fn   Listener
	mode Mode
}

// Job is one queued listener invocation.
type Job struct {
	Listener string `json:"listener"`
	Event    Event  `json:"event"`
	Attempt  int    `json:"attempt"`
	// RunAt delays a retry; queues hold the job until then.
	RunAt time.Time `json:"run_at"`
}

// Queue transports jobs to workers.
type Queue interface {
	// Enqueue accepts a job; one with RunAt in the future is handed to a
	// worker no earlier than RunAt.
	Enqueue(ctx context.Context, job Job) error
	// Start runs workers until ctx is cancelled and pending work has drained.
	Start(ctx context.Context, handle func(context.Context, Job)) error
}

// Publisher is what domain services depend on.
type Publisher interface {
	Dispatch(ctx context.Context, evt Event)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueue sets the queue used by Queued listeners. Without one, queued
// listeners run inline.
func WithQueue(q Queue) Option {
	return func(d *Dispatcher) { d.queue = q }
}

// WithMaxAttempts sets how many times a queued job is tried before it is dropped.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the base delay; attempt n waits n*delay.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelay = delay }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

type Dispatcher struct {
	mu          sync.RWMutex
	listeners   map[string][]registration
	byName      map[string]registration
	queue       Queue
	maxAttempts int
	retryDelay  time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	sleep       func(ctx context.Context, d time.Duration)
}

const DefaultMaxAttempts = 3

func NewDispatcher(logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		listeners:   make(map[string][]registration),
		byName:      make(map[string]registration),
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  2 * time.Second,
		logger:      logger.With().Str("component", "events").Logger(),
		tracer:      otel.Tracer("hms/events"),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Listen registers fn for eventName under a unique listener name. The name
// identifies queued jobs, so it must be stable across restarts.
func (d *Dispatcher) Listen(eventName, listenerName string, fn Listener, mode Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := eventName + "/" + listenerName
	if _, dup := d.byName[key]; dup {
		panic(fmt.Sprintf("events: listener %q already registered for %s", listenerName, eventName))
	}
	reg := registration{name: listenerName, fn: fn, mode: mode}
	d.listeners[eventName] = append(d.listeners[eventName], reg)
	d.byName[key] = reg
}

// Listeners returns the listener names registered for eventName.
func (d *Dispatcher) Listeners(eventName string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.listeners[eventName]))
	for _, r := range d.listeners[eventName] {
		names = append(names, r.name)
	}
	return names
}

// Dispatch delivers evt to every listener. Call it after the publishing
// transaction has committed.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) {
	d.mu.RLock()
	regs := append([]registration(nil), d.listeners[evt.Name]...)
	d.mu.RUnlock()

	d.metrics.EventDispatched(evt.Name)
	d.logger.Debug().Str("event", evt.Name).Str("event_id", evt.ID.String()).
		Int("listeners", len(regs)).Msg("dispatching event")

	for _, reg := range regs {
		if reg.mode == Queued && d.queue != nil {
			job := Job{Listener: reg.name, Event: evt, Attempt: 1}
			if err := d.queue.Enqueue(ctx, job); err != nil {
				d.logger.Error().Err(err).Str("event", evt.Name).Str("listener", reg.name).
					Msg("enqueue failed, running listener inline")
				d.invoke(ctx, reg, evt, 1)
			}
			continue
		}
		d.invoke(ctx, reg, evt, 1)
	}
}

// HandleJob runs a queued job and re-enqueues it with linear backoff when it
// fails, up to the configured attempt limit.
func (d *Dispatcher) HandleJob(ctx context.Context, job Job) {
	d.mu.RLock()
	reg, ok := d.byName[job.Event.Name+"/"+job.Listener]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn().Str("event", job.Event.Name).Str("listener", job.Listener).
			Msg("no listener for queued job, dropping")
		return
	}

	if err := d.invoke(ctx, reg, job.Event, job.Attempt); err == nil {
		return
	}
	if job.Attempt >= d.maxAttempts {
		d.logger.Error().Str("event", job.Event.Name).Str("event_id", job.Event.ID.String()).
			Str("listener", job.Listener).Int("attempts", job.Attempt).
			Msg("listener gave up after max attempts")
		return
	}

	delay := time.Duration(job.Attempt) * d.retryDelay
	next := job
	next.Attempt++
	if d.queue == nil {
		d.sleep(ctx, delay)
		if ctx.Err() != nil {
			return
		}
		d.HandleJob(ctx, next)
		return
	}
	// The queue holds the retry so this worker is free for other jobs.
	next.RunAt = time.Now().Add(delay)
	if err := d.queue.Enqueue(ctx, next); err != nil {
		d.logger.Error().Err(err).Str("event", job.Event.Name).Str("event_id", job.Event.ID.String()).
			Str("listener", job.Listener).Int("attempt", next.Attempt).
			Msg("re-enqueue failed, job dropped")
	}
}

// invoke runs one listener with panic recovery and returns its error after
// logging and counting it.
func (d *Dispatcher) invoke(ctx context.Context, reg registration, evt Event, attempt int) (err error) {
	ctx, span := d.tracer.Start(ctx, "listener "+reg.name, trace.WithAttributes(
		attribute.String("event.name", evt.Name),
		attribute.String("event.id", evt.ID.String()),
		attribute.String("listener.mode", reg.mode.String()),
		attribute.Int("listener.attempt", attempt),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
			d.logger.Error().Str("event", evt.Name).Str("listener", reg.name).
				Str("stack", string(debug.Stack())).Msg("listener panicked")
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.metrics.ListenerFailed(evt.Name, reg.name)
			d.logger.Error().Err(err).Str("event", evt.Name).Str("event_id", evt.ID.String()).
				Str("listener", reg.name).Int("attempt", attempt).Msg("listener failed")
		}
	}()

	return reg.fn(ctx, evt)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
