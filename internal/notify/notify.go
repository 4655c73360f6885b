// Package notify delivers assignment and status notices off the request path.
// Delivery is best-effort: failures are logged and recorded, never returned.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"pcpline/internal/domain"
	"pcpline/internal/logger"
	"pcpline/internal/metrics"
	"pcpline/internal/repo"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("notification dispatcher is closed")
	// ErrQueueFull is returned by Submit when the delivery backlog is at capacity.
	ErrQueueFull = errors.New("notification queue is full")
)

// Notification is one notice for one collaborator.
type Notification struct {
	DeliveryID     string         `json:"delivery_id"`
	CollaboratorID string         `json:"collaborator_id"`
	Kind           string         `json:"kind"`
	TS             time.Time      `json:"ts"`
	Payload        map[string]any `json:"payload"`
}

// Sink is a delivery channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// FailureLog keeps failed deliveries for later inspection.
type FailureLog interface {
	RecordFailure(ctx context.Context, n Notification, sink string, cause error) error
}

// RepoFailureLog writes failures to the notification_failures table.
type RepoFailureLog struct {
	Repo repo.Repo
}

func (l RepoFailureLog) RecordFailure(ctx context.Context, n Notification, sink string, cause error) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		payload = nil
	}
	return l.Repo.InsertNotificationFailure(ctx, domain.NotificationFailure{
		TS:             repo.FormatTime(n.TS),
		DeliveryID:     n.DeliveryID,
		CollaboratorID: n.CollaboratorID,
		Kind:           n.Kind,
		Sink:           sink,
		Error:          cause.Error(),
		Payload:        string(payload),
	})
}

// Options tunes the dispatcher. Zero values pick defaults.
type Options struct {
	PoolSize  int
	QueueSize int
	Timeout   time.Duration
	Failures  FailureLog
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type job struct {
	ctx context.Context
	n   Notification
}

// Dispatcher fans each notice out to every sink on an ants worker pool.
// Submit only enqueues; a single feeder moves the backlog into the pool so
// callers never wait on a busy worker.
type Dispatcher struct {
	pool     *ants.Pool
	queue    chan job
	fed      chan struct{}
	sinks    []Sink
	failures FailureLog
	metrics  *metrics.Metrics
	timeout  time.Duration
	now      func() time.Time
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

func NewDispatcher(sinks []Sink, opts Options) (*Dispatcher, error) {
	size := opts.PoolSize
	if size <= 0 {
		size = 8
	}
	panicHandler := func(p any) {
		logger.Error("notification worker panic recovered", zap.Any("panic", p), zap.Stack("stack"))
	}
	pool, err := ants.NewPool(size,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create notification pool: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	d := &Dispatcher{
		pool:     pool,
		queue:    make(chan job, queueSize),
		fed:      make(chan struct{}),
		sinks:    sinks,
		failures: opts.Failures,
		metrics:  opts.Metrics,
		timeout:  timeout,
		now:      now,
	}
	go d.feed()
	return d, nil
}

func (d *Dispatcher) feed() {
	defer close(d.fed)
	for j := range d.queue {
		err := d.pool.Submit(func() {
			defer d.wg.Done()
			d.deliver(j.ctx, j.n)
		})
		if err != nil {
			d.wg.Done()
			d.metrics.Notification("dispatcher", "dropped")
			logger.Warn("notification dropped", zap.String("delivery_id", j.n.DeliveryID), zap.Error(err))
		}
	}
}

// Notify schedules delivery and returns immediately.
func (d *Dispatcher) Notify(ctx context.Context, collaboratorID, kind string, payload map[string]any) {
	n := Notification{
		DeliveryID:     uuid.NewString(),
		CollaboratorID: collaboratorID,
		Kind:           kind,
		TS:             d.now().UTC(),
		Payload:        payload,
	}
	if err := d.Submit(ctx, n); err != nil {
		logger.Warn("notification dropped",
			zap.String("delivery_id", n.DeliveryID),
			zap.String("kind", kind),
			zap.String("collaborator_id", collaboratorID),
			zap.Error(err))
	}
}

// Submit queues n for every sink. It never waits for a worker: when the
// backlog is full the notice is dropped and ErrQueueFull returned.
func (d *Dispatcher) Submit(ctx context.Context, n Notification) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if len(d.sinks) == 0 {
		return nil
	}
	d.wg.Add(1)
	select {
	case d.queue <- job{ctx: ctx, n: n}:
		return nil
	default:
		d.wg.Done()
		d.metrics.Notification("dispatcher", "dropped")
		return ErrQueueFull
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	for _, sink := range d.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sink.Send(sendCtx, n)
		cancel()
		if err == nil {
			d.metrics.Notification(sink.Name(), "ok")
			continue
		}
		d.metrics.Notification(sink.Name(), "error")
		logger.Error("notification delivery failed",
			zap.String("sink", sink.Name()),
			zap.String("delivery_id", n.DeliveryID),
			zap.String("kind", n.Kind),
			zap.String("collaborator_id", n.CollaboratorID),
			zap.Error(err))
		if d.failures == nil {
			continue
		}
		if ferr := d.failures.RecordFailure(context.WithoutCancel(ctx), n, sink.Name(), err); ferr != nil {
			logger.Error("record notification failure", zap.String("delivery_id", n.DeliveryID), zap.Error(ferr))
		}
	}
}

// Wait blocks until every queued delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting work and waits up to timeout for queued deliveries.
func (d *Dispatcher) Close(timeout time.Duration) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	select {
	case <-d.fed:
	case <-time.After(timeout):
		logger.Warn("notification backlog not drained before shutdown")
		return fmt.Errorf("drain notification queue: %w", context.DeadlineExceeded)
	}
	if err := d.pool.ReleaseTimeout(time.Until(deadline)); err != nil {
		logger.Warn("notification pool shutdown timeout", zap.Error(err))
		return err
	}
	return nil
}
