package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailqueue/internal/config"
	"mailqueue/internal/db"
	"mailqueue/internal/email"
	"mailqueue/internal/metrics"
	"mailqueue/internal/models"
	"mailqueue/internal/worker"
)

// ErrInvalidContent wraps every validation failure returned by Enqueue.
var ErrInvalidContent = errors.New("invalid email content")

type Options struct {
	MaxAttempts     int
	Retention       time.Duration
	CleanupInterval time.Duration
	Pool            worker.Options
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxAttempts:     cfg.MaxAttempts,
		Retention:       cfg.Retention,
		CleanupInterval: cfg.CleanupInterval,
		Pool:            worker.OptionsFromConfig(cfg),
	}
}

// Coordinator is the entry point to the queue. It owns the fast path and the
// worker pool; callers never touch either directly.
type Coordinator struct {
	store  db.Store
	sender email.Sender
	fast   *FastPath
	pool   *worker.Pool
	log    *zap.Logger
	opts   Options
	now    func() time.Time
	newID  func() string

	urgent       sync.WaitGroup
	urgentCtx    context.Context
	urgentCancel context.CancelFunc

	mu            sync.Mutex
	started       bool
	stopping      bool
	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
}

func New(store db.Store, sender email.Sender, logger *zap.Logger, opts Options) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = models.DefaultMaxAttempts
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}

	fast := NewFastPath()
	urgentCtx, urgentCancel := context.WithCancel(context.Background())

	return &Coordinator{
		store:        store,
		sender:       sender,
		fast:         fast,
		pool:         worker.NewPool(opts.Pool, store, fast, sender, logger),
		log:          logger,
		opts:         opts,
		now:          time.Now,
		newID:        uuid.NewString,
		urgentCtx:    urgentCtx,
		urgentCancel: urgentCancel,
	}
}

// ----------------------------
// Enqueue
// ----------------------------

// Enqueue accepts a message for delivery and returns its id. The only error
// is ErrInvalidContent: a store outage degrades to an in-memory job instead.
func (c *Coordinator) Enqueue(ctx context.Context, content models.Content, urgent bool) (string, error) {
	if err := content.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidContent, err)
	}

	job := models.NewJob(c.newID(), content, c.opts.MaxAttempts, c.now())

	if urgent {
		c.sendUrgent(ctx, job)
		return job.ID, nil
	}

	if err := c.store.Create(ctx, job); err != nil {
		job.Durable = false
		metrics.IncDegradedEnqueue()
		c.log.Warn("store unavailable, job accepted in memory only",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	} else {
		job.Durable = true
	}

	c.fast.Push(job)
	return job.ID, nil
}

// sendUrgent delivers job right away without persisting it. Once Stop has
// begun waiting for urgent sends the delivery runs on the caller instead.
func (c *Coordinator) sendUrgent(ctx context.Context, job *models.EmailJob) {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		c.deliverUrgent(ctx, job)
		return
	}
	urgentCtx := c.urgentCtx
	c.urgent.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.urgent.Done()
		c.deliverUrgent(urgentCtx, job)
	}()
}

func (c *Coordinator) deliverUrgent(ctx context.Context, job *models.EmailJob) {
	err := email.SendWithRetry(ctx, c.sender, email.MessageFromJob(job), job.MaxAttempts)
	if err != nil {
		metrics.IncUrgent("failed")
		c.log.Error("urgent email send failed",
			zap.String("job_id", job.ID),
			zap.Strings("to", job.Recipients),
			zap.Error(err),
		)
		return
	}

	metrics.IncUrgent("sent")
	c.log.Info("urgent email sent",
		zap.String("job_id", job.ID),
		zap.Strings("to", job.Recipients),
	)
}

// ----------------------------
// Lifecycle
// ----------------------------

// Start reloads every pending job into the fast path, then launches the
// workers. A store outage during the reload is logged; workers will find
// the jobs by polling once it recovers.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return worker.ErrAlreadyRunning
	}
	c.stopping = false

	pending, err := c.store.AllPending(ctx)
	if err != nil {
		c.log.Warn("could not reload pending jobs", zap.Error(err))
	}
	for _, job := range pending {
		c.fast.Push(job)
	}
	c.log.Info("pending jobs reloaded",
		zap.Int("count", len(pending)),
		zap.Int("fast_path_size", c.fast.Len()),
	)

	// the pool outlives ctx; Stop is what ends it
	if err := c.pool.Start(context.Background()); err != nil {
		return err
	}

	if c.opts.Retention > 0 {
		jctx, cancel := context.WithCancel(context.Background())
		c.janitorCancel = cancel
		c.janitorDone = make(chan struct{})
		go c.runJanitor(jctx, c.janitorDone)
	}

	c.started = true
	return nil
}

// Stop drains the workers within ctx and waits for urgent sends. When ctx
// expires the remaining work is cancelled and ctx.Err() is returned.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.started = false
	c.stopping = true
	janitorCancel, janitorDone := c.janitorCancel, c.janitorDone
	c.janitorCancel, c.janitorDone = nil, nil
	c.mu.Unlock()

	if janitorCancel != nil {
		janitorCancel()
		<-janitorDone
	}

	var err error
	if started {
		err = c.pool.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		c.urgent.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.mu.Lock()
		c.urgentCancel()
		c.urgentCtx, c.urgentCancel = context.WithCancel(context.Background())
		c.mu.Unlock()
		if err == nil {
			err = ctx.Err()
		}
	}

	return err
}

func (c *Coordinator) runJanitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(c.opts.CleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := c.Cleanup(ctx, c.opts.Retention)
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("retention cleanup failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				c.log.Info("retention cleanup removed jobs",
					zap.Int64("deleted", n),
					zap.Duration("retention", c.opts.Retention),
				)
			}
		}
	}
}

// ----------------------------
// Management
// ----------------------------

// Stats combines the store counts with process-local state. The in-memory
// fields are filled even when the store query fails.
func (c *Coordinator) Stats(ctx context.Context) (models.Stats, error) {
	stats := models.Stats{
		FastPathSize: c.fast.Len(),
		WorkerCount:  c.pool.Size(),
		Running:      c.pool.Running(),
	}

	counts, err := c.store.Stats(ctx)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	stats.StatusCounts = counts
	return stats, nil
}

// RetryFailed moves up to max failed jobs back to pending with zero attempts
// and queues them. It returns how many were requeued.
func (c *Coordinator) RetryFailed(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		return 0, fmt.Errorf("retry failed: max must be positive, got %d", max)
	}

	jobs, err := c.store.RequeueFailed(ctx, max)
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}

	for _, job := range jobs {
		c.fast.Push(job)
	}

	c.log.Info("failed jobs requeued", zap.Int("count", len(jobs)))
	return len(jobs), nil
}

// Cleanup deletes sent and failed jobs last touched more than age ago.
func (c *Coordinator) Cleanup(ctx context.Context, age time.Duration) (int64, error) {
	if age < 0 {
		return 0, fmt.Errorf("cleanup: negative age %s", age)
	}

	n, err := c.store.DeleteOlderThan(ctx, age)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return n, nil
}

// ResetStuck returns jobs left in sending for longer than olderThan to
// pending. Only run it when no worker could still be sending them.
func (c *Coordinator) ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("reset stuck: threshold must be positive, got %s", olderThan)
	}

	n, err := c.store.ResetStuck(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reset stuck: %w", err)
	}

	c.log.Info("stuck jobs reset", zap.Int64("count", n), zap.Duration("older_than", olderThan))
	return n, nil
}

func (c *Coordinator) Failed(ctx context.Context, limit int) ([]*models.EmailJob, error) {
	if limit <= 0 {
		limit = 50
	}

	jobs, err := c.store.Failed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	return jobs, nil
}

// Drain processes ready jobs on the caller's goroutine until none is left
// or max jobs were handled (max <= 0 means no limit). Cancelling ctx stops
// the loop between jobs; a job already claimed is still sent and recorded.
func (c *Coordinator) Drain(ctx context.Context, max int) (int, error) {
	work := context.WithoutCancel(ctx)

	n := 0
	for max <= 0 || n < max {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		worked, err := c.pool.RunOnce(work, -1)
		if err != nil {
			return n, fmt.Errorf("drain: %w", err)
		}
		if !worked {
			break
		}
		n++
	}

	c.log.Info("queue drained", zap.Int("processed", n))
	return n, nil
}
