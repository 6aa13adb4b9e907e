package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailqueue/internal/config"
	"mailqueue/internal/db"
	"mailqueue/internal/email"
	"mailqueue/internal/metrics"
	"mailqueue/internal/models"
)

// writeTimeout bounds status writes, which run detached from the work
// context so a finished send is still recorded during shutdown.
const writeTimeout = 5 * time.Second

var ErrAlreadyRunning = errors.New("worker pool already running")

// Source is the in-memory list of ready jobs the pool drains first.
type Source interface {
	Push(job *models.EmailJob)
	TryPop(now time.Time) (*models.EmailJob, bool)
	Ready() <-chan struct{}
}

type Options struct {
	Workers           int
	RateLimit         int
	PollInterval      time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	SendTimeout       time.Duration
	PermanentFailFast bool
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers:           cfg.WorkerCount,
		RateLimit:         cfg.RateLimit,
		PollInterval:      cfg.PollInterval,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		SendTimeout:       cfg.SendTimeout,
		PermanentFailFast: cfg.PermanentFailFast,
	}
}

type Pool struct {
	opts    Options
	store   db.Store
	source  Source
	sender  email.Sender
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(opts Options, store db.Store, source Source, sender email.Sender, logger *zap.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateLimit)
	}

	return &Pool{
		opts:    opts,
		store:   store,
		source:  source,
		sender:  sender,
		limiter: limiter,
		log:     logger,
		now:     time.Now,
	}
}

func (p *Pool) Size() int { return p.opts.Workers }

func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start launches the workers. They run until Shutdown or until ctx is done.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}

	workCtx, cancel := context.WithCancel(ctx)
	p.stop = make(chan struct{})
	p.cancel = cancel
	p.running = true

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.run(workCtx, i, p.stop)
	}

	p.log.Info("worker pool started", zap.Int("workers", p.opts.Workers))
	return nil
}

// Shutdown asks every worker to exit after its current job. If ctx expires
// first the remaining sends are cancelled and ctx.Err() is returned; jobs
// they held stay in sending.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stop)
	cancel := p.cancel
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		cancel()
		p.log.Warn("worker pool grace period expired, cancelling in-flight sends")
		return ctx.Err()
	}
}

func (p *Pool) run(ctx context.Context, id int, stop <-chan struct{}) {
	defer p.wg.Done()

	p.log.Info("worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-stop:
			p.log.Info("worker shutting down", zap.Int("worker_id", id))
			return
		case <-ctx.Done():
			p.log.Info("worker cancelled", zap.Int("worker_id", id))
			return
		default:
		}

		worked, err := p.RunOnce(ctx, id)
		if err != nil {
			p.log.Warn("worker could not acquire a job",
				zap.Int("worker_id", id),
				zap.Error(err),
			)
		}
		if worked {
			continue
		}

		// ----------------------------
		// Idle
		// ----------------------------
		timer := time.NewTimer(p.opts.PollInterval)
		select {
		case <-stop:
			timer.Stop()
			p.log.Info("worker shutting down", zap.Int("worker_id", id))
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.source.Ready():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunOnce acquires one job and processes it. It reports false when nothing
// was ready.
func (p *Pool) RunOnce(ctx context.Context, workerID int) (bool, error) {
	// ----------------------------
	// Rate Limit
	// ----------------------------
	// waited out before claiming, so a cancelled ctx never strands a job
	if err := p.limiter.Wait(ctx); err != nil {
		return false, nil
	}

	job, err := p.Acquire(ctx)
	if err != nil || job == nil {
		return false, err
	}

	p.Process(ctx, workerID, job)
	return true, nil
}

// Acquire returns the next job already moved to sending, or nil when none is
// ready. The fast path is tried first, then the store.
func (p *Pool) Acquire(ctx context.Context) (*models.EmailJob, error) {
	for {
		job, ok := p.source.TryPop(p.now())
		if !ok {
			break
		}
		claimed, err := p.claim(ctx, job)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
	}

	for {
		job, err := p.store.NextPending(ctx)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, nil
		}
		claimed, err := p.claim(ctx, job)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
	}
}

// claim moves job to sending. A nil job with nil error means someone else
// got there first and the caller should look for another candidate.
func (p *Pool) claim(ctx context.Context, job *models.EmailJob) (*models.EmailJob, error) {
	if job.Status.Terminal() {
		return nil, nil
	}

	if !job.Durable {
		job.Status = models.StatusSending
		job.UpdatedAt = p.now()
		p.persist(ctx, job)
		return job, nil
	}

	claimed, err := p.store.Claim(ctx, job.ID)
	switch {
	case err == nil:
		return claimed, nil

	case errors.Is(err, db.ErrConflict), errors.Is(err, db.ErrNotFound):
		p.log.Debug("job already taken", zap.String("job_id", job.ID), zap.Error(err))
		return nil, nil

	case db.IsUnavailable(err):
		p.log.Warn("store unavailable during claim, continuing in memory",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		job.Durable = false
		job.Status = models.StatusSending
		job.UpdatedAt = p.now()
		return job, nil
	}

	return nil, err
}

// Process sends a job that is already in sending and records the outcome.
// Sender errors never escape; a terminal job is left untouched.
func (p *Pool) Process(ctx context.Context, workerID int, job *models.EmailJob) {
	if job.Status.Terminal() {
		p.log.Debug("skipping terminal job",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
		)
		return
	}

	sendCtx := ctx
	if p.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, p.opts.SendTimeout)
		defer cancel()
	}

	// ----------------------------
	// Send Email
	// ----------------------------
	start := time.Now()
	err := p.sender.Send(sendCtx, email.MessageFromJob(job))
	metrics.ObserveSendDuration(time.Since(start))

	if err != nil && ctx.Err() != nil {
		p.log.Warn("send interrupted by shutdown, job left in sending",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return
	}

	now := p.now()
	job.UpdatedAt = now

	// ----------------------------
	// Mark as Sent
	// ----------------------------
	if err == nil {
		job.Status = models.StatusSent
		job.LastError = ""
		p.persist(ctx, job)

		metrics.IncSent()
		p.log.Info("email sent successfully",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.Strings("to", job.Recipients),
			zap.Int("attempts", job.Attempts),
		)
		return
	}

	// ----------------------------
	// Record Failure
	// ----------------------------
	permanent := email.IsPermanent(err)
	reason := metrics.ReasonTransient
	switch {
	case permanent:
		reason = metrics.ReasonPermanent
	case errors.Is(err, context.DeadlineExceeded):
		reason = metrics.ReasonTimeout
	}
	metrics.IncFailure(reason)

	job.Attempts++
	job.LastError = err.Error()

	if job.Attempts >= job.MaxAttempts || (permanent && p.opts.PermanentFailFast) {
		job.Status = models.StatusFailed
		p.persist(ctx, job)

		failedReason := metrics.FailedExhausted
		if permanent && job.Attempts < job.MaxAttempts {
			failedReason = metrics.FailedPermanent
		}
		metrics.IncJobFailed(failedReason)

		p.log.Error("email send failed permanently",
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.String("reason", failedReason),
			zap.Error(err),
		)
		return
	}

	delay := RetryDelay(p.opts.RetryBaseDelay, p.opts.RetryMaxDelay, job.Attempts)
	job.Status = models.StatusPending
	job.NextAttemptAt = now.Add(delay)
	p.persist(ctx, job)
	p.source.Push(job)

	metrics.IncRetry()
	p.log.Warn("email send failed, will retry",
		zap.Int("worker_id", workerID),
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Duration("retry_in", delay),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

// persist writes the job's current state. Failures are logged and the job
// carries on in memory without durability; a later successful write
// restores it.
func (p *Pool) persist(ctx context.Context, job *models.EmailJob) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	err := p.store.Update(wctx, job)
	if errors.Is(err, db.ErrConflict) && job.Status.Terminal() {
		// claimed in memory while the store was down; the row never left pending
		if _, cerr := p.store.Claim(wctx, job.ID); cerr == nil {
			err = p.store.Update(wctx, job)
		}
	}

	switch {
	case err == nil:
		job.Durable = true

	case errors.Is(err, db.ErrNotFound):
		// accepted while the store was down; it only lives here
		job.Durable = false

	case errors.Is(err, db.ErrTerminal):
		p.log.Warn("stored job already finished, keeping stored state",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
		)

	case errors.Is(err, db.ErrConflict):
		job.Durable = false
		p.log.Warn("stored job is in another state, keeping stored state",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
		)

	default:
		job.Durable = false
		p.log.Error("failed to persist job status",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(err),
		)
	}
}

// RetryDelay is base * 2^attempts, capped at max when max > 0.
func RetryDelay(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
