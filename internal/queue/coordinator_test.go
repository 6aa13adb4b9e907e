package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mailqueue/internal/db"
	"mailqueue/internal/email"
	"mailqueue/internal/models"
	"mailqueue/internal/worker"
)

// ----------------------------
// Fakes
// ----------------------------

// flakyStore wraps a real store; any Func field set replaces that call.
type flakyStore struct {
	db.Store

	CreateFunc          func(ctx context.Context, job *models.EmailJob) error
	StatsFunc           func(ctx context.Context) (models.StatusCounts, error)
	DeleteOlderThanFunc func(ctx context.Context, age time.Duration) (int64, error)
	RequeueFailedFunc   func(ctx context.Context, max int) ([]*models.EmailJob, error)
}

func (s *flakyStore) Create(ctx context.Context, job *models.EmailJob) error {
	if s.CreateFunc != nil {
		return s.CreateFunc(ctx, job)
	}
	return s.Store.Create(ctx, job)
}

func (s *flakyStore) Stats(ctx context.Context) (models.StatusCounts, error) {
	if s.StatsFunc != nil {
		return s.StatsFunc(ctx)
	}
	return s.Store.Stats(ctx)
}

func (s *flakyStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if s.DeleteOlderThanFunc != nil {
		return s.DeleteOlderThanFunc(ctx, age)
	}
	return s.Store.DeleteOlderThan(ctx, age)
}

func (s *flakyStore) RequeueFailed(ctx context.Context, max int) ([]*models.EmailJob, error) {
	if s.RequeueFailedFunc != nil {
		return s.RequeueFailedFunc(ctx, max)
	}
	return s.Store.RequeueFailed(ctx, max)
}

func storeDown(op string) error {
	return &db.PersistenceError{Op: op, Err: errors.New("connection refused")}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (r *recordingSender) Send(ctx context.Context, msg email.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) Sent() []email.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]email.Message(nil), r.sent...)
}

// ----------------------------
// Helpers
// ----------------------------

func newSQLiteStore(t *testing.T) db.Store {
	t.Helper()

	s, err := db.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testOptions() Options {
	return Options{
		MaxAttempts: 3,
		Pool: worker.Options{
			Workers:      2,
			PollInterval: 10 * time.Millisecond,
		},
	}
}

func welcome() models.Content {
	return models.Content{
		Recipients: []string{"new.user@example.com"},
		Subject:    "Welcome",
		Body:       "Thanks for signing up",
	}
}

func stopCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}

// ----------------------------
// Enqueue
// ----------------------------

func TestEnqueueIncreasesPending(t *testing.T) {
	store := newSQLiteStore(t)
	c := New(store, &recordingSender{}, zap.NewNop(), testOptions())
	ctx := context.Background()

	before, err := c.Stats(ctx)
	require.NoError(t, err)

	id, err := c.Enqueue(ctx, welcome(), false)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	after, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Pending+1, after.Pending)
	assert.Equal(t, 1, after.FastPathSize)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, "Welcome", job.Subject)
}

func TestEnqueueRejectsInvalidContent(t *testing.T) {
	c := New(newSQLiteStore(t), &recordingSender{}, zap.NewNop(), testOptions())

	content := welcome()
	content.Recipients = nil

	_, err := c.Enqueue(context.Background(), content, false)
	assert.ErrorIs(t, err, ErrInvalidContent)
	assert.ErrorIs(t, err, models.ErrNoRecipients)

	content = welcome()
	content.Variables = models.Variables{"nested": map[string]any{"a": 1}}
	_, err = c.Enqueue(context.Background(), content, false)
	assert.ErrorIs(t, err, ErrInvalidContent)
}

func TestEnqueueWithStoreDown(t *testing.T) {
	store := &flakyStore{
		Store: newSQLiteStore(t),
		CreateFunc: func(ctx context.Context, job *models.EmailJob) error {
			return storeDown("create")
		},
	}
	c := New(store, &recordingSender{}, zap.NewNop(), testOptions())
	ctx := context.Background()

	id, err := c.Enqueue(ctx, welcome(), false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, ok := c.fast.TryPop(time.Now())
	require.True(t, ok)
	assert.Equal(t, id, job.ID)
	assert.False(t, job.Durable)
	assert.Equal(t, models.StatusPending, job.Status)
}

func TestDegradedJobIsStillDelivered(t *testing.T) {
	store := &flakyStore{
		Store: newSQLiteStore(t),
		CreateFunc: func(ctx context.Context, job *models.EmailJob) error {
			return storeDown("create")
		},
	}
	sender := &recordingSender{}
	c := New(store, sender, zap.NewNop(), testOptions())
	ctx := context.Background()

	id, err := c.Enqueue(ctx, welcome(), false)
	require.NoError(t, err)

	n, err := c.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, id, sent[0].ID)
}

func TestUrgentEnqueueSkipsStore(t *testing.T) {
	store := newSQLiteStore(t)
	sender := &recordingSender{}
	c := New(store, sender, zap.NewNop(), testOptions())
	ctx := context.Background()

	id, err := c.Enqueue(ctx, welcome(), true)
	require.NoError(t, err)

	require.NoError(t, c.Stop(ctx))

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, id, sent[0].ID)

	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, db.ErrNotFound)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.FastPathSize)
}

// ----------------------------
// Lifecycle
// ----------------------------

func TestStartReloadsPendingJobs(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	// jobs left behind by a previous process
	for i := 0; i < 2; i++ {
		job := models.NewJob(uuid.NewString(), welcome(), 3, time.Now())
		require.NoError(t, store.Create(ctx, job))
	}

	core, logs := observer.New(zapcore.InfoLevel)
	sender := &recordingSender{}
	c := New(store, sender, zap.New(core), testOptions())

	require.NoError(t, c.Start(ctx))
	defer stopCoordinator(t, c)

	reload := logs.FilterMessage("pending jobs reloaded").All()
	require.Len(t, reload, 1)
	fields := reload[0].ContextMap()
	assert.EqualValues(t, 2, fields["count"])
	assert.GreaterOrEqual(t, fields["fast_path_size"], int64(2))

	require.Eventually(t, func() bool {
		stats, err := c.Stats(ctx)
		return err == nil && stats.Sent == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryDelayHoldsForJobsQueuedBeforeStart(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	var calls atomic.Int32
	sender := email.SenderFunc(func(ctx context.Context, msg email.Message) error {
		calls.Add(1)
		return errors.New("relay refused")
	})

	opts := testOptions()
	opts.Pool.Workers = 1
	opts.Pool.RetryBaseDelay = time.Hour

	core, logs := observer.New(zapcore.InfoLevel)
	c := New(store, sender, zap.New(core), opts)

	// queued in memory by Enqueue and reloaded from the store by Start
	id, err := c.Enqueue(ctx, welcome(), false)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	defer stopCoordinator(t, c)

	reload := logs.FilterMessage("pending jobs reloaded").All()
	require.Len(t, reload, 1)
	assert.EqualValues(t, 1, reload[0].ContextMap()["fast_path_size"])

	require.Eventually(t, func() bool {
		job, err := store.Get(ctx, id)
		return err == nil && job.Attempts == 1 && job.Status == models.StatusPending
	}, 2*time.Second, 10*time.Millisecond)

	// several poll intervals: nothing may resend before the retry delay
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	assert.True(t, job.NextAttemptAt.After(time.Now().Add(time.Hour)))
}

func TestRestartDoesNotDuplicateFastPath(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	sender := email.SenderFunc(func(ctx context.Context, msg email.Message) error {
		return errors.New("relay refused")
	})
	opts := testOptions()
	opts.Pool.RetryBaseDelay = time.Hour
	c := New(store, sender, zap.NewNop(), opts)

	require.NoError(t, c.Start(ctx))
	for i := 0; i < 2; i++ {
		_, err := c.Enqueue(ctx, welcome(), false)
		require.NoError(t, err)
	}

	// both attempted once and waiting out their retry delay
	require.Eventually(t, func() bool {
		failed := 0
		jobs, err := store.AllPending(ctx)
		if err != nil {
			return false
		}
		for _, job := range jobs {
			if job.Attempts == 1 {
				failed++
			}
		}
		return failed == 2
	}, 2*time.Second, 10*time.Millisecond)

	stopCoordinator(t, c)
	require.NoError(t, c.Start(ctx))
	defer stopCoordinator(t, c)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Pending)
	assert.Equal(t, 2, stats.FastPathSize)
}

func TestUrgentEnqueueAfterStopSendsInline(t *testing.T) {
	sender := &recordingSender{}
	c := New(newSQLiteStore(t), sender, zap.NewNop(), testOptions())
	ctx := context.Background()

	require.NoError(t, c.Stop(ctx))

	id, err := c.Enqueue(ctx, welcome(), true)
	require.NoError(t, err)

	// no Stop needed: the send finished before Enqueue returned
	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, id, sent[0].ID)
}

func TestStartTwice(t *testing.T) {
	c := New(newSQLiteStore(t), &recordingSender{}, zap.NewNop(), testOptions())
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	defer stopCoordinator(t, c)

	assert.ErrorIs(t, c.Start(ctx), worker.ErrAlreadyRunning)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Running)
	assert.Equal(t, 2, stats.WorkerCount)
}

func TestEndToEndDelivery(t *testing.T) {
	store := newSQLiteStore(t)
	sender := &recordingSender{}
	c := New(store, sender, zap.NewNop(), testOptions())
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))

	for i := 0; i < 5; i++ {
		_, err := c.Enqueue(ctx, welcome(), false)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats, err := c.Stats(ctx)
		return err == nil && stats.Sent == 5
	}, 2*time.Second, 10*time.Millisecond)

	stopCoordinator(t, c)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Running)
	assert.Equal(t, int64(5), stats.Total)
	// every job was sent exactly once
	assert.Len(t, sender.Sent(), 5)
}

func TestRetentionJanitor(t *testing.T) {
	var calls atomic.Int32
	store := &flakyStore{
		Store: newSQLiteStore(t),
		DeleteOlderThanFunc: func(ctx context.Context, age time.Duration) (int64, error) {
			calls.Add(1)
			assert.Equal(t, 30*24*time.Hour, age)
			return 0, nil
		},
	}

	opts := testOptions()
	opts.Retention = 30 * 24 * time.Hour
	opts.CleanupInterval = 10 * time.Millisecond

	c := New(store, &recordingSender{}, zap.NewNop(), opts)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	stopCoordinator(t, c)
}

// ----------------------------
// Management
// ----------------------------

func TestStatsWithStoreDown(t *testing.T) {
	store := &flakyStore{
		Store: newSQLiteStore(t),
		StatsFunc: func(ctx context.Context) (models.StatusCounts, error) {
			return models.StatusCounts{}, storeDown("stats")
		},
	}
	c := New(store, &recordingSender{}, zap.NewNop(), testOptions())
	ctx := context.Background()

	_, err := c.Enqueue(ctx, welcome(), false)
	require.NoError(t, err)

	stats, err := c.Stats(ctx)
	require.Error(t, err)
	assert.True(t, db.IsUnavailable(err))
	assert.Equal(t, 1, stats.FastPathSize)
	assert.Equal(t, 2, stats.WorkerCount)
}

func TestRetryFailed(t *testing.T) {
	store := newSQLiteStore(t)
	sender := &recordingSender{err: errors.New("relay down")}
	c := New(store, sender, zap.NewNop(), testOptions())
	ctx := context.Background()

	id, err := c.Enqueue(ctx, welcome(), false)
	require.NoError(t, err)
	other, err := c.Enqueue(ctx, welcome(), false)
	require.NoError(t, err)

	// burn through all attempts on both jobs
	for {
		n, err := c.Drain(ctx, 0)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Failed)

	n, err := c.RetryFailed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, 1, stats.FastPathSize)

	// oldest failed job goes first
	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Zero(t, job.Attempts)
	assert.Empty(t, job.LastError)

	job, err = store.Get(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()

	n, err = c.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, sender.Sent(), 1)
}

func TestRetryFailedSurfacesStoreErrors(t *testing.T) {
	store := &flakyStore{
		Store: newSQLiteStore(t),
		RequeueFailedFunc: func(ctx context.Context, max int) ([]*models.EmailJob, error) {
			return nil, storeDown("requeue failed")
		},
	}
	c := New(store, &recordingSender{}, zap.NewNop(), testOptions())

	_, err := c.RetryFailed(context.Background(), 10)
	assert.True(t, db.IsUnavailable(err))

	_, err = c.RetryFailed(context.Background(), 0)
	assert.Error(t, err)
}

func TestCleanup(t *testing.T) {
	store := newSQLiteStore(t)
	c := New(store, &recordingSender{}, zap.NewNop(), testOptions())
	ctx := context.Background()

	_, err := c.Enqueue(ctx, welcome(), false)
	require.NoError(t, err)
	_, err = c.Drain(ctx, 0)
	require.NoError(t, err)

	// the sent job is brand new, nothing qualifies
	n, err := c.Cleanup(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)

	_, err = c.Cleanup(ctx, -time.Hour)
	assert.Error(t, err)
}

func TestCleanupSurfacesStoreErrors(t *testing.T) {
	store := &flakyStore{
		Store: newSQLiteStore(t),
		DeleteOlderThanFunc: func(ctx context.Context, age time.Duration) (int64, error) {
			return 0, storeDown("delete older than")
		},
	}
	c := New(store, &recordingSender{}, zap.NewNop(), testOptions())

	_, err := c.Cleanup(context.Background(), time.Hour)
	assert.True(t, db.IsUnavailable(err))
}

func TestDrainRespectsMax(t *testing.T) {
	sender := &recordingSender{}
	c := New(newSQLiteStore(t), sender, zap.NewNop(), testOptions())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Enqueue(ctx, welcome(), false)
		require.NoError(t, err)
	}

	n, err := c.Drain(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Sent)
	assert.Zero(t, stats.FastPathSize)
}

func TestDrainCancelledMidSendRecordsTheJob(t *testing.T) {
	store := newSQLiteStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sent atomic.Int32
	sender := email.SenderFunc(func(sendCtx context.Context, msg email.Message) error {
		// the caller goes away while the message is on the wire
		cancel()
		sent.Add(1)
		return sendCtx.Err()
	})
	c := New(store, sender, zap.NewNop(), testOptions())

	for i := 0; i < 2; i++ {
		_, err := c.Enqueue(context.Background(), welcome(), false)
		require.NoError(t, err)
	}

	n, err := c.Drain(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, sent.Load())

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Sent)
	assert.Zero(t, stats.Sending, "no job may be left claimed")
	assert.EqualValues(t, 1, stats.Pending)
}

func TestResetStuckAndFailed(t *testing.T) {
	store := newSQLiteStore(t)
	c := New(store, &recordingSender{}, zap.NewNop(), testOptions())
	ctx := context.Background()

	_, err := c.ResetStuck(ctx, 0)
	assert.Error(t, err)

	// a fresh sending job is not stuck yet
	id, err := c.Enqueue(ctx, welcome(), false)
	require.NoError(t, err)
	_, err = store.Claim(ctx, id)
	require.NoError(t, err)

	n, err := c.ResetStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	failed, err := c.Failed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}
