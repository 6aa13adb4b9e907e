package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"mailqueue/internal/config"
	"mailqueue/internal/models"
)

const jobsTable = "email_jobs"

var jobColumns = []string{
	"id",
	"recipients",
	"subject",
	"body",
	"html_body",
	"template_id",
	"variables",
	"status",
	"attempts",
	"max_attempts",
	"last_error",
	"next_attempt_at",
	"created_at",
	"updated_at",
}

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned by Claim when the job is not pending or not yet
	// due, and by Update when the stored job is not in sending and the new
	// status is sent or failed.
	ErrConflict = errors.New("job is not in the expected state")
	// ErrTerminal is returned by Update when the stored job is already sent or failed.
	ErrTerminal = errors.New("job is in a terminal state")
)

// PersistenceError wraps any failure talking to the backing database.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func unavailable(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// IsUnavailable reports whether err came from the database rather than from
// the job itself.
func IsUnavailable(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// updateGuard limits which stored rows an Update may overwrite: never a
// finished job, and only a sending job may finish.
func updateGuard(target models.EmailStatus) sq.Sqlizer {
	if target.Terminal() {
		return sq.Eq{"status": string(models.StatusSending)}
	}
	return sq.NotEq{"status": terminalStatuses()}
}

// rejectedUpdate maps the stored status of a row an Update did not touch to
// the matching error.
func rejectedUpdate(stored models.EmailStatus) error {
	if stored.Terminal() {
		return ErrTerminal
	}
	return ErrConflict
}

// Store is the durable home of email jobs.
type Store interface {
	Create(ctx context.Context, job *models.EmailJob) error
	Get(ctx context.Context, id string) (*models.EmailJob, error)
	// Update writes status, attempts, last error and next attempt time. It
	// refuses finished jobs (ErrTerminal) and sent or failed targets for a
	// job that is not in sending (ErrConflict).
	Update(ctx context.Context, job *models.EmailJob) error
	// Claim moves a due pending job to sending. Only one caller can win.
	Claim(ctx context.Context, id string) (*models.EmailJob, error)
	// NextPending returns the oldest due pending job, or nil when there is none.
	NextPending(ctx context.Context) (*models.EmailJob, error)
	AllPending(ctx context.Context) ([]*models.EmailJob, error)
	Failed(ctx context.Context, limit int) ([]*models.EmailJob, error)
	Stats(ctx context.Context) (models.StatusCounts, error)
	// DeleteOlderThan removes sent and failed jobs not updated within age.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
	// RequeueFailed resets up to max failed jobs to pending with zero attempts.
	RequeueFailed(ctx context.Context, max int) ([]*models.EmailJob, error)
	// ResetStuck returns jobs left in sending for longer than olderThan to pending.
	ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// Open connects to the configured backend, waits for it to answer and
// applies the schema.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	var (
		store Store
		err   error
	)

	switch strings.ToLower(cfg.StoreDriver) {
	case "postgres", "postgresql", "pgx":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres store")
		}
		store, err = NewPostgres(ctx, cfg.DatabaseURL)
	case "sqlite", "sqlite3":
		store, err = NewSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = cfg.StoreConnectTimeout

	ping := func() error {
		return store.Ping(ctx)
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("store not reachable yet",
			zap.String("driver", cfg.StoreDriver),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		store.Close()
		return nil, fmt.Errorf("connect store: %w", err)
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))
	return store, nil
}

func columnList() string {
	return strings.Join(jobColumns, ", ")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
