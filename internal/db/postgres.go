package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailqueue/internal/models"
)

//go:embed schema/postgres.sql
var postgresSchema string

// pgxConn is the subset of *pgxpool.Pool the store uses.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Postgres struct {
	Pool pgxConn
	sb   sq.StatementBuilderType
	now  func() time.Time
}

func NewPostgres(ctx context.Context, conn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, fmt.Errorf("parse db dsn: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}

	return newPostgres(pool), nil
}

func newPostgres(pool pgxConn) *Postgres {
	return &Postgres{
		Pool: pool,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Postgres) Close() {
	s.Pool.Close()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, postgresSchema); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

func (s *Postgres) Create(ctx context.Context, job *models.EmailJob) error {
	recipients, err := json.Marshal(job.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	vars, err := models.EncodeVariables(job.Variables)
	if err != nil {
		return err
	}

	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = models.DefaultMaxAttempts
	}

	q := s.sb.
		Insert(jobsTable).
		Columns(jobColumns...).
		Values(
			job.ID,
			recipients,
			job.Subject,
			job.Body,
			nullable(job.HTMLBody),
			nullable(job.TemplateID),
			vars,
			models.StatusPending,
			0,
			job.MaxAttempts,
			nil,
			job.NextAttemptAt,
			job.CreatedAt,
			now,
		)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert job: %w", err)
	}

	if _, err := s.Pool.Exec(ctx, sqlStr, args...); err != nil {
		return unavailable("create", err)
	}

	job.Status = models.StatusPending
	job.Attempts = 0
	job.LastError = ""
	job.UpdatedAt = now
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*models.EmailJob, error) {
	q := s.sb.
		Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"id": id})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get job: %w", err)
	}

	job, err := scanPgJob(s.Pool.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get", err)
	}
	return job, nil
}

func (s *Postgres) Update(ctx context.Context, job *models.EmailJob) error {
	if job.Attempts < 0 || job.Attempts > job.MaxAttempts {
		return fmt.Errorf("attempts %d out of range [0, %d]", job.Attempts, job.MaxAttempts)
	}
	if !job.Status.Valid() {
		return fmt.Errorf("invalid status %q", job.Status)
	}

	now := s.now()
	q := s.sb.
		Update(jobsTable).
		Set("status", job.Status).
		Set("attempts", job.Attempts).
		Set("last_error", nullable(job.LastError)).
		Set("next_attempt_at", job.NextAttemptAt).
		Set("updated_at", now).
		Where(sq.Eq{"id": job.ID}).
		Where(updateGuard(job.Status))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update job: %w", err)
	}

	tag, err := s.Pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return unavailable("update", err)
	}
	if tag.RowsAffected() == 0 {
		stored, err := s.status(ctx, job.ID)
		if err != nil {
			return err
		}
		return rejectedUpdate(stored)
	}

	job.UpdatedAt = now
	return nil
}

func (s *Postgres) Claim(ctx context.Context, id string) (*models.EmailJob, error) {
	now := s.now()
	q := s.sb.
		Update(jobsTable).
		Set("status", models.StatusSending).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "status": models.StatusPending}).
		Where(sq.LtOrEq{"next_attempt_at": now}).
		Suffix("RETURNING " + columnList())

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim job: %w", err)
	}

	job, err := scanPgJob(s.Pool.QueryRow(ctx, sqlStr, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, unavailable("claim", err)
	}

	if _, err := s.status(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrConflict
}

func (s *Postgres) NextPending(ctx context.Context) (*models.EmailJob, error) {
	q := s.sb.
		Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"status": models.StatusPending}).
		Where(sq.LtOrEq{"next_attempt_at": s.now()}).
		OrderBy("created_at ASC", "id ASC").
		Limit(1)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build next pending: %w", err)
	}

	job, err := scanPgJob(s.Pool.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("next pending", err)
	}
	return job, nil
}

func (s *Postgres) AllPending(ctx context.Context) ([]*models.EmailJob, error) {
	q := s.sb.
		Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"status": models.StatusPending}).
		OrderBy("created_at ASC", "id ASC")

	return s.list(ctx, "all pending", q)
}

func (s *Postgres) Failed(ctx context.Context, limit int) ([]*models.EmailJob, error) {
	if limit <= 0 {
		limit = 100
	}

	q := s.sb.
		Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"status": models.StatusFailed}).
		OrderBy("updated_at DESC", "id DESC").
		Limit(uint64(limit))

	return s.list(ctx, "failed", q)
}

func (s *Postgres) Stats(ctx context.Context) (models.StatusCounts, error) {
	var counts models.StatusCounts

	sqlStr, args, err := s.sb.
		Select("status", "COUNT(*)").
		From(jobsTable).
		GroupBy("status").
		ToSql()
	if err != nil {
		return counts, fmt.Errorf("build stats: %w", err)
	}

	rows, err := s.Pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return counts, unavailable("stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return counts, unavailable("stats", err)
		}
		counts.Add(models.EmailStatus(status), n)
	}
	if err := rows.Err(); err != nil {
		return counts, unavailable("stats", err)
	}

	return counts, nil
}

func (s *Postgres) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := s.now().Add(-age)

	sqlStr, args, err := s.sb.
		Delete(jobsTable).
		Where(sq.Eq{"status": []models.EmailStatus{models.StatusSent, models.StatusFailed}}).
		Where(sq.Lt{"updated_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build cleanup: %w", err)
	}

	tag, err := s.Pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, unavailable("cleanup", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) RequeueFailed(ctx context.Context, max int) ([]*models.EmailJob, error) {
	if max <= 0 {
		return nil, nil
	}

	now := s.now()
	q := s.sb.
		Update(jobsTable).
		Set("status", models.StatusPending).
		Set("attempts", 0).
		Set("last_error", nil).
		Set("next_attempt_at", now).
		Set("updated_at", now).
		Where(sq.Expr(
			"id IN (SELECT id FROM "+jobsTable+" WHERE status = ? ORDER BY created_at ASC LIMIT ? FOR UPDATE SKIP LOCKED)",
			models.StatusFailed, max,
		)).
		Where(sq.Eq{"status": models.StatusFailed}).
		Suffix("RETURNING " + columnList())

	return s.list(ctx, "requeue failed", q)
}

func (s *Postgres) ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()

	sqlStr, args, err := s.sb.
		Update(jobsTable).
		Set("status", models.StatusPending).
		Set("next_attempt_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"status": models.StatusSending}).
		Where(sq.Lt{"updated_at": now.Add(-olderThan)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build reset stuck: %w", err)
	}

	tag, err := s.Pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, unavailable("reset stuck", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) status(ctx context.Context, id string) (models.EmailStatus, error) {
	var status string
	err := s.Pool.QueryRow(ctx,
		`SELECT status FROM email_jobs WHERE id = $1`,
		id,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", unavailable("status", err)
	}
	return models.EmailStatus(status), nil
}

func (s *Postgres) list(ctx context.Context, op string, q sq.Sqlizer) ([]*models.EmailJob, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", op, err)
	}

	rows, err := s.Pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	jobs := make([]*models.EmailJob, 0)
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}

	return jobs, nil
}

func scanPgJob(row pgx.Row) (*models.EmailJob, error) {
	var (
		j          models.EmailJob
		recipients []byte
		vars       []byte
		status     string
		htmlBody   pgtype.Text
		templateID pgtype.Text
		lastError  pgtype.Text
	)

	if err := row.Scan(
		&j.ID,
		&recipients,
		&j.Subject,
		&j.Body,
		&htmlBody,
		&templateID,
		&vars,
		&status,
		&j.Attempts,
		&j.MaxAttempts,
		&lastError,
		&j.NextAttemptAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(recipients, &j.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	v, err := models.DecodeVariables(vars)
	if err != nil {
		return nil, err
	}

	j.Variables = v
	j.Status = models.EmailStatus(status)
	j.HTMLBody = htmlBody.String
	j.TemplateID = templateID.String
	j.LastError = lastError.String
	j.Durable = true

	return &j, nil
}
