package db

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"mailqueue/internal/models"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// sqlExecutor is shared by *sql.DB and *sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLite keeps jobs in a single-file database. Timestamps are stored as unix
// nanoseconds so range comparisons stay numeric.
type SQLite struct {
	db     sqlExecutor
	closer func() error
	pinger func(context.Context) error
	sb     sq.StatementBuilderType
	now    func() time.Time
}

// NewSQLite opens path, or a private in-memory database when path is empty
// or ":memory:".
func NewSQLite(path string) (*SQLite, error) {
	dsn := ":memory:"
	if path != "" && path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// one connection: the in-memory database lives and dies with it, and
	// sqlite serialises writers anyway
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	return newSQLite(conn), nil
}

func newSQLite(conn *sql.DB) *SQLite {
	return &SQLite{
		db:     conn,
		closer: conn.Close,
		pinger: conn.PingContext,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLite) Close() {
	_ = s.closer()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.pinger(ctx)
}

func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

func (s *SQLite) Create(ctx context.Context, job *models.EmailJob) error {
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

	sqlStr, args, err := s.sb.
		Insert(jobsTable).
		Columns(jobColumns...).
		Values(
			job.ID,
			string(recipients),
			job.Subject,
			job.Body,
			nullable(job.HTMLBody),
			nullable(job.TemplateID),
			string(vars),
			string(models.StatusPending),
			0,
			job.MaxAttempts,
			nil,
			job.NextAttemptAt.UnixNano(),
			job.CreatedAt.UnixNano(),
			now.UnixNano(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert job: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return unavailable("create", err)
	}

	job.Status = models.StatusPending
	job.Attempts = 0
	job.LastError = ""
	job.UpdatedAt = now
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*models.EmailJob, error) {
	sqlStr, args, err := s.sb.
		Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get job: %w", err)
	}

	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get", err)
	}
	return job, nil
}

func (s *SQLite) Update(ctx context.Context, job *models.EmailJob) error {
	if job.Attempts < 0 || job.Attempts > job.MaxAttempts {
		return fmt.Errorf("attempts %d out of range [0, %d]", job.Attempts, job.MaxAttempts)
	}
	if !job.Status.Valid() {
		return fmt.Errorf("invalid status %q", job.Status)
	}

	now := s.now()
	sqlStr, args, err := s.sb.
		Update(jobsTable).
		Set("status", string(job.Status)).
		Set("attempts", job.Attempts).
		Set("last_error", nullable(job.LastError)).
		Set("next_attempt_at", job.NextAttemptAt.UnixNano()).
		Set("updated_at", now.UnixNano()).
		Where(sq.Eq{"id": job.ID}).
		Where(updateGuard(job.Status)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update job: %w", err)
	}

	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return unavailable("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update", err)
	}
	if n == 0 {
		stored, err := s.status(ctx, job.ID)
		if err != nil {
			return err
		}
		return rejectedUpdate(stored)
	}

	job.UpdatedAt = now
	return nil
}

func (s *SQLite) Claim(ctx context.Context, id string) (*models.EmailJob, error) {
	now := s.now().UnixNano()
	sqlStr, args, err := s.sb.
		Update(jobsTable).
		Set("status", string(models.StatusSending)).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "status": string(models.StatusPending)}).
		Where(sq.LtOrEq{"next_attempt_at": now}).
		Suffix("RETURNING " + columnList()).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim job: %w", err)
	}

	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("claim", err)
	}

	if _, err := s.status(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrConflict
}

func (s *SQLite) NextPending(ctx context.Context) (*models.EmailJob, error) {
	sqlStr, args, err := s.sb.
		Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"status": string(models.StatusPending)}).
		Where(sq.LtOrEq{"next_attempt_at": s.now().UnixNano()}).
		OrderBy("created_at ASC", "id ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build next pending: %w", err)
	}

	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("next pending", err)
	}
	return job, nil
}

func (s *SQLite) AllPending(ctx context.Context) ([]*models.EmailJob, error) {
	q := s.sb.
		Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"status": string(models.StatusPending)}).
		OrderBy("created_at ASC", "id ASC")

	return s.list(ctx, "all pending", q)
}

func (s *SQLite) Failed(ctx context.Context, limit int) ([]*models.EmailJob, error) {
	if limit <= 0 {
		limit = 100
	}

	q := s.sb.
		Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"status": string(models.StatusFailed)}).
		OrderBy("updated_at DESC", "id DESC").
		Limit(uint64(limit))

	return s.list(ctx, "failed", q)
}

func (s *SQLite) Stats(ctx context.Context) (models.StatusCounts, error) {
	var counts models.StatusCounts

	sqlStr, args, err := s.sb.
		Select("status", "COUNT(*)").
		From(jobsTable).
		GroupBy("status").
		ToSql()
	if err != nil {
		return counts, fmt.Errorf("build stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
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

func (s *SQLite) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := s.now().Add(-age)

	sqlStr, args, err := s.sb.
		Delete(jobsTable).
		Where(sq.Eq{"status": terminalStatuses()}).
		Where(sq.Lt{"updated_at": cutoff.UnixNano()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build cleanup: %w", err)
	}

	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, unavailable("cleanup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("cleanup", err)
	}
	return n, nil
}

func (s *SQLite) RequeueFailed(ctx context.Context, max int) ([]*models.EmailJob, error) {
	if max <= 0 {
		return nil, nil
	}

	now := s.now().UnixNano()
	q := s.sb.
		Update(jobsTable).
		Set("status", string(models.StatusPending)).
		Set("attempts", 0).
		Set("last_error", nil).
		Set("next_attempt_at", now).
		Set("updated_at", now).
		Where(sq.Expr(
			"id IN (SELECT id FROM "+jobsTable+" WHERE status = ? ORDER BY created_at ASC LIMIT ?)",
			string(models.StatusFailed), max,
		)).
		Where(sq.Eq{"status": string(models.StatusFailed)}).
		Suffix("RETURNING " + columnList())

	return s.list(ctx, "requeue failed", q)
}

func (s *SQLite) ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()

	sqlStr, args, err := s.sb.
		Update(jobsTable).
		Set("status", string(models.StatusPending)).
		Set("next_attempt_at", now.UnixNano()).
		Set("updated_at", now.UnixNano()).
		Where(sq.Eq{"status": string(models.StatusSending)}).
		Where(sq.Lt{"updated_at": now.Add(-olderThan).UnixNano()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build reset stuck: %w", err)
	}

	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, unavailable("reset stuck", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("reset stuck", err)
	}
	return n, nil
}

// status reads the stored status of id, or ErrNotFound.
func (s *SQLite) status(ctx context.Context, id string) (models.EmailStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM email_jobs WHERE id = ?`,
		id,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", unavailable("status", err)
	}
	return models.EmailStatus(status), nil
}

func (s *SQLite) list(ctx context.Context, op string, q sq.Sqlizer) ([]*models.EmailJob, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", op, err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	jobs := make([]*models.EmailJob, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
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

func terminalStatuses() []string {
	return []string{string(models.StatusSent), string(models.StatusFailed)}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.EmailJob, error) {
	var (
		j           models.EmailJob
		recipients  string
		vars        string
		status      string
		htmlBody    sql.NullString
		templateID  sql.NullString
		lastError   sql.NullString
		nextAttempt int64
		createdAt   int64
		updatedAt   int64
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
		&nextAttempt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.NewDecoder(strings.NewReader(recipients)).Decode(&j.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	v, err := models.DecodeVariables([]byte(vars))
	if err != nil {
		return nil, err
	}

	j.Variables = v
	j.Status = models.EmailStatus(status)
	j.HTMLBody = htmlBody.String
	j.TemplateID = templateID.String
	j.LastError = lastError.String
	j.NextAttemptAt = time.Unix(0, nextAttempt).UTC()
	j.CreatedAt = time.Unix(0, createdAt).UTC()
	j.UpdatedAt = time.Unix(0, updatedAt).UTC()
	j.Durable = true

	return &j, nil
}
