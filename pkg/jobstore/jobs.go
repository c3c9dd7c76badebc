package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/sessiond/pkg/jobregistry"
)

// SQLStore is a jobregistry.Store over a migrated job database.
type SQLStore struct {
	db *sql.DB
}

var _ jobregistry.Store = (*SQLStore)(nil)

// OpenStore opens the database described by cfg, migrates it and wraps it.
func OpenStore(ctx context.Context, cfg Config) (*SQLStore, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

// NewSQLStore wraps an already migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, description, instance_id, started_by, cancelled_by, started_at,
	stopped_at, cancelled, error_code, exception_details`

func (s *SQLStore) Add(ctx context.Context, job *jobregistry.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Description,
		job.InstanceID,
		job.StartedBy,
		nullString(job.CancelledBy),
		formatTime(job.StartedAt),
		nullTime(job.StoppedAt),
		boolToInt(job.Cancelled),
		nullCode(job.ErrorCode),
		nullString(job.ExceptionDetails),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLStore) SetCancelledBy(ctx context.Context, id, user string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET cancelled_by=? WHERE id=?`, user, id)
	if err != nil {
		return fmt.Errorf("update cancelled_by: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update cancelled_by: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", jobregistry.ErrJobNotFound, id)
	}
	return nil
}

func (s *SQLStore) Finish(ctx context.Context, id string, t jobregistry.Termination) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs
		SET stopped_at=?, cancelled=?, error_code=?, exception_details=?
		WHERE id=? AND stopped_at IS NULL`,
		formatTime(t.StoppedAt),
		boolToInt(t.Cancelled),
		nullCode(t.ErrorCode),
		nullString(t.ExceptionDetails),
		id,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", jobregistry.ErrAlreadyFinished, id)
}

func (s *SQLStore) Get(ctx context.Context, id string) (*jobregistry.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobregistry.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) List(ctx context.Context, filter jobregistry.ListFilter) ([]jobregistry.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.ActiveOnly {
		where = append(where, "stopped_at IS NULL")
	}
	if filter.InstanceID != "" {
		where = append(where, "instance_id=?")
		args = append(args, filter.InstanceID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []jobregistry.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (s *SQLStore) CancelUnfinished(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET stopped_at=?, cancelled=1 WHERE stopped_at IS NULL`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("cancel unfinished jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel unfinished jobs: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", jobregistry.ErrJobNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobregistry.Job, error) {
	var (
		job         jobregistry.Job
		cancelledBy sql.NullString
		startedAt   string
		stoppedAt   sql.NullString
		cancelled   int
		errorCode   sql.NullInt64
		details     sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.Description,
		&job.InstanceID,
		&job.StartedBy,
		&cancelledBy,
		&startedAt,
		&stoppedAt,
		&cancelled,
		&errorCode,
		&details,
	); err != nil {
		return nil, err
	}

	t, err := parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	job.StartedAt = t
	if stoppedAt.Valid {
		st, err := parseTime(stoppedAt.String)
		if err != nil {
			return nil, err
		}
		job.StoppedAt = &st
	}
	if cancelledBy.Valid {
		job.CancelledBy = &cancelledBy.String
	}
	job.Cancelled = cancelled != 0
	if errorCode.Valid {
		code := jobregistry.ErrorCode(errorCode.Int64)
		job.ErrorCode = &code
	}
	if details.Valid {
		job.ExceptionDetails = &details.String
	}
	return &job, nil
}

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullCode(c *jobregistry.ErrorCode) any {
	if c == nil {
		return nil
	}
	return int64(*c)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
