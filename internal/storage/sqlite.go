package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"blogflow/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  job_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority TEXT NOT NULL DEFAULT 'normal',
  max_retries INTEGER NOT NULL DEFAULT 3,
  tags TEXT NOT NULL DEFAULT '[]',
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
CREATE TABLE IF NOT EXISTS job_archive (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  priority TEXT NOT NULL,
  attempts INTEGER NOT NULL,
  max_retries INTEGER NOT NULL,
  last_error TEXT,
  created_at DATETIME NOT NULL,
  finished_at DATETIME,
  record BLOB NOT NULL,
  archived_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_job_archive_created ON job_archive(created_at);
`
	_, err := db.Exec(schema)
	return err
}

// ScheduleRepository stores recurring enqueue definitions.
type ScheduleRepository interface {
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

// Archive keeps terminal jobs evicted from the in-memory store.
type Archive interface {
	ArchiveJobs(ctx context.Context, jobs []domain.Job) error
	ListArchived(ctx context.Context, limit int) ([]ArchivedJob, error)
}

type ArchivedJob struct {
	ID         string          `json:"id"`
	Type       domain.JobType  `json:"type"`
	Status     domain.Status   `json:"status"`
	Priority   domain.Priority `json:"priority"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"maxRetries"`
	LastError  string          `json:"lastError,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Record     json.RawMessage `json:"record"`
	ArchivedAt time.Time       `json:"archivedAt"`
}

type SQLite struct{ db *sql.DB }

func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

const scheduleColumns = `id,name,cron_expr,job_type,payload,priority,max_retries,tags,enabled,last_run,next_run,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (domain.Schedule, error) {
	var (
		s       domain.Schedule
		payload []byte
		tags    string
		lastRun sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.JobType, &payload, &s.Priority, &s.MaxRetries, &tags, &s.Enabled, &lastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	s.Payload = json.RawMessage(payload)
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &s.Tags); err != nil {
			return domain.Schedule{}, fmt.Errorf("decode schedule tags: %w", err)
		}
	}
	if lastRun.Valid {
		t := lastRun.Time
		s.LastRun = &t
	}
	return s, nil
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func (r *SQLite) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if s.Priority == "" {
		s.Priority = domain.PriorityNormal
	}
	if len(s.Payload) == 0 {
		s.Payload = json.RawMessage("{}")
	}
	var lastRun any
	if s.LastRun != nil {
		lastRun = *s.LastRun
	}
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`, id, s.Name, s.CronExpr, string(s.JobType), []byte(s.Payload), string(s.Priority), s.MaxRetries, encodeTags(s.Tags), s.Enabled, lastRun, s.NextRun.UTC(), now, now)
	return id, err
}

func (r *SQLite) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return s, err
}

func (r *SQLite) querySchedules(ctx context.Context, q string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules := []domain.Schedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *SQLite) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
}

func (r *SQLite) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now.UTC())
}

func (r *SQLite) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,job_type=?,payload=?,priority=?,max_retries=?,tags=?,enabled=?,next_run=?,updated_at=?
WHERE id=?`, s.Name, s.CronExpr, string(s.JobType), []byte(s.Payload), string(s.Priority), s.MaxRetries, encodeTags(s.Tags), s.Enabled, s.NextRun.UTC(), time.Now().UTC(), s.ID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r *SQLite) DeleteSchedule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r *SQLite) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=? WHERE id=?`, lastRun.UTC(), nextRun.UTC(), time.Now().UTC(), id)
	return err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveJobs writes jobs in one transaction. Re-archiving an id replaces it.
func (r *SQLite) ArchiveJobs(ctx context.Context, jobs []domain.Job) (err error) {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO job_archive (id,type,status,priority,attempts,max_retries,last_error,created_at,finished_at,record,archived_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, j := range jobs {
		record, mErr := json.Marshal(j)
		if mErr != nil {
			return fmt.Errorf("encode job %s: %w", j.ID, mErr)
		}
		var finished any
		if f := j.FinishedAt(); f != nil {
			finished = f.UTC()
		}
		if _, err = stmt.ExecContext(ctx, j.ID, string(j.Type), string(j.Status), string(j.Priority),
			j.Attempts, j.MaxRetries, j.LastError, j.CreatedAt.UTC(), finished, record, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListArchived returns archived jobs, most recently created first.
func (r *SQLite) ListArchived(ctx context.Context, limit int) ([]ArchivedJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,type,status,priority,attempts,max_retries,last_error,created_at,finished_at,record,archived_at
FROM job_archive ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ArchivedJob{}
	for rows.Next() {
		var (
			a        ArchivedJob
			lastErr  sql.NullString
			finished sql.NullTime
			record   []byte
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.Status, &a.Priority, &a.Attempts, &a.MaxRetries, &lastErr, &a.CreatedAt, &finished, &record, &a.ArchivedAt); err != nil {
			return nil, err
		}
		a.LastError = lastErr.String
		if finished.Valid {
			t := finished.Time
			a.FinishedAt = &t
		}
		a.Record = json.RawMessage(record)
		out = append(out, a)
	}
	return out, rows.Err()
}
