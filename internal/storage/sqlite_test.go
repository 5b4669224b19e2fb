package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"blogflow/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "blogflow_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLite(db)
}

func testSchedule(name string, next time.Time) domain.Schedule {
	return domain.Schedule{
		Name:       name,
		CronExpr:   "0 9 * * 1",
		JobType:    domain.TypeSendDigest,
		Payload:    json.RawMessage(`{"audience":"subscribers"}`),
		Priority:   domain.PriorityHigh,
		MaxRetries: 2,
		Tags:       []string{"digest", "weekly"},
		Enabled:    true,
		NextRun:    next,
	}
}

func TestScheduleCRUD(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	next := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	id, err := r.CreateSchedule(ctx, testSchedule("weekly digest", next))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := r.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "weekly digest" || got.Priority != domain.PriorityHigh || got.MaxRetries != 2 {
		t.Fatalf("unexpected schedule %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[1] != "weekly" {
		t.Fatalf("tags not round-tripped: %v", got.Tags)
	}
	if string(got.Payload) != `{"audience":"subscribers"}` {
		t.Fatalf("payload not round-tripped: %s", got.Payload)
	}
	if !got.NextRun.Equal(next) || got.LastRun != nil {
		t.Fatalf("unexpected run times: next=%s last=%v", got.NextRun, got.LastRun)
	}

	got.Enabled = false
	got.Name = "paused digest"
	if err := r.UpdateSchedule(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, err := r.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "paused digest" || list[0].Enabled {
		t.Fatalf("update not visible: %+v", list)
	}

	if err := r.DeleteSchedule(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetSchedule(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := r.DeleteSchedule(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
	if err := r.UpdateSchedule(ctx, got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating missing, got %v", err)
	}
}

func TestGetDueSchedules(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

	due, _ := r.CreateSchedule(ctx, testSchedule("due", now.Add(-time.Minute)))
	r.CreateSchedule(ctx, testSchedule("later", now.Add(time.Hour)))
	off := testSchedule("disabled", now.Add(-time.Hour))
	off.Enabled = false
	r.CreateSchedule(ctx, off)

	list, err := r.GetDueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(list) != 1 || list[0].ID != due {
		t.Fatalf("expected only %s due, got %+v", due, list)
	}

	if err := r.UpdateScheduleLastRun(ctx, due, now, now.Add(7*24*time.Hour)); err != nil {
		t.Fatalf("update last run: %v", err)
	}
	list, _ = r.GetDueSchedules(ctx, now)
	if len(list) != 0 {
		t.Fatalf("nothing should be due after advancing next run, got %d", len(list))
	}
	got, _ := r.GetSchedule(ctx, due)
	if got.LastRun == nil || !got.LastRun.Equal(now) {
		t.Fatalf("last run not recorded: %v", got.LastRun)
	}
}

func TestArchiveJobs(t *testing.T) {
	r := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := base.Add(time.Minute)

	jobs := []domain.Job{
		{
			ID: "job_a", Type: domain.TypeGeneratePost, Status: domain.StatusCompleted, Priority: domain.PriorityNormal,
			Payload: domain.GeneratePostPayload{Topic: "a"}, Attempts: 1, MaxRetries: 3,
			CreatedAt: base, CompletedAt: &finished,
		},
		{
			ID: "job_b", Type: domain.TypePublishPost, Status: domain.StatusFailed, Priority: domain.PriorityHigh,
			Payload: domain.PublishPostPayload{PostID: "p"}, Attempts: 4, MaxRetries: 3, LastError: "HTTP 500: cms down",
			CreatedAt: base.Add(time.Second), FailedAt: &finished,
		},
	}
	if err := r.ArchiveJobs(ctx, jobs); err != nil {
		t.Fatalf("archive: %v", err)
	}
	// Archiving the same id again replaces the row.
	if err := r.ArchiveJobs(ctx, jobs[:1]); err != nil {
		t.Fatalf("re-archive: %v", err)
	}

	got, err := r.ListArchived(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 archived jobs, got %d", len(got))
	}
	if got[0].ID != "job_b" || got[0].LastError != "HTTP 500: cms down" || got[0].Attempts != 4 {
		t.Fatalf("unexpected newest archived job %+v", got[0])
	}
	if got[1].FinishedAt == nil || !got[1].FinishedAt.Equal(finished) {
		t.Fatalf("finish time not stored: %v", got[1].FinishedAt)
	}
	var rec map[string]any
	if err := json.Unmarshal(got[1].Record, &rec); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if rec["id"] != "job_a" {
		t.Fatalf("record mismatch: %v", rec)
	}

	if err := r.ArchiveJobs(ctx, nil); err != nil {
		t.Fatalf("empty archive should be a no-op: %v", err)
	}
}
