package queue

import (
	"time"

	"blogflow/internal/domain"
)

func markActive(j *domain.Job, now time.Time) {
	j.Status = domain.StatusActive
	j.Attempts++
	t := now
	j.StartedAt = &t
	j.Progress = 0
	j.CancelRequested = false
}

func markCompleted(j *domain.Job, now time.Time, result domain.Result) {
	j.Status = domain.StatusCompleted
	t := now
	j.CompletedAt = &t
	j.Progress = 100
	j.Result = result
}

func markCancelled(j *domain.Job) {
	j.Status = domain.StatusCancelled
	j.CancelRequested = false
}

// MarkRequeued puts a failed attempt back in line. A positive backoff parks
// the job in delayed until it elapses.
func MarkRequeued(j *domain.Job, now time.Time, backoff time.Duration, lastError string) {
	j.LastError = lastError
	j.FailedAt = nil
	j.Delay = backoff
	j.ScheduledFor = now.Add(backoff)
	j.Status = domain.StatusWaiting
	if backoff > 0 {
		j.Status = domain.StatusDelayed
	}
}

// MarkFailed terminates a job after its last allowed attempt.
func MarkFailed(j *domain.Job, now time.Time, lastError string) {
	j.LastError = lastError
	j.Status = domain.StatusFailed
	t := now
	j.FailedAt = &t
}

// MarkCancelled ends a job whose handler stopped after a cancel request.
func MarkCancelled(j *domain.Job, lastError string) {
	if lastError != "" {
		j.LastError = lastError
	}
	markCancelled(j)
}

// ResetSpec describes an operator retry.
type ResetSpec struct {
	ResetAttempts bool
	ScheduledFor  time.Time
	Delay         time.Duration
	Priority      domain.Priority
}

// ResetForRetry revives a failed or cancelled job into waiting. Without an
// attempts reset the job keeps at most one more attempt before it fails again.
func ResetForRetry(j *domain.Job, spec ResetSpec) {
	if spec.ResetAttempts {
		j.Attempts = 0
	} else if j.Attempts > j.MaxRetries {
		j.Attempts = j.MaxRetries
	}
	if spec.Priority != "" {
		j.Priority = spec.Priority
	}
	j.Delay = spec.Delay
	j.ScheduledFor = spec.ScheduledFor
	j.Status = domain.StatusWaiting
	j.StartedAt = nil
	j.CompletedAt = nil
	j.FailedAt = nil
	j.Progress = 0
	j.Result = nil
	j.CancelRequested = false
}

func clampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
