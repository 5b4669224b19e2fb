package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in a stable order, used for breakdowns.
var Statuses = []Status{
	StatusWaiting, StatusDelayed, StatusActive, StatusPaused,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Retryable reports whether an operator retry may revive a job in s.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusCancelled
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Rank orders priorities for dispatch; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Job is one unit of schedulable work held by the queue.
type Job struct {
	ID           string        `json:"id"`
	Type         JobType       `json:"type"`
	Payload      Payload       `json:"payload"`
	Status       Status        `json:"status"`
	Priority     Priority      `json:"priority"`
	Attempts     int           `json:"attempts"`
	MaxRetries   int           `json:"maxRetries"`
	Delay        time.Duration `json:"-"`
	ScheduledFor time.Time     `json:"scheduledFor"`
	CreatedAt    time.Time     `json:"createdAt"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
	FailedAt     *time.Time    `json:"failedAt,omitempty"`
	Progress     int           `json:"progress"`
	Result       Result        `json:"result,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
	Tags         []string      `json:"tags,omitempty"`

	// CancelRequested marks an active job whose handler was asked to stop.
	CancelRequested bool `json:"cancelRequested,omitempty"`
}

// MarshalJSON writes delay in milliseconds, the unit it is accepted in.
func (j Job) MarshalJSON() ([]byte, error) {
	type plain Job
	return json.Marshal(struct {
		plain
		DelayMs int64 `json:"delay"`
	}{plain: plain(j), DelayMs: j.Delay.Milliseconds()})
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	c := j
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FailedAt = cloneTime(j.FailedAt)
	if j.Tags != nil {
		c.Tags = append([]string(nil), j.Tags...)
	}
	return c
}

// HasTags reports whether every tag in want is carried by j.
func (j Job) HasTags(want []string) bool {
	for _, w := range want {
		found := false
		for _, t := range j.Tags {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FinishedAt is the time the job reached its terminal state, if known.
func (j Job) FinishedAt() *time.Time {
	if j.CompletedAt != nil {
		return j.CompletedAt
	}
	return j.FailedAt
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ErrorKind groups a failure message by the text before its first colon.
func ErrorKind(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "Unknown"
	}
	if i := strings.Index(msg, ":"); i >= 0 {
		if k := strings.TrimSpace(msg[:i]); k != "" {
			return k
		}
		return "Unknown"
	}
	return msg
}

// JobView is the read-only diagnostic projection of a Job.
type JobView struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	Progress    int        `json:"progress"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	DurationMs  *int64     `json:"duration,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// View projects j for diagnostics. Duration runs from StartedAt to the
// terminal timestamp, or to now for jobs still running.
func (j Job) View(now time.Time) JobView {
	v := JobView{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Priority:    j.Priority,
		Progress:    j.Progress,
		Attempts:    j.Attempts,
		CreatedAt:   j.CreatedAt,
		StartedAt:   cloneTime(j.StartedAt),
		CompletedAt: cloneTime(j.CompletedAt),
		FailedAt:    cloneTime(j.FailedAt),
		LastError:   j.LastError,
	}
	if j.StartedAt != nil {
		end := now
		if f := j.FinishedAt(); f != nil {
			end = *f
		}
		d := end.Sub(*j.StartedAt).Milliseconds()
		v.DurationMs = &d
	}
	return v
}

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Schedule is a recurring enqueue driven by a cron expression.
type Schedule struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	CronExpr   string          `json:"cron_expr"`
	JobType    JobType         `json:"job_type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   Priority        `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	Tags       []string        `json:"tags,omitempty"`
	Enabled    bool            `json:"enabled"`
	LastRun    *time.Time      `json:"last_run,omitempty"`
	NextRun    time.Time       `json:"next_run"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
