// Package retry decides the fate of failed jobs and services operator retries.
package retry

import (
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"blogflow/internal/domain"
	"blogflow/internal/queue"
	"blogflow/internal/validation"
)

const (
	DefaultMaxJobs = 100
	MaxJobsLimit   = 1000
	// StaggerStep spaces bulk retries without an explicit delay.
	StaggerStep = time.Second
)

// Policy controls the automatic backoff applied between attempts.
type Policy struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{BackoffBase: time.Second, BackoffCap: time.Minute}
}

// Backoff doubles the base delay per prior attempt, up to the cap.
func (p Policy) Backoff(attempts int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	if attempts <= 1 {
		return p.BackoffBase
	}
	d := p.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.BackoffCap > 0 && d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	return d
}

type Controller struct {
	store  *queue.Store
	policy Policy
}

func NewController(store *queue.Store, policy Policy) *Controller {
	return &Controller{store: store, policy: policy}
}

// HandleFailure routes a failed attempt. The job is requeued while attempts
// stay within maxRetries and fails terminally afterwards. A job whose
// cancellation was requested ends cancelled instead.
func (c *Controller) HandleFailure(lease queue.Lease, cause error) (domain.Job, error) {
	msg := "Unknown error"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	now := c.store.Now()
	job, err := c.store.MutateLeased(lease, func(j *domain.Job) error {
		switch {
		case j.CancelRequested:
			queue.MarkCancelled(j, msg)
		case j.Attempts <= j.MaxRetries:
			queue.MarkRequeued(j, now, c.policy.Backoff(j.Attempts), msg)
		default:
			queue.MarkFailed(j, now, msg)
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("job_id", lease.JobID).Int("attempt", lease.Attempt).Msg("dropping failure for stale lease")
		return job, err
	}

	ev := log.Info()
	if job.Status == domain.StatusFailed {
		ev = log.Warn()
	}
	ev.Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Int("attempt", job.Attempts).
		Int("max_retries", job.MaxRetries).
		Str("status", string(job.Status)).
		Time("scheduled_for", job.ScheduledFor).
		Str("error", msg).
		Msg("job attempt failed")
	return job, nil
}

// Options are shared by single and bulk retries. NewDelay is in milliseconds.
type Options struct {
	ResetAttempts bool            `json:"resetAttempts"`
	NewDelay      *int64          `json:"newDelay,omitempty" validate:"omitempty,min=0,max=2592000000"`
	NewPriority   domain.Priority `json:"newPriority,omitempty" validate:"omitempty,oneof=critical high normal low"`
}

func (o Options) delay() (time.Duration, bool) {
	if o.NewDelay == nil {
		return 0, false
	}
	return time.Duration(*o.NewDelay) * time.Millisecond, true
}

type SingleRequest struct {
	JobID string `json:"jobId" validate:"required,max=128"`
	Options
}

// RetriedJob is the state of a job after a successful reset.
type RetriedJob struct {
	JobID          string          `json:"jobId"`
	Type           domain.JobType  `json:"type"`
	PreviousStatus domain.Status   `json:"previousStatus"`
	Status         domain.Status   `json:"status"`
	Priority       domain.Priority `json:"priority"`
	Attempts       int             `json:"attempts"`
	ScheduledFor   time.Time       `json:"scheduledFor"`
}

// Retry revives one failed or cancelled job.
func (c *Controller) Retry(req SingleRequest) (RetriedJob, error) {
	if err := validation.Struct(req); err != nil {
		return RetriedJob{}, err
	}
	now := c.store.Now()
	delay, _ := req.delay()
	return c.reset(req.JobID, queue.ResetSpec{
		ResetAttempts: req.ResetAttempts,
		ScheduledFor:  now.Add(delay),
		Delay:         delay,
		Priority:      req.NewPriority,
	})
}

func (c *Controller) reset(id string, spec queue.ResetSpec) (RetriedJob, error) {
	var prev domain.Status
	job, err := c.store.Mutate(id, func(j *domain.Job) error {
		if !j.Status.Retryable() {
			return &InvalidStateError{JobID: j.ID, Status: j.Status}
		}
		prev = j.Status
		queue.ResetForRetry(j, spec)
		return nil
	})
	if errors.Is(err, queue.ErrNotFound) {
		return RetriedJob{}, &NotFoundError{JobID: id}
	}
	if err != nil {
		return RetriedJob{}, err
	}
	log.Info().
		Str("job_id", job.ID).
		Str("previous_status", string(prev)).
		Bool("reset_attempts", spec.ResetAttempts).
		Time("scheduled_for", job.ScheduledFor).
		Msg("job retried by operator")
	return RetriedJob{
		JobID:          job.ID,
		Type:           job.Type,
		PreviousStatus: prev,
		Status:         job.Status,
		Priority:       job.Priority,
		Attempts:       job.Attempts,
		ScheduledFor:   job.ScheduledFor,
	}, nil
}

// Filter narrows a bulk retry. All set predicates must hold.
type Filter struct {
	Status       []domain.Status `json:"status,omitempty" validate:"omitempty,dive,oneof=failed cancelled"`
	JobType      domain.JobType  `json:"jobType,omitempty" validate:"omitempty,oneof=generate-post publish-post send-digest"`
	Tags         []string        `json:"tags,omitempty" validate:"omitempty,max=20,dive,required"`
	FailedBefore *time.Time      `json:"failedBefore,omitempty"`
	MaxAttempts  *int            `json:"maxAttempts,omitempty" validate:"omitempty,min=0"`
}

func (f Filter) match(j domain.Job) bool {
	if !j.Status.Retryable() {
		return false
	}
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			if s == j.Status {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.JobType != "" && j.Type != f.JobType {
		return false
	}
	if len(f.Tags) > 0 && !j.HasTags(f.Tags) {
		return false
	}
	if f.FailedBefore != nil && (j.FailedAt == nil || !j.FailedAt.Before(*f.FailedBefore)) {
		return false
	}
	if f.MaxAttempts != nil && j.Attempts > *f.MaxAttempts {
		return false
	}
	return true
}

type BulkRequest struct {
	Filter Filter `json:"filter"`
	Options
	MaxJobs int `json:"maxJobs,omitempty" validate:"omitempty,min=1,max=1000"`
}

type FailedRetry struct {
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

type Summary struct {
	Selected  int  `json:"selected"`
	Retried   int  `json:"retried"`
	Failed    int  `json:"failed"`
	Truncated bool `json:"truncated"`
}

type BulkResult struct {
	TotalEligible int           `json:"totalEligible"`
	Retried       []RetriedJob  `json:"retried"`
	Failed        []FailedRetry `json:"failed"`
	Summary       Summary       `json:"summary"`
}

// BulkRetry revives every job matching the filter, oldest failure first, up
// to MaxJobs. Without an explicit delay the k-th job is scheduled k seconds
// after the first so the batch does not hit downstream services at once. A
// reset that fails is reported and does not stop the batch.
func (c *Controller) BulkRetry(req BulkRequest) (BulkResult, error) {
	if err := validation.Struct(req); err != nil {
		return BulkResult{}, err
	}
	maxJobs := req.MaxJobs
	if maxJobs == 0 {
		maxJobs = DefaultMaxJobs
	}

	var matched []domain.Job
	for _, j := range c.store.List() {
		if req.Filter.match(j) {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		ta, tb := retryOrderKey(matched[a]), retryOrderKey(matched[b])
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return matched[a].ID < matched[b].ID
	})

	res := BulkResult{TotalEligible: len(matched), Retried: []RetriedJob{}, Failed: []FailedRetry{}}
	selected := matched
	if len(selected) > maxJobs {
		selected = selected[:maxJobs]
		res.Summary.Truncated = true
	}
	res.Summary.Selected = len(selected)

	now := c.store.Now()
	delay, explicit := req.delay()
	for i, j := range selected {
		spec := queue.ResetSpec{
			ResetAttempts: req.ResetAttempts,
			Priority:      req.NewPriority,
			Delay:         delay,
			ScheduledFor:  now.Add(delay),
		}
		if !explicit {
			stagger := time.Duration(i) * StaggerStep
			spec.Delay = stagger
			spec.ScheduledFor = now.Add(stagger)
		}
		r, err := c.reset(j.ID, spec)
		if err != nil {
			res.Failed = append(res.Failed, FailedRetry{JobID: j.ID, Error: err.Error()})
			continue
		}
		res.Retried = append(res.Retried, r)
	}
	res.Summary.Retried = len(res.Retried)
	res.Summary.Failed = len(res.Failed)

	log.Info().
		Int("eligible", res.TotalEligible).
		Int("retried", res.Summary.Retried).
		Int("failed", res.Summary.Failed).
		Bool("truncated", res.Summary.Truncated).
		Msg("bulk retry finished")
	return res, nil
}

func retryOrderKey(j domain.Job) time.Time {
	if j.FailedAt != nil {
		return *j.FailedAt
	}
	return j.CreatedAt
}

// Eligibility is the read-only answer to "can this job be retried".
type Eligibility struct {
	JobID      string        `json:"jobId"`
	Status     domain.Status `json:"status"`
	Attempts   int           `json:"attempts"`
	MaxRetries int           `json:"maxRetries"`
	LastError  string        `json:"lastError,omitempty"`
	CanRetry   bool          `json:"canRetry"`
}

func (c *Controller) Eligibility(id string) (Eligibility, error) {
	j, err := c.store.Get(id)
	if errors.Is(err, queue.ErrNotFound) {
		return Eligibility{}, &NotFoundError{JobID: id}
	}
	if err != nil {
		return Eligibility{}, err
	}
	return Eligibility{
		JobID:      j.ID,
		Status:     j.Status,
		Attempts:   j.Attempts,
		MaxRetries: j.MaxRetries,
		LastError:  j.LastError,
		CanRetry:   j.Status.Retryable() && j.Attempts < j.MaxRetries,
	}, nil
}

// Stats summarizes retry state across the whole store.
type Stats struct {
	Failed       int                    `json:"failed"`
	Cancelled    int                    `json:"cancelled"`
	Retryable    int                    `json:"retryable"`
	Exhausted    int                    `json:"exhausted"`
	RetriedJobs  int                    `json:"retriedJobs"`
	FailedByType map[domain.JobType]int `json:"failedByType"`
	ErrorTypes   map[string]int         `json:"errorTypes"`
}

func (c *Controller) Stats() Stats {
	st := Stats{FailedByType: map[domain.JobType]int{}, ErrorTypes: map[string]int{}}
	for _, j := range c.store.List() {
		if j.Attempts > 1 {
			st.RetriedJobs++
		}
		switch j.Status {
		case domain.StatusFailed:
			st.Failed++
			st.FailedByType[j.Type]++
			st.ErrorTypes[domain.ErrorKind(j.LastError)]++
		case domain.StatusCancelled:
			st.Cancelled++
		default:
			continue
		}
		if j.Attempts < j.MaxRetries {
			st.Retryable++
		} else {
			st.Exhausted++
		}
	}
	return st
}
