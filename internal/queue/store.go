package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"blogflow/internal/domain"
)

var (
	ErrEmpty        = errors.New("no jobs ready")
	ErrNotFound     = errors.New("job not found")
	ErrInvalidState = errors.New("invalid job state")
	ErrLeaseLost    = errors.New("job lease lost")
)

const (
	DefaultMaxRetries = 3
	MaxDelay          = 30 * 24 * time.Hour
)

// EnqueueRequest describes a new job. The job type is taken from the payload.
type EnqueueRequest struct {
	Payload    domain.Payload
	Priority   domain.Priority
	Delay      time.Duration
	MaxRetries *int
	Tags       []string
}

// Lease identifies one execution attempt of a claimed job. Writes that carry a
// lease are rejected once the job has moved past that attempt.
type Lease struct {
	JobID   string
	Attempt int
}

type entry struct {
	job    domain.Job
	seq    uint64
	cancel context.CancelFunc
}

// Store is the in-memory registry of every job in the process. All writes are
// serialized by a single mutex; readers take copies.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*entry
	seq     uint64
	now     func() time.Time
	ready   chan struct{}
	health  HealthThresholds
	evicted int

	defaultMaxRetries int
}

type Option func(*Store)

// WithClock replaces the wall clock used for every timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithHealthThresholds(h HealthThresholds) Option {
	return func(s *Store) { s.health = h }
}

// WithDefaultMaxRetries sets maxRetries for requests that leave it unset.
func WithDefaultMaxRetries(n int) Option {
	return func(s *Store) { s.defaultMaxRetries = n }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		jobs:   make(map[string]*entry),
		now:    time.Now,
		ready:  make(chan struct{}, 1),
		health: DefaultHealthThresholds(),

		defaultMaxRetries: DefaultMaxRetries,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }

// Ready is signalled whenever a job may have become dispatchable.
func (s *Store) Ready() <-chan struct{} { return s.ready }

func (s *Store) notify() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Payload == nil {
		return "", fmt.Errorf("enqueue: payload is required")
	}
	jobType := req.Payload.JobType()
	if !jobType.Valid() {
		return "", fmt.Errorf("enqueue: %w: %q", domain.ErrUnknownJobType, jobType)
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	if !req.Priority.Valid() {
		return "", fmt.Errorf("enqueue: unknown priority %q", req.Priority)
	}
	if req.Delay < 0 || req.Delay > MaxDelay {
		return "", fmt.Errorf("enqueue: delay %s out of range", req.Delay)
	}
	maxRetries := s.defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return "", fmt.Errorf("enqueue: maxRetries must not be negative")
	}

	now := s.now()
	job := domain.Job{
		ID:           "job_" + uuid.NewString(),
		Type:         jobType,
		Payload:      req.Payload,
		Status:       domain.StatusWaiting,
		Priority:     req.Priority,
		MaxRetries:   maxRetries,
		Delay:        req.Delay,
		ScheduledFor: now.Add(req.Delay),
		CreatedAt:    now,
	}
	if req.Delay > 0 {
		job.Status = domain.StatusDelayed
	}
	if len(req.Tags) > 0 {
		job.Tags = append([]string(nil), req.Tags...)
	}

	s.mu.Lock()
	s.seq++
	s.jobs[job.ID] = &entry{job: job, seq: s.seq}
	s.mu.Unlock()

	log.Debug().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Str("priority", string(job.Priority)).
		Dur("delay", job.Delay).
		Msg("job enqueued")
	s.notify()
	return job.ID, nil
}

func (s *Store) Get(id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return e.job.Clone(), nil
}

// List returns a snapshot copy of every job, unordered.
func (s *Store) List() []domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.job.Clone())
	}
	return out
}

// Recent returns up to limit jobs, newest first.
func (s *Store) Recent(limit int) []domain.Job {
	jobs := s.List()
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Claim selects the best dispatchable job and moves it to active in one step.
// Delayed jobs whose time has come are promoted to waiting on the way.
func (s *Store) Claim(now time.Time) (domain.Job, Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *entry
	for _, e := range s.jobs {
		j := &e.job
		if j.Status != domain.StatusWaiting && j.Status != domain.StatusDelayed {
			continue
		}
		if j.ScheduledFor.After(now) {
			continue
		}
		if j.Status == domain.StatusDelayed {
			j.Status = domain.StatusWaiting
		}
		if best == nil || dispatchesBefore(e, best) {
			best = e
		}
	}
	if best == nil {
		return domain.Job{}, Lease{}, ErrEmpty
	}
	markActive(&best.job, now)
	best.cancel = nil
	return best.job.Clone(), Lease{JobID: best.job.ID, Attempt: best.job.Attempts}, nil
}

// dispatchesBefore orders by priority, then scheduledFor, then creation.
func dispatchesBefore(a, b *entry) bool {
	if ra, rb := a.job.Priority.Rank(), b.job.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !a.job.ScheduledFor.Equal(b.job.ScheduledFor) {
		return a.job.ScheduledFor.Before(b.job.ScheduledFor)
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (s *Store) leased(l Lease) (*entry, error) {
	e, ok := s.jobs[l.JobID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.job.Status != domain.StatusActive || e.job.Attempts != l.Attempt {
		return nil, ErrLeaseLost
	}
	return e, nil
}

// BindCancel attaches the cancel func of the running handler to its lease. If
// cancellation was already requested it fires immediately.
func (s *Store) BindCancel(l Lease, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.leased(l)
	if err != nil {
		return err
	}
	e.cancel = cancel
	if e.job.CancelRequested {
		cancel()
	}
	return nil
}

// SetProgress records handler progress, clamped to 0..100.
func (s *Store) SetProgress(l Lease, pct int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.leased(l)
	if err != nil {
		return err
	}
	e.job.Progress = clampProgress(pct)
	return nil
}

// Complete finishes a leased attempt successfully. A job whose cancellation was
// requested while running ends cancelled and its result is dropped.
func (s *Store) Complete(l Lease, result domain.Result) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.leased(l)
	if err != nil {
		return domain.Job{}, err
	}
	now := s.now()
	if e.job.CancelRequested {
		markCancelled(&e.job)
	} else {
		markCompleted(&e.job, now, result)
	}
	e.cancel = nil
	return e.job.Clone(), nil
}

// MutateLeased applies fn to a job still held under lease l.
func (s *Store) MutateLeased(l Lease, fn func(j *domain.Job) error) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.leased(l)
	if err != nil {
		return domain.Job{}, err
	}
	return s.apply(e, fn)
}

// Mutate applies fn to the live record of job id under the store lock. It is
// the write path of the retry controller; fn returning an error leaves the job
// untouched.
func (s *Store) Mutate(id string, fn func(j *domain.Job) error) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return s.apply(e, fn)
}

func (s *Store) apply(e *entry, fn func(j *domain.Job) error) (domain.Job, error) {
	draft := e.job.Clone()
	if err := fn(&draft); err != nil {
		return e.job.Clone(), err
	}
	e.job = draft
	if e.job.Status != domain.StatusActive {
		e.cancel = nil
	}
	if e.job.Status == domain.StatusWaiting || e.job.Status == domain.StatusDelayed {
		s.notify()
	}
	return e.job.Clone(), nil
}

// Cancel stops a job. Queued and paused jobs are cancelled at once; an active
// job is asked to stop and ends cancelled when its handler returns.
func (s *Store) Cancel(id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	switch e.job.Status {
	case domain.StatusWaiting, domain.StatusDelayed, domain.StatusPaused:
		markCancelled(&e.job)
	case domain.StatusActive:
		e.job.CancelRequested = true
		if e.cancel != nil {
			e.cancel()
		}
	default:
		return e.job.Clone(), fmt.Errorf("%w: cannot cancel job in status %s", ErrInvalidState, e.job.Status)
	}
	log.Info().Str("job_id", id).Str("status", string(e.job.Status)).Msg("job cancel requested")
	return e.job.Clone(), nil
}

// Pause holds a queued job out of dispatch until Resume.
func (s *Store) Pause(id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	if e.job.Status != domain.StatusWaiting && e.job.Status != domain.StatusDelayed {
		return e.job.Clone(), fmt.Errorf("%w: cannot pause job in status %s", ErrInvalidState, e.job.Status)
	}
	e.job.Status = domain.StatusPaused
	return e.job.Clone(), nil
}

func (s *Store) Resume(id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	if e.job.Status != domain.StatusPaused {
		return e.job.Clone(), fmt.Errorf("%w: cannot resume job in status %s", ErrInvalidState, e.job.Status)
	}
	e.job.Status = domain.StatusWaiting
	if e.job.ScheduledFor.After(s.now()) {
		e.job.Status = domain.StatusDelayed
	}
	s.notify()
	return e.job.Clone(), nil
}

// Evict removes terminal jobs that finished before cutoff and returns them.
// Cancelled jobs without a finish time are aged by creation time.
func (s *Store) Evict(cutoff time.Time) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for id, e := range s.jobs {
		if !e.job.Status.Terminal() {
			continue
		}
		at := e.job.CreatedAt
		if f := e.job.FinishedAt(); f != nil {
			at = *f
		}
		if at.Before(cutoff) {
			out = append(out, e.job.Clone())
			delete(s.jobs, id)
		}
	}
	s.evicted += len(out)
	return out
}
