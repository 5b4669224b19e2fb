package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"blogflow/internal/domain"
	"blogflow/internal/health"
	"blogflow/internal/queue"
	"blogflow/internal/storage"
)

// Service is the blog automation loop: it enqueues jobs for due cron
// schedules and sweeps finished jobs out of memory into the archive.
type Service struct {
	repo      storage.ScheduleRepository
	archive   storage.Archive
	store     *queue.Store
	stop      chan struct{}
	stopOnce  sync.Once
	interval  time.Duration
	retention time.Duration

	mu       sync.Mutex
	running  bool
	lastTick time.Time
	failures map[string]string // schedule id -> last enqueue error
}

func NewService(repo storage.ScheduleRepository, archive storage.Archive, store *queue.Store, checkInterval, retention time.Duration) *Service {
	return &Service{
		repo:      repo,
		archive:   archive,
		store:     store,
		stop:      make(chan struct{}),
		interval:  checkInterval,
		retention: retention,
		failures:  make(map[string]string),
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.setRunning(true)
	defer s.setRunning(false)
	log.Info().Dur("interval", s.interval).Dur("retention", s.retention).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Service) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// Tick runs one pass: due schedules first, then retention.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	s.processDueSchedules(ctx, now)
	if s.retention > 0 {
		if _, err := s.Sweep(ctx, now); err != nil {
			log.Error().Err(err).Msg("retention sweep failed")
		}
	}
	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.repo.GetDueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	// A failing schedule keeps its next run and stays due, so failures is
	// rebuilt from this pass alone. Deleted or disabled schedules drop out.
	failures := make(map[string]string)
	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			failures[schedule.ID] = err.Error()
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
	s.mu.Lock()
	s.failures = failures
	s.mu.Unlock()
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule.CronExpr, err)
	}

	payload, err := domain.DecodePayload(schedule.JobType, schedule.Payload)
	if err != nil {
		return err
	}
	maxRetries := schedule.MaxRetries
	jobID, err := s.store.Enqueue(ctx, queue.EnqueueRequest{
		Payload:    payload,
		Priority:   schedule.Priority,
		MaxRetries: &maxRetries,
		Tags:       append([]string{"schedule:" + schedule.ID}, schedule.Tags...),
	})
	if err != nil {
		return fmt.Errorf("enqueue scheduled job: %w", err)
	}

	nextRun := cronSchedule.Next(now)
	if err := s.repo.UpdateScheduleLastRun(ctx, schedule.ID, now, nextRun); err != nil {
		return fmt.Errorf("update schedule run times: %w", err)
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("job_id", jobID).
		Time("next_run", nextRun).
		Msg("scheduled job enqueued")

	return nil
}

// Sweep evicts jobs that finished before now-retention and archives them.
// Evicted jobs are gone from memory even when archiving fails.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	evicted := s.store.Evict(now.Add(-s.retention))
	if len(evicted) == 0 {
		return 0, nil
	}
	if s.archive != nil {
		if err := s.archive.ArchiveJobs(ctx, evicted); err != nil {
			return 0, fmt.Errorf("archive %d evicted jobs: %w", len(evicted), err)
		}
	}
	log.Info().Int("evicted", len(evicted)).Msg("finished jobs archived")
	return len(evicted), nil
}

// Check reports the automation loop's health to the health reporter.
func (s *Service) Check(ctx context.Context) health.Component {
	s.mu.Lock()
	running, lastTick := s.running, s.lastTick
	failures := make(map[string]string, len(s.failures))
	for k, v := range s.failures {
		failures[k] = v
	}
	s.mu.Unlock()

	c := health.Component{Status: domain.HealthHealthy, Issues: []string{}}
	if !running {
		c.Status = domain.HealthUnhealthy
		c.Issues = append(c.Issues, "automation scheduler is not running")
		c.Recommendations = append(c.Recommendations, "Restart the service to resume scheduled blog automation")
		return c
	}
	if !lastTick.IsZero() && s.store.Now().Sub(lastTick) > 3*s.interval {
		c.Status = domain.HealthDegraded
		c.Issues = append(c.Issues, fmt.Sprintf("automation scheduler last ran %s ago", s.store.Now().Sub(lastTick).Round(time.Second)))
	}
	for id, msg := range failures {
		c.Issues = append(c.Issues, fmt.Sprintf("schedule %s failed to enqueue: %s", id, msg))
	}
	if len(failures) > 0 {
		c.Recommendations = append(c.Recommendations, "Fix or disable schedules whose payload or cron expression is invalid")
		if c.Status == domain.HealthHealthy {
			c.Status = domain.HealthDegraded
		}
	}
	return c
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
