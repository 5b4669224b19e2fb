package queue

import (
	"fmt"
	"time"

	"blogflow/internal/domain"
)

type HealthThresholds struct {
	StuckAfter   time.Duration
	Backlog      int
	FailureRatio float64
}

func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{StuckAfter: time.Hour, Backlog: 100, FailureRatio: 0.5}
}

// Health is the store's own view of itself.
type Health struct {
	Status  domain.HealthStatus `json:"status"`
	Issues  []string            `json:"issues"`
	Total   int                 `json:"total"`
	Backlog int                 `json:"backlog"`
	Active  int                 `json:"active"`
	Stuck   int                 `json:"stuck"`
	Evicted int                 `json:"evicted"`
}

// HealthCheck inspects a snapshot of the store. A dispatcher that stopped
// draining due jobs, or a failure ratio above the threshold, is unhealthy.
func (s *Store) HealthCheck() Health {
	s.mu.RLock()
	jobs := make([]domain.Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, e.job)
	}
	evicted := s.evicted
	s.mu.RUnlock()

	now := s.now()
	h := Health{Status: domain.HealthHealthy, Issues: []string{}, Total: len(jobs), Evicted: evicted}
	var completed, failed, overdue int
	for _, j := range jobs {
		switch j.Status {
		case domain.StatusWaiting, domain.StatusDelayed:
			h.Backlog++
			if now.Sub(j.ScheduledFor) > s.health.StuckAfter {
				overdue++
			}
		case domain.StatusActive:
			h.Active++
			if j.StartedAt != nil && now.Sub(*j.StartedAt) > s.health.StuckAfter {
				h.Stuck++
			}
		case domain.StatusCompleted:
			completed++
		case domain.StatusFailed:
			failed++
		}
	}

	unhealthy := false
	if h.Stuck > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d job(s) active for more than %s", h.Stuck, s.health.StuckAfter))
	}
	if h.Backlog > s.health.Backlog {
		h.Issues = append(h.Issues, fmt.Sprintf("queue backlog of %d exceeds %d", h.Backlog, s.health.Backlog))
	}
	if overdue > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d due job(s) not dispatched within %s", overdue, s.health.StuckAfter))
		unhealthy = true
	}
	if done := completed + failed; done > 0 {
		if ratio := float64(failed) / float64(done); ratio > s.health.FailureRatio {
			h.Issues = append(h.Issues, fmt.Sprintf("failure ratio %.0f%% exceeds %.0f%%", ratio*100, s.health.FailureRatio*100))
			unhealthy = true
		}
	}

	switch {
	case unhealthy:
		h.Status = domain.HealthUnhealthy
	case len(h.Issues) > 0:
		h.Status = domain.HealthDegraded
	}
	return h
}
