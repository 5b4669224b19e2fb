// Package health folds the queue's own check and external signals into one
// verdict for monitoring endpoints.
package health

import (
	"context"
	"time"

	"blogflow/internal/domain"
	"blogflow/internal/metrics"
	"blogflow/internal/queue"
)

// Component is the result of one health check.
type Component struct {
	Status          domain.HealthStatus `json:"status"`
	Issues          []string            `json:"issues"`
	Recommendations []string            `json:"recommendations,omitempty"`
}

type Checker interface {
	Check(ctx context.Context) Component
}

type CheckerFunc func(ctx context.Context) Component

func (f CheckerFunc) Check(ctx context.Context) Component { return f(ctx) }

// Component names, in report order.
const (
	ComponentQueue        = "jobQueue"
	ComponentAutomation   = "automation"
	ComponentSystem       = "system"
	ComponentDependencies = "dependencies"
)

// Aggregate applies the overall rule: more than one unhealthy component is
// unhealthy; exactly one, or more than three issues in total, is degraded;
// otherwise healthy only when nothing reported an issue.
func Aggregate(components ...Component) domain.HealthStatus {
	unhealthy, issues := 0, 0
	for _, c := range components {
		if c.Status == domain.HealthUnhealthy {
			unhealthy++
		}
		issues += len(c.Issues)
	}
	switch {
	case unhealthy > 1:
		return domain.HealthUnhealthy
	case unhealthy == 1 || issues > 3:
		return domain.HealthDegraded
	case issues == 0:
		return domain.HealthHealthy
	}
	return domain.HealthDegraded
}

type Options struct {
	IncludeJobs    bool
	IncludeMetrics bool
}

type Metrics struct {
	TotalJobs         int     `json:"totalJobs"`
	Backlog           int     `json:"backlog"`
	Active            int     `json:"active"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	SuccessRate       float64 `json:"successRate"`
	AvgProcessingMs   float64 `json:"avgProcessingTime"`
	AvgWaitMs         float64 `json:"avgWaitTime"`
	ThroughputPerHour float64 `json:"throughput"`
}

type Report struct {
	Status          domain.HealthStatus  `json:"status"`
	Timestamp       time.Time            `json:"timestamp"`
	Components      map[string]Component `json:"components"`
	Issues          []string             `json:"issues"`
	Recommendations []string             `json:"recommendations"`
	Metrics         *Metrics             `json:"metrics,omitempty"`
	Jobs            []domain.JobView     `json:"jobs,omitempty"`
}

// SampleSize is how many recent jobs a report carries.
const SampleSize = 10

type Reporter struct {
	store      *queue.Store
	aggregator *metrics.Aggregator
	automation Checker
	system     Checker
	deps       Checker
}

func NewReporter(store *queue.Store, aggregator *metrics.Aggregator, automation, system, deps Checker) *Reporter {
	return &Reporter{store: store, aggregator: aggregator, automation: automation, system: system, deps: deps}
}

// QueueComponent adapts the store's own check.
func QueueComponent(store *queue.Store) Component {
	h := store.HealthCheck()
	c := Component{Status: h.Status, Issues: h.Issues}
	if h.Stuck > 0 {
		c.Recommendations = append(c.Recommendations, "Cancel or retry jobs that have been active too long")
	}
	if h.Status == domain.HealthUnhealthy {
		c.Recommendations = append(c.Recommendations, "Check that the worker pool is running and handlers are succeeding")
	}
	return c
}

func (r *Reporter) Report(ctx context.Context, opts Options) Report {
	components := map[string]Component{ComponentQueue: QueueComponent(r.store)}
	for name, ch := range map[string]Checker{
		ComponentAutomation:   r.automation,
		ComponentSystem:       r.system,
		ComponentDependencies: r.deps,
	} {
		if ch == nil {
			components[name] = Component{Status: domain.HealthHealthy, Issues: []string{}}
			continue
		}
		c := ch.Check(ctx)
		if c.Issues == nil {
			c.Issues = []string{}
		}
		components[name] = c
	}

	names := []string{ComponentQueue, ComponentAutomation, ComponentSystem, ComponentDependencies}
	all := make([]Component, 0, len(names))
	rep := Report{
		Timestamp:       r.store.Now(),
		Components:      components,
		Issues:          []string{},
		Recommendations: []string{},
	}
	seen := map[string]bool{}
	for _, n := range names {
		c := components[n]
		all = append(all, c)
		for _, i := range c.Issues {
			rep.Issues = append(rep.Issues, n+": "+i)
		}
		for _, rec := range c.Recommendations {
			if !seen[rec] {
				seen[rec] = true
				rep.Recommendations = append(rep.Recommendations, rec)
			}
		}
	}
	rep.Status = Aggregate(all...)

	if opts.IncludeMetrics && r.aggregator != nil {
		if m, err := r.aggregator.Compute(metrics.Query{TimeRange: metrics.DefaultRange}); err == nil {
			rep.Metrics = &Metrics{
				TotalJobs:         m.Period.TotalJobs,
				Backlog:           m.Health.QueueBacklog,
				Active:            m.Breakdown.ByStatus[domain.StatusActive],
				Completed:         m.Breakdown.ByStatus[domain.StatusCompleted],
				Failed:            m.Breakdown.ByStatus[domain.StatusFailed],
				SuccessRate:       m.Performance.SuccessRate,
				AvgProcessingMs:   m.Performance.AvgProcessingTimeMs,
				AvgWaitMs:         m.Performance.AvgWaitTimeMs,
				ThroughputPerHour: m.Performance.ThroughputPerHour,
			}
			for _, rec := range m.Health.Recommendations {
				if !seen[rec] {
					seen[rec] = true
					rep.Recommendations = append(rep.Recommendations, rec)
				}
			}
		}
	}
	if opts.IncludeJobs {
		now := r.store.Now()
		recent := r.store.Recent(SampleSize)
		rep.Jobs = make([]domain.JobView, 0, len(recent))
		for _, j := range recent {
			rep.Jobs = append(rep.Jobs, j.View(now))
		}
	}
	return rep
}

// Summary is the lightweight form used by HEAD requests.
func (r *Reporter) Summary(ctx context.Context) (domain.HealthStatus, int) {
	rep := r.Report(ctx, Options{})
	return rep.Status, len(rep.Issues)
}
