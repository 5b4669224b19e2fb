package metrics

import (
	"math"
	"testing"
	"time"

	"blogflow/internal/domain"
)

type sliceSource []domain.Job

func (s sliceSource) List() []domain.Job { return s }

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func job(id string, status domain.Status, created time.Duration) domain.Job {
	return domain.Job{
		ID:        id,
		Type:      domain.TypeGeneratePost,
		Status:    status,
		Priority:  domain.PriorityNormal,
		CreatedAt: now.Add(created),
	}
}

func completed(id string, created, wait, run time.Duration) domain.Job {
	j := job(id, domain.StatusCompleted, created)
	j.Attempts = 1
	j.StartedAt = at(created + wait)
	j.CompletedAt = at(created + wait + run)
	return j
}

func failed(id, msg string, created time.Duration, attempts int) domain.Job {
	j := job(id, domain.StatusFailed, created)
	j.Attempts = attempts
	j.LastError = msg
	j.FailedAt = at(created + time.Second)
	return j
}

func newTestAggregator(jobs ...domain.Job) *Aggregator {
	return NewAggregator(sliceSource(jobs), DefaultThresholds(), func() time.Time { return now })
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestComputeScopesToWindow(t *testing.T) {
	a := newTestAggregator(
		completed("recent", -30*time.Minute, time.Second, 2*time.Second),
		completed("old", -2*time.Hour, time.Second, 2*time.Second),
	)
	r, err := a.Compute(Query{TimeRange: "1h"})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if r.Period.TotalJobs != 1 || r.Breakdown.ByStatus[domain.StatusCompleted] != 1 {
		t.Fatalf("2h old job must be excluded from 1h window: %+v", r.Period)
	}
	if !r.Period.Start.Equal(now.Add(-time.Hour)) || !r.Period.End.Equal(now) {
		t.Fatalf("unexpected period %+v", r.Period)
	}

	r, _ = a.Compute(Query{})
	if r.Period.Range != DefaultRange || r.Period.TotalJobs != 2 {
		t.Fatalf("default range should be 24h and include both: %+v", r.Period)
	}
}

func TestComputeRejectsUnknownRange(t *testing.T) {
	if _, err := newTestAggregator().Compute(Query{TimeRange: "2w"}); err == nil {
		t.Fatal("expected error for unknown range")
	}
}

func TestBreakdownPrefillsZeros(t *testing.T) {
	r, _ := newTestAggregator().Compute(Query{TimeRange: "1h"})
	for _, s := range domain.Statuses {
		if v, ok := r.Breakdown.ByStatus[s]; !ok || v != 0 {
			t.Fatalf("status %s should be present with 0, got %d %v", s, v, ok)
		}
	}
	for _, p := range domain.Priorities {
		if _, ok := r.Breakdown.ByPriority[p]; !ok {
			t.Fatalf("priority %s missing", p)
		}
	}
	if r.Performance.SuccessRate != 0 || r.Errors.FailureRate != 0 || r.Health.Status != HealthHealthy {
		t.Fatalf("empty window should report zero rates and healthy: %+v", r)
	}
}

func TestPerformanceAndErrors(t *testing.T) {
	a := newTestAggregator(
		completed("c1", -10*time.Minute, 2*time.Second, 4*time.Second),
		completed("c2", -20*time.Minute, 4*time.Second, 8*time.Second),
		completed("c3", -30*time.Minute, 0, 6*time.Second),
		failed("f1", "Network: refused", -15*time.Minute, 3),
		job("w1", domain.StatusWaiting, -time.Minute),
	)
	r, err := a.Compute(Query{TimeRange: "1h"})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	p := r.Performance
	if !approx(p.AvgProcessingTimeMs, 6000) {
		t.Errorf("avg processing: want 6000, got %v", p.AvgProcessingTimeMs)
	}
	if !approx(p.AvgWaitTimeMs, 2000) {
		t.Errorf("avg wait: want 2000, got %v", p.AvgWaitTimeMs)
	}
	if !approx(p.SuccessRate, 0.75) {
		t.Errorf("success rate: want 0.75, got %v", p.SuccessRate)
	}
	if !approx(p.ThroughputPerHour, 3) {
		t.Errorf("throughput: want 3, got %v", p.ThroughputPerHour)
	}
	if !approx(p.AvgRetries, 2.0/5.0) {
		t.Errorf("avg retries: want 0.4, got %v", p.AvgRetries)
	}

	e := r.Errors
	if e.FailedJobs != 1 || !approx(e.FailureRate, 0.2) || e.RetriedJobs != 1 {
		t.Fatalf("unexpected errors %+v", e)
	}
	if e.ByErrorType["Network"] != 1 {
		t.Fatalf("expected Network error kind, got %v", e.ByErrorType)
	}
	if !r.Health.HighErrorRate || r.Health.Status != HealthWarning {
		t.Fatalf("20%% failure rate should warn: %+v", r.Health)
	}
	if r.Health.QueueBacklog != 1 {
		t.Fatalf("expected backlog 1, got %d", r.Health.QueueBacklog)
	}
}

func TestJobTypeFilter(t *testing.T) {
	other := failed("f", "HTTP 500: x", -time.Minute, 1)
	other.Type = domain.TypeSendDigest
	a := newTestAggregator(completed("c", -time.Minute, 0, time.Second), other)

	r, _ := a.Compute(Query{TimeRange: "1h", JobTypes: []domain.JobType{domain.TypeSendDigest}})
	if r.Period.TotalJobs != 1 || r.Breakdown.ByType[domain.TypeSendDigest] != 1 || r.Errors.FailedJobs != 1 {
		t.Fatalf("filter should keep only send-digest: %+v", r.Breakdown)
	}
}

func TestHealthFlags(t *testing.T) {
	stuck := job("stuck", domain.StatusActive, -3*time.Hour)
	stuck.StartedAt = at(-2 * time.Hour)
	slow := completed("slow", -time.Hour, 10*time.Minute, time.Second)

	th := DefaultThresholds()
	th.Backlog = 1
	var jobs []domain.Job
	jobs = append(jobs, stuck, slow, job("w1", domain.StatusWaiting, 0), job("w2", domain.StatusDelayed, 0))
	a := NewAggregator(sliceSource(jobs), th, func() time.Time { return now })

	r, _ := a.Compute(Query{TimeRange: "24h"})
	h := r.Health
	if h.StuckJobs != 1 || !h.BacklogHigh || !h.HighLatency || h.HighErrorRate {
		t.Fatalf("unexpected flags %+v", h)
	}
	if h.Status != HealthWarning || len(h.Recommendations) != 3 {
		t.Fatalf("expected warning with 3 recommendations, got %+v", h)
	}
}

func TestStuckJobsCountedOutsideWindow(t *testing.T) {
	stuck := job("stuck", domain.StatusActive, -3*time.Hour)
	stuck.StartedAt = at(-2 * time.Hour)
	other := job("other-type", domain.StatusActive, -3*time.Hour)
	other.Type = domain.TypeSendDigest
	other.StartedAt = at(-2 * time.Hour)
	a := newTestAggregator(stuck, other, completed("recent", -10*time.Minute, time.Second, time.Second))

	r, err := a.Compute(Query{TimeRange: "1h", JobTypes: []domain.JobType{domain.TypeGeneratePost}})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if r.Period.TotalJobs != 1 {
		t.Fatalf("window should hold only the recent job, got %d", r.Period.TotalJobs)
	}
	if r.Health.StuckJobs != 1 || r.Health.Status != HealthWarning {
		t.Fatalf("expected one stuck job of the requested type, got %+v", r.Health)
	}
}

func TestHistogram(t *testing.T) {
	a := newTestAggregator(
		completed("a", -58*time.Minute, 0, 2*time.Second),
		completed("b", -57*time.Minute, 0, 4*time.Second),
		failed("c", "x", -time.Minute, 1),
	)
	r, _ := a.Compute(Query{TimeRange: "1h", IncludeHistogram: true})
	if len(r.Histogram) != DefaultThresholds().HistogramBuckets {
		t.Fatalf("expected %d buckets, got %d", DefaultThresholds().HistogramBuckets, len(r.Histogram))
	}
	first, last := r.Histogram[0], r.Histogram[len(r.Histogram)-1]
	if first.Total != 2 || first.Completed != 2 || !approx(first.AvgProcessingTimeMs, 3000) {
		t.Fatalf("unexpected first bucket %+v", first)
	}
	if last.Total != 1 || last.Failed != 1 || !last.End.Equal(now) {
		t.Fatalf("unexpected last bucket %+v", last)
	}

	r, _ = a.Compute(Query{TimeRange: "1h"})
	if r.Histogram != nil {
		t.Fatal("histogram should be omitted unless requested")
	}
}
