// Package metrics derives queue statistics from a snapshot of the job store.
// Nothing here mutates jobs.
package metrics

import (
	"fmt"
	"time"

	"blogflow/internal/domain"
)

// Ranges are the accepted query windows.
var Ranges = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

const DefaultRange = "24h"

func ParseRange(s string) (time.Duration, error) {
	if s == "" {
		s = DefaultRange
	}
	d, ok := Ranges[s]
	if !ok {
		return 0, fmt.Errorf("unknown time range %q", s)
	}
	return d, nil
}

// Source is anything that can hand out a copy of every job.
type Source interface {
	List() []domain.Job
}

type Thresholds struct {
	StuckAfter       time.Duration
	HighLatency      time.Duration
	HighErrorRate    float64
	Backlog          int
	HistogramBuckets int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		StuckAfter:       time.Hour,
		HighLatency:      5 * time.Minute,
		HighErrorRate:    0.10,
		Backlog:          100,
		HistogramBuckets: 12,
	}
}

type Query struct {
	TimeRange        string
	JobTypes         []domain.JobType
	IncludeHistogram bool
}

type Period struct {
	Range     string    `json:"range"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	TotalJobs int       `json:"totalJobs"`
}

type Breakdown struct {
	ByStatus   map[domain.Status]int   `json:"byStatus"`
	ByType     map[domain.JobType]int  `json:"byType"`
	ByPriority map[domain.Priority]int `json:"byPriority"`
}

type Performance struct {
	AvgProcessingTimeMs float64 `json:"avgProcessingTime"`
	AvgWaitTimeMs       float64 `json:"avgWaitTime"`
	SuccessRate         float64 `json:"successRate"`
	ThroughputPerHour   float64 `json:"throughput"`
	AvgRetries          float64 `json:"avgRetries"`
}

type Errors struct {
	FailedJobs  int            `json:"failedJobs"`
	FailureRate float64        `json:"failureRate"`
	ByErrorType map[string]int `json:"errorTypes"`
	RetriedJobs int            `json:"retriedJobs"`
}

type Health struct {
	Status          string   `json:"status"`
	QueueBacklog    int      `json:"queueBacklog"`
	StuckJobs       int      `json:"stuckJobs"`
	BacklogHigh     bool     `json:"backlogHigh"`
	HighErrorRate   bool     `json:"highErrorRate"`
	HighLatency     bool     `json:"highLatency"`
	Recommendations []string `json:"recommendations"`
}

type Bucket struct {
	Start               time.Time `json:"start"`
	End                 time.Time `json:"end"`
	Total               int       `json:"total"`
	Completed           int       `json:"completed"`
	Failed              int       `json:"failed"`
	AvgProcessingTimeMs float64   `json:"avgProcessingTime"`
}

type Report struct {
	Period      Period      `json:"period"`
	Breakdown   Breakdown   `json:"breakdown"`
	Performance Performance `json:"performance"`
	Errors      Errors      `json:"errors"`
	Health      Health      `json:"health"`
	Histogram   []Bucket    `json:"histogram,omitempty"`
}

const (
	HealthHealthy = "healthy"
	HealthWarning = "warning"
)

type Aggregator struct {
	source     Source
	thresholds Thresholds
	now        func() time.Time
}

func NewAggregator(source Source, th Thresholds, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	if th.HistogramBuckets <= 0 {
		th.HistogramBuckets = DefaultThresholds().HistogramBuckets
	}
	return &Aggregator{source: source, thresholds: th, now: now}
}

// Compute builds a report over jobs created inside the query window.
func (a *Aggregator) Compute(q Query) (Report, error) {
	window, err := ParseRange(q.TimeRange)
	if err != nil {
		return Report{}, err
	}
	if q.TimeRange == "" {
		q.TimeRange = DefaultRange
	}
	end := a.now()
	start := end.Add(-window)
	all := a.source.List()
	jobs := scope(all, start, q.JobTypes)

	r := Report{
		Period:      Period{Range: q.TimeRange, Start: start, End: end, TotalJobs: len(jobs)},
		Breakdown:   breakdown(jobs),
		Performance: performance(jobs, window),
		Errors:      errorStats(jobs),
	}
	r.Health = a.health(scope(all, time.Time{}, q.JobTypes), r, end)
	if q.IncludeHistogram {
		r.Histogram = histogram(jobs, start, end, a.thresholds.HistogramBuckets)
	}
	return r, nil
}

func scope(all []domain.Job, start time.Time, types []domain.JobType) []domain.Job {
	want := make(map[domain.JobType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := make([]domain.Job, 0, len(all))
	for _, j := range all {
		if j.CreatedAt.Before(start) {
			continue
		}
		if len(want) > 0 && !want[j.Type] {
			continue
		}
		out = append(out, j)
	}
	return out
}

func breakdown(jobs []domain.Job) Breakdown {
	b := Breakdown{
		ByStatus:   make(map[domain.Status]int, len(domain.Statuses)),
		ByType:     make(map[domain.JobType]int),
		ByPriority: make(map[domain.Priority]int, len(domain.Priorities)),
	}
	for _, s := range domain.Statuses {
		b.ByStatus[s] = 0
	}
	for _, p := range domain.Priorities {
		b.ByPriority[p] = 0
	}
	for _, j := range jobs {
		b.ByStatus[j.Status]++
		b.ByType[j.Type]++
		b.ByPriority[j.Priority]++
	}
	return b
}

func performance(jobs []domain.Job, window time.Duration) Performance {
	var (
		p                 Performance
		procSum, waitSum  time.Duration
		timed             int
		completed, failed int
		retrySum          int
	)
	for _, j := range jobs {
		if r := j.Attempts - 1; r > 0 {
			retrySum += r
		}
		switch j.Status {
		case domain.StatusCompleted:
			completed++
			if j.StartedAt != nil && j.CompletedAt != nil {
				procSum += j.CompletedAt.Sub(*j.StartedAt)
				waitSum += j.StartedAt.Sub(j.CreatedAt)
				timed++
			}
		case domain.StatusFailed:
			failed++
		}
	}
	if timed > 0 {
		p.AvgProcessingTimeMs = ms(procSum) / float64(timed)
		p.AvgWaitTimeMs = ms(waitSum) / float64(timed)
	}
	if completed+failed > 0 {
		p.SuccessRate = float64(completed) / float64(completed+failed)
	}
	if hours := window.Hours(); hours > 0 {
		p.ThroughputPerHour = float64(completed) / hours
	}
	if len(jobs) > 0 {
		p.AvgRetries = float64(retrySum) / float64(len(jobs))
	}
	return p
}

func errorStats(jobs []domain.Job) Errors {
	e := Errors{ByErrorType: map[string]int{}}
	for _, j := range jobs {
		if j.Attempts > 1 {
			e.RetriedJobs++
		}
		if j.Status == domain.StatusFailed {
			e.FailedJobs++
			e.ByErrorType[domain.ErrorKind(j.LastError)]++
		}
	}
	if len(jobs) > 0 {
		e.FailureRate = float64(e.FailedJobs) / float64(len(jobs))
	}
	return e
}

// health flags the windowed report. Stuck jobs are counted over every job of
// the requested types, since a job stuck for longer than the window was
// created before it.
func (a *Aggregator) health(jobs []domain.Job, r Report, now time.Time) Health {
	h := Health{
		Status:          HealthHealthy,
		QueueBacklog:    r.Breakdown.ByStatus[domain.StatusWaiting] + r.Breakdown.ByStatus[domain.StatusDelayed],
		Recommendations: []string{},
	}
	for _, j := range jobs {
		if j.Status == domain.StatusActive && j.StartedAt != nil && now.Sub(*j.StartedAt) > a.thresholds.StuckAfter {
			h.StuckJobs++
		}
	}
	h.BacklogHigh = h.QueueBacklog > a.thresholds.Backlog
	h.HighErrorRate = r.Errors.FailureRate > a.thresholds.HighErrorRate
	h.HighLatency = r.Performance.AvgWaitTimeMs > ms(a.thresholds.HighLatency)

	if h.BacklogHigh {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("Queue backlog is %d jobs; consider raising worker concurrency", h.QueueBacklog))
	}
	if h.StuckJobs > 0 {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("%d job(s) have been active for over %s; inspect or cancel them", h.StuckJobs, a.thresholds.StuckAfter))
	}
	if h.HighErrorRate {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("Failure rate %.1f%% is above %.0f%%; review the most common error types", r.Errors.FailureRate*100, a.thresholds.HighErrorRate*100))
	}
	if h.HighLatency {
		h.Recommendations = append(h.Recommendations,
			fmt.Sprintf("Average wait time exceeds %s; jobs are queuing too long before they start", a.thresholds.HighLatency))
	}
	if h.BacklogHigh || h.StuckJobs > 0 || h.HighErrorRate || h.HighLatency {
		h.Status = HealthWarning
	}
	return h
}

// histogram splits [start, end) into n equal buckets by job creation time.
func histogram(jobs []domain.Job, start, end time.Time, n int) []Bucket {
	width := end.Sub(start) / time.Duration(n)
	if width <= 0 {
		return nil
	}
	buckets := make([]Bucket, n)
	procSum := make([]time.Duration, n)
	procN := make([]int, n)
	for i := range buckets {
		buckets[i].Start = start.Add(time.Duration(i) * width)
		buckets[i].End = buckets[i].Start.Add(width)
	}
	buckets[n-1].End = end

	for _, j := range jobs {
		i := int(j.CreatedAt.Sub(start) / width)
		if i < 0 {
			continue
		}
		if i >= n {
			i = n - 1
		}
		buckets[i].Total++
		switch j.Status {
		case domain.StatusCompleted:
			buckets[i].Completed++
			if j.StartedAt != nil && j.CompletedAt != nil {
				procSum[i] += j.CompletedAt.Sub(*j.StartedAt)
				procN[i]++
			}
		case domain.StatusFailed:
			buckets[i].Failed++
		}
	}
	for i := range buckets {
		if procN[i] > 0 {
			buckets[i].AvgProcessingTimeMs = ms(procSum[i]) / float64(procN[i])
		}
	}
	return buckets
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
