package health

import (
	"context"
	"fmt"
	"runtime"
	rtmetrics "runtime/metrics"
	"sync"
	"time"

	"blogflow/internal/domain"
)

type SystemThresholds struct {
	MaxHeapMB     uint64
	MaxGoroutines int
	MaxSchedLag   time.Duration
	MaxCPU        float64 // fraction of GOMAXPROCS
}

func DefaultSystemThresholds() SystemThresholds {
	return SystemThresholds{
		MaxHeapMB:     512,
		MaxGoroutines: 10000,
		MaxSchedLag:   100 * time.Millisecond,
		MaxCPU:        0.9,
	}
}

// SystemCheck samples process memory, goroutines, scheduler lag and CPU use.
// CPU is measured between consecutive checks; the first check reports none.
type SystemCheck struct {
	th SystemThresholds

	mu       sync.Mutex
	lastCPU  float64
	lastWall time.Time
}

func NewSystemCheck(th SystemThresholds) *SystemCheck {
	return &SystemCheck{th: th}
}

func (s *SystemCheck) Check(ctx context.Context) Component {
	c := Component{Status: domain.HealthHealthy, Issues: []string{}}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := ms.HeapAlloc / (1 << 20)
	if s.th.MaxHeapMB > 0 && heapMB > s.th.MaxHeapMB {
		c.Issues = append(c.Issues, fmt.Sprintf("heap usage %dMB exceeds %dMB", heapMB, s.th.MaxHeapMB))
		c.Recommendations = append(c.Recommendations, "Lower the retention window so finished jobs are evicted sooner")
		c.Status = domain.HealthUnhealthy
	}

	if n := runtime.NumGoroutine(); s.th.MaxGoroutines > 0 && n > s.th.MaxGoroutines {
		c.Issues = append(c.Issues, fmt.Sprintf("%d goroutines exceed %d", n, s.th.MaxGoroutines))
	}

	if lag := schedLag(ctx); s.th.MaxSchedLag > 0 && lag > s.th.MaxSchedLag {
		c.Issues = append(c.Issues, fmt.Sprintf("scheduler lag %s exceeds %s", lag.Round(time.Millisecond), s.th.MaxSchedLag))
		c.Recommendations = append(c.Recommendations, "Reduce worker concurrency or move CPU heavy handlers out of process")
	}

	if cpu, ok := s.cpuUsage(); ok && s.th.MaxCPU > 0 && cpu > s.th.MaxCPU {
		c.Issues = append(c.Issues, fmt.Sprintf("CPU usage %.0f%% exceeds %.0f%%", cpu*100, s.th.MaxCPU*100))
	}

	if c.Status == domain.HealthHealthy && len(c.Issues) > 0 {
		c.Status = domain.HealthDegraded
	}
	return c
}

// schedLag measures how late a short timer fires.
func schedLag(ctx context.Context) time.Duration {
	const probe = time.Millisecond
	start := time.Now()
	t := time.NewTimer(probe)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return 0
	}
	if lag := time.Since(start) - probe; lag > 0 {
		return lag
	}
	return 0
}

var cpuSamples = []rtmetrics.Sample{
	{Name: "/cpu/classes/total:cpu-seconds"},
	{Name: "/cpu/classes/idle:cpu-seconds"},
}

func (s *SystemCheck) cpuUsage() (float64, bool) {
	samples := make([]rtmetrics.Sample, len(cpuSamples))
	copy(samples, cpuSamples)
	rtmetrics.Read(samples)
	if samples[0].Value.Kind() != rtmetrics.KindFloat64 || samples[1].Value.Kind() != rtmetrics.KindFloat64 {
		return 0, false
	}
	busy := samples[0].Value.Float64() - samples[1].Value.Float64()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	prevBusy, prevWall := s.lastCPU, s.lastWall
	s.lastCPU, s.lastWall = busy, now
	if prevWall.IsZero() {
		return 0, false
	}
	wall := now.Sub(prevWall).Seconds() * float64(runtime.GOMAXPROCS(0))
	if wall <= 0 {
		return 0, false
	}
	return (busy - prevBusy) / wall, true
}
