package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"blogflow/internal/domain"
	"blogflow/internal/health"
)

type Config struct {
	Addr      string
	DBPath    string
	LogLevel  string
	LogFormat string
	Debug     bool

	Workers    int
	Poll       time.Duration
	JobTimeout time.Duration

	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	StuckAfter       time.Duration
	HighLatency      time.Duration
	HighErrorRate    float64
	BacklogThreshold int
	HistogramBuckets int

	ScheduleInterval time.Duration
	Retention        time.Duration

	MaxHeapMB     uint64
	MaxGoroutines int
	MaxSchedLag   time.Duration
	MaxCPU        float64

	Dependencies    []health.Service
	RequiredEnv     []string
	DependencyProbe time.Duration

	Webhooks       map[domain.JobType]string
	WebhookToken   string
	WebhookTimeout time.Duration
}

func Default() Config {
	sys := health.DefaultSystemThresholds()
	return Config{
		Addr:      ":8080",
		DBPath:    "blogflow.db",
		LogLevel:  "info",
		LogFormat: "console",

		Workers:    8,
		Poll:       250 * time.Millisecond,
		JobTimeout: 5 * time.Minute,

		MaxRetries:  3,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,

		StuckAfter:       time.Hour,
		HighLatency:      5 * time.Minute,
		HighErrorRate:    0.10,
		BacklogThreshold: 100,
		HistogramBuckets: 12,

		ScheduleInterval: 30 * time.Second,
		Retention:        7 * 24 * time.Hour,

		MaxHeapMB:     sys.MaxHeapMB,
		MaxGoroutines: sys.MaxGoroutines,
		MaxSchedLag:   sys.MaxSchedLag,
		MaxCPU:        sys.MaxCPU,

		DependencyProbe: 3 * time.Second,

		Webhooks:       map[domain.JobType]string{},
		WebhookTimeout: 30 * time.Second,
	}
}

// ApplyEnv overrides c from BLOGFLOW_* variables read through lookup.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = f
		}
	}

	str("BLOGFLOW_ADDR", &c.Addr)
	str("BLOGFLOW_DB", &c.DBPath)
	str("BLOGFLOW_LOG_LEVEL", &c.LogLevel)
	str("BLOGFLOW_LOG_FORMAT", &c.LogFormat)
	integer("BLOGFLOW_WORKERS", &c.Workers)
	dur("BLOGFLOW_POLL", &c.Poll)
	dur("BLOGFLOW_JOB_TIMEOUT", &c.JobTimeout)
	integer("BLOGFLOW_MAX_RETRIES", &c.MaxRetries)
	dur("BLOGFLOW_BACKOFF_BASE", &c.BackoffBase)
	dur("BLOGFLOW_BACKOFF_CAP", &c.BackoffCap)
	dur("BLOGFLOW_STUCK_AFTER", &c.StuckAfter)
	dur("BLOGFLOW_HIGH_LATENCY", &c.HighLatency)
	float("BLOGFLOW_HIGH_ERROR_RATE", &c.HighErrorRate)
	integer("BLOGFLOW_BACKLOG_THRESHOLD", &c.BacklogThreshold)
	integer("BLOGFLOW_HISTOGRAM_BUCKETS", &c.HistogramBuckets)
	dur("BLOGFLOW_SCHEDULE_INTERVAL", &c.ScheduleInterval)
	dur("BLOGFLOW_RETENTION", &c.Retention)
	float("BLOGFLOW_MAX_CPU", &c.MaxCPU)
	dur("BLOGFLOW_MAX_SCHED_LAG", &c.MaxSchedLag)
	integer("BLOGFLOW_MAX_GOROUTINES", &c.MaxGoroutines)
	if v, ok := lookup("BLOGFLOW_MAX_HEAP_MB"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("BLOGFLOW_MAX_HEAP_MB: %v", err))
		} else {
			c.MaxHeapMB = n
		}
	}
	if v, ok := lookup("BLOGFLOW_DEPENDENCIES"); ok && v != "" {
		svcs, err := ParseServices(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("BLOGFLOW_DEPENDENCIES: %v", err))
		} else {
			c.Dependencies = svcs
		}
	}
	if v, ok := lookup("BLOGFLOW_REQUIRED_ENV"); ok && v != "" {
		c.RequiredEnv = SplitList(v)
	}
	for _, t := range domain.JobTypes {
		key := "BLOGFLOW_WEBHOOK_" + strings.ToUpper(strings.ReplaceAll(string(t), "-", "_"))
		if v, ok := lookup(key); ok && v != "" {
			c.Webhooks[t] = v
		}
	}
	str("BLOGFLOW_WEBHOOK_TOKEN", &c.WebhookToken)
	dur("BLOGFLOW_WEBHOOK_TIMEOUT", &c.WebhookTimeout)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// FromEnv returns the defaults overridden by the process environment.
func FromEnv() (Config, error) {
	c := Default()
	err := ApplyEnv(&c, os.LookupEnv)
	return c, err
}

// ParseServices parses "name=url,name=url".
func ParseServices(s string) ([]health.Service, error) {
	var out []health.Service
	for _, item := range SplitList(s) {
		name, url, ok := strings.Cut(item, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("expected name=url, got %q", item)
		}
		out = append(out, health.Service{Name: strings.TrimSpace(name), URL: strings.TrimSpace(url)})
	}
	return out, nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) Validate() error {
	switch {
	case c.Workers <= 0:
		return fmt.Errorf("workers must be positive")
	case c.Poll <= 0:
		return fmt.Errorf("poll interval must be positive")
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative")
	case c.HistogramBuckets <= 0:
		return fmt.Errorf("histogram buckets must be positive")
	case c.ScheduleInterval <= 0:
		return fmt.Errorf("schedule interval must be positive")
	case c.HighErrorRate < 0 || c.HighErrorRate > 1:
		return fmt.Errorf("high error rate must be between 0 and 1")
	}
	return nil
}
