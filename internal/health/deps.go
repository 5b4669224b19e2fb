package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"blogflow/internal/domain"
)

// Service is an external endpoint the automation pipeline relies on.
type Service struct {
	Name string
	URL  string
}

// DependencyCheck probes configured services and verifies required
// environment variables. A missing variable is unhealthy; an unreachable
// service degrades.
type DependencyCheck struct {
	services []Service
	env      []string
	client   *http.Client
	lookup   func(string) (string, bool)
}

func NewDependencyCheck(services []Service, requiredEnv []string, timeout time.Duration) *DependencyCheck {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DependencyCheck{
		services: services,
		env:      requiredEnv,
		client:   &http.Client{Timeout: timeout},
		lookup:   os.LookupEnv,
	}
}

func (d *DependencyCheck) Check(ctx context.Context) Component {
	c := Component{Status: domain.HealthHealthy, Issues: []string{}}

	var missing []string
	for _, name := range d.env {
		if v, ok := d.lookup(name); !ok || v == "" {
			missing = append(missing, name)
		}
	}
	for _, name := range missing {
		c.Issues = append(c.Issues, fmt.Sprintf("required environment variable %s is not set", name))
	}
	if len(missing) > 0 {
		c.Status = domain.HealthUnhealthy
		c.Recommendations = append(c.Recommendations, "Set the missing environment variables and restart the service")
	}

	errs := make([]error, len(d.services))
	var wg sync.WaitGroup
	for i, svc := range d.services {
		wg.Add(1)
		go func(i int, svc Service) {
			defer wg.Done()
			errs[i] = d.probe(ctx, svc)
		}(i, svc)
	}
	wg.Wait()

	unreachable := 0
	for i, err := range errs {
		if err != nil {
			unreachable++
			c.Issues = append(c.Issues, fmt.Sprintf("service %s unreachable: %v", d.services[i].Name, err))
		}
	}
	if unreachable > 0 {
		c.Recommendations = append(c.Recommendations, "Verify network access and credentials for the failing services")
		if c.Status == domain.HealthHealthy {
			c.Status = domain.HealthDegraded
		}
	}
	return c
}

func (d *DependencyCheck) probe(ctx context.Context, svc Service) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, svc.URL, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
