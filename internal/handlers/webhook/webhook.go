// Package webhook runs blog jobs by posting them to the service that owns the
// work (content generator, CMS, mailer) and decoding its typed reply.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"blogflow/internal/domain"
	"blogflow/internal/worker"
)

type Client struct {
	endpoints map[domain.JobType]string
	headers   map[string]string
	client    *http.Client
}

type Request struct {
	JobType domain.JobType `json:"jobType"`
	JobID   string         `json:"jobId"`
	Attempt int            `json:"attempt"`
	Payload domain.Payload `json:"payload"`
}

// New builds a client posting each job type to its endpoint. Headers are sent
// on every request, e.g. an Authorization token for the downstream service.
func New(endpoints map[domain.JobType]string, headers map[string]string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoints: endpoints,
		headers:   headers,
		client:    &http.Client{Timeout: timeout},
	}
}

// Register installs typed handlers for every job type that has an endpoint.
func (c *Client) Register(reg *worker.Registry) {
	for t, url := range c.endpoints {
		if url == "" {
			continue
		}
		switch t {
		case domain.TypeGeneratePost:
			worker.Register(reg, t, call[domain.GeneratePostPayload, domain.GeneratePostResult](c))
		case domain.TypePublishPost:
			worker.Register(reg, t, call[domain.PublishPostPayload, domain.PublishPostResult](c))
		case domain.TypeSendDigest:
			worker.Register(reg, t, call[domain.SendDigestPayload, domain.SendDigestResult](c))
		}
	}
}

func call[P domain.Payload, R domain.Result](c *Client) func(context.Context, P, worker.Execution) (R, error) {
	return func(ctx context.Context, p P, exec worker.Execution) (R, error) {
		var result R
		body, err := c.post(ctx, p, exec)
		if err != nil {
			return result, err
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return result, fmt.Errorf("Response: decode %s result: %w", p.JobType(), err)
		}
		return result, nil
	}
}

func (c *Client) post(ctx context.Context, p domain.Payload, exec worker.Execution) ([]byte, error) {
	t := p.JobType()
	url := c.endpoints[t]

	body, err := json.Marshal(Request{JobType: t, JobID: exec.JobID, Attempt: exec.Attempt, Payload: p})
	if err != nil {
		return nil, fmt.Errorf("Payload: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Request: failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", exec.JobID)
	for key, value := range c.headers {
		httpReq.Header.Set(key, value)
	}

	progress(exec, 10)
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("Cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("Network: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("Network: failed to read response body: %w", err)
	}
	progress(exec, 90)

	// 4xx and 5xx both fail the attempt; the retry controller decides what next.
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 512))
	}
	return respBody, nil
}

func progress(exec worker.Execution, pct int) {
	if exec.Progress != nil {
		exec.Progress(pct)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
