package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// probeCmd is a container health probe: it issues HEAD /automation/health and
// exits non-zero when the service reports itself unhealthy.
func probeCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check the health of a running blogflow instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			status, issues, err := probe(ctx, url)
			if err != nil {
				return err
			}
			log.Info().Str("status", status).Str("issues", issues).Msg("health probe")
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/automation/health", "health endpoint to probe")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	return cmd
}

func probe(ctx context.Context, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("probe %s: %w", url, err)
	}
	resp.Body.Close()

	status := resp.Header.Get("X-Health-Status")
	issues := resp.Header.Get("X-Health-Issues")
	if resp.StatusCode != http.StatusOK {
		return status, issues, fmt.Errorf("service unhealthy: HTTP %d, status %q, %s issues", resp.StatusCode, status, issues)
	}
	return status, issues, nil
}
