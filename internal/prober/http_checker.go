package prober

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"
)

// HTTPChecker probes an endpoint's serving URL over HTTP. Any 2xx response
// within the timeout counts as healthy.
type HTTPChecker struct {
	client *resty.Client
}

// NewHTTPChecker creates an HTTP health checker. The per-check timeout is
// enforced by the caller's context; the client timeout here is a backstop.
func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	client := resty.New().
		SetTimeout(timeout)
	return &HTTPChecker{client: client}
}

// Check implements Checker.
func (c *HTTPChecker) Check(ctx context.Context, url string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		Get(url)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("health check returned status %d", resp.StatusCode())
	}
	return nil
}
