// Package http wraps net/http with a request timeout and an optional
// client-side token bucket.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient returns a client whose requests time out after timeout. A
// non-positive ratePerSecond disables rate limiting.
func NewClient(timeout time.Duration, ratePerSecond float64, burst int) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	if ratePerSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return c
}

// Do waits for a token, then sends req bound to ctx. Bursts above the
// limit queue here instead of reaching the remote API.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	return c.httpClient.Do(req.WithContext(ctx))
}
