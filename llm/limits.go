package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout bounds every Generate call. A call that runs past d is reported as failed.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return &timeoutClient{next: c, timeout: d}
}

func (c *timeoutClient) Generate(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Generate(ctx, messages)
}

type rateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited spaces calls to at most rps per second. Free OpenRouter tiers reject bursts.
func NewRateLimited(c Client, rps float64, burst int) Client {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimitedClient{next: c, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (c *rateLimitedClient) Generate(ctx context.Context, messages []Message) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for completion rate limit: %w", err)
	}
	return c.next.Generate(ctx, messages)
}
