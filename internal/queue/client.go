package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// Client adapts an asynq client to the enqueue methods the HTTP layer
// depends on, so handlers can be tested with a fake queue.
type Client struct {
	inner *asynq.Client
}

// NewClient wraps an asynq client.
func NewClient(inner *asynq.Client) *Client {
	return &Client{inner: inner}
}

func (c *Client) EnqueueDerive(ctx context.Context, payload DerivePayload) error {
	return EnqueueDerive(ctx, c.inner, payload)
}

func (c *Client) EnqueueCleanup(ctx context.Context, payload CleanupPayload, delay time.Duration) error {
	return EnqueueCleanup(ctx, c.inner, payload, delay)
}

// Close releases the underlying redis connection.
func (c *Client) Close() error {
	return c.inner.Close()
}
