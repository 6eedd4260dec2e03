package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxBackoff caps the wait between attempts.
const DefaultMaxBackoff = 30 * time.Second

// Client retries retriable failures of a Transport with exponential backoff
// (1s, 2s, 4s, ... capped). It keeps going until the send succeeds, fails
// fatally or the next wait would outlive the context deadline.
type Client struct {
	transport  Transport
	maxBackoff time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

// NewClient wraps t.
func NewClient(t Transport, maxBackoff time.Duration) *Client {
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	return &Client{transport: t, maxBackoff: maxBackoff, sleep: sleepContext, now: time.Now}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Send delivers batch, returning the last error when it gives up.
func (c *Client) Send(ctx context.Context, batch [][]byte) error {
	b := c.schedule()
	for attempt := 1; ; attempt++ {
		err := c.transport.Send(ctx, batch)
		if Classify(err) != Retriable {
			return err
		}

		wait := b.NextBackOff()
		if deadline, ok := ctx.Deadline(); ok && c.now().Add(wait).After(deadline) {
			slog.Warn("giving up on batch before the deadline", "attempts", attempt, "error", err)
			return err
		}
		slog.Debug("retrying batch", "attempt", attempt, "wait", wait, "error", err)
		if c.sleep(ctx, wait) != nil {
			return err
		}
	}
}

func (c *Client) Close() error { return c.transport.Close() }
