package delivery

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Sender is anything that can deliver a batch, usually a *Client.
type Sender interface {
	Send(ctx context.Context, batch [][]byte) error
}

// FailureFunc receives batches that could not be delivered.
type FailureFunc func(ctx context.Context, batch [][]byte, err error)

// Pool sends batches concurrently with a bounded number of workers.
type Pool struct {
	ctx       context.Context
	sender    Sender
	onFailure FailureFunc
	g         errgroup.Group
	sent      atomic.Int64
	failed    atomic.Int64
}

// NewPool returns a pool running at most workers sends at once.
func NewPool(ctx context.Context, sender Sender, workers int, onFailure FailureFunc) *Pool {
	p := &Pool{ctx: ctx, sender: sender, onFailure: onFailure}
	if workers < 1 {
		workers = 1
	}
	p.g.SetLimit(workers)
	return p
}

// Go schedules batch, blocking while all workers are busy.
func (p *Pool) Go(batch [][]byte) {
	p.g.Go(func() error {
		if err := p.sender.Send(p.ctx, batch); err != nil {
			p.failed.Add(1)
			slog.Error("failed to forward batch", "items", len(batch), "outcome", Classify(err).String(), "error", err)
			if p.onFailure != nil {
				p.onFailure(p.ctx, batch, err)
			}
			return nil
		}
		p.sent.Add(1)
		return nil
	})
}

// Wait blocks until every scheduled send resolved and returns the number of
// delivered and failed batches.
func (p *Pool) Wait() (sent, failed int) {
	p.g.Wait()
	return int(p.sent.Load()), int(p.failed.Load())
}
