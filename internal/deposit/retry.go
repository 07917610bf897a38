package deposit

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryingGateway wraps a Gateway with bounded exponential backoff on
// capture and cancel, the settlement-time retry discipline. Authorize is
// deliberately not retried here: it sits on the bid admission path, which
// fails closed on provider trouble rather than stalling the bidder.
type RetryingGateway struct {
	Inner       Gateway
	MaxRetries  uint64
	MaxInterval time.Duration
}

func NewRetryingGateway(inner Gateway) *RetryingGateway {
	return &RetryingGateway{
		Inner:       inner,
		MaxRetries:  4,
		MaxInterval: 10 * time.Second,
	}
}

func (g *RetryingGateway) Authorize(ctx context.Context, params AuthorizeParams) (string, error) {
	return g.Inner.Authorize(ctx, params)
}

func (g *RetryingGateway) Capture(ctx context.Context, providerRef, idempotencyKey string) error {
	return g.retry(ctx, func() error {
		return g.Inner.Capture(ctx, providerRef, idempotencyKey)
	})
}

func (g *RetryingGateway) Cancel(ctx context.Context, providerRef, idempotencyKey string) error {
	return g.retry(ctx, func() error {
		return g.Inner.Cancel(ctx, providerRef, idempotencyKey)
	})
}

func (g *RetryingGateway) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = g.MaxInterval

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, g.MaxRetries), ctx))
}
