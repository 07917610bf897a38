package deposit

import (
	"context"
	"fmt"
)

// AuthorizeParams describes the hold the gateway should place on a
// bidder's funds before their first bid on an auction.
type AuthorizeParams struct {
	AuctionID      string
	BidderID       string
	Amount         float64
	IdempotencyKey string
}

// Gateway abstracts the payment provider's authorize/capture/cancel
// primitives. Every call accepts an idempotency key so a retried operation
// has at most one effect on the provider side.
type Gateway interface {
	Authorize(ctx context.Context, params AuthorizeParams) (providerRef string, err error)
	Capture(ctx context.Context, providerRef, idempotencyKey string) error
	Cancel(ctx context.Context, providerRef, idempotencyKey string) error
}

// SettlementKey derives the provider idempotency key for a settlement-time
// disposition so every retry of the same action reuses the same key.
func SettlementKey(auctionID, depositID, action string) string {
	return fmt.Sprintf("settle:%s:%s:%s", auctionID, depositID, action)
}

// AuthorizeKey derives the idempotency key for placing a hold.
func AuthorizeKey(auctionID, bidderID string) string {
	return fmt.Sprintf("authorize:%s:%s", auctionID, bidderID)
}
