package models

import (
	"time"

	"github.com/uptrace/bun"
)

type DepositStatus string

const (
	DepositAuthorized DepositStatus = "authorized"
	DepositCaptured   DepositStatus = "captured"
	DepositCancelled  DepositStatus = "cancelled"
	DepositExpired    DepositStatus = "expired"
)

type Deposit struct {
	bun.BaseModel `bun:"table:deposits"`

	DepositID      string        `bun:"deposit_id,pk" json:"deposit_id"`
	AuctionID      string        `bun:"auction_id,notnull" json:"auction_id"`
	BidderID       string        `bun:"bidder_id,notnull" json:"bidder_id"`
	RequiredAmount float64       `bun:"required_amount,notnull" json:"required_amount"`
	Status         DepositStatus `bun:"status,notnull" json:"status"`
	// ProviderRef is the payment provider's handle for the hold
	// (a Stripe payment intent id in production).
	ProviderRef string    `bun:"provider_ref,notnull" json:"provider_ref"`
	CreatedAt   time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

type AuthorizeDepositRequest struct {
	BidderID string `json:"bidder_id"`
}
