package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Order is the settlement output: one row per settled auction, immutable
// once written. Downstream payment and fulfilment flows consume it.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	OrderID         string    `bun:"order_id,pk" json:"order_id"`
	AuctionID       string    `bun:"auction_id,notnull,unique" json:"auction_id"`
	WinningBidID    string    `bun:"winning_bid_id,notnull" json:"winning_bid_id"`
	WinnerID        string    `bun:"winner_id,notnull" json:"winner_id"`
	TotalAmount     float64   `bun:"total_amount,notnull" json:"total_amount"`
	DepositCredited float64   `bun:"deposit_credited,notnull" json:"deposit_credited"`
	PlatformFee     float64   `bun:"platform_fee,notnull" json:"platform_fee"`
	CreatedAt       time.Time `bun:"created_at,notnull" json:"created_at"`
}
