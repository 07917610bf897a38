package models

import (
	"time"

	"github.com/uptrace/bun"
)

type AuctionState string

const (
	AuctionScheduled AuctionState = "scheduled"
	AuctionActive    AuctionState = "active"
	AuctionEnded     AuctionState = "ended"
	AuctionSettled   AuctionState = "settled"
	AuctionCancelled AuctionState = "cancelled"
)

type IncrementStrategy string

const (
	IncrementFixed   IncrementStrategy = "fixed"
	IncrementPercent IncrementStrategy = "percent"
)

type Auction struct {
	bun.BaseModel `bun:"table:auctions"`

	AuctionID            string            `bun:"auction_id,pk" json:"auction_id"`
	ListingID            string            `bun:"listing_id,notnull" json:"listing_id"`
	SellerID             string            `bun:"seller_id,notnull" json:"seller_id"`
	StartAt              time.Time         `bun:"start_at,notnull" json:"start_at"`
	EndAt                time.Time         `bun:"end_at,notnull" json:"end_at"`
	StartAmount          float64           `bun:"start_amount,notnull" json:"start_amount"`
	MinIncrementStrategy IncrementStrategy `bun:"min_increment_strategy,notnull" json:"min_increment_strategy"`
	MinIncrementValue    float64           `bun:"min_increment_value,notnull" json:"min_increment_value"`
	SoftCloseSeconds     int               `bun:"soft_close_seconds,notnull" json:"soft_close_seconds"`
	CurrentHighestBidID  string            `bun:"current_highest_bid_id,nullzero" json:"current_highest_bid_id,omitempty"`
	CurrentHighestAmount float64           `bun:"current_highest_amount,nullzero" json:"current_highest_amount,omitempty"`
	State                AuctionState      `bun:"state,notnull" json:"state"`
	Version              int64             `bun:"version,notnull" json:"version"`
	CreatedAt            time.Time         `bun:"created_at,notnull" json:"created_at"`
}

// HasBids reports whether any bid has been accepted yet. The highest bid
// pointer and the ledger are written together, so one check suffices.
func (a *Auction) HasBids() bool {
	return a.CurrentHighestBidID != ""
}

type CreateAuctionRequest struct {
	ListingID            string            `json:"listing_id"`
	SellerID             string            `json:"seller_id"`
	StartAt              time.Time         `json:"start_at"`
	EndAt                time.Time         `json:"end_at"`
	StartAmount          float64           `json:"start_amount"`
	MinIncrementStrategy IncrementStrategy `json:"min_increment_strategy,omitempty"`
	MinIncrementValue    float64           `json:"min_increment_value,omitempty"`
	SoftCloseSeconds     int               `json:"soft_close_seconds,omitempty"`
}
