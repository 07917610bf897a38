package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Bid struct {
	bun.BaseModel `bun:"table:bids"`

	BidID          string    `bun:"bid_id,pk" json:"bid_id"`
	AuctionID      string    `bun:"auction_id,notnull" json:"auction_id"`
	BidderID       string    `bun:"bidder_id,notnull" json:"bidder_id"`
	Amount         float64   `bun:"amount,notnull" json:"amount"`
	SequenceNumber int64     `bun:"sequence_number,notnull" json:"sequence_number"`
	AcceptedAt     time.Time `bun:"accepted_at,notnull" json:"accepted_at"`
}

type PlaceBidRequest struct {
	BidderID string  `json:"bidder_id"`
	Amount   float64 `json:"amount"`
}

type PlaceBidResponse struct {
	BidID            string    `json:"bid_id"`
	SequenceNumber   int64     `json:"sequence_number"`
	NewHighestAmount float64   `json:"new_highest_amount"`
	NewEndAt         time.Time `json:"new_end_at"`
}
