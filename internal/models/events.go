package models

import "time"

// Event payloads published to Kafka. Messages are keyed by auction id so
// consumers see per-auction ordering; delivery is at-least-once and
// consumers are expected to dedupe on the embedded ids.

type BidAcceptedEvent struct {
	AuctionID      string    `json:"auction_id"`
	BidID          string    `json:"bid_id"`
	BidderID       string    `json:"bidder_id"`
	Amount         float64   `json:"amount"`
	SequenceNumber int64     `json:"sequence_number"`
	EndAt          time.Time `json:"end_at"`
	Timestamp      time.Time `json:"timestamp"`
}

type OutbidEvent struct {
	AuctionID        string    `json:"auction_id"`
	OutbidBidderID   string    `json:"outbid_bidder_id"`
	NewHighestAmount float64   `json:"new_highest_amount"`
	Timestamp        time.Time `json:"timestamp"`
}

type AuctionExtendedEvent struct {
	AuctionID string    `json:"auction_id"`
	NewEndAt  time.Time `json:"new_end_at"`
	Timestamp time.Time `json:"timestamp"`
}

type AuctionSettledEvent struct {
	AuctionID    string    `json:"auction_id"`
	OrderID      string    `json:"order_id,omitempty"`
	WinningBidID string    `json:"winning_bid_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type AuctionWonEvent struct {
	AuctionID   string    `json:"auction_id"`
	WinnerID    string    `json:"winner_id"`
	OrderID     string    `json:"order_id"`
	TotalAmount float64   `json:"total_amount"`
	Timestamp   time.Time `json:"timestamp"`
}

type NoWinnerEvent struct {
	AuctionID string    `json:"auction_id"`
	Timestamp time.Time `json:"timestamp"`
}

type AuctionCancelledEvent struct {
	AuctionID string    `json:"auction_id"`
	Timestamp time.Time `json:"timestamp"`
}
