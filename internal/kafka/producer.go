package kafka

import (
	"context"
	"encoding/json"
	"time"

	"ms-bidding/internal/models"

	"github.com/segmentio/kafka-go"
)

// Topic names for auction lifecycle events.
const (
	TopicBidAccepted      = "bidly.bid.accepted"
	TopicOutbid           = "bidly.bid.outbid"
	TopicAuctionExtended  = "bidly.auction.extended"
	TopicAuctionSettled   = "bidly.auction.settled"
	TopicAuctionWon       = "bidly.auction.won"
	TopicAuctionNoWinner  = "bidly.auction.nowinner"
	TopicAuctionCancelled = "bidly.auction.cancelled"
)

// Topics lists every topic the producer writes so main can ensure they
// exist before serving traffic.
var Topics = []string{
	TopicBidAccepted,
	TopicOutbid,
	TopicAuctionExtended,
	TopicAuctionSettled,
	TopicAuctionWon,
	TopicAuctionNoWinner,
	TopicAuctionCancelled,
}

type Producer struct {
	Writer *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr: kafka.TCP(brokers...),
		// Hash balancer: messages keyed by auction id land on one
		// partition, preserving per-auction ordering for consumers.
		Balancer: &kafka.Hash{},
	}
	return &Producer{Writer: writer}
}

// Publish writes one JSON message keyed by auction id.
func (p *Producer) Publish(ctx context.Context, topic, auctionID string, payload interface{}) error {
	msgBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(auctionID),
		Value: msgBytes,
	})
}

func (p *Producer) PublishBidAccepted(ctx context.Context, ev models.BidAcceptedEvent) error {
	ev.Timestamp = stamp(ev.Timestamp)
	return p.Publish(ctx, TopicBidAccepted, ev.AuctionID, ev)
}

func (p *Producer) PublishOutbid(ctx context.Context, ev models.OutbidEvent) error {
	ev.Timestamp = stamp(ev.Timestamp)
	return p.Publish(ctx, TopicOutbid, ev.AuctionID, ev)
}

func (p *Producer) PublishAuctionExtended(ctx context.Context, ev models.AuctionExtendedEvent) error {
	ev.Timestamp = stamp(ev.Timestamp)
	return p.Publish(ctx, TopicAuctionExtended, ev.AuctionID, ev)
}

func (p *Producer) PublishAuctionSettled(ctx context.Context, ev models.AuctionSettledEvent) error {
	ev.Timestamp = stamp(ev.Timestamp)
	return p.Publish(ctx, TopicAuctionSettled, ev.AuctionID, ev)
}

func (p *Producer) PublishAuctionWon(ctx context.Context, ev models.AuctionWonEvent) error {
	ev.Timestamp = stamp(ev.Timestamp)
	return p.Publish(ctx, TopicAuctionWon, ev.AuctionID, ev)
}

func (p *Producer) PublishNoWinner(ctx context.Context, ev models.NoWinnerEvent) error {
	ev.Timestamp = stamp(ev.Timestamp)
	return p.Publish(ctx, TopicAuctionNoWinner, ev.AuctionID, ev)
}

func (p *Producer) PublishAuctionCancelled(ctx context.Context, ev models.AuctionCancelledEvent) error {
	ev.Timestamp = stamp(ev.Timestamp)
	return p.Publish(ctx, TopicAuctionCancelled, ev.AuctionID, ev)
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
