package auction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"ms-bidding/internal/auction/db"
	"ms-bidding/internal/config"
	"ms-bidding/internal/logger"
	"ms-bidding/internal/models"

	"github.com/google/uuid"
)

// maxCommitAttempts bounds the internal retry loop on version conflicts
// before ConcurrentConflict surfaces to the caller.
const maxCommitAttempts = 5

type DBLayer interface {
	CreateAuction(ctx context.Context, auction *models.Auction) error
	GetAuctionByID(ctx context.Context, id string) (*models.Auction, error)
	UpdateAuctionStateCAS(ctx context.Context, auctionID string, from, to models.AuctionState, expectedVersion int64) error
	CommitBid(ctx context.Context, auction *models.Auction, expectedVersion int64, bid *models.Bid) error
	GetBidsByAuction(ctx context.Context, auctionID string) ([]models.Bid, error)
	GetBidByID(ctx context.Context, bidID string) (*models.Bid, error)
	GetAuthorizedDeposit(ctx context.Context, auctionID, bidderID string) (*models.Deposit, error)
}

type EventPublisher interface {
	PublishBidAccepted(ctx context.Context, ev models.BidAcceptedEvent) error
	PublishOutbid(ctx context.Context, ev models.OutbidEvent) error
	PublishAuctionExtended(ctx context.Context, ev models.AuctionExtendedEvent) error
	PublishAuctionCancelled(ctx context.Context, ev models.AuctionCancelledEvent) error
}

// SettingsProvider supplies the typed per-auction configuration. It is
// consulted on every validation, never cached inside the engine.
type SettingsProvider interface {
	AuctionSettings() (config.AuctionSettings, error)
}

type Service struct {
	DB       DBLayer
	Events   EventPublisher
	Settings SettingsProvider

	logger *logger.Logger

	// Clock is swappable for deterministic soft-close tests.
	Clock func() time.Time
}

func NewService(dbLayer DBLayer, events EventPublisher, settings SettingsProvider, log *logger.Logger) *Service {
	return &Service{
		DB:       dbLayer,
		Events:   events,
		Settings: settings,
		logger:   log,
		Clock:    time.Now,
	}
}

// CreateAuction registers a scheduled auction for a published listing.
// Increment and soft-close parameters default from the settings provider
// when the request leaves them unset.
func (s *Service) CreateAuction(ctx context.Context, req models.CreateAuctionRequest) (*models.Auction, error) {
	if req.ListingID == "" || req.SellerID == "" {
		return nil, newError(KindNotFound, "listing_id and seller_id are required")
	}
	if !req.EndAt.After(req.StartAt) {
		return nil, newError(KindAuctionNotActive, "end_at must be after start_at")
	}
	if req.StartAmount <= 0 {
		return nil, newError(KindBidTooLow, "start_amount must be positive")
	}

	settings, err := s.Settings.AuctionSettings()
	if err != nil {
		return nil, &Error{Kind: KindExternalProvider, Message: "invalid auction configuration", Err: err}
	}

	auction := &models.Auction{
		AuctionID:            uuid.NewString(),
		ListingID:            req.ListingID,
		SellerID:             req.SellerID,
		StartAt:              req.StartAt,
		EndAt:                req.EndAt,
		StartAmount:          req.StartAmount,
		MinIncrementStrategy: req.MinIncrementStrategy,
		MinIncrementValue:    req.MinIncrementValue,
		SoftCloseSeconds:     req.SoftCloseSeconds,
		State:                models.AuctionScheduled,
		Version:              1,
		CreatedAt:            s.Clock().UTC(),
	}
	if auction.MinIncrementStrategy == "" {
		auction.MinIncrementStrategy = models.IncrementStrategy(settings.MinIncrementStrategy)
		auction.MinIncrementValue = settings.MinIncrementValue
	}
	if auction.SoftCloseSeconds == 0 {
		auction.SoftCloseSeconds = settings.SoftCloseSeconds
	}

	if err := s.DB.CreateAuction(ctx, auction); err != nil {
		return nil, err
	}
	s.logger.LogBid("CREATE", auction.AuctionID, fmt.Sprintf("auction scheduled for listing %s", auction.ListingID))
	return auction, nil
}

// GetAuction returns the auction with its scheduled->active transition
// lazily resolved: any read after start_at observes it active.
func (s *Service) GetAuction(ctx context.Context, auctionID string) (*models.Auction, error) {
	auction, err := s.DB.GetAuctionByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newError(KindNotFound, "auction %s not found", auctionID)
		}
		return nil, err
	}
	resolveState(auction, s.Clock())
	return auction, nil
}

func (s *Service) GetBids(ctx context.Context, auctionID string) ([]models.Bid, error) {
	if _, err := s.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	return s.DB.GetBidsByAuction(ctx, auctionID)
}

// PlaceBid validates and atomically commits one bid. On a version conflict
// it re-reads fresh state and retries with jittered backoff before giving
// up with ConcurrentConflict.
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidderID string, amount float64) (*models.PlaceBidResponse, error) {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		resp, err := s.tryPlaceBid(ctx, auctionID, bidderID, amount)
		if err != nil {
			if errors.Is(err, db.ErrVersionConflict) {
				s.logger.LogBid("RETRY", auctionID, fmt.Sprintf("version conflict, attempt %d", attempt+1))
				jitterSleep(ctx, attempt)
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, err
		}
		return resp, nil
	}

	s.logger.Warn("BID", fmt.Sprintf("Giving up after %d conflicting attempts on auction %s", maxCommitAttempts, auctionID))
	return nil, newError(KindConcurrentConflict, "auction %s is under heavy contention, retry", auctionID)
}

func (s *Service) tryPlaceBid(ctx context.Context, auctionID, bidderID string, amount float64) (*models.PlaceBidResponse, error) {
	auction, err := s.DB.GetAuctionByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newError(KindNotFound, "auction %s not found", auctionID)
		}
		return nil, err
	}

	now := s.Clock().UTC()
	resolveState(auction, now)

	// Preconditions, in contract order; each failure has a distinct kind.
	if auction.State != models.AuctionActive {
		return nil, &Error{
			Kind:           KindAuctionNotActive,
			Message:        fmt.Sprintf("auction %s is %s", auctionID, auction.State),
			CurrentHighest: auction.CurrentHighestAmount,
		}
	}
	if !now.Before(auction.EndAt) {
		return nil, &Error{
			Kind:           KindAuctionNotActive,
			Message:        fmt.Sprintf("auction %s has ended", auctionID),
			CurrentHighest: auction.CurrentHighestAmount,
		}
	}
	if bidderID == auction.SellerID {
		return nil, newError(KindSelfBidRejected, "seller cannot bid on own auction")
	}

	settings, err := s.Settings.AuctionSettings()
	if err != nil {
		return nil, &Error{Kind: KindExternalProvider, Message: "invalid auction configuration", Err: err}
	}
	if settings.DepositRequired {
		if err := s.checkDeposit(ctx, auction, bidderID, settings); err != nil {
			return nil, err
		}
	}

	minNext := MinNextBid(auction)
	if !meetsMinimum(amount, minNext) {
		return nil, &Error{
			Kind:           KindBidTooLow,
			Message:        fmt.Sprintf("bid %.2f is below the minimum of %.2f", amount, minNext),
			MinNextBid:     minNext,
			CurrentHighest: auction.CurrentHighestAmount,
		}
	}

	// Remember who is being outbid before the arena row moves on.
	var previousBidder string
	if auction.HasBids() {
		if prev, err := s.DB.GetBidByID(ctx, auction.CurrentHighestBidID); err == nil {
			previousBidder = prev.BidderID
		}
	}

	expectedVersion := auction.Version
	newEndAt, extended := ExtendForSoftClose(auction, now)
	auction.EndAt = newEndAt

	bid := &models.Bid{
		BidID:      uuid.NewString(),
		AuctionID:  auction.AuctionID,
		BidderID:   bidderID,
		Amount:     amount,
		AcceptedAt: now,
	}

	// Highest bid, end time, version bump and ledger append commit as one
	// atomic write keyed by the version read above.
	if err := s.DB.CommitBid(ctx, auction, expectedVersion, bid); err != nil {
		return nil, err
	}

	s.logger.LogBid("ACCEPT", auction.AuctionID,
		fmt.Sprintf("bid %s of %.2f by %s (seq %d)", bid.BidID, amount, bidderID, bid.SequenceNumber))

	s.publishBidEvents(auction, bid, previousBidder, extended)

	return &models.PlaceBidResponse{
		BidID:            bid.BidID,
		SequenceNumber:   bid.SequenceNumber,
		NewHighestAmount: amount,
		NewEndAt:         auction.EndAt,
	}, nil
}

func (s *Service) checkDeposit(ctx context.Context, auction *models.Auction, bidderID string, settings config.AuctionSettings) error {
	dep, err := s.DB.GetAuthorizedDeposit(ctx, auction.AuctionID, bidderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(KindDepositNotAuthorized, "no authorized deposit for bidder %s on auction %s", bidderID, auction.AuctionID)
		}
		return err
	}
	required := RequiredDeposit(auction, settings)
	if dep.RequiredAmount < required {
		return &Error{
			Kind:          KindDepositNotAuthorized,
			Message:       fmt.Sprintf("deposit hold %.2f does not satisfy the required %.2f", dep.RequiredAmount, required),
			DepositStatus: string(dep.Status),
		}
	}
	return nil
}

// CancelAuction is the seller/admin path out: allowed only before the
// auction has ended. Deposit disposal is left to the settlement engine,
// which treats cancelled auctions as dispose-only.
func (s *Service) CancelAuction(ctx context.Context, auctionID string) error {
	auction, err := s.DB.GetAuctionByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(KindNotFound, "auction %s not found", auctionID)
		}
		return err
	}

	// The lifecycle checks use the resolved state, but the CAS must match
	// the stored row: lazy activation lives only in memory until a bid
	// commits it, so a started-but-unbid auction is still stored scheduled.
	storedState := auction.State
	now := s.Clock().UTC()
	resolveState(auction, now)

	switch auction.State {
	case models.AuctionSettled, models.AuctionEnded, models.AuctionCancelled:
		return newError(KindAlreadySettled, "auction %s is already %s", auctionID, auction.State)
	}
	if !now.Before(auction.EndAt) {
		return newError(KindAlreadySettled, "auction %s has ended and must settle", auctionID)
	}

	if err := s.DB.UpdateAuctionStateCAS(ctx, auctionID, storedState, models.AuctionCancelled, auction.Version); err != nil {
		if errors.Is(err, db.ErrVersionConflict) {
			return newError(KindConcurrentConflict, "auction %s changed while cancelling", auctionID)
		}
		return err
	}

	s.logger.LogBid("CANCEL", auctionID, "auction cancelled before end")

	evCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Events.PublishAuctionCancelled(evCtx, models.AuctionCancelledEvent{AuctionID: auctionID}); err != nil {
		s.logger.Error("KAFKA", fmt.Sprintf("Failed to publish cancelled for %s: %v", auctionID, err))
	}
	return nil
}

func (s *Service) publishBidEvents(auction *models.Auction, bid *models.Bid, previousBidder string, extended bool) {
	// Publishing happens after the commit; a broker hiccup must never
	// roll back an accepted bid.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Events.PublishBidAccepted(ctx, models.BidAcceptedEvent{
		AuctionID:      auction.AuctionID,
		BidID:          bid.BidID,
		BidderID:       bid.BidderID,
		Amount:         bid.Amount,
		SequenceNumber: bid.SequenceNumber,
		EndAt:          auction.EndAt,
	}); err != nil {
		s.logger.Error("KAFKA", fmt.Sprintf("Failed to publish bid accepted for %s: %v", auction.AuctionID, err))
	}

	if previousBidder != "" && previousBidder != bid.BidderID {
		if err := s.Events.PublishOutbid(ctx, models.OutbidEvent{
			AuctionID:        auction.AuctionID,
			OutbidBidderID:   previousBidder,
			NewHighestAmount: bid.Amount,
		}); err != nil {
			s.logger.Error("KAFKA", fmt.Sprintf("Failed to publish outbid for %s: %v", auction.AuctionID, err))
		}
	}

	if extended {
		if err := s.Events.PublishAuctionExtended(ctx, models.AuctionExtendedEvent{
			AuctionID: auction.AuctionID,
			NewEndAt:  auction.EndAt,
		}); err != nil {
			s.logger.Error("KAFKA", fmt.Sprintf("Failed to publish extension for %s: %v", auction.AuctionID, err))
		}
	}
}

// resolveState applies the lazy scheduled->active transition in memory.
// The stored row is corrected by the next committed write.
func resolveState(auction *models.Auction, now time.Time) {
	if auction.State == models.AuctionScheduled && !now.Before(auction.StartAt) {
		auction.State = models.AuctionActive
	}
}

func jitterSleep(ctx context.Context, attempt int) {
	base := time.Duration(10*(attempt+1)) * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
	select {
	case <-time.After(base + jitter):
	case <-ctx.Done():
	}
}
