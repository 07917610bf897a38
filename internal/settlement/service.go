package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-bidding/internal/auction"
	"ms-bidding/internal/auction/db"
	"ms-bidding/internal/config"
	"ms-bidding/internal/deposit"
	"ms-bidding/internal/logger"
	"ms-bidding/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DBLayer interface {
	GetAuctionByID(ctx context.Context, id string) (*models.Auction, error)
	UpdateAuctionStateCAS(ctx context.Context, auctionID string, from, to models.AuctionState, expectedVersion int64) error
	GetBidsByAuction(ctx context.Context, auctionID string) ([]models.Bid, error)
	GetDepositsByAuction(ctx context.Context, auctionID string) ([]models.Deposit, error)
	UpdateDepositStatusCAS(ctx context.Context, depositID string, from, to models.DepositStatus) (bool, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByAuction(ctx context.Context, auctionID string) (*models.Order, error)
	GetSettleableAuctions(ctx context.Context, now time.Time, limit int) ([]models.Auction, error)
}

// SettlementLock serializes settlement attempts per auction.
type SettlementLock interface {
	LockSettlement(ctx context.Context, auctionID, attemptID string) (bool, error)
	UnlockSettlement(ctx context.Context, auctionID, attemptID string) error
}

type EventPublisher interface {
	PublishAuctionSettled(ctx context.Context, ev models.AuctionSettledEvent) error
	PublishAuctionWon(ctx context.Context, ev models.AuctionWonEvent) error
	PublishNoWinner(ctx context.Context, ev models.NoWinnerEvent) error
}

type SettingsProvider interface {
	AuctionSettings() (config.AuctionSettings, error)
}

// Result is the outcome of one settlement attempt.
type Result struct {
	// Order is set when the auction settled with a winner, now or in a
	// previous attempt.
	Order *models.Order
	// NoWinner marks an auction that ended with no bids, or was cancelled.
	NoWinner bool
	// Skipped marks an attempt that found the lock held elsewhere; a safe
	// no-op, not an error.
	Skipped bool
}

type Service struct {
	DB       DBLayer
	Lock     SettlementLock
	Gateway  deposit.Gateway
	Events   EventPublisher
	Settings SettingsProvider

	logger *logger.Logger
	Clock  func() time.Time
}

func NewService(dbLayer DBLayer, lock SettlementLock, gateway deposit.Gateway, events EventPublisher, settings SettingsProvider, log *logger.Logger) *Service {
	return &Service{
		DB:       dbLayer,
		Lock:     lock,
		Gateway:  gateway,
		Events:   events,
		Settings: settings,
		logger:   log,
		Clock:    time.Now,
	}
}

// SettleAuction runs the one-time settlement for an ended auction. It is
// idempotent and safe to invoke concurrently: the per-auction lock keeps
// attempts exclusive, and the unique order constraint catches anything
// that slips past it.
func (s *Service) SettleAuction(ctx context.Context, auctionID string) (*Result, error) {
	attemptID := uuid.NewString()

	locked, err := s.Lock.LockSettlement(ctx, auctionID, attemptID)
	if err != nil {
		return nil, fmt.Errorf("settlement lock error: %w", err)
	}
	if !locked {
		s.logger.LogSettlement("SKIP", auctionID, "another settlement attempt holds the lock")
		return &Result{Skipped: true}, nil
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Lock.UnlockSettlement(unlockCtx, auctionID, attemptID); err != nil {
			s.logger.Error("SETTLEMENT", fmt.Sprintf("Failed to release lock for %s: %v", auctionID, err))
		}
	}()

	return s.settleLocked(ctx, auctionID)
}

func (s *Service) settleLocked(ctx context.Context, auctionID string) (*Result, error) {
	a, err := s.DB.GetAuctionByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &auction.Error{Kind: auction.KindNotFound, Message: fmt.Sprintf("auction %s not found", auctionID)}
		}
		return nil, err
	}

	now := s.Clock().UTC()

	switch a.State {
	case models.AuctionSettled:
		// Idempotent short-circuit; still sweep up any disposition that
		// failed in the attempt that settled the auction.
		if err := s.disposeLoserDeposits(ctx, a, s.winnerBidderOf(ctx, a)); err != nil {
			s.logger.Error("SETTLEMENT", fmt.Sprintf("Deposit cleanup for settled auction %s: %v", auctionID, err))
		}
		order, err := s.DB.GetOrderByAuction(ctx, auctionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &Result{NoWinner: true}, nil
			}
			return nil, err
		}
		return &Result{Order: order}, nil

	case models.AuctionEnded:
		if err := s.disposeLoserDeposits(ctx, a, ""); err != nil {
			s.logger.Error("SETTLEMENT", fmt.Sprintf("Deposit cleanup for ended auction %s: %v", auctionID, err))
		}
		return &Result{NoWinner: true}, nil

	case models.AuctionCancelled:
		// Cancelled auctions are dispose-only: release every hold, no
		// winner, no order.
		if err := s.disposeLoserDeposits(ctx, a, ""); err != nil {
			return nil, err
		}
		return &Result{NoWinner: true}, nil
	}

	if now.Before(a.EndAt) {
		return nil, &auction.Error{Kind: auction.KindAuctionNotActive, Message: fmt.Sprintf("auction %s has not ended yet", auctionID)}
	}

	bids, err := s.DB.GetBidsByAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 {
		return s.settleNoWinner(ctx, a)
	}

	winner := PickWinner(bids)
	return s.settleWinner(ctx, a, winner)
}

// PickWinner selects the highest amount, tie-broken by the lowest sequence
// number. The ledger is ordered by sequence, so a strictly-greater
// comparison keeps the earliest of equal amounts.
func PickWinner(bids []models.Bid) *models.Bid {
	best := &bids[0]
	for i := range bids[1:] {
		if bids[i+1].Amount > best.Amount {
			best = &bids[i+1]
		}
	}
	return best
}

func (s *Service) settleNoWinner(ctx context.Context, a *models.Auction) (*Result, error) {
	s.logger.LogSettlement("NOWINNER", a.AuctionID, "no bids, ending without an order")

	if err := s.disposeLoserDeposits(ctx, a, ""); err != nil {
		return nil, err
	}

	if err := s.DB.UpdateAuctionStateCAS(ctx, a.AuctionID, a.State, models.AuctionEnded, a.Version); err != nil {
		if errors.Is(err, db.ErrVersionConflict) {
			// Someone raced us; the re-read on the next attempt decides.
			return nil, &auction.Error{Kind: auction.KindConcurrentConflict, Message: fmt.Sprintf("auction %s changed during settlement", a.AuctionID)}
		}
		return nil, err
	}

	s.publishNoWinner(a.AuctionID)
	return &Result{NoWinner: true}, nil
}

func (s *Service) settleWinner(ctx context.Context, a *models.Auction, winner *models.Bid) (*Result, error) {
	s.logger.LogSettlement("BEGIN", a.AuctionID,
		fmt.Sprintf("winner bid %s by %s at %.2f (seq %d)", winner.BidID, winner.BidderID, winner.Amount, winner.SequenceNumber))

	settings, err := s.Settings.AuctionSettings()
	if err != nil {
		return nil, &auction.Error{Kind: auction.KindExternalProvider, Message: "invalid auction configuration", Err: err}
	}

	// Capture the winner's hold first: if the provider refuses, the whole
	// attempt fails and stays retryable from the top.
	depositCredited, err := s.captureWinnerDeposit(ctx, a, winner.BidderID)
	if err != nil {
		return nil, err
	}

	// Losing holds are released best-effort: a failure here is logged and
	// retried by the sweep, never blocking the winner's order.
	if err := s.disposeLoserDeposits(ctx, a, winner.BidderID); err != nil {
		s.logger.Error("SETTLEMENT", fmt.Sprintf("Deposit release incomplete for %s, sweep will retry: %v", a.AuctionID, err))
	}

	order := &models.Order{
		OrderID:         uuid.NewString(),
		AuctionID:       a.AuctionID,
		WinningBidID:    winner.BidID,
		WinnerID:        winner.BidderID,
		TotalAmount:     winner.Amount,
		DepositCredited: depositCredited,
		PlatformFee:     platformFee(winner.Amount, settings.PlatformFeePercent),
		CreatedAt:       s.Clock().UTC(),
	}

	if err := s.DB.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, db.ErrDuplicateOrder) {
			// A concurrent attempt slipped past the lock and won the
			// insert; adopt its order.
			existing, getErr := s.DB.GetOrderByAuction(ctx, a.AuctionID)
			if getErr != nil {
				return nil, getErr
			}
			order = existing
		} else {
			return nil, err
		}
	}

	if err := s.DB.UpdateAuctionStateCAS(ctx, a.AuctionID, a.State, models.AuctionSettled, a.Version); err != nil {
		if !errors.Is(err, db.ErrVersionConflict) {
			return nil, err
		}
		fresh, freshErr := s.DB.GetAuctionByID(ctx, a.AuctionID)
		if freshErr != nil || fresh.State != models.AuctionSettled {
			return nil, &auction.Error{Kind: auction.KindConcurrentConflict, Message: fmt.Sprintf("auction %s changed during settlement", a.AuctionID)}
		}
	}

	s.logger.LogSettlement("DONE", a.AuctionID, fmt.Sprintf("order %s total %.2f fee %.2f", order.OrderID, order.TotalAmount, order.PlatformFee))
	s.publishWon(a.AuctionID, order)
	return &Result{Order: order}, nil
}

// captureWinnerDeposit applies the winner's hold toward the final price.
// Returns the credited amount, zero when the winner never needed a hold.
func (s *Service) captureWinnerDeposit(ctx context.Context, a *models.Auction, winnerID string) (float64, error) {
	deposits, err := s.DB.GetDepositsByAuction(ctx, a.AuctionID)
	if err != nil {
		return 0, err
	}

	for _, dep := range deposits {
		if dep.BidderID != winnerID {
			continue
		}
		switch dep.Status {
		case models.DepositCaptured:
			// A previous attempt already got here.
			return dep.RequiredAmount, nil
		case models.DepositAuthorized:
			key := deposit.SettlementKey(a.AuctionID, dep.DepositID, "capture")
			if err := s.Gateway.Capture(ctx, dep.ProviderRef, key); err != nil {
				return 0, &auction.Error{Kind: auction.KindExternalProvider, Message: fmt.Sprintf("failed to capture winner deposit %s", dep.DepositID), Err: err}
			}
			if _, err := s.DB.UpdateDepositStatusCAS(ctx, dep.DepositID, models.DepositAuthorized, models.DepositCaptured); err != nil {
				return 0, err
			}
			return dep.RequiredAmount, nil
		}
	}
	return 0, nil
}

// disposeLoserDeposits releases every authorized hold not belonging to
// keepBidder. The provider calls are idempotent via derived keys, so this
// is safe to run on every sweep until no authorized holds remain.
func (s *Service) disposeLoserDeposits(ctx context.Context, a *models.Auction, keepBidder string) error {
	deposits, err := s.DB.GetDepositsByAuction(ctx, a.AuctionID)
	if err != nil {
		return err
	}

	var firstErr error
	for _, dep := range deposits {
		if dep.Status != models.DepositAuthorized || dep.BidderID == keepBidder {
			continue
		}
		key := deposit.SettlementKey(a.AuctionID, dep.DepositID, "cancel")
		if err := s.Gateway.Cancel(ctx, dep.ProviderRef, key); err != nil {
			s.logger.Error("SETTLEMENT", fmt.Sprintf("Failed to release deposit %s on auction %s: %v", dep.DepositID, a.AuctionID, err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := s.DB.UpdateDepositStatusCAS(ctx, dep.DepositID, models.DepositAuthorized, models.DepositCancelled); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// winnerBidderOf recovers the winning bidder for an already-settled auction
// so cleanup never releases the captured hold.
func (s *Service) winnerBidderOf(ctx context.Context, a *models.Auction) string {
	order, err := s.DB.GetOrderByAuction(ctx, a.AuctionID)
	if err != nil {
		return ""
	}
	return order.WinnerID
}

func (s *Service) publishNoWinner(auctionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Events.PublishNoWinner(ctx, models.NoWinnerEvent{AuctionID: auctionID}); err != nil {
		s.logger.Error("KAFKA", fmt.Sprintf("Failed to publish no-winner for %s: %v", auctionID, err))
	}
	if err := s.Events.PublishAuctionSettled(ctx, models.AuctionSettledEvent{AuctionID: auctionID}); err != nil {
		s.logger.Error("KAFKA", fmt.Sprintf("Failed to publish settled for %s: %v", auctionID, err))
	}
}

func (s *Service) publishWon(auctionID string, order *models.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Events.PublishAuctionSettled(ctx, models.AuctionSettledEvent{
		AuctionID:    auctionID,
		OrderID:      order.OrderID,
		WinningBidID: order.WinningBidID,
	}); err != nil {
		s.logger.Error("KAFKA", fmt.Sprintf("Failed to publish settled for %s: %v", auctionID, err))
	}
	if err := s.Events.PublishAuctionWon(ctx, models.AuctionWonEvent{
		AuctionID:   auctionID,
		WinnerID:    order.WinnerID,
		OrderID:     order.OrderID,
		TotalAmount: order.TotalAmount,
	}); err != nil {
		s.logger.Error("KAFKA", fmt.Sprintf("Failed to publish won for %s: %v", auctionID, err))
	}
}

func platformFee(total, feePercent float64) float64 {
	f, _ := decimal.NewFromFloat(total).
		Mul(decimal.NewFromFloat(feePercent)).
		Round(2).
		Float64()
	return f
}
