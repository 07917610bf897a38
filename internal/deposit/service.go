package deposit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-bidding/internal/auction"
	"ms-bidding/internal/auction/db"
	"ms-bidding/internal/config"
	"ms-bidding/internal/logger"
	"ms-bidding/internal/models"

	"github.com/google/uuid"
)

type DBLayer interface {
	GetAuctionByID(ctx context.Context, id string) (*models.Auction, error)
	GetAuthorizedDeposit(ctx context.Context, auctionID, bidderID string) (*models.Deposit, error)
	CreateDeposit(ctx context.Context, deposit *models.Deposit) error
}

type SettingsProvider interface {
	AuctionSettings() (config.AuctionSettings, error)
}

// Service places deposit holds ahead of a bidder's first bid and enforces
// the one-live-hold-per-(auction, bidder) invariant.
type Service struct {
	DB       DBLayer
	Gateway  Gateway
	Settings SettingsProvider

	logger  *logger.Logger
	timeout time.Duration
}

func NewService(dbLayer DBLayer, gateway Gateway, settings SettingsProvider, log *logger.Logger, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		DB:       dbLayer,
		Gateway:  gateway,
		Settings: settings,
		logger:   log,
		timeout:  timeout,
	}
}

// Authorize places a hold for the bidder on the auction and records it.
func (s *Service) Authorize(ctx context.Context, auctionID, bidderID string) (*models.Deposit, error) {
	a, err := s.DB.GetAuctionByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &auction.Error{Kind: auction.KindNotFound, Message: fmt.Sprintf("auction %s not found", auctionID)}
		}
		return nil, err
	}

	switch a.State {
	case models.AuctionSettled, models.AuctionEnded, models.AuctionCancelled:
		return nil, &auction.Error{Kind: auction.KindAuctionNotActive, Message: fmt.Sprintf("auction %s is %s", auctionID, a.State)}
	}
	if bidderID == a.SellerID {
		return nil, &auction.Error{Kind: auction.KindSelfBidRejected, Message: "seller cannot place a deposit on own auction"}
	}

	settings, err := s.Settings.AuctionSettings()
	if err != nil {
		return nil, &auction.Error{Kind: auction.KindExternalProvider, Message: "invalid auction configuration", Err: err}
	}
	if !settings.DepositRequired {
		return nil, &auction.Error{Kind: auction.KindDepositNotAuthorized, Message: "auction does not require a deposit"}
	}

	if existing, err := s.DB.GetAuthorizedDeposit(ctx, auctionID, bidderID); err == nil {
		return nil, &auction.Error{
			Kind:          auction.KindDepositAlreadyHeld,
			Message:       fmt.Sprintf("deposit %s is already authorized", existing.DepositID),
			DepositStatus: string(existing.Status),
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	required := auction.RequiredDeposit(a, settings)

	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	providerRef, err := s.Gateway.Authorize(gctx, AuthorizeParams{
		AuctionID:      auctionID,
		BidderID:       bidderID,
		Amount:         required,
		IdempotencyKey: AuthorizeKey(auctionID, bidderID),
	})
	if err != nil {
		// Fail closed: no confirmed hold, no deposit row, no bidding.
		return nil, &auction.Error{Kind: auction.KindExternalProvider, Message: "payment provider rejected the deposit hold", Err: err}
	}

	dep := &models.Deposit{
		DepositID:      uuid.NewString(),
		AuctionID:      auctionID,
		BidderID:       bidderID,
		RequiredAmount: required,
		Status:         models.DepositAuthorized,
		ProviderRef:    providerRef,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.DB.CreateDeposit(ctx, dep); err != nil {
		// No row means no usable hold either way; release what was just
		// placed so no orphaned authorization lingers.
		if cancelErr := s.Gateway.Cancel(gctx, providerRef, SettlementKey(auctionID, dep.DepositID, "rollback")); cancelErr != nil {
			s.logger.Error("DEPOSIT", fmt.Sprintf("Failed to release hold %s: %v", providerRef, cancelErr))
		}
		if !db.IsUniqueViolation(err) {
			s.logger.Error("DEPOSIT", fmt.Sprintf("Failed to record deposit for bidder %s on auction %s: %v", bidderID, auctionID, err))
			return nil, fmt.Errorf("failed to record deposit: %w", err)
		}
		// The partial unique index caught a concurrent duplicate.
		s.logger.Warn("DEPOSIT", fmt.Sprintf("Duplicate hold for bidder %s on auction %s, released %s", bidderID, auctionID, providerRef))
		return nil, &auction.Error{
			Kind:    auction.KindDepositAlreadyHeld,
			Message: fmt.Sprintf("a deposit is already authorized for bidder %s", bidderID),
			Err:     err,
		}
	}

	s.logger.Info("DEPOSIT", fmt.Sprintf("Authorized deposit %s (%.2f) for bidder %s on auction %s", dep.DepositID, required, bidderID, auctionID))
	return dep, nil
}
