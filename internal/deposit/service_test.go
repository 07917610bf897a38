package deposit_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"ms-bidding/internal/auction"
	"ms-bidding/internal/config"
	"ms-bidding/internal/deposit"
	"ms-bidding/internal/logger"
	"ms-bidding/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockDBLayer struct {
	mock.Mock
}

func (m *MockDBLayer) GetAuctionByID(ctx context.Context, id string) (*models.Auction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Auction), args.Error(1)
}

func (m *MockDBLayer) GetAuthorizedDeposit(ctx context.Context, auctionID, bidderID string) (*models.Deposit, error) {
	args := m.Called(ctx, auctionID, bidderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Deposit), args.Error(1)
}

func (m *MockDBLayer) CreateDeposit(ctx context.Context, dep *models.Deposit) error {
	args := m.Called(ctx, dep)
	return args.Error(0)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Authorize(ctx context.Context, params deposit.AuthorizeParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) Capture(ctx context.Context, providerRef, idempotencyKey string) error {
	args := m.Called(ctx, providerRef, idempotencyKey)
	return args.Error(0)
}

func (m *MockGateway) Cancel(ctx context.Context, providerRef, idempotencyKey string) error {
	args := m.Called(ctx, providerRef, idempotencyKey)
	return args.Error(0)
}

type staticSettings struct {
	s config.AuctionSettings
}

func (p staticSettings) AuctionSettings() (config.AuctionSettings, error) {
	return p.s, nil
}

func depositSettings() staticSettings {
	return staticSettings{s: config.AuctionSettings{
		MinIncrementStrategy: "fixed",
		MinIncrementValue:    5,
		SoftCloseSeconds:     120,
		DepositRequired:      true,
		DepositIsPercent:     true,
		DepositValue:         0.10,
		PlatformFeePercent:   0.05,
	}}
}

func newDepositService(t *testing.T, dbl *MockDBLayer, gw *MockGateway, settings deposit.SettingsProvider) *deposit.Service {
	t.Helper()
	log := logger.NewLogger()
	t.Cleanup(log.Close)
	return deposit.NewService(dbl, gw, settings, log, time.Second)
}

func liveAuction() *models.Auction {
	now := time.Now().UTC()
	return &models.Auction{
		AuctionID:            uuid.NewString(),
		ListingID:            "listing-1",
		SellerID:             "seller-1",
		StartAt:              now.Add(-time.Hour),
		EndAt:                now.Add(time.Hour),
		StartAmount:          200,
		MinIncrementStrategy: models.IncrementFixed,
		MinIncrementValue:    5,
		SoftCloseSeconds:     120,
		State:                models.AuctionActive,
		Version:              1,
	}
}

func TestAuthorize_PlacesHoldAndRecordsDeposit(t *testing.T) {
	mockDB := new(MockDBLayer)
	gw := new(MockGateway)
	svc := newDepositService(t, mockDB, gw, depositSettings())
	a := liveAuction()

	mockDB.On("GetAuctionByID", mock.Anything, a.AuctionID).Return(a, nil)
	mockDB.On("GetAuthorizedDeposit", mock.Anything, a.AuctionID, "bidder-1").Return(nil, sql.ErrNoRows)

	// 10% of the 200 start amount.
	gw.On("Authorize", mock.Anything, deposit.AuthorizeParams{
		AuctionID:      a.AuctionID,
		BidderID:       "bidder-1",
		Amount:         20,
		IdempotencyKey: deposit.AuthorizeKey(a.AuctionID, "bidder-1"),
	}).Return("pi_123", nil)
	mockDB.On("CreateDeposit", mock.Anything, mock.Anything).Return(nil)

	dep, err := svc.Authorize(context.Background(), a.AuctionID, "bidder-1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, dep.RequiredAmount)
	assert.Equal(t, models.DepositAuthorized, dep.Status)
	assert.Equal(t, "pi_123", dep.ProviderRef)

	mockDB.AssertExpectations(t)
	gw.AssertExpectations(t)
}

func TestAuthorize_RejectsSecondLiveHold(t *testing.T) {
	mockDB := new(MockDBLayer)
	gw := new(MockGateway)
	svc := newDepositService(t, mockDB, gw, depositSettings())
	a := liveAuction()

	existing := &models.Deposit{
		DepositID: "dep-1",
		AuctionID: a.AuctionID,
		BidderID:  "bidder-1",
		Status:    models.DepositAuthorized,
	}
	mockDB.On("GetAuctionByID", mock.Anything, a.AuctionID).Return(a, nil)
	mockDB.On("GetAuthorizedDeposit", mock.Anything, a.AuctionID, "bidder-1").Return(existing, nil)

	_, err := svc.Authorize(context.Background(), a.AuctionID, "bidder-1")
	require.Error(t, err)
	assert.True(t, auction.IsKind(err, auction.KindDepositAlreadyHeld))
	gw.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything)
}

func TestAuthorize_FailsClosedOnProviderError(t *testing.T) {
	mockDB := new(MockDBLayer)
	gw := new(MockGateway)
	svc := newDepositService(t, mockDB, gw, depositSettings())
	a := liveAuction()

	mockDB.On("GetAuctionByID", mock.Anything, a.AuctionID).Return(a, nil)
	mockDB.On("GetAuthorizedDeposit", mock.Anything, a.AuctionID, "bidder-1").Return(nil, sql.ErrNoRows)
	gw.On("Authorize", mock.Anything, mock.Anything).Return("", errors.New("card declined"))

	_, err := svc.Authorize(context.Background(), a.AuctionID, "bidder-1")
	require.Error(t, err)
	assert.True(t, auction.IsKind(err, auction.KindExternalProvider))

	// No deposit row exists for an unconfirmed hold.
	mockDB.AssertNotCalled(t, "CreateDeposit", mock.Anything, mock.Anything)
}

func TestAuthorize_ReleasesHoldOnConcurrentDuplicate(t *testing.T) {
	mockDB := new(MockDBLayer)
	gw := new(MockGateway)
	svc := newDepositService(t, mockDB, gw, depositSettings())
	a := liveAuction()

	mockDB.On("GetAuctionByID", mock.Anything, a.AuctionID).Return(a, nil)
	mockDB.On("GetAuthorizedDeposit", mock.Anything, a.AuctionID, "bidder-1").Return(nil, sql.ErrNoRows)
	gw.On("Authorize", mock.Anything, mock.Anything).Return("pi_dup", nil)

	// A concurrent authorization won the insert race.
	mockDB.On("CreateDeposit", mock.Anything, mock.Anything).Return(errors.New("UNIQUE constraint failed: deposits.auction_id"))
	gw.On("Cancel", mock.Anything, "pi_dup", mock.Anything).Return(nil)

	_, err := svc.Authorize(context.Background(), a.AuctionID, "bidder-1")
	require.Error(t, err)
	assert.True(t, auction.IsKind(err, auction.KindDepositAlreadyHeld))
	gw.AssertCalled(t, "Cancel", mock.Anything, "pi_dup", mock.Anything)
}

func TestAuthorize_TransientInsertFailureIsNotADuplicate(t *testing.T) {
	mockDB := new(MockDBLayer)
	gw := new(MockGateway)
	svc := newDepositService(t, mockDB, gw, depositSettings())
	a := liveAuction()

	mockDB.On("GetAuctionByID", mock.Anything, a.AuctionID).Return(a, nil)
	mockDB.On("GetAuthorizedDeposit", mock.Anything, a.AuctionID, "bidder-1").Return(nil, sql.ErrNoRows)
	gw.On("Authorize", mock.Anything, mock.Anything).Return("pi_tx", nil)

	// A transient store failure, not a constraint violation.
	mockDB.On("CreateDeposit", mock.Anything, mock.Anything).Return(errors.New("connection reset by peer"))
	gw.On("Cancel", mock.Anything, "pi_tx", mock.Anything).Return(nil)

	_, err := svc.Authorize(context.Background(), a.AuctionID, "bidder-1")
	require.Error(t, err)
	assert.False(t, auction.IsKind(err, auction.KindDepositAlreadyHeld))

	// The unrecorded hold is still released.
	gw.AssertCalled(t, "Cancel", mock.Anything, "pi_tx", mock.Anything)
}

func TestAuthorize_RejectsTerminalStatesAndSeller(t *testing.T) {
	mockDB := new(MockDBLayer)
	gw := new(MockGateway)
	svc := newDepositService(t, mockDB, gw, depositSettings())

	ended := liveAuction()
	ended.State = models.AuctionEnded
	mockDB.On("GetAuctionByID", mock.Anything, ended.AuctionID).Return(ended, nil)

	_, err := svc.Authorize(context.Background(), ended.AuctionID, "bidder-1")
	require.Error(t, err)
	assert.True(t, auction.IsKind(err, auction.KindAuctionNotActive))

	live := liveAuction()
	mockDB.On("GetAuctionByID", mock.Anything, live.AuctionID).Return(live, nil)

	_, err = svc.Authorize(context.Background(), live.AuctionID, live.SellerID)
	require.Error(t, err)
	assert.True(t, auction.IsKind(err, auction.KindSelfBidRejected))
}

func TestAuthorize_NoDepositConfigured(t *testing.T) {
	mockDB := new(MockDBLayer)
	gw := new(MockGateway)
	settings := depositSettings()
	settings.s.DepositRequired = false
	svc := newDepositService(t, mockDB, gw, settings)
	a := liveAuction()

	mockDB.On("GetAuctionByID", mock.Anything, a.AuctionID).Return(a, nil)

	_, err := svc.Authorize(context.Background(), a.AuctionID, "bidder-1")
	require.Error(t, err)
	assert.True(t, auction.IsKind(err, auction.KindDepositNotAuthorized))
}
