package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ms-bidding/internal/auction"
	"ms-bidding/internal/config"
	"ms-bidding/internal/deposit"
	"ms-bidding/internal/logger"
	"ms-bidding/internal/models"
	"ms-bidding/internal/settlement"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock implementations

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

func (m *MockDBLayer) UpdateAuctionStateCAS(ctx context.Context, auctionID string, from, to models.AuctionState, expectedVersion int64) error {
	args := m.Called(ctx, auctionID, from, to, expectedVersion)
	return args.Error(0)
}

func (m *MockDBLayer) GetBidsByAuction(ctx context.Context, auctionID string) ([]models.Bid, error) {
	args := m.Called(ctx, auctionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Bid), args.Error(1)
}

func (m *MockDBLayer) GetDepositsByAuction(ctx context.Context, auctionID string) ([]models.Deposit, error) {
	args := m.Called(ctx, auctionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Deposit), args.Error(1)
}

func (m *MockDBLayer) UpdateDepositStatusCAS(ctx context.Context, depositID string, from, to models.DepositStatus) (bool, error) {
	args := m.Called(ctx, depositID, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *MockDBLayer) CreateOrder(ctx context.Context, order *models.Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockDBLayer) GetOrderByAuction(ctx context.Context, auctionID string) (*models.Order, error) {
	args := m.Called(ctx, auctionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockDBLayer) GetSettleableAuctions(ctx context.Context, now time.Time, limit int) ([]models.Auction, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Auction), args.Error(1)
}

type MockLock struct {
	mock.Mock
}

func (m *MockLock) LockSettlement(ctx context.Context, auctionID, attemptID string) (bool, error) {
	args := m.Called(ctx, auctionID, attemptID)
	return args.Bool(0), args.Error(1)
}

func (m *MockLock) UnlockSettlement(ctx context.Context, auctionID, attemptID string) error {
	args := m.Called(ctx, auctionID, attemptID)
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

type MockEvents struct {
	mock.Mock
}

func (m *MockEvents) PublishAuctionSettled(ctx context.Context, ev models.AuctionSettledEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockEvents) PublishAuctionWon(ctx context.Context, ev models.AuctionWonEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockEvents) PublishNoWinner(ctx context.Context, ev models.NoWinnerEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

type staticSettings struct{}

func (staticSettings) AuctionSettings() (config.AuctionSettings, error) {
	return config.AuctionSettings{
		MinIncrementStrategy: "fixed",
		MinIncrementValue:    5,
		SoftCloseSeconds:     120,
		DepositRequired:      true,
		DepositIsPercent:     true,
		DepositValue:         0.10,
		PlatformFeePercent:   0.05,
	}, nil
}

type fixture struct {
	db      *MockDBLayer
	lock    *MockLock
	gateway *MockGateway
	events  *MockEvents
	svc     *settlement.Service
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:      new(MockDBLayer),
		lock:    new(MockLock),
		gateway: new(MockGateway),
		events:  new(MockEvents),
		now:     time.Now().UTC(),
	}
	log := logger.NewLogger()
	t.Cleanup(log.Close)
	f.svc = settlement.NewService(f.db, f.lock, f.gateway, f.events, staticSettings{}, log)
	f.svc.Clock = func() time.Time { return f.now }
	return f
}

func (f *fixture) lockGranted(auctionID string) {
	f.lock.On("LockSettlement", mock.Anything, auctionID, mock.Anything).Return(true, nil)
	f.lock.On("UnlockSettlement", mock.Anything, auctionID, mock.Anything).Return(nil)
}

func endedAuction(now time.Time) *models.Auction {
	return &models.Auction{
		AuctionID:            uuid.NewString(),
		ListingID:            "listing-1",
		SellerID:             "seller-1",
		StartAt:              now.Add(-24 * time.Hour),
		EndAt:                now.Add(-time.Minute),
		StartAmount:          100,
		MinIncrementStrategy: models.IncrementFixed,
		MinIncrementValue:    5,
		SoftCloseSeconds:     120,
		State:                models.AuctionActive,
		Version:              4,
	}
}

func TestSettleAuction_WinnerCaptureAndOrder(t *testing.T) {
	f := newFixture(t)
	a := endedAuction(f.now)
	f.lockGranted(a.AuctionID)

	bids := []models.Bid{
		{BidID: "bid-1", AuctionID: a.AuctionID, BidderID: "alice", Amount: 100, SequenceNumber: 1},
		{BidID: "bid-2", AuctionID: a.AuctionID, BidderID: "bob", Amount: 120, SequenceNumber: 2},
	}
	deposits := []models.Deposit{
		{DepositID: "dep-alice", AuctionID: a.AuctionID, BidderID: "alice", RequiredAmount: 10, Status: models.DepositAuthorized, ProviderRef: "pi_alice"},
		{DepositID: "dep-bob", AuctionID: a.AuctionID, BidderID: "bob", RequiredAmount: 10, Status: models.DepositAuthorized, ProviderRef: "pi_bob"},
	}

	f.db.On("GetAuctionByID", mock.Anything, a.AuctionID).Return(a, nil)
	f.db.On("GetBidsByAuction", mock.Anything, a.AuctionID).Return(bids, nil)
	f.db.On("GetDepositsByAuction", mock.Anything, a.AuctionID).Return(deposits, nil)

	captureKey := deposit.SettlementKey(a.AuctionID, "dep-bob", "capture")
	cancelKey := deposit.SettlementKey(a.AuctionID, "dep-alice", "cancel")
	f.gateway.On("Capture", mock.Anything, "pi_bob", captureKey).Return(nil)
	f.gateway.On("Cancel", mock.Anything, "pi_alice", cancelKey).Return(nil)

	f.db.On("UpdateDepositStatusCAS", mock.Anything, "dep-bob", models.DepositAuthorized, models.DepositCaptured).Return(true, nil)
	f.db.On("UpdateDepositStatusCAS", mock.Anything, "dep-alice", models.DepositAuthorized, models.DepositCancelled).Return(true, nil)
	f.db.On("CreateOrder", mock.Anything, mock.Anything).Return(nil)
	f.db.On("UpdateAuctionStateCAS", mock.Anything, a.AuctionID, models.AuctionActive, models.AuctionSettled, int64(4)).Return(nil)

	f.events.On("PublishAuctionSettled", mock.Anything, mock.Anything).Return(nil)
	f.events.On("PublishAuctionWon", mock.Anything, mock.Anything).Return(nil)

	res, err := f.svc.SettleAuction(context.Background(), a.AuctionID)
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.Equal(t, "bob", res.Order.WinnerID)
	assert.Equal(t, "bid-2", res.Order.WinningBidID)
	assert.Equal(t, 120.0, res.Order.TotalAmount)
	assert.Equal(t, 10.0, res.Order.DepositCredited)
	assert.Equal(t, 6.0, res.Order.PlatformFee)

	f.db.AssertExpectations(t)
	f.gateway.AssertExpectations(t)
}

func TestSettleAuction_TieBreaksOnEarliestSequence(t *testing.T) {
	bids := []models.Bid{
		{BidID: "bid-1", BidderID: "alice", Amount: 100, SequenceNumber: 1},
		{BidID: "bid-2", BidderID: "bob", Amount: 150, SequenceNumber: 2},
		{BidID: "bid-3", BidderID: "carol", Amount: 150, SequenceNumber: 3},
	}
	w := settlement.PickWinner(bids)
	assert.Equal(t, "bid-2", w.BidID)
}

func TestSettleAuction_NoBids(t *testing.T) {
	f := newFixture(t)
	a := endedAuction(f.now)
	f.lockGranted(a.AuctionID)

	f.db.On("GetAuctionByID", mock.Anything, a.AuctionID).Return(a, nil)
	f.db.On("GetBidsByAuction", mock.Anything, a.AuctionID).Return([]models.Bid{}, nil)
	f.db.On("GetDepositsByAuction", mock.Anything, a.AuctionID).Return([]models.Deposit{}, nil)
	f.db.On("UpdateAuctionStateCAS", mock.Anything, a.AuctionID, models.AuctionActive, models.AuctionEnded, int64(4)).Return(nil)

	f.events.On("PublishNoWinner", mock.Anything, mock.Anything).Return(nil)
	f.events.On("PublishAuctionSettled", mock.Anything, mock.Anything).Return(nil)

	res, err := f.svc.SettleAuction(context.Background(), a.AuctionID)
	require.NoError(t, err)
	assert.True(t, res.NoWinner)
	assert.Nil(t, res.Order)
	f.db.AssertExpectations(t)
}

func TestSettleAuction_IdempotentOnSettled(t *testing.T) {
	f := newFixture(t)
	a := endedAuction(f.now)
	a.State = models.AuctionSettled
	f.lockGranted(a.AuctionID)

	existing := &models.Order{
		OrderID:   "order-1",
		AuctionID: a.AuctionID,
		WinnerID:  "bob",
	}

	f.db.On("GetAuctionByID", mock.Anything, a.AuctionID).Return(a, nil)
	f.db.On("GetOrderByAuction", mock.Anything, a.AuctionID).Return(existing, nil)
	f.db.On("GetDepositsByAuction", mock.Anything, a.AuctionID).Return([]models.Deposit{
		{DepositID: "dep-bob", AuctionID: a.AuctionID, BidderID: "bob", Status: models.DepositCaptured},
	}, nil)

	res, err := f.svc.SettleAuction(context.Background(), a.AuctionID)
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.Equal(t, "order-1", res.Order.OrderID)

	// No new order, no provider calls, no state change.
	f.db.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
	f.gateway.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything, mock.Anything)
	f.db.AssertNotCalled(t, "UpdateAuctionStateCAS", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSettleAuction_SkippedWhenLockHeld(t *testing.T) {
	f := newFixture(t)

	f.lock.On("LockSettlement", mock.Anything, "auction-1", mock.Anything).Return(false, nil)

	res, err := f.svc.SettleAuction(context.Background(), "auction-1")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	f.db.AssertNotCalled(t, "GetAuctionByID", mock.Anything, mock.Anything)
	f.lock.AssertNotCalled(t, "UnlockSettlement", mock.Anything, mock.Anything, mock.Anything)
}

func TestSettleAuction_NotYetEnded(t *testing.T) {
	f := newFixture(t)
	a := endedAuction(f.now)
	a.EndAt = f.now.Add(time.Hour)
	f.lockGranted(a.AuctionID)

	f.db.On("GetAuctionByID", mock.Anything, a.AuctionID).Return(a, nil)

	_, err := f.svc.SettleAuction(context.Background(), a.AuctionID)
	require.Error(t, err)
	assert.True(t, auction.IsKind(err, auction.KindAuctionNotActive))
}

func TestSettleAuction_CancelledIsDisposeOnly(t *testing.T) {
	f := newFixture(t)
	a := endedAuction(f.now)
	a.State = models.AuctionCancelled
	f.lockGranted(a.AuctionID)

	deposits := []models.Deposit{
		{DepositID: "dep-alice", AuctionID: a.AuctionID, BidderID: "alice", Status: models.DepositAuthorized, ProviderRef: "pi_alice"},
		{DepositID: "dep-bob", AuctionID: a.AuctionID, BidderID: "bob", Status: models.DepositCancelled, ProviderRef: "pi_bob"},
	}

	f.db.On("GetAuctionByID", mock.Anything, a.AuctionID).Return(a, nil)
	f.db.On("GetDepositsByAuction", mock.Anything, a.AuctionID).Return(deposits, nil)
	f.gateway.On("Cancel", mock.Anything, "pi_alice", mock.Anything).Return(nil)
	f.db.On("UpdateDepositStatusCAS", mock.Anything, "dep-alice", models.DepositAuthorized, models.DepositCancelled).Return(true, nil)

	res, err := f.svc.SettleAuction(context.Background(), a.AuctionID)
	require.NoError(t, err)
	assert.True(t, res.NoWinner)

	// Only the still-authorized hold is touched; no order is created.
	f.gateway.AssertNumberOfCalls(t, "Cancel", 1)
	f.db.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
}

func TestSettleAuction_WinnerCaptureFailureBlocksSettlement(t *testing.T) {
	f := newFixture(t)
	a := endedAuction(f.now)
	f.lockGranted(a.AuctionID)

	bids := []models.Bid{
		{BidID: "bid-1", AuctionID: a.AuctionID, BidderID: "bob", Amount: 120, SequenceNumber: 1},
	}
	deposits := []models.Deposit{
		{DepositID: "dep-bob", AuctionID: a.AuctionID, BidderID: "bob", RequiredAmount: 10, Status: models.DepositAuthorized, ProviderRef: "pi_bob"},
	}

	f.db.On("GetAuctionByID", mock.Anything, a.AuctionID).Return(a, nil)
	f.db.On("GetBidsByAuction", mock.Anything, a.AuctionID).Return(bids, nil)
	f.db.On("GetDepositsByAuction", mock.Anything, a.AuctionID).Return(deposits, nil)
	f.gateway.On("Capture", mock.Anything, "pi_bob", mock.Anything).Return(errors.New("provider down"))

	_, err := f.svc.SettleAuction(context.Background(), a.AuctionID)
	require.Error(t, err)
	assert.True(t, auction.IsKind(err, auction.KindExternalProvider))

	// The auction stays retryable: nothing was written.
	f.db.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
	f.db.AssertNotCalled(t, "UpdateAuctionStateCAS", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSettleAuction_LoserReleaseFailureDoesNotBlockOrder(t *testing.T) {
	f := newFixture(t)
	a := endedAuction(f.now)
	f.lockGranted(a.AuctionID)

	bids := []models.Bid{
		{BidID: "bid-1", AuctionID: a.AuctionID, BidderID: "alice", Amount: 100, SequenceNumber: 1},
		{BidID: "bid-2", AuctionID: a.AuctionID, BidderID: "bob", Amount: 120, SequenceNumber: 2},
	}
	deposits := []models.Deposit{
		{DepositID: "dep-alice", AuctionID: a.AuctionID, BidderID: "alice", RequiredAmount: 10, Status: models.DepositAuthorized, ProviderRef: "pi_alice"},
		{DepositID: "dep-bob", AuctionID: a.AuctionID, BidderID: "bob", RequiredAmount: 10, Status: models.DepositAuthorized, ProviderRef: "pi_bob"},
	}

	f.db.On("GetAuctionByID", mock.Anything, a.AuctionID).Return(a, nil)
	f.db.On("GetBidsByAuction", mock.Anything, a.AuctionID).Return(bids, nil)
	f.db.On("GetDepositsByAuction", mock.Anything, a.AuctionID).Return(deposits, nil)
	f.gateway.On("Capture", mock.Anything, "pi_bob", mock.Anything).Return(nil)
	f.gateway.On("Cancel", mock.Anything, "pi_alice", mock.Anything).Return(errors.New("provider down"))
	f.db.On("UpdateDepositStatusCAS", mock.Anything, "dep-bob", models.DepositAuthorized, models.DepositCaptured).Return(true, nil)
	f.db.On("CreateOrder", mock.Anything, mock.Anything).Return(nil)
	f.db.On("UpdateAuctionStateCAS", mock.Anything, a.AuctionID, models.AuctionActive, models.AuctionSettled, int64(4)).Return(nil)
	f.events.On("PublishAuctionSettled", mock.Anything, mock.Anything).Return(nil)
	f.events.On("PublishAuctionWon", mock.Anything, mock.Anything).Return(nil)

	res, err := f.svc.SettleAuction(context.Background(), a.AuctionID)
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.Equal(t, "bob", res.Order.WinnerID)
}

func TestSweepOnce_VisitsSettleableAuctions(t *testing.T) {
	f := newFixture(t)

	due := []models.Auction{*endedAuction(f.now), *endedAuction(f.now)}
	f.db.On("GetSettleableAuctions", mock.Anything, mock.Anything, 50).Return(due, nil)

	// Both auctions are locked elsewhere; the sweep still visits each one
	// and moves on without error.
	f.lock.On("LockSettlement", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	sweeper := settlement.NewSweeper(f.svc, 0, 50)
	sweeper.SweepOnce(context.Background())
	f.lock.AssertNumberOfCalls(t, "LockSettlement", 2)
}
