package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"ms-bidding/internal/models"

	"github.com/uptrace/bun"
)

// ErrVersionConflict is returned when a conditional write misses because
// another writer bumped the auction's version first.
var ErrVersionConflict = errors.New("auction version conflict")

// ErrDuplicateOrder is returned when an order already exists for the
// auction; the unique constraint on auction_id is the settlement backstop.
var ErrDuplicateOrder = errors.New("order already exists for auction")

type DB struct {
	Bun *bun.DB
}

// ---------------- AUCTIONS ----------------

func (d *DB) CreateAuction(ctx context.Context, auction *models.Auction) error {
	_, err := d.Bun.NewInsert().Model(auction).Exec(ctx)
	return err
}

func (d *DB) GetAuctionByID(ctx context.Context, id string) (*models.Auction, error) {
	var auction models.Auction
	err := d.Bun.NewSelect().
		Model(&auction).
		Where("auction_id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &auction, nil
}

// UpdateAuctionStateCAS moves an auction from one state to another only if
// nobody else touched the row since it was read. Returns ErrVersionConflict
// on a miss so the caller can re-read and re-evaluate.
func (d *DB) UpdateAuctionStateCAS(ctx context.Context, auctionID string, from, to models.AuctionState, expectedVersion int64) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.Auction)(nil)).
		Set("state = ?", to).
		Set("version = version + 1").
		Where("auction_id = ?", auctionID).
		Where("state = ?", from).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// ---------------- BID ADMISSION ----------------

// CommitBid performs the single atomic write of bid admission: the auction's
// highest bid, end time and version move together with the ledger append, in
// one transaction guarded by the version the caller validated against. The
// bid's sequence number is assigned here; the version guard guarantees only
// one writer per version reaches the insert, so MAX+1 cannot race.
func (d *DB) CommitBid(ctx context.Context, auction *models.Auction, expectedVersion int64, bid *models.Bid) error {
	return d.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.Auction)(nil)).
			Set("current_highest_bid_id = ?", bid.BidID).
			Set("current_highest_amount = ?", bid.Amount).
			Set("end_at = ?", auction.EndAt).
			Set("state = ?", models.AuctionActive).
			Set("version = version + 1").
			Where("auction_id = ?", auction.AuctionID).
			Where("version = ?", expectedVersion).
			Exec(ctx)
		if err != nil {
			return err
		}
		if err := requireOneRow(res); err != nil {
			return err
		}

		var maxSeq int64
		err = tx.NewSelect().
			ColumnExpr("COALESCE(MAX(sequence_number), 0)").
			Table("bids").
			Where("auction_id = ?", auction.AuctionID).
			Scan(ctx, &maxSeq)
		if err != nil {
			return err
		}
		bid.SequenceNumber = maxSeq + 1

		_, err = tx.NewInsert().Model(bid).Exec(ctx)
		return err
	})
}

// ---------------- BID LEDGER ----------------

func (d *DB) GetBidsByAuction(ctx context.Context, auctionID string) ([]models.Bid, error) {
	var bids []models.Bid
	err := d.Bun.NewSelect().
		Model(&bids).
		Where("auction_id = ?", auctionID).
		Order("sequence_number ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return bids, nil
}

func (d *DB) GetBidByID(ctx context.Context, bidID string) (*models.Bid, error) {
	var bid models.Bid
	err := d.Bun.NewSelect().
		Model(&bid).
		Where("bid_id = ?", bidID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &bid, nil
}

// ---------------- DEPOSITS ----------------

func (d *DB) CreateDeposit(ctx context.Context, deposit *models.Deposit) error {
	_, err := d.Bun.NewInsert().Model(deposit).Exec(ctx)
	return err
}

// GetAuthorizedDeposit returns the bidder's live deposit hold for the
// auction, or sql.ErrNoRows when none is authorized.
func (d *DB) GetAuthorizedDeposit(ctx context.Context, auctionID, bidderID string) (*models.Deposit, error) {
	var deposit models.Deposit
	err := d.Bun.NewSelect().
		Model(&deposit).
		Where("auction_id = ?", auctionID).
		Where("bidder_id = ?", bidderID).
		Where("status = ?", models.DepositAuthorized).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &deposit, nil
}

func (d *DB) GetDepositByID(ctx context.Context, depositID string) (*models.Deposit, error) {
	var deposit models.Deposit
	err := d.Bun.NewSelect().
		Model(&deposit).
		Where("deposit_id = ?", depositID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &deposit, nil
}

func (d *DB) GetDepositsByAuction(ctx context.Context, auctionID string) ([]models.Deposit, error) {
	var deposits []models.Deposit
	err := d.Bun.NewSelect().
		Model(&deposits).
		Where("auction_id = ?", auctionID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return deposits, nil
}

// UpdateDepositStatusCAS transitions a deposit only out of the expected
// status, so a settlement retry that already captured or cancelled the hold
// sees zero rows and knows the work is done.
func (d *DB) UpdateDepositStatusCAS(ctx context.Context, depositID string, from, to models.DepositStatus) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Deposit)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", time.Now().UTC()).
		Where("deposit_id = ?", depositID).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ---------------- ORDERS ----------------

func (d *DB) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := d.Bun.NewInsert().Model(order).Exec(ctx)
	if err != nil && IsUniqueViolation(err) {
		return ErrDuplicateOrder
	}
	return err
}

func (d *DB) GetOrderByAuction(ctx context.Context, auctionID string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("auction_id = ?", auctionID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ---------------- SETTLEMENT SWEEP ----------------

// GetSettleableAuctions lists auctions the sweep should visit: anything
// past its deadline that has not reached a terminal state, plus terminal
// auctions still holding an authorized deposit (a disposition that failed
// earlier and must be retried until resolved). Scheduled auctions that
// expired without ever activating settle as no-winner like any other empty
// auction.
func (d *DB) GetSettleableAuctions(ctx context.Context, now time.Time, limit int) ([]models.Auction, error) {
	var auctions []models.Auction
	err := d.Bun.NewSelect().
		Model(&auctions).
		WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("state IN (?) AND end_at <= ?", bun.In([]models.AuctionState{models.AuctionScheduled, models.AuctionActive}), now).
				WhereOr("state IN (?) AND EXISTS (SELECT 1 FROM deposits d WHERE d.auction_id = auction.auction_id AND d.status = ?)",
					bun.In([]models.AuctionState{models.AuctionEnded, models.AuctionSettled, models.AuctionCancelled}), models.DepositAuthorized)
		}).
		Order("end_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return auctions, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// IsUniqueViolation matches unique constraint errors across the Postgres
// and SQLite drivers, which expose no shared typed error for it.
func IsUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
