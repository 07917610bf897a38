package db

import (
	"context"

	"ms-bidding/internal/models"

	"github.com/uptrace/bun"
)

// Migrate creates the engine's tables and the constraints the correctness
// properties lean on: the unique order per auction and the single
// authorized deposit per (auction, bidder) pair.
func Migrate(ctx context.Context, db *bun.DB) error {
	tables := []interface{}{
		(*models.Auction)(nil),
		(*models.Bid)(nil),
		(*models.Deposit)(nil),
		(*models.Order)(nil),
	}
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}

	if _, err := db.NewCreateIndex().
		Model((*models.Bid)(nil)).
		Index("bids_auction_sequence_uq").
		Unique().
		IfNotExists().
		Column("auction_id", "sequence_number").
		Exec(ctx); err != nil {
		return err
	}

	// Partial unique index: at most one live hold per bidder per auction.
	// Works on both Postgres and SQLite.
	if _, err := db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS deposits_one_authorized_uq
		 ON deposits (auction_id, bidder_id) WHERE status = 'authorized'`); err != nil {
		return err
	}

	if _, err := db.NewCreateIndex().
		Model((*models.Order)(nil)).
		Index("orders_auction_uq").
		Unique().
		IfNotExists().
		Column("auction_id").
		Exec(ctx); err != nil {
		return err
	}

	return nil
}
