package settlement

import (
	"context"
	"fmt"
	"time"
)

// Sweeper periodically settles every eligible auction. Sweeps are
// re-entrant: each auction settles under its own lock, and a sweep can be
// cancelled between auctions but never interrupts one mid-settlement.
type Sweeper struct {
	Service  *Service
	Interval time.Duration
	Batch    int
}

func NewSweeper(service *Service, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Sweeper{Service: service, Interval: interval, Batch: batch}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce settles every auction currently eligible. Failures are logged
// and left for the next sweep; one stuck auction never starves the rest.
func (w *Sweeper) SweepOnce(ctx context.Context) {
	s := w.Service
	now := s.Clock().UTC()

	auctions, err := s.DB.GetSettleableAuctions(ctx, now, w.Batch)
	if err != nil {
		s.logger.Error("SETTLEMENT", fmt.Sprintf("Sweep query failed: %v", err))
		return
	}
	if len(auctions) == 0 {
		return
	}

	s.logger.LogSettlement("SWEEP", "batch", fmt.Sprintf("%d auction(s) eligible", len(auctions)))

	for _, a := range auctions {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.SettleAuction(ctx, a.AuctionID); err != nil {
			// Surfaced every sweep until resolved; a persistent failure
			// here is the stuck-settlement alert.
			s.logger.Error("SETTLEMENT", fmt.Sprintf("Auction %s failed to settle, will retry: %v", a.AuctionID, err))
		}
	}
}
