package auction

import (
	"time"

	"ms-bidding/internal/models"
)

// ExtendForSoftClose returns the auction's end time after applying the
// soft-close rule for a bid accepted at now: a bid landing inside the
// soft-close window resets the deadline to a full fresh window. The result
// never precedes the current end time, and extended reports whether the
// deadline actually moved. There is no cap on how many times an auction can
// be extended; a sustained stream of qualifying bids keeps it open.
func ExtendForSoftClose(a *models.Auction, now time.Time) (endAt time.Time, extended bool) {
	if a.SoftCloseSeconds <= 0 {
		return a.EndAt, false
	}
	window := time.Duration(a.SoftCloseSeconds) * time.Second
	if a.EndAt.Sub(now) > window {
		return a.EndAt, false
	}
	return now.Add(window), true
}
