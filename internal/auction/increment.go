package auction

import (
	"ms-bidding/internal/config"
	"ms-bidding/internal/models"

	"github.com/shopspring/decimal"
)

// MinNextBid computes the lowest acceptable amount for the next bid.
// The first bid only has to meet the auction's start amount; after that the
// configured increment applies on top of the current highest bid. Percent
// results are rounded to the currency's minor unit (2 decimals), half up.
func MinNextBid(a *models.Auction) float64 {
	if !a.HasBids() {
		return a.StartAmount
	}

	highest := decimal.NewFromFloat(a.CurrentHighestAmount)
	increment := decimal.NewFromFloat(a.MinIncrementValue)

	var next decimal.Decimal
	switch a.MinIncrementStrategy {
	case models.IncrementPercent:
		next = highest.Mul(decimal.NewFromInt(1).Add(increment))
	default:
		next = highest.Add(increment)
	}

	f, _ := next.Round(2).Float64()
	return f
}

// meetsMinimum compares a candidate amount against the minimum using
// decimal arithmetic so float noise cannot admit an underbid.
func meetsMinimum(amount, minNext float64) bool {
	return decimal.NewFromFloat(amount).Cmp(decimal.NewFromFloat(minNext)) >= 0
}

// RequiredDeposit computes the hold a bidder must have before bidding:
// either a fixed amount or a percentage of the auction's start amount,
// rounded to the minor unit.
func RequiredDeposit(a *models.Auction, settings config.AuctionSettings) float64 {
	if !settings.DepositRequired {
		return 0
	}
	if settings.DepositIsPercent {
		f, _ := decimal.NewFromFloat(a.StartAmount).
			Mul(decimal.NewFromFloat(settings.DepositValue)).
			Round(2).
			Float64()
		return f
	}
	return settings.DepositValue
}
