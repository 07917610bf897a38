package deposit

import (
	"context"
	"fmt"
	"os"

	"ms-bidding/internal/logger"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// InitStripe initializes the Stripe API with the secret key.
func InitStripe() {
	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
}

// StripeGateway implements Gateway on top of Stripe payment intents with
// manual capture: an uncaptured intent is the authorization hold, capture
// applies it toward the won auction, cancel releases it.
type StripeGateway struct {
	Currency string
	Logger   *logger.Logger
}

func NewStripeGateway(currency string, log *logger.Logger) *StripeGateway {
	if currency == "" {
		currency = "usd"
	}
	return &StripeGateway{Currency: currency, Logger: log}
}

func (g *StripeGateway) Authorize(ctx context.Context, p AuthorizeParams) (string, error) {
	g.Logger.Info("DEPOSIT", fmt.Sprintf("Authorizing deposit hold of %.2f for bidder %s on auction %s", p.Amount, p.BidderID, p.AuctionID))

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minorUnits(p.Amount)),
		Currency:      stripe.String(g.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.IdempotencyKey)
	params.AddMetadata("auction_id", p.AuctionID)
	params.AddMetadata("bidder_id", p.BidderID)

	intent, err := paymentintent.New(params)
	if err != nil {
		g.Logger.Error("DEPOSIT", fmt.Sprintf("Failed to create deposit hold: %v", err))
		return "", err
	}

	g.Logger.Info("DEPOSIT", fmt.Sprintf("Created deposit hold %s for bidder %s", intent.ID, p.BidderID))
	return intent.ID, nil
}

func (g *StripeGateway) Capture(ctx context.Context, providerRef, idempotencyKey string) error {
	g.Logger.Info("DEPOSIT", fmt.Sprintf("Capturing deposit hold %s", providerRef))

	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	intent, err := paymentintent.Capture(providerRef, params)
	if err != nil {
		// A hold already captured by a previous settlement attempt is not
		// a failure; re-checking provider state keeps the call idempotent.
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			current, getErr := g.get(ctx, providerRef)
			if getErr == nil && current.Status == stripe.PaymentIntentStatusSucceeded {
				g.Logger.Info("DEPOSIT", fmt.Sprintf("Deposit hold %s already captured", providerRef))
				return nil
			}
		}
		g.Logger.Error("DEPOSIT", fmt.Sprintf("Failed to capture deposit hold %s: %v", providerRef, err))
		return err
	}

	g.Logger.Info("DEPOSIT", fmt.Sprintf("Captured deposit hold %s (status %s)", providerRef, intent.Status))
	return nil
}

func (g *StripeGateway) Cancel(ctx context.Context, providerRef, idempotencyKey string) error {
	g.Logger.Info("DEPOSIT", fmt.Sprintf("Releasing deposit hold %s", providerRef))

	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	_, err := paymentintent.Cancel(providerRef, params)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			current, getErr := g.get(ctx, providerRef)
			if getErr == nil && current.Status == stripe.PaymentIntentStatusCanceled {
				g.Logger.Info("DEPOSIT", fmt.Sprintf("Deposit hold %s already released", providerRef))
				return nil
			}
		}
		g.Logger.Error("DEPOSIT", fmt.Sprintf("Failed to release deposit hold %s: %v", providerRef, err))
		return fmt.Errorf("failed to cancel deposit hold: %w", err)
	}

	g.Logger.Info("DEPOSIT", fmt.Sprintf("Released deposit hold %s", providerRef))
	return nil
}

// minorUnits converts an amount to integer cents. Float truncation would
// undercut the hold (8.20 is stored as 819.999... and must charge 820, not
// 819), so the conversion rounds through decimal.
func minorUnits(amount float64) int64 {
	return decimal.NewFromFloat(amount).
		Mul(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

func (g *StripeGateway) get(ctx context.Context, providerRef string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	return paymentintent.Get(providerRef, params)
}
