package auction

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindAuctionNotActive     ErrorKind = "auction_not_active"
	KindSelfBidRejected      ErrorKind = "self_bid_rejected"
	KindDepositNotAuthorized ErrorKind = "deposit_not_authorized"
	KindDepositAlreadyHeld   ErrorKind = "deposit_already_held"
	KindBidTooLow            ErrorKind = "bid_too_low"
	KindConcurrentConflict   ErrorKind = "concurrent_conflict"
	KindNotFound             ErrorKind = "not_found"
	KindExternalProvider     ErrorKind = "external_provider_error"
	KindAlreadySettled       ErrorKind = "already_settled"
)

// Error carries the rejection kind plus enough structured detail for the
// caller to explain it without a second round-trip.
type Error struct {
	Kind           ErrorKind `json:"kind"`
	Message        string    `json:"message"`
	MinNextBid     float64   `json:"min_next_bid,omitempty"`
	CurrentHighest float64   `json:"current_highest,omitempty"`
	DepositStatus  string    `json:"deposit_status,omitempty"`
	Err            error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, or empty string for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
