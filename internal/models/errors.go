package models

import "errors"

// ErrorKind groups rejections so transports can map them without
// matching individual errors.
type ErrorKind string

const (
	KindAuthorization ErrorKind = "authorization"
	KindState         ErrorKind = "state"
	KindValue         ErrorKind = "value"
	KindAsset         ErrorKind = "asset"
	KindResource      ErrorKind = "resource"
)

// Error is a rejected operation. Rejections never leave partial state behind.
type Error struct {
	Kind ErrorKind
	Code string
	msg  string
}

func (e *Error) Error() string {
	return e.msg
}

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

// Authorization
var (
	ErrNotTitleHolder  = newError(KindAuthorization, "not_title_holder", "caller is not the current title holder")
	ErrNotPermitted    = newError(KindAuthorization, "not_permitted", "participant is not permitted to act")
	ErrNotAdmin        = newError(KindAuthorization, "not_admin", "admin access required")
	ErrNotCounterparty = newError(KindAuthorization, "not_counterparty", "caller is not the pending purchase counterparty")
	ErrHolderCannotBuy = newError(KindAuthorization, "holder_cannot_buy", "title holder cannot bid on or buy its own title")
)

// State
var (
	ErrAlreadyListed        = newError(KindState, "already_listed", "title is already listed by its current holder")
	ErrNotListed            = newError(KindState, "not_listed", "title has no listing under its current holder")
	ErrInvalidTransition    = newError(KindState, "invalid_transition", "operation is not valid for the listing status")
	ErrNoPendingPurchase    = newError(KindState, "no_pending_purchase", "listing has no pending purchase")
	ErrDeadlineNotReached   = newError(KindState, "deadline_not_reached", "pending purchase deadline has not passed")
	ErrDeadlinePassed       = newError(KindState, "deadline_passed", "pending purchase deadline has passed")
	ErrConfirmationRequired = newError(KindState, "confirmation_required", "listing requires a confirmation-gated purchase request")
	ErrConfirmationDisabled = newError(KindState, "confirmation_disabled", "listing has no confirmation window")
	ErrOperationHalted      = newError(KindState, "operation_halted", "operation is halted")
	ErrReentrantCall        = newError(KindState, "reentrant_call", "operation re-entered while another is in flight")
	ErrTransferInFlight     = newError(KindState, "transfer_in_flight", "an external transfer is outstanding, retry later")
)

// Value
var (
	ErrZeroAmount            = newError(KindValue, "zero_amount", "amount must be positive")
	ErrInsufficientPayment   = newError(KindValue, "insufficient_payment", "payment is below the required amount")
	ErrIncorrectPayment      = newError(KindValue, "incorrect_payment", "payment must equal the remaining amount exactly")
	ErrBidTooLow             = newError(KindValue, "bid_too_low", "bid is below the required minimum")
	ErrBidDecreaseNotAllowed = newError(KindValue, "bid_decrease_not_allowed", "bid amount cannot decrease")
	ErrBidUnchanged          = newError(KindValue, "bid_unchanged", "bid amount is unchanged")
	ErrAmountOverflow        = newError(KindValue, "amount_overflow", "amount exceeds the representable range")
	ErrUnknownOperation      = newError(KindValue, "unknown_operation", "unknown operation id")
	ErrInvalidAmount         = newError(KindValue, "invalid_amount", "amount must be a positive decimal integer")
)

// Asset
var (
	ErrAssetNotAccepted          = newError(KindAsset, "asset_not_accepted", "payment asset is not accepted")
	ErrAssetMismatch             = newError(KindAsset, "asset_mismatch", "payment asset does not match the listing")
	ErrAssetChangeWithActiveBids = newError(KindAsset, "asset_change_with_active_bids", "payment asset cannot change while bids are live")
)

// Resource
var (
	ErrNoActiveBid      = newError(KindResource, "no_active_bid", "bidder has no active bid")
	ErrBidOutOfBounds   = newError(KindResource, "bid_out_of_bounds", "bid index out of bounds")
	ErrNoPendingBalance = newError(KindResource, "no_pending_balance", "no pending balance to withdraw")
	ErrTitleNotFound    = newError(KindResource, "title_not_found", "title is not registered")
)

// KindOf returns the kind of a domain rejection, or "" for infrastructure errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the stable code of a domain rejection.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
