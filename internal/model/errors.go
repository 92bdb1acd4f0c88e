package model

import "errors"

// Error kinds reported by engine operations. Callers wrap them with context
// and match with errors.Is.
var (
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotOwner          = errors.New("not owner")
	ErrBuildNotAllowed   = errors.New("build not allowed")
	ErrTradeStale        = errors.New("trade stale")
	ErrAuctionClosed     = errors.New("auction closed")
	ErrBidTooLow         = errors.New("bid too low")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
)
