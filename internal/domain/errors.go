package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrLockHeld     = errors.New("lock already held")
	ErrInvalidRange = errors.New("invalid time range")

	// ErrInvalidInstruction is wrapped by every rejected queue instruction.
	ErrInvalidInstruction = errors.New("invalid rebalance instruction")
	ErrMissingMarket      = errors.New("both markets must be selected")
	ErrSameMarket         = errors.New("source and destination markets must differ")
	ErrNonPositiveAmount  = errors.New("amount must be greater than zero")
	ErrExceedsAvailable   = errors.New("amount exceeds available balance")
	ErrAssetMismatch      = errors.New("markets do not share the loan asset")
)
