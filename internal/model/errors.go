package model

import "errors"

// Error taxonomy. Every engine failure wraps exactly one of these so callers
// can match with errors.Is.
var (
	ErrAlreadyExists         = errors.New("already exists")
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrLtvExceeded           = errors.New("ltv exceeded")
	ErrOverRepay             = errors.New("repay exceeds outstanding debt")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrTooEarly              = errors.New("too early")
	ErrExpired               = errors.New("request expired")
	ErrPriceOutOfBounds      = errors.New("price out of bounds")
	ErrAlreadyResolved       = errors.New("request already resolved")
)

// Retryable reports whether err is one of the expected, repeatable execute
// states: the executor may call again later with a fresh quote.
func Retryable(err error) bool {
	return errors.Is(err, ErrTooEarly) || errors.Is(err, ErrPriceOutOfBounds)
}
