// Package model defines the core domain types shared across the margin engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits kept on stored amounts,
// shares and interest. Mint, redeem and accrual maths truncate to it.
const AmountScale int32 = 8

// Direction is the side of a leveraged position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// ParseDirection accepts "long"/"short" in any case as well as the
// boolean-style "true"/"false" used by isLong query parameters.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "LONG", "long", "Long", "true":
		return Long, nil
	case "SHORT", "short", "Short", "false":
		return Short, nil
	}
	return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidAmount, s)
}

// Controller is the per-account position controller. It owns the account's
// collateral, positions and pending requests. Created once by the registry
// and never destroyed.
type Controller struct {
	ID              string          `json:"id"`
	Account         string          `json:"account"`
	Collateral      decimal.Decimal `json:"collateral"` // free collateral
	Reserved        decimal.Decimal `json:"reserved"`   // held for pending requests
	MinExecutionFee decimal.Decimal `json:"min_execution_fee"`
	NextSequence    int64           `json:"next_sequence"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Balance is free plus reserved collateral: everything the account still owns
// outside its open positions.
func (c *Controller) Balance() decimal.Decimal {
	return c.Collateral.Add(c.Reserved)
}

// PositionKey identifies one position of an account.
type PositionKey struct {
	Account    string    `json:"account"`
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Account, k.Instrument, k.Direction)
}

// Position is an open leveraged position on the venue. Size is notional in
// the stablecoin unit. Only the settlement execute step mutates it.
type Position struct {
	Account          string          `json:"account"`
	Instrument       string          `json:"instrument"`
	Direction        Direction       `json:"direction"`
	Size             decimal.Decimal `json:"size"`
	Collateral       decimal.Decimal `json:"collateral"`
	AveragePrice     decimal.Decimal `json:"average_price"`
	EntryFundingRate decimal.Decimal `json:"entry_funding_rate"`
	LastIncreasedAt  time.Time       `json:"last_increased_at"`
}

// Key returns the position's identity.
func (p *Position) Key() PositionKey {
	return PositionKey{Account: p.Account, Instrument: p.Instrument, Direction: p.Direction}
}

// Loan is an account's outstanding debt to the liquidity pool.
type Loan struct {
	Account         string          `json:"account"`
	Principal       decimal.Decimal `json:"principal"`
	PendingInterest decimal.Decimal `json:"pending_interest"`
	AccruedAt       time.Time       `json:"accrued_at"`
}

// Debt is principal plus accrued-but-unpaid interest.
func (l *Loan) Debt() decimal.Decimal {
	return l.Principal.Add(l.PendingInterest)
}

// Pool is the singleton stablecoin liquidity pool.
type Pool struct {
	Reserve          decimal.Decimal `json:"reserve"`
	TotalShares      decimal.Decimal `json:"total_shares"`
	OutstandingLoans decimal.Decimal `json:"outstanding_loans"`
}

// NAV is the pool's net asset value: cash on hand plus principal lent out.
func (p *Pool) NAV() decimal.Decimal {
	return p.Reserve.Add(p.OutstandingLoans)
}

// LiquidityProvider is one holder's share balance in the pool.
type LiquidityProvider struct {
	Provider string          `json:"provider"`
	Shares   decimal.Decimal `json:"shares"`
}

// RequestKind distinguishes increase from decrease requests.
type RequestKind string

const (
	Increase RequestKind = "INCREASE"
	Decrease RequestKind = "DECREASE"
)

// RequestStatus is the lifecycle state of a pending position request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusExecuted  RequestStatus = "EXECUTED"
	StatusExpired   RequestStatus = "EXPIRED"
	StatusCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusExpired || s == StatusCancelled
}

// RequestKey identifies a request: the owning account and its per-account
// sequence number.
type RequestKey struct {
	Account  string `json:"account"`
	Sequence int64  `json:"sequence"`
}

func (k RequestKey) String() string {
	return fmt.Sprintf("%s:%d", k.Account, k.Sequence)
}

// Request is a queued position change awaiting execution.
type Request struct {
	Key             RequestKey      `json:"key"`
	Kind            RequestKind     `json:"kind"`
	Instrument      string          `json:"instrument"`
	Direction       Direction       `json:"direction"`
	CollateralDelta decimal.Decimal `json:"collateral_delta"`
	SizeDelta       decimal.Decimal `json:"size_delta"`
	AcceptablePrice decimal.Decimal `json:"acceptable_price"`
	ExecutionFee    decimal.Decimal `json:"execution_fee"`
	Status          RequestStatus   `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      time.Time       `json:"resolved_at,omitempty"`
	ExecutedPrice   decimal.Decimal `json:"executed_price"`
	Payout          decimal.Decimal `json:"payout"` // collateral credited back on decrease
}

// Reservation is the amount held from free collateral while the request is
// pending.
func (r *Request) Reservation() decimal.Decimal {
	if r.Kind == Increase {
		return r.CollateralDelta.Add(r.ExecutionFee)
	}
	return r.ExecutionFee
}

// PositionKey returns the key of the position the request targets.
func (r *Request) PositionKey() PositionKey {
	return PositionKey{Account: r.Key.Account, Instrument: r.Instrument, Direction: r.Direction}
}
