// Package settlement holds the request/execute state machine and the
// position arithmetic applied when a request executes.
//
// Everything here is pure: the engine loads the request and position,
// calls into this package, and commits whatever comes back.
package settlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/model"
	"github.com/kuru/margin-engine/internal/valuation"
)

// transitions lists every legal status change. Anything absent is illegal.
var transitions = map[model.RequestStatus][]model.RequestStatus{
	model.StatusPending: {model.StatusExecuted, model.StatusExpired, model.StatusCancelled},
}

// Transition validates moving r from its current status to next and returns
// the updated request. A request already in a terminal state fails with
// ErrAlreadyResolved.
func Transition(r model.Request, next model.RequestStatus, now time.Time) (model.Request, error) {
	for _, allowed := range transitions[r.Status] {
		if allowed == next {
			r.Status = next
			r.ResolvedAt = now
			return r, nil
		}
	}
	return r, fmt.Errorf("%w: %s is %s, cannot move to %s", model.ErrAlreadyResolved, r.Key, r.Status, next)
}

// Window is the execution window relative to a request's creation time.
type Window struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Check reports whether r may execute at now: ErrTooEarly before MinDelay,
// ErrExpired after MaxDelay, nil inside the window (both ends inclusive).
func (w Window) Check(r model.Request, now time.Time) error {
	age := now.Sub(r.CreatedAt)
	if age < w.MinDelay {
		return fmt.Errorf("%w: %s is %s old, min delay %s", model.ErrTooEarly, r.Key, age, w.MinDelay)
	}
	if age > w.MaxDelay {
		return fmt.Errorf("%w: %s is %s old, max delay %s", model.ErrExpired, r.Key, age, w.MaxDelay)
	}
	return nil
}

// Expired reports whether r is past its deadline at now.
func (w Window) Expired(r model.Request, now time.Time) bool {
	return now.Sub(r.CreatedAt) > w.MaxDelay
}

// CapsAbove reports whether the acceptable price is an upper bound on the
// executed price. True when the requester is buying index exposure: opening
// or growing a long, or closing a short.
func CapsAbove(kind model.RequestKind, dir model.Direction) bool {
	return (kind == model.Increase) == (dir == model.Long)
}

// CheckPrice compares an executor quote with the request's acceptable price.
//
//	increase long,  decrease short: price ≤ acceptable
//	increase short, decrease long:  price ≥ acceptable
func CheckPrice(r model.Request, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: quote %s must be positive", model.ErrPriceOutOfBounds, price)
	}
	if CapsAbove(r.Kind, r.Direction) {
		if price.GreaterThan(r.AcceptablePrice) {
			return fmt.Errorf("%w: %s above acceptable %s", model.ErrPriceOutOfBounds, price, r.AcceptablePrice)
		}
		return nil
	}
	if price.LessThan(r.AcceptablePrice) {
		return fmt.Errorf("%w: %s below acceptable %s", model.ErrPriceOutOfBounds, price, r.AcceptablePrice)
	}
	return nil
}

// ApplyIncrease grows p by the request's deltas at price. The new average
// entry price is the size-weighted mean of the old entry and price:
//
//	avg' = (size × avg + Δsize × price) / (size + Δsize)
func ApplyIncrease(p model.Position, r model.Request, price, fundingRate decimal.Decimal, now time.Time) model.Position {
	newSize := p.Size.Add(r.SizeDelta)
	switch {
	case !newSize.IsPositive():
		p.AveragePrice = decimal.Zero
	case p.Size.IsZero():
		p.AveragePrice = price
	case r.SizeDelta.IsPositive():
		weighted := p.Size.Mul(p.AveragePrice).Add(r.SizeDelta.Mul(price))
		p.AveragePrice = weighted.DivRound(newSize, 2*model.AmountScale)
	}
	p.Size = newSize
	p.Collateral = p.Collateral.Add(r.CollateralDelta)
	p.EntryFundingRate = fundingRate
	p.LastIncreasedAt = now
	return p
}

// Decrease is the result of shrinking a position.
type Decrease struct {
	Position model.Position
	Closed   bool            // nothing is left in the position and it should be deleted
	Realized decimal.Decimal // pnl realized on the closed fraction
	Payout   decimal.Decimal // collateral returned to the account
}

// ApplyDecrease shrinks p by the request's deltas at price.
//
// The closed fraction Δsize/size realizes that share of unrealized pnl. The
// payout is the collateral withdrawn plus realized pnl; a loss larger than
// the withdrawn collateral is taken from the collateral left in the
// position, and the payout never goes below zero. Closing the full size
// returns everything that is left. A position without size only returns
// the collateral withdrawn.
func ApplyDecrease(p model.Position, r model.Request, price decimal.Decimal) Decrease {
	if !p.Size.IsPositive() {
		// Collateral-only position: no pnl, the withdrawn collateral is paid
		// back and the position closes once nothing is left in it.
		payout := decimal.Min(r.CollateralDelta, p.Collateral)
		if payout.IsNegative() {
			payout = decimal.Zero
		}
		p.Size = decimal.Zero
		p.Collateral = p.Collateral.Sub(payout)
		return Decrease{Position: p, Closed: !p.Collateral.IsPositive(), Realized: decimal.Zero, Payout: payout}
	}

	pnl := valuation.UnrealizedPnL(p, price)
	realized := decimal.Zero
	if r.SizeDelta.IsPositive() {
		realized = pnl.Mul(r.SizeDelta).Div(p.Size).Truncate(model.AmountScale)
	}

	if r.SizeDelta.GreaterThanOrEqual(p.Size) {
		payout := p.Collateral.Add(realized)
		if payout.IsNegative() {
			payout = decimal.Zero
		}
		p.Size = decimal.Zero
		p.Collateral = decimal.Zero
		return Decrease{Position: p, Closed: true, Realized: realized, Payout: payout}
	}

	collateral := p.Collateral.Sub(r.CollateralDelta)
	payout := r.CollateralDelta.Add(realized)
	if payout.IsNegative() {
		// Loss beyond the withdrawn collateral comes out of what remains.
		collateral = collateral.Add(payout)
		payout = decimal.Zero
	}
	if collateral.IsNegative() {
		collateral = decimal.Zero
	}

	p.Size = p.Size.Sub(r.SizeDelta)
	p.Collateral = collateral
	return Decrease{Position: p, Realized: realized, Payout: payout}
}
