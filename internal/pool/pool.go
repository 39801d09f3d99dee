// Package pool implements share accounting for the stablecoin liquidity pool.
//
// The functions are stateless: they take the current pool snapshot and
// return the new snapshot plus the quantity minted or paid out. Callers
// persist the result. Both mint and redemption truncate toward zero at
// model.AmountScale, so rounding dust always stays in the pool and share
// value can never be manufactured by rounding.
package pool

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/model"
)

// Deposit mints shares for amount of stablecoin.
//
//	shares = amount × totalShares / (reserve + outstandingLoans)
//
// or amount 1:1 when no shares exist yet.
func Deposit(p model.Pool, amount decimal.Decimal) (model.Pool, decimal.Decimal, error) {
	if !amount.IsPositive() {
		return p, decimal.Zero, fmt.Errorf("%w: deposit must be positive, got %s", model.ErrInvalidAmount, amount)
	}

	var shares decimal.Decimal
	nav := p.NAV()
	if p.TotalShares.IsZero() || !nav.IsPositive() {
		shares = amount.Truncate(model.AmountScale)
	} else {
		shares = truncDiv(amount.Mul(p.TotalShares), nav)
	}
	if !shares.IsPositive() {
		return p, decimal.Zero, fmt.Errorf("%w: deposit %s mints no shares", model.ErrInvalidAmount, amount)
	}

	p.Reserve = p.Reserve.Add(amount)
	p.TotalShares = p.TotalShares.Add(shares)
	return p, shares, nil
}

// Withdraw burns shares and pays out their proportional claim on NAV.
//
//	amount = shares × (reserve + outstandingLoans) / totalShares
//
// Loans are never called in: if the payout exceeds the cash reserve the
// withdrawal fails with ErrInsufficientLiquidity.
func Withdraw(p model.Pool, shares decimal.Decimal) (model.Pool, decimal.Decimal, error) {
	if !shares.IsPositive() {
		return p, decimal.Zero, fmt.Errorf("%w: shares must be positive, got %s", model.ErrInvalidAmount, shares)
	}
	if shares.GreaterThan(p.TotalShares) {
		return p, decimal.Zero, fmt.Errorf("%w: %s shares exceed supply %s", model.ErrInvalidAmount, shares, p.TotalShares)
	}

	amount := truncDiv(shares.Mul(p.NAV()), p.TotalShares)
	if amount.GreaterThan(p.Reserve) {
		return p, decimal.Zero, fmt.Errorf("%w: payout %s exceeds reserve %s", model.ErrInsufficientLiquidity, amount, p.Reserve)
	}

	p.Reserve = p.Reserve.Sub(amount)
	p.TotalShares = p.TotalShares.Sub(shares)
	return p, amount, nil
}

// Lend moves amount out of the reserve into outstanding loans. NAV is
// unchanged.
func Lend(p model.Pool, amount decimal.Decimal) (model.Pool, error) {
	if !amount.IsPositive() {
		return p, fmt.Errorf("%w: loan must be positive, got %s", model.ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(p.Reserve) {
		return p, fmt.Errorf("%w: loan %s exceeds reserve %s", model.ErrInsufficientLiquidity, amount, p.Reserve)
	}
	p.Reserve = p.Reserve.Sub(amount)
	p.OutstandingLoans = p.OutstandingLoans.Add(amount)
	return p, nil
}

// Collect returns repaid principal and interest to the reserve. Principal
// reduces outstanding loans (NAV unchanged); interest only adds NAV.
func Collect(p model.Pool, principal, interest decimal.Decimal) model.Pool {
	p.Reserve = p.Reserve.Add(principal).Add(interest)
	p.OutstandingLoans = p.OutstandingLoans.Sub(principal)
	if p.OutstandingLoans.IsNegative() {
		p.OutstandingLoans = decimal.Zero
	}
	return p
}

// ShareValue is NAV per share, or 1 for an empty pool.
func ShareValue(p model.Pool) decimal.Decimal {
	if p.TotalShares.IsZero() {
		return decimal.NewFromInt(1)
	}
	return p.NAV().DivRound(p.TotalShares, 2*model.AmountScale)
}

// truncDiv divides and truncates toward zero at AmountScale. QuoRem is used
// rather than Div so no intermediate rounding can push the quotient up.
func truncDiv(num, den decimal.Decimal) decimal.Decimal {
	q, _ := num.QuoRem(den, model.AmountScale)
	return q
}
