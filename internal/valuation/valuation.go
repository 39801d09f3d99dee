// Package valuation computes mark-to-market values for positions and
// portfolios. It is the shared read path of the lending ledger and the
// settlement coordinator; prices are always supplied by the caller from a
// live venue quote, never cached here.
package valuation

import (
	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/model"
)

// Infinite is the health factor reported when an account has no debt.
var Infinite = decimal.New(1, 18)

// UnrealizedPnL returns the signed profit of a position at price.
//
//	long:  size × (price − avg) / avg
//	short: size × (avg − price) / avg
func UnrealizedPnL(p model.Position, price decimal.Decimal) decimal.Decimal {
	if p.Size.IsZero() || !p.AveragePrice.IsPositive() {
		return decimal.Zero
	}
	delta := price.Sub(p.AveragePrice)
	if p.Direction == model.Short {
		delta = delta.Neg()
	}
	return p.Size.Mul(delta).Div(p.AveragePrice).Truncate(model.AmountScale)
}

// PositionValue is collateral plus unrealized PnL, clamped at zero. Losses
// beyond collateral are a liquidation concern and never count against the
// rest of the portfolio.
func PositionValue(p model.Position, price decimal.Decimal) decimal.Decimal {
	v := p.Collateral.Add(UnrealizedPnL(p, price))
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// Mark is a position paired with the live price it is valued at.
type Mark struct {
	Position model.Position
	Price    decimal.Decimal
}

// PortfolioValue is the controller's collateral balance (free and reserved)
// plus the clamped value of every open position.
func PortfolioValue(c model.Controller, marks []Mark) decimal.Decimal {
	total := c.Balance()
	for _, m := range marks {
		total = total.Add(PositionValue(m.Position, m.Price))
	}
	return total
}

// PortfolioValueWithMargin adds the notional size of each position to the
// portfolio value: the venue-side exposure the collateral is backing.
func PortfolioValueWithMargin(c model.Controller, marks []Mark) decimal.Decimal {
	total := PortfolioValue(c, marks)
	for _, m := range marks {
		total = total.Add(m.Position.Size)
	}
	return total
}

// HealthFactor is portfolio value divided by debt, or Infinite with no debt.
// Below one the account is undercollateralized.
func HealthFactor(portfolio, debt decimal.Decimal) decimal.Decimal {
	if !debt.IsPositive() {
		return Infinite
	}
	return portfolio.DivRound(debt, model.AmountScale)
}

// MaxBorrow is how much more the account may borrow under ltv.
func MaxBorrow(portfolio, debt, ltv decimal.Decimal) decimal.Decimal {
	room := ltv.Mul(portfolio).Sub(debt).Truncate(model.AmountScale)
	if room.IsNegative() {
		return decimal.Zero
	}
	return room
}

// WithinLTV reports whether debt ≤ ltv × portfolio.
func WithinLTV(debt, portfolio, ltv decimal.Decimal) bool {
	return debt.LessThanOrEqual(ltv.Mul(portfolio))
}
