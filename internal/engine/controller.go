package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/events"
	"github.com/kuru/margin-engine/internal/instrument"
	"github.com/kuru/margin-engine/internal/interest"
	"github.com/kuru/margin-engine/internal/metrics"
	"github.com/kuru/margin-engine/internal/model"
	"github.com/kuru/margin-engine/internal/store"
	"github.com/kuru/margin-engine/internal/valuation"
	"github.com/kuru/margin-engine/internal/venue"
)

// Valuation is an account's live mark-to-market snapshot.
type Valuation struct {
	Account                  string          `json:"account"`
	Collateral               decimal.Decimal `json:"collateral"`
	Reserved                 decimal.Decimal `json:"reserved"`
	PortfolioValue           decimal.Decimal `json:"portfolio_value"`
	PortfolioValueWithMargin decimal.Decimal `json:"portfolio_value_with_margin"`
	Debt                     decimal.Decimal `json:"debt"`
	HealthFactor             decimal.Decimal `json:"health_factor"`
	Positions                []PositionView  `json:"positions"`
}

// PositionView is a position with its live valuation.
type PositionView struct {
	model.Position
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Value         decimal.Decimal `json:"value"`
}

// marks prices every open position of the account at the venue's closing
// price. Prices are pulled on every call, never cached.
func (e *Engine) marks(ctx context.Context, account string) ([]valuation.Mark, error) {
	positions, err := e.store.ListPositions(ctx, account)
	if err != nil {
		return nil, err
	}
	out := make([]valuation.Mark, 0, len(positions))
	for _, p := range positions {
		price, err := venue.ClosePrice(ctx, e.venue, p.Instrument, p.Direction)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", p.Key(), err)
		}
		out = append(out, valuation.Mark{Position: p, Price: price})
	}
	return out, nil
}

// portfolioValue is the live portfolio value of a loaded controller.
func (e *Engine) portfolioValue(ctx context.Context, c *model.Controller) (decimal.Decimal, []valuation.Mark, error) {
	marks, err := e.marks(ctx, c.Account)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return valuation.PortfolioValue(*c, marks), marks, nil
}

// accruedLoan loads the account's loan with interest accrued to now.
func (e *Engine) accruedLoan(ctx context.Context, account string) (*model.Loan, error) {
	loan, err := e.store.GetLoan(ctx, account)
	if err != nil {
		return nil, err
	}
	accrued := interest.Accrue(*loan, e.cfg.InterestRatePerSecond, e.now())
	return &accrued, nil
}

// Valuate returns the account's live valuation.
func (e *Engine) Valuate(ctx context.Context, account string) (*Valuation, error) {
	unlock := e.locks.lock(account)
	defer unlock()

	c, err := e.controller(ctx, account)
	if err != nil {
		return nil, err
	}
	loan, err := e.accruedLoan(ctx, account)
	if err != nil {
		return nil, err
	}
	pv, marks, err := e.portfolioValue(ctx, c)
	if err != nil {
		return nil, err
	}

	views := make([]PositionView, 0, len(marks))
	for _, m := range marks {
		views = append(views, PositionView{
			Position:      m.Position,
			MarkPrice:     m.Price,
			UnrealizedPnL: valuation.UnrealizedPnL(m.Position, m.Price),
			Value:         valuation.PositionValue(m.Position, m.Price),
		})
	}
	debt := loan.Debt()
	return &Valuation{
		Account:                  account,
		Collateral:               c.Collateral,
		Reserved:                 c.Reserved,
		PortfolioValue:           pv,
		PortfolioValueWithMargin: valuation.PortfolioValueWithMargin(*c, marks),
		Debt:                     debt,
		HealthFactor:             valuation.HealthFactor(pv, debt),
		Positions:                views,
	}, nil
}

// PortfolioValue returns collateral plus the clamped value of every open
// position, at live prices.
func (e *Engine) PortfolioValue(ctx context.Context, account string) (decimal.Decimal, error) {
	v, err := e.Valuate(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	return v.PortfolioValue, nil
}

// HealthFactor returns portfolio value over debt, valuation.Infinite with
// no debt.
func (e *Engine) HealthFactor(ctx context.Context, account string) (decimal.Decimal, error) {
	v, err := e.Valuate(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	return v.HealthFactor, nil
}

// Position returns one open position or ErrNotFound.
func (e *Engine) Position(ctx context.Context, account, inst string, dir model.Direction) (*model.Position, error) {
	id, err := instrument.Normalize(inst)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidAmount, err)
	}
	unlock := e.locks.lock(account)
	defer unlock()

	if _, err := e.controller(ctx, account); err != nil {
		return nil, err
	}
	return e.store.GetPosition(ctx, model.PositionKey{Account: account, Instrument: id, Direction: dir})
}

// ListPositions returns the account's open positions.
func (e *Engine) ListPositions(ctx context.Context, account string) ([]model.Position, error) {
	unlock := e.locks.lock(account)
	defer unlock()

	if _, err := e.controller(ctx, account); err != nil {
		return nil, err
	}
	return e.store.ListPositions(ctx, account)
}

// DepositCollateral credits amount to the account's free collateral. Owner
// only.
func (e *Engine) DepositCollateral(ctx context.Context, caller, account string, amount decimal.Decimal) (*model.Controller, error) {
	if err := e.authorize(caller, account, model.RoleOwner); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit must be positive, got %s", model.ErrInvalidAmount, amount)
	}

	unlock := e.locks.lock(account)
	defer unlock()

	c, err := e.controller(ctx, account)
	if err != nil {
		return nil, err
	}
	c.Collateral = c.Collateral.Add(amount)
	if err := e.store.Commit(ctx, &store.Batch{Controller: c}); err != nil {
		return nil, err
	}

	slog.Info("collateral deposited", "account", account, "amount", amount.String(), "collateral", c.Collateral.String())
	ev := events.New(events.CollateralDeposited, account, e.now())
	ev.Amounts = map[string]string{"amount": amount.String()}
	e.publish(ctx, ev)
	return c, nil
}

// WithdrawCollateral releases free collateral to the owner, provided the
// loan stays within LTV of what remains.
func (e *Engine) WithdrawCollateral(ctx context.Context, caller, account string, amount decimal.Decimal) (*model.Controller, error) {
	if err := e.authorize(caller, account, model.RoleOwner); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal must be positive, got %s", model.ErrInvalidAmount, amount)
	}

	unlock := e.locks.lock(account)
	defer unlock()

	c, err := e.controller(ctx, account)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(c.Collateral) {
		return nil, fmt.Errorf("%w: withdraw %s, free collateral %s", model.ErrInvalidAmount, amount, c.Collateral)
	}

	loan, err := e.accruedLoan(ctx, account)
	if err != nil {
		return nil, err
	}
	pv, _, err := e.portfolioValue(ctx, c)
	if err != nil {
		return nil, err
	}
	if !valuation.WithinLTV(loan.Debt(), pv.Sub(amount), e.cfg.LTVMax) {
		metrics.LtvRejections.WithLabelValues("withdraw_collateral").Inc()
		return nil, fmt.Errorf("%w: debt %s against %s after withdrawal", model.ErrLtvExceeded, loan.Debt(), pv.Sub(amount))
	}

	c.Collateral = c.Collateral.Sub(amount)
	if err := e.store.Commit(ctx, &store.Batch{Controller: c, Loan: loan}); err != nil {
		return nil, err
	}

	slog.Info("collateral withdrawn", "account", account, "amount", amount.String(), "collateral", c.Collateral.String())
	ev := events.New(events.CollateralWithdrawn, account, e.now())
	ev.Amounts = map[string]string{"amount": amount.String()}
	e.publish(ctx, ev)
	return c, nil
}
