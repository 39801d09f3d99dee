package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/events"
	"github.com/kuru/margin-engine/internal/metrics"
	"github.com/kuru/margin-engine/internal/model"
	"github.com/kuru/margin-engine/internal/pool"
	"github.com/kuru/margin-engine/internal/store"
)

// PoolStatus is a consistent snapshot of the liquidity pool.
type PoolStatus struct {
	Reserve          decimal.Decimal `json:"reserve"`
	OutstandingLoans decimal.Decimal `json:"outstanding_loans"`
	TotalShares      decimal.Decimal `json:"total_shares"`
	NAV              decimal.Decimal `json:"nav"`
	ShareValue       decimal.Decimal `json:"share_value"`
}

func poolStatus(p model.Pool) PoolStatus {
	return PoolStatus{
		Reserve:          p.Reserve,
		OutstandingLoans: p.OutstandingLoans,
		TotalShares:      p.TotalShares,
		NAV:              p.NAV(),
		ShareValue:       pool.ShareValue(p),
	}
}

// LiquidityReceipt is the result of a pool deposit or withdrawal.
type LiquidityReceipt struct {
	Provider       string          `json:"provider"`
	Amount         decimal.Decimal `json:"amount"`
	Shares         decimal.Decimal `json:"shares"`
	ProviderShares decimal.Decimal `json:"provider_shares"`
	Pool           PoolStatus      `json:"pool"`
}

// Deposit adds amount of stablecoin to the pool on behalf of provider and
// mints shares to it.
func (e *Engine) Deposit(ctx context.Context, provider string, amount decimal.Decimal) (*LiquidityReceipt, error) {
	if provider == "" {
		return nil, fmt.Errorf("%w: provider identity required", model.ErrUnauthorized)
	}

	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	p, err := e.store.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	lp, err := e.store.GetProvider(ctx, provider)
	if err != nil {
		return nil, err
	}

	next, shares, err := pool.Deposit(*p, amount)
	if err != nil {
		return nil, err
	}
	lp.Shares = lp.Shares.Add(shares)

	if err := e.store.Commit(ctx, &store.Batch{Pool: &next, Provider: lp}); err != nil {
		return nil, err
	}
	observePool(next)

	slog.Info("liquidity deposited",
		"provider", provider,
		"amount", amount.String(),
		"shares", shares.String(),
		"share_value", pool.ShareValue(next).String(),
	)
	ev := events.New(events.LiquidityDeposited, provider, e.now())
	ev.Amounts = map[string]string{"amount": amount.String(), "shares": shares.String()}
	e.publish(ctx, ev)

	return &LiquidityReceipt{
		Provider: provider, Amount: amount, Shares: shares,
		ProviderShares: lp.Shares, Pool: poolStatus(next),
	}, nil
}

// WithdrawLiquidity burns shares held by provider and pays out their claim.
// Fails with ErrInsufficientLiquidity when the payout exceeds the cash
// reserve, whatever the provider holds.
func (e *Engine) WithdrawLiquidity(ctx context.Context, provider string, shares decimal.Decimal) (*LiquidityReceipt, error) {
	if provider == "" {
		return nil, fmt.Errorf("%w: provider identity required", model.ErrUnauthorized)
	}

	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	p, err := e.store.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	lp, err := e.store.GetProvider(ctx, provider)
	if err != nil {
		return nil, err
	}
	if shares.GreaterThan(lp.Shares) {
		return nil, fmt.Errorf("%w: %s holds %s shares, asked %s", model.ErrInvalidAmount, provider, lp.Shares, shares)
	}

	next, amount, err := pool.Withdraw(*p, shares)
	if err != nil {
		return nil, err
	}
	lp.Shares = lp.Shares.Sub(shares)

	if err := e.store.Commit(ctx, &store.Batch{Pool: &next, Provider: lp}); err != nil {
		return nil, err
	}
	observePool(next)

	slog.Info("liquidity withdrawn",
		"provider", provider,
		"shares", shares.String(),
		"amount", amount.String(),
	)
	ev := events.New(events.LiquidityWithdrawn, provider, e.now())
	ev.Amounts = map[string]string{"amount": amount.String(), "shares": shares.String()}
	e.publish(ctx, ev)

	return &LiquidityReceipt{
		Provider: provider, Amount: amount, Shares: shares,
		ProviderShares: lp.Shares, Pool: poolStatus(next),
	}, nil
}

// PoolStatus returns the pool snapshot.
func (e *Engine) PoolStatus(ctx context.Context) (*PoolStatus, error) {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	p, err := e.store.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	st := poolStatus(*p)
	return &st, nil
}

// ProviderShares returns the provider's share balance.
func (e *Engine) ProviderShares(ctx context.Context, provider string) (*model.LiquidityProvider, error) {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	return e.store.GetProvider(ctx, provider)
}

func observePool(p model.Pool) {
	metrics.PoolReserve.Set(p.Reserve.InexactFloat64())
	metrics.PoolOutstanding.Set(p.OutstandingLoans.InexactFloat64())
	metrics.PoolShares.Set(p.TotalShares.InexactFloat64())
}
