package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/events"
	"github.com/kuru/margin-engine/internal/interest"
	"github.com/kuru/margin-engine/internal/metrics"
	"github.com/kuru/margin-engine/internal/model"
	"github.com/kuru/margin-engine/internal/pool"
	"github.com/kuru/margin-engine/internal/store"
	"github.com/kuru/margin-engine/internal/valuation"
)

// LoanStatus is an account's debt position as of now.
type LoanStatus struct {
	Account         string          `json:"account"`
	Principal       decimal.Decimal `json:"principal"`
	PendingInterest decimal.Decimal `json:"pending_interest"`
	Debt            decimal.Decimal `json:"debt"`
	PortfolioValue  decimal.Decimal `json:"portfolio_value"`
	MaxBorrow       decimal.Decimal `json:"max_borrow"`
	LTVMax          decimal.Decimal `json:"ltv_max"`
	HealthFactor    decimal.Decimal `json:"health_factor"`
	AccruedAt       time.Time       `json:"accrued_at"`
}

func (e *Engine) loanStatus(loan *model.Loan, pv decimal.Decimal) *LoanStatus {
	debt := loan.Debt()
	return &LoanStatus{
		Account:         loan.Account,
		Principal:       loan.Principal,
		PendingInterest: loan.PendingInterest,
		Debt:            debt,
		PortfolioValue:  pv,
		MaxBorrow:       valuation.MaxBorrow(pv, debt, e.cfg.LTVMax),
		LTVMax:          e.cfg.LTVMax,
		HealthFactor:    valuation.HealthFactor(pv, debt),
		AccruedAt:       loan.AccruedAt,
	}
}

// Borrow lends amount from the pool to account. Owner only. After accruing
// interest, principal + pending interest + amount must stay within LTVMax
// of the live portfolio value.
func (e *Engine) Borrow(ctx context.Context, caller, account string, amount decimal.Decimal) (*LoanStatus, error) {
	if err := e.authorize(caller, account, model.RoleOwner); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: borrow must be positive, got %s", model.ErrInvalidAmount, amount)
	}

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
	pv, _, err := e.portfolioValue(ctx, c)
	if err != nil {
		return nil, err
	}
	if !valuation.WithinLTV(loan.Debt().Add(amount), pv, e.cfg.LTVMax) {
		metrics.LtvRejections.WithLabelValues("borrow").Inc()
		return nil, fmt.Errorf("%w: debt %s + %s exceeds %s × %s",
			model.ErrLtvExceeded, loan.Debt(), amount, e.cfg.LTVMax, pv)
	}

	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	p, err := e.store.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	next, err := pool.Lend(*p, amount)
	if err != nil {
		return nil, err
	}
	loan.Principal = loan.Principal.Add(amount)

	if err := e.store.Commit(ctx, &store.Batch{Loan: loan, Pool: &next}); err != nil {
		return nil, err
	}
	observePool(next)
	metrics.LoansTotal.WithLabelValues("borrow").Inc()

	slog.Info("loan issued",
		"account", account,
		"amount", amount.String(),
		"principal", loan.Principal.String(),
		"pending_interest", loan.PendingInterest.String(),
		"portfolio_value", pv.String(),
	)
	ev := events.New(events.LoanIssued, account, e.now())
	ev.Amounts = map[string]string{"amount": amount.String(), "principal": loan.Principal.String()}
	e.publish(ctx, ev)

	return e.loanStatus(loan, pv), nil
}

// Repay pays down the account's debt, interest first. Owner only. Fails
// with ErrOverRepay if amount exceeds principal plus accrued interest.
func (e *Engine) Repay(ctx context.Context, caller, account string, amount decimal.Decimal) (*LoanStatus, error) {
	if err := e.authorize(caller, account, model.RoleOwner); err != nil {
		return nil, err
	}

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
	next, split, err := interest.Repay(*loan, amount)
	if err != nil {
		return nil, err
	}

	e.poolMu.Lock()
	p, err := e.store.GetPool(ctx)
	if err != nil {
		e.poolMu.Unlock()
		return nil, err
	}
	collected := pool.Collect(*p, split.Principal, split.Interest)
	err = e.store.Commit(ctx, &store.Batch{Loan: &next, Pool: &collected})
	e.poolMu.Unlock()
	if err != nil {
		return nil, err
	}
	observePool(collected)
	metrics.LoansTotal.WithLabelValues("repay").Inc()

	slog.Info("loan repaid",
		"account", account,
		"amount", amount.String(),
		"interest_paid", split.Interest.String(),
		"principal_paid", split.Principal.String(),
		"remaining", next.Debt().String(),
	)
	ev := events.New(events.LoanRepaid, account, e.now())
	ev.Amounts = map[string]string{
		"amount":    amount.String(),
		"interest":  split.Interest.String(),
		"principal": split.Principal.String(),
	}
	e.publish(ctx, ev)

	pv, _, err := e.portfolioValue(ctx, c)
	if err != nil {
		// The repayment is committed; report it without a valuation.
		slog.Warn("valuation after repay failed", "account", account, "err", err)
		pv = decimal.Zero
	}
	return e.loanStatus(&next, pv), nil
}

// LoanStatus returns the account's loan with interest accrued to now. Reads
// only; the accrual is not persisted.
func (e *Engine) LoanStatus(ctx context.Context, account string) (*LoanStatus, error) {
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
	pv, _, err := e.portfolioValue(ctx, c)
	if err != nil {
		return nil, err
	}
	return e.loanStatus(loan, pv), nil
}
