// Package interest implements lazy simple-interest accrual on loans.
//
// There is no background timer: Accrue is a pure function of the stored
// accrual timestamp and the current time, called at the start of every
// mutating loan operation.
package interest

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/model"
)

// PerHour converts an hourly rate to a per-second rate. The default
// configuration charges 0.001% per hour.
func PerHour(rate decimal.Decimal) decimal.Decimal {
	return rate.Div(decimal.NewFromInt(3600))
}

// Accrue adds principal × ratePerSecond × elapsedSeconds to the loan's
// pending interest. Only whole seconds are consumed; AccruedAt advances by
// exactly the seconds charged so repeated calls never lose time.
func Accrue(loan model.Loan, ratePerSecond decimal.Decimal, now time.Time) model.Loan {
	if loan.AccruedAt.IsZero() || !now.After(loan.AccruedAt) {
		if loan.AccruedAt.IsZero() {
			loan.AccruedAt = now
		}
		return loan
	}

	secs := int64(now.Sub(loan.AccruedAt) / time.Second)
	if secs <= 0 {
		return loan
	}
	loan.AccruedAt = loan.AccruedAt.Add(time.Duration(secs) * time.Second)

	if loan.Principal.IsZero() || ratePerSecond.IsZero() {
		return loan
	}
	accrued := loan.Principal.Mul(ratePerSecond).Mul(decimal.NewFromInt(secs)).Truncate(model.AmountScale)
	loan.PendingInterest = loan.PendingInterest.Add(accrued)
	return loan
}

// Pending returns the interest that would be pending at now without
// mutating the stored loan.
func Pending(loan model.Loan, ratePerSecond decimal.Decimal, now time.Time) decimal.Decimal {
	return Accrue(loan, ratePerSecond, now).PendingInterest
}

// Repayment is how a repaid amount splits between interest and principal.
type Repayment struct {
	Interest  decimal.Decimal
	Principal decimal.Decimal
}

// Repay applies amount to an already-accrued loan, interest first.
func Repay(loan model.Loan, amount decimal.Decimal) (model.Loan, Repayment, error) {
	if !amount.IsPositive() {
		return loan, Repayment{}, fmt.Errorf("%w: repay must be positive, got %s", model.ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(loan.Debt()) {
		return loan, Repayment{}, fmt.Errorf("%w: repay %s, owed %s", model.ErrOverRepay, amount, loan.Debt())
	}

	var r Repayment
	r.Interest = decimal.Min(amount, loan.PendingInterest)
	r.Principal = amount.Sub(r.Interest)

	loan.PendingInterest = loan.PendingInterest.Sub(r.Interest)
	loan.Principal = loan.Principal.Sub(r.Principal)
	return loan, r, nil
}
