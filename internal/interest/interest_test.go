package interest

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuru/margin-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestScenarioD_SimpleAccrual(t *testing.T) {
	principal := d(1000)
	rate := d(0.000001) // per second
	loan := model.Loan{Principal: principal, AccruedAt: t0}

	loan = Accrue(loan, rate, t0.Add(3600*time.Second))

	want := principal.Mul(rate).Mul(decimal.NewFromInt(3600)) // 3.6
	assert.True(t, loan.PendingInterest.Sub(want).Abs().LessThanOrEqual(d(0.00000001)),
		"pending = %s, want %s", loan.PendingInterest, want)
	assert.Equal(t, t0.Add(time.Hour), loan.AccruedAt)
}

func TestAccrue_LazyCallsMatchSingleCall(t *testing.T) {
	rate := d(0.0000025)
	one := model.Loan{Principal: d(500), AccruedAt: t0}
	many := one

	one = Accrue(one, rate, t0.Add(90*time.Second))
	for i := 1; i <= 90; i++ {
		many = Accrue(many, rate, t0.Add(time.Duration(i)*time.Second))
	}
	assert.True(t, one.PendingInterest.Equal(many.PendingInterest),
		"single=%s stepwise=%s", one.PendingInterest, many.PendingInterest)
}

func TestAccrue_SubSecondCarriesOver(t *testing.T) {
	rate := d(0.001)
	loan := model.Loan{Principal: d(100), AccruedAt: t0}

	loan = Accrue(loan, rate, t0.Add(1500*time.Millisecond))
	assert.Equal(t, t0.Add(time.Second), loan.AccruedAt)
	assert.True(t, loan.PendingInterest.Equal(d(0.1)))

	loan = Accrue(loan, rate, t0.Add(2000*time.Millisecond))
	assert.Equal(t, t0.Add(2*time.Second), loan.AccruedAt)
	assert.True(t, loan.PendingInterest.Equal(d(0.2)))
}

func TestAccrue_ClockBehindIsNoop(t *testing.T) {
	loan := model.Loan{Principal: d(100), AccruedAt: t0}
	got := Accrue(loan, d(0.01), t0.Add(-time.Minute))
	assert.Equal(t, loan, got)
}

func TestAccrue_ZeroTimestampStartsClock(t *testing.T) {
	got := Accrue(model.Loan{}, d(0.01), t0)
	assert.Equal(t, t0, got.AccruedAt)
	assert.True(t, got.PendingInterest.IsZero())
}

func TestRepay_InterestFirst(t *testing.T) {
	loan := model.Loan{Principal: d(20), PendingInterest: d(0.002), AccruedAt: t0}

	loan, r, err := Repay(loan, d(10))
	require.NoError(t, err)
	assert.True(t, r.Interest.Equal(d(0.002)))
	assert.True(t, r.Principal.Equal(d(9.998)))
	assert.True(t, loan.PendingInterest.IsZero())
	assert.True(t, loan.Principal.Equal(d(10.002)))
}

func TestRepay_OnlyInterest(t *testing.T) {
	loan := model.Loan{Principal: d(20), PendingInterest: d(5)}
	loan, r, err := Repay(loan, d(3))
	require.NoError(t, err)
	assert.True(t, r.Principal.IsZero())
	assert.True(t, loan.PendingInterest.Equal(d(2)))
	assert.True(t, loan.Principal.Equal(d(20)))
}

func TestRepay_OverRepay(t *testing.T) {
	loan := model.Loan{Principal: d(10), PendingInterest: d(1)}
	_, _, err := Repay(loan, d(11.00000001))
	assert.True(t, errors.Is(err, model.ErrOverRepay), "got %v", err)

	_, _, err = Repay(loan, d(11))
	assert.NoError(t, err)
}

func TestPerHour(t *testing.T) {
	got := PerHour(d(0.00001)).Mul(decimal.NewFromInt(3600))
	assert.True(t, got.Sub(d(0.00001)).Abs().LessThan(d(0.0000000001)), "got %s", got)
}
