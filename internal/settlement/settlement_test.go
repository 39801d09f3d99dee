package settlement

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

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func req(kind model.RequestKind, dir model.Direction, size, collateral, acceptable float64) model.Request {
	return model.Request{
		Key:             model.RequestKey{Account: "alice", Sequence: 1},
		Kind:            kind,
		Instrument:      "ETH-USD",
		Direction:       dir,
		SizeDelta:       d(size),
		CollateralDelta: d(collateral),
		AcceptablePrice: d(acceptable),
		Status:          model.StatusPending,
		CreatedAt:       t0,
	}
}

func TestTransition_Table(t *testing.T) {
	statuses := []model.RequestStatus{
		model.StatusPending, model.StatusExecuted, model.StatusExpired, model.StatusCancelled,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			r := model.Request{Status: from}
			got, err := Transition(r, to, t0)
			legal := from == model.StatusPending && to != model.StatusPending
			if legal {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, got.Status)
				assert.Equal(t, t0, got.ResolvedAt)
			} else {
				assert.ErrorIs(t, err, model.ErrAlreadyResolved, "%s -> %s", from, to)
				assert.Equal(t, from, got.Status)
			}
		}
	}
}

func TestWindow_Check(t *testing.T) {
	w := Window{MinDelay: 10 * time.Second, MaxDelay: 5 * time.Minute}
	r := req(model.Increase, model.Long, 1000, 100, 2000)

	assert.ErrorIs(t, w.Check(r, t0), model.ErrTooEarly)
	assert.ErrorIs(t, w.Check(r, t0.Add(9*time.Second)), model.ErrTooEarly)
	assert.NoError(t, w.Check(r, t0.Add(10*time.Second)))
	assert.NoError(t, w.Check(r, t0.Add(5*time.Minute)))
	assert.ErrorIs(t, w.Check(r, t0.Add(5*time.Minute+time.Second)), model.ErrExpired)

	assert.False(t, w.Expired(r, t0.Add(5*time.Minute)))
	assert.True(t, w.Expired(r, t0.Add(6*time.Minute)))
}

func TestCheckPrice_Bounds(t *testing.T) {
	tests := []struct {
		name  string
		kind  model.RequestKind
		dir   model.Direction
		price float64
		ok    bool
	}{
		{"increase long below", model.Increase, model.Long, 1990, true},
		{"increase long equal", model.Increase, model.Long, 2000, true},
		{"increase long above", model.Increase, model.Long, 2010, false},
		{"increase short above", model.Increase, model.Short, 2010, true},
		{"increase short below", model.Increase, model.Short, 1990, false},
		{"decrease long above", model.Decrease, model.Long, 2010, true},
		{"decrease long below", model.Decrease, model.Long, 1990, false},
		{"decrease short below", model.Decrease, model.Short, 1990, true},
		{"decrease short above", model.Decrease, model.Short, 2010, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPrice(req(tt.kind, tt.dir, 1000, 100, 2000), d(tt.price))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, model.ErrPriceOutOfBounds), "got %v", err)
				assert.True(t, model.Retryable(err))
			}
		})
	}
}

func TestCheckPrice_RejectsNonPositiveQuote(t *testing.T) {
	err := CheckPrice(req(model.Increase, model.Short, 1000, 100, 0), decimal.Zero)
	assert.ErrorIs(t, err, model.ErrPriceOutOfBounds)
}

func TestApplyIncrease_NewPosition(t *testing.T) {
	p := model.Position{Account: "alice", Instrument: "ETH-USD", Direction: model.Long}
	got := ApplyIncrease(p, req(model.Increase, model.Long, 1000, 200, 2100), d(2000), d(5), t0)

	assert.True(t, got.Size.Equal(d(1000)))
	assert.True(t, got.Collateral.Equal(d(200)))
	assert.True(t, got.AveragePrice.Equal(d(2000)))
	assert.True(t, got.EntryFundingRate.Equal(d(5)))
	assert.Equal(t, t0, got.LastIncreasedAt)
}

func TestApplyIncrease_SizeWeightedAverage(t *testing.T) {
	p := model.Position{
		Direction: model.Long, Size: d(1000), Collateral: d(200), AveragePrice: d(2000),
	}
	got := ApplyIncrease(p, req(model.Increase, model.Long, 1000, 100, 2300), d(2200), decimal.Zero, t0)

	assert.True(t, got.Size.Equal(d(2000)))
	assert.True(t, got.Collateral.Equal(d(300)))
	assert.True(t, got.AveragePrice.Equal(d(2100)), "got %s", got.AveragePrice)
}

func TestApplyIncrease_CollateralOnly(t *testing.T) {
	p := model.Position{
		Direction: model.Short, Size: d(1000), Collateral: d(200), AveragePrice: d(2000),
	}
	got := ApplyIncrease(p, req(model.Increase, model.Short, 0, 50, 1900), d(2500), decimal.Zero, t0)

	assert.True(t, got.Size.Equal(d(1000)))
	assert.True(t, got.Collateral.Equal(d(250)))
	assert.True(t, got.AveragePrice.Equal(d(2000)), "collateral top-up keeps entry price")
}

func TestApplyDecrease_PartialProfit(t *testing.T) {
	p := model.Position{
		Direction: model.Long, Size: d(3000), Collateral: d(1000), AveragePrice: d(2000),
	}
	// pnl at 2200 = 3000 × 200 / 2000 = 300; one third closed realizes 100.
	got := ApplyDecrease(p, req(model.Decrease, model.Long, 1000, 200, 2100), d(2200))

	assert.False(t, got.Closed)
	assert.True(t, got.Realized.Equal(d(100)), "got %s", got.Realized)
	assert.True(t, got.Payout.Equal(d(300)), "got %s", got.Payout)
	assert.True(t, got.Position.Size.Equal(d(2000)))
	assert.True(t, got.Position.Collateral.Equal(d(800)))
	assert.True(t, got.Position.AveragePrice.Equal(d(2000)))
}

func TestApplyDecrease_LossTakenFromRemainingCollateral(t *testing.T) {
	p := model.Position{
		Direction: model.Long, Size: d(3000), Collateral: d(1000), AveragePrice: d(2000),
	}
	// pnl at 1800 = −300; one third closed realizes −100 against 50 withdrawn.
	got := ApplyDecrease(p, req(model.Decrease, model.Long, 1000, 50, 1700), d(1800))

	assert.True(t, got.Realized.Equal(d(-100)))
	assert.True(t, got.Payout.IsZero())
	assert.True(t, got.Position.Collateral.Equal(d(900)), "got %s", got.Position.Collateral)
}

func TestApplyDecrease_FullCloseShort(t *testing.T) {
	p := model.Position{
		Direction: model.Short, Size: d(2000), Collateral: d(500), AveragePrice: d(2000),
	}
	// Short gains 2000 × 100 / 2000 = 100 as price drops to 1900.
	got := ApplyDecrease(p, req(model.Decrease, model.Short, 2000, 0, 1950), d(1900))

	assert.True(t, got.Closed)
	assert.True(t, got.Payout.Equal(d(600)), "got %s", got.Payout)
	assert.True(t, got.Position.Size.IsZero())
	assert.True(t, got.Position.Collateral.IsZero())
}

func TestApplyDecrease_FullCloseWipedOut(t *testing.T) {
	p := model.Position{
		Direction: model.Long, Size: d(5000), Collateral: d(1000), AveragePrice: d(2000),
	}
	got := ApplyDecrease(p, req(model.Decrease, model.Long, 5000, 0, 900), d(1000))

	assert.True(t, got.Closed)
	assert.True(t, got.Payout.IsZero())
}

func TestApplyDecrease_CollateralOnlyPosition(t *testing.T) {
	p := model.Position{Direction: model.Long, Collateral: d(100)}

	t.Run("partial withdrawal keeps the position", func(t *testing.T) {
		got := ApplyDecrease(p, req(model.Decrease, model.Long, 0, 40, 1), d(2000))

		assert.False(t, got.Closed)
		assert.True(t, got.Realized.IsZero())
		assert.True(t, got.Payout.Equal(d(40)), "got %s", got.Payout)
		assert.True(t, got.Position.Collateral.Equal(d(60)), "got %s", got.Position.Collateral)
	})

	t.Run("full withdrawal returns all collateral and closes", func(t *testing.T) {
		got := ApplyDecrease(p, req(model.Decrease, model.Long, 0, 100, 1), d(2000))

		assert.True(t, got.Closed)
		assert.True(t, got.Payout.Equal(d(100)), "got %s", got.Payout)
		assert.True(t, got.Position.Collateral.IsZero())
	})

	t.Run("withdrawal is capped at the collateral held", func(t *testing.T) {
		got := ApplyDecrease(p, req(model.Decrease, model.Long, 0, 250, 1), d(2000))

		assert.True(t, got.Closed)
		assert.True(t, got.Payout.Equal(d(100)), "got %s", got.Payout)
	})
}

func TestApplyDecrease_CollateralWithdrawalKeepsSize(t *testing.T) {
	p := model.Position{
		Direction: model.Long, Size: d(1000), Collateral: d(100), AveragePrice: d(2000),
	}
	got := ApplyDecrease(p, req(model.Decrease, model.Long, 0, 40, 1), d(2200))

	assert.False(t, got.Closed)
	assert.True(t, got.Realized.IsZero(), "no size closed, no pnl realized")
	assert.True(t, got.Payout.Equal(d(40)), "got %s", got.Payout)
	assert.True(t, got.Position.Size.Equal(d(1000)))
	assert.True(t, got.Position.Collateral.Equal(d(60)))
}
