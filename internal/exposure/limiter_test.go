package exposure

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func p(inst string, dir model.Direction, size, collateral float64) model.Position {
	return model.Position{
		Account:    "alice",
		Instrument: inst,
		Direction:  dir,
		Size:       d(size),
		Collateral: d(collateral),
	}
}

func target(inst string, dir model.Direction) model.Position {
	return model.Position{Account: "alice", Instrument: inst, Direction: dir}
}

func TestCheckIncrease_WithinLimits(t *testing.T) {
	limiter := NewLimiter(d(10000), d(20000), d(10))

	err := limiter.CheckIncrease(target("ETH-USD", model.Long), d(1000), d(200), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckIncrease_PositionSizeExceeded(t *testing.T) {
	limiter := NewLimiter(d(10000), d(50000), d(50))

	// Existing 9500 + new 1000 = 10500 > 10000.
	existing := p("ETH-USD", model.Long, 9500, 1000)
	err := limiter.CheckIncrease(existing, d(1000), d(100), []model.Position{existing})
	if err != ErrPositionLimitExceeded {
		t.Errorf("expected ErrPositionLimitExceeded, got %v", err)
	}
}

func TestCheckIncrease_LeverageExceeded(t *testing.T) {
	limiter := NewLimiter(decimal.Zero, decimal.Zero, d(5))

	// 1000 size on 100 collateral = 10x > 5x.
	err := limiter.CheckIncrease(target("ETH-USD", model.Long), d(1000), d(100), nil)
	if err != ErrLeverageExceeded {
		t.Errorf("expected ErrLeverageExceeded, got %v", err)
	}

	// Exactly 5x is allowed.
	err = limiter.CheckIncrease(target("ETH-USD", model.Long), d(500), d(100), nil)
	if err != nil {
		t.Errorf("5x should be allowed, got %v", err)
	}
}

func TestCheckIncrease_SizeWithoutCollateral(t *testing.T) {
	limiter := NewLimiter(decimal.Zero, decimal.Zero, d(5))

	err := limiter.CheckIncrease(target("ETH-USD", model.Long), d(100), decimal.Zero, nil)
	if err != ErrLeverageExceeded {
		t.Errorf("expected ErrLeverageExceeded, got %v", err)
	}
}

func TestCheckIncrease_CorrelatedExceeded(t *testing.T) {
	limiter := NewLimiter(d(10000), d(15000), d(50))

	existing := []model.Position{
		p("ETH-USD", model.Long, 6000, 600),  // same index
		p("ETH-USD", model.Short, 4000, 400), // same index, other side
		p("ETH-EUR", model.Long, 3000, 300),  // same index, other quote
	}

	// New 2500 on a fresh ETH-USDC position: 2500 + 6000 + 4000 + 3000 = 15500 > 15000.
	err := limiter.CheckIncrease(target("ETH-USDC", model.Long), d(2500), d(250), existing)
	if err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckIncrease_OtherIndexIgnored(t *testing.T) {
	limiter := NewLimiter(d(10000), d(10000), d(50))

	existing := []model.Position{
		p("ETH-USD", model.Long, 6000, 600),
		p("BTC-USD", model.Long, 9000, 900), // different index
	}

	// ETH total = 6000 + 3000 = 9000 < 10000; BTC excluded.
	err := limiter.CheckIncrease(existing[0], d(3000), d(300), existing)
	if err != nil {
		t.Errorf("other index assets should be ignored, got %v", err)
	}
}

func TestCheckIncrease_DisabledCaps(t *testing.T) {
	limiter := NewLimiter(decimal.Zero, decimal.Zero, decimal.Zero)

	err := limiter.CheckIncrease(target("ETH-USD", model.Long), d(1e9), d(1), nil)
	if err != nil {
		t.Errorf("zero caps should disable checks, got %v", err)
	}
}
