// Package exposure enforces position limits on increase requests.
//
// Three limits apply to an account:
//   - a cap on the notional size of any single position
//   - a cap on aggregate notional across positions sharing an index asset
//     (ETH-USD long, ETH-USD short and ETH-EUR all move with ETH)
//   - a cap on leverage, size / collateral, of the resulting position
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/instrument"
	"github.com/kuru/margin-engine/internal/model"
)

var (
	// ErrPositionLimitExceeded is returned when an increase would push one
	// position's size beyond the per-position maximum.
	ErrPositionLimitExceeded = errors.New("exposure: position size limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when an increase would push the
	// aggregate size across positions on the same index asset beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("exposure: correlated exposure limit exceeded")

	// ErrLeverageExceeded is returned when the resulting position would be
	// levered beyond MaxLeverage.
	ErrLeverageExceeded = errors.New("exposure: leverage limit exceeded")
)

// Limiter holds the configured caps. A zero cap disables that check.
type Limiter struct {
	// MaxPositionSize is the maximum notional size of one position.
	MaxPositionSize decimal.Decimal

	// MaxCorrelated is the maximum total notional across all of an account's
	// positions whose instruments share an index asset.
	MaxCorrelated decimal.Decimal

	// MaxLeverage is the maximum size / collateral of a position.
	MaxLeverage decimal.Decimal
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxPositionSize, maxCorrelated, maxLeverage decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPositionSize: maxPositionSize,
		MaxCorrelated:   maxCorrelated,
		MaxLeverage:     maxLeverage,
	}
}

// CheckIncrease validates an increase of target by sizeDelta and
// collateralDelta against the account's existing positions.
//
// Parameters:
//   - target: the position after lookup (zero value if not yet open)
//   - sizeDelta, collateralDelta: the requested increase
//   - existing: all of the account's open positions
func (l *Limiter) CheckIncrease(
	target model.Position,
	sizeDelta, collateralDelta decimal.Decimal,
	existing []model.Position,
) error {
	newSize := target.Size.Add(sizeDelta)
	newCollateral := target.Collateral.Add(collateralDelta)

	// 1. Per-position cap.
	if l.MaxPositionSize.IsPositive() && newSize.GreaterThan(l.MaxPositionSize) {
		return ErrPositionLimitExceeded
	}

	// 2. Leverage.
	if l.MaxLeverage.IsPositive() && newSize.IsPositive() {
		if !newCollateral.IsPositive() {
			return ErrLeverageExceeded
		}
		if newSize.GreaterThan(newCollateral.Mul(l.MaxLeverage)) {
			return ErrLeverageExceeded
		}
	}

	// 3. Correlated exposure: sum size across positions on the same index.
	if l.MaxCorrelated.IsPositive() {
		targetIndex := instrument.IndexOf(target.Instrument)
		total := newSize
		for _, p := range existing {
			if p.Key() == target.Key() {
				continue // already counted via newSize above
			}
			if instrument.IndexOf(p.Instrument) == targetIndex {
				total = total.Add(p.Size)
			}
		}
		if total.GreaterThan(l.MaxCorrelated) {
			return ErrCorrelatedLimitExceeded
		}
	}

	return nil
}
