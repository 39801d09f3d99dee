// Package venue is the boundary to the external perpetual exchange.
//
// The engine reads prices through QuotePrice and writes only through
// SettlePosition, which it calls exclusively from request execution.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/model"
)

// Venue is the settlement interface of a perpetual exchange. Quotes carry no
// staleness guarantee; the caller applies its own delay and bounds policy.
type Venue interface {
	QuotePrice(ctx context.Context, instrument string, dir model.Direction) (decimal.Decimal, error)
	SettlePosition(ctx context.Context, s Settlement) error
}

// FundingSource is implemented by venues that expose a cumulative funding
// rate. The engine snapshots it onto positions when they grow.
type FundingSource interface {
	FundingRate(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// Settlement is one position change pushed to the venue. Deltas are
// positive on increase and negative on decrease.
type Settlement struct {
	Account         string          `json:"account"`
	Instrument      string          `json:"instrument"`
	Direction       model.Direction `json:"direction"`
	SizeDelta       decimal.Decimal `json:"size_delta"`
	CollateralDelta decimal.Decimal `json:"collateral_delta"`
	ExecutedPrice   decimal.Decimal `json:"executed_price"`
	SettledAt       time.Time       `json:"settled_at"`
}

// ClosePrice is the price a position in dir is valued at: what closing it
// would fetch, i.e. the quote for the opposite side.
func ClosePrice(ctx context.Context, v Venue, instrument string, dir model.Direction) (decimal.Decimal, error) {
	if dir == model.Long {
		return v.QuotePrice(ctx, instrument, model.Short)
	}
	return v.QuotePrice(ctx, instrument, model.Long)
}

// FundingRate returns v's cumulative funding rate for instrument, or zero
// when v does not track funding.
func FundingRate(ctx context.Context, v Venue, instrument string) (decimal.Decimal, error) {
	fs, ok := v.(FundingSource)
	if !ok {
		return decimal.Zero, nil
	}
	return fs.FundingRate(ctx, instrument)
}
