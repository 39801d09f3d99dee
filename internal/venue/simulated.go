package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/model"
)

// Simulated is an in-process venue. Each instrument has a mark price; longs
// are quoted at the max price mark × (1 + spread) and shorts at the min
// price mark × (1 − spread), so a round trip always pays the spread.
type Simulated struct {
	mu          sync.RWMutex
	marks       map[string]decimal.Decimal
	funding     map[string]decimal.Decimal
	spread      decimal.Decimal
	settlements []Settlement
}

// NewSimulated creates a venue quoting marks with the given fractional
// spread (0.001 = 10 bps each side).
func NewSimulated(marks map[string]decimal.Decimal, spread decimal.Decimal) *Simulated {
	v := &Simulated{
		marks:   make(map[string]decimal.Decimal, len(marks)),
		funding: make(map[string]decimal.Decimal),
		spread:  spread,
	}
	for inst, price := range marks {
		v.marks[inst] = price
	}
	return v
}

// SetPrice moves the mark for instrument.
func (v *Simulated) SetPrice(instrument string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[instrument] = price
}

// AddFunding accrues rate onto instrument's cumulative funding rate.
func (v *Simulated) AddFunding(instrument string, rate decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.funding[instrument] = v.funding[instrument].Add(rate)
}

// Mark returns the raw mark price for instrument.
func (v *Simulated) Mark(instrument string) (decimal.Decimal, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.marks[instrument]
	return p, ok
}

func (v *Simulated) QuotePrice(_ context.Context, instrument string, dir model.Direction) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	mark, ok := v.marks[instrument]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", model.ErrNotFound, instrument)
	}
	one := decimal.NewFromInt(1)
	if dir == model.Long {
		return mark.Mul(one.Add(v.spread)), nil
	}
	return mark.Mul(one.Sub(v.spread)), nil
}

func (v *Simulated) FundingRate(_ context.Context, instrument string) (decimal.Decimal, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.funding[instrument], nil
}

func (v *Simulated) SettlePosition(_ context.Context, s Settlement) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.marks[s.Instrument]; !ok {
		return fmt.Errorf("%w: venue does not list %s", model.ErrNotFound, s.Instrument)
	}
	v.settlements = append(v.settlements, s)
	return nil
}

// Settlements returns a copy of every settlement received so far.
func (v *Simulated) Settlements() []Settlement {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Settlement, len(v.settlements))
	copy(out, v.settlements)
	return out
}

// Instruments lists the instruments with a mark price.
func (v *Simulated) Instruments() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.marks))
	for inst := range v.marks {
		out = append(out, inst)
	}
	return out
}
