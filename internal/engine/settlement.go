package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/events"
	"github.com/kuru/margin-engine/internal/instrument"
	"github.com/kuru/margin-engine/internal/metrics"
	"github.com/kuru/margin-engine/internal/model"
	"github.com/kuru/margin-engine/internal/settlement"
	"github.com/kuru/margin-engine/internal/store"
	"github.com/kuru/margin-engine/internal/valuation"
	"github.com/kuru/margin-engine/internal/venue"
)

// PositionChange is the input of RequestIncrease and RequestDecrease.
type PositionChange struct {
	Account         string          `json:"account"`
	Instrument      string          `json:"instrument"`
	Direction       model.Direction `json:"direction"`
	CollateralDelta decimal.Decimal `json:"collateral_delta"`
	SizeDelta       decimal.Decimal `json:"size_delta"`
	AcceptablePrice decimal.Decimal `json:"acceptable_price"`
	ExecutionFee    decimal.Decimal `json:"execution_fee"`
}

func (pc *PositionChange) validate() error {
	id, err := instrument.Normalize(pc.Instrument)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidAmount, err)
	}
	pc.Instrument = id
	if !pc.Direction.Valid() {
		return fmt.Errorf("%w: direction %q", model.ErrInvalidAmount, pc.Direction)
	}
	if pc.CollateralDelta.IsNegative() || pc.SizeDelta.IsNegative() {
		return fmt.Errorf("%w: deltas must not be negative", model.ErrInvalidAmount)
	}
	if pc.CollateralDelta.IsZero() && pc.SizeDelta.IsZero() {
		return fmt.Errorf("%w: nothing to change", model.ErrInvalidAmount)
	}
	if !pc.AcceptablePrice.IsPositive() {
		return fmt.Errorf("%w: acceptable price must be positive", model.ErrInvalidAmount)
	}
	if pc.ExecutionFee.IsNegative() {
		return fmt.Errorf("%w: execution fee is negative", model.ErrInvalidAmount)
	}
	return nil
}

// RequestIncrease queues an increase of a position. Owner only. The
// collateral delta plus execution fee is reserved from free collateral at
// once; the venue is not touched until execution.
func (e *Engine) RequestIncrease(ctx context.Context, caller string, pc PositionChange) (*model.Request, error) {
	return e.request(ctx, caller, model.Increase, pc)
}

// RequestDecrease queues a decrease of an open position. Owner only. Only
// the execution fee is reserved.
func (e *Engine) RequestDecrease(ctx context.Context, caller string, pc PositionChange) (*model.Request, error) {
	return e.request(ctx, caller, model.Decrease, pc)
}

func (e *Engine) request(ctx context.Context, caller string, kind model.RequestKind, pc PositionChange) (*model.Request, error) {
	if err := e.authorize(caller, pc.Account, model.RoleOwner); err != nil {
		return nil, err
	}
	if err := pc.validate(); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(pc.Account)
	defer unlock()

	c, err := e.controller(ctx, pc.Account)
	if err != nil {
		return nil, err
	}
	if pc.ExecutionFee.LessThan(c.MinExecutionFee) {
		return nil, fmt.Errorf("%w: execution fee %s below minimum %s", model.ErrInvalidAmount, pc.ExecutionFee, c.MinExecutionFee)
	}

	r := model.Request{
		Key:             model.RequestKey{Account: pc.Account, Sequence: c.NextSequence + 1},
		Kind:            kind,
		Instrument:      pc.Instrument,
		Direction:       pc.Direction,
		CollateralDelta: pc.CollateralDelta,
		SizeDelta:       pc.SizeDelta,
		AcceptablePrice: pc.AcceptablePrice,
		ExecutionFee:    pc.ExecutionFee,
		Status:          model.StatusPending,
		CreatedAt:       e.now(),
		ExecutedPrice:   decimal.Zero,
		Payout:          decimal.Zero,
	}
	reserve := r.Reservation()
	if reserve.GreaterThan(c.Collateral) {
		return nil, fmt.Errorf("%w: request needs %s, free collateral %s", model.ErrInvalidAmount, reserve, c.Collateral)
	}

	key := r.PositionKey()
	existing, err := e.store.GetPosition(ctx, key)
	switch {
	case errors.Is(err, model.ErrNotFound):
		existing = &model.Position{Account: key.Account, Instrument: key.Instrument, Direction: key.Direction}
	case err != nil:
		return nil, err
	}

	if kind == model.Decrease {
		if existing.Size.IsZero() && existing.Collateral.IsZero() {
			return nil, fmt.Errorf("%w: no open position %s", model.ErrNotFound, key)
		}
		if r.SizeDelta.GreaterThan(existing.Size) || r.CollateralDelta.GreaterThan(existing.Collateral) {
			return nil, fmt.Errorf("%w: decrease exceeds position %s (size %s, collateral %s)",
				model.ErrInvalidAmount, key, existing.Size, existing.Collateral)
		}
	} else if e.limiter != nil {
		positions, err := e.store.ListPositions(ctx, pc.Account)
		if err != nil {
			return nil, err
		}
		if err := e.limiter.CheckIncrease(*existing, r.SizeDelta, r.CollateralDelta, positions); err != nil {
			metrics.ExposureRejections.Inc()
			return nil, fmt.Errorf("%w: %w", model.ErrInvalidAmount, err)
		}
	}

	// The fee leaves the account on execution; the loan must stay within
	// LTV of what is left.
	loan, err := e.accruedLoan(ctx, pc.Account)
	if err != nil {
		return nil, err
	}
	if loan.Debt().IsPositive() {
		pv, _, err := e.portfolioValue(ctx, c)
		if err != nil {
			return nil, err
		}
		if !valuation.WithinLTV(loan.Debt(), pv.Sub(r.ExecutionFee), e.cfg.LTVMax) {
			metrics.LtvRejections.WithLabelValues("request").Inc()
			return nil, fmt.Errorf("%w: debt %s against %s after fee", model.ErrLtvExceeded, loan.Debt(), pv.Sub(r.ExecutionFee))
		}
	}

	c.Collateral = c.Collateral.Sub(reserve)
	c.Reserved = c.Reserved.Add(reserve)
	c.NextSequence = r.Key.Sequence

	if err := e.store.Commit(ctx, &store.Batch{Controller: c, Request: &r}); err != nil {
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues(string(kind), string(model.StatusPending)).Inc()

	slog.Info("request created",
		"key", r.Key.String(),
		"kind", kind,
		"instrument", r.Instrument,
		"direction", r.Direction,
		"size_delta", r.SizeDelta.String(),
		"collateral_delta", r.CollateralDelta.String(),
		"acceptable_price", r.AcceptablePrice.String(),
		"reserved", reserve.String(),
	)
	e.publish(ctx, requestEvent(events.RequestCreated, &r))
	return &r, nil
}

// ExecuteRequest finalizes a pending request against the venue. The caller
// must be the owner or a keeper. A zero quote pulls the current venue price.
//
// TooEarly and PriceOutOfBounds leave the request Pending and may be retried.
// Past the max delay the request is moved to Expired, its reservation
// refunded, and ErrExpired returned.
func (e *Engine) ExecuteRequest(ctx context.Context, caller string, key model.RequestKey, quote decimal.Decimal) (*model.Request, error) {
	if err := e.authorize(caller, key.Account, model.RoleOwner, model.RoleKeeper); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(key.Account)
	defer unlock()

	r, err := e.store.GetRequest(ctx, key)
	if err != nil {
		return nil, err
	}
	if r.Status != model.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", model.ErrAlreadyResolved, key, r.Status)
	}

	now := e.now()
	if err := e.window.Check(*r, now); err != nil {
		if errors.Is(err, model.ErrExpired) {
			if _, expErr := e.expireLocked(ctx, r); expErr != nil {
				return nil, expErr
			}
		}
		metrics.ExecuteRejections.WithLabelValues(reason(err)).Inc()
		return nil, err
	}

	price := quote
	if price.IsZero() {
		price, err = e.executionQuote(ctx, r)
		if err != nil {
			return nil, err
		}
	}
	if err := settlement.CheckPrice(*r, price); err != nil {
		metrics.ExecuteRejections.WithLabelValues(reason(err)).Inc()
		return nil, err
	}

	c, err := e.controller(ctx, key.Account)
	if err != nil {
		return nil, err
	}
	pkey := r.PositionKey()
	pos, err := e.store.GetPosition(ctx, pkey)
	switch {
	case errors.Is(err, model.ErrNotFound):
		pos = &model.Position{Account: pkey.Account, Instrument: pkey.Instrument, Direction: pkey.Direction}
	case err != nil:
		return nil, err
	}

	batch := &store.Batch{Controller: c}
	settle := venue.Settlement{
		Account:       key.Account,
		Instrument:    r.Instrument,
		Direction:     r.Direction,
		ExecutedPrice: price,
		SettledAt:     now,
	}

	var payout decimal.Decimal
	if r.Kind == model.Increase {
		funding, err := venue.FundingRate(ctx, e.venue, r.Instrument)
		if err != nil {
			return nil, err
		}
		next := settlement.ApplyIncrease(*pos, *r, price, funding, now)
		settle.SizeDelta = r.SizeDelta
		settle.CollateralDelta = r.CollateralDelta
		batch.Positions = []model.Position{next}
		c.Reserved = c.Reserved.Sub(r.Reservation())
	} else {
		if pos.Size.IsZero() && pos.Collateral.IsZero() {
			return nil, fmt.Errorf("%w: position %s is already closed", model.ErrNotFound, pkey)
		}
		// An earlier decrease may have shrunk the position since this
		// request was made.
		applied := *r
		applied.SizeDelta = decimal.Min(r.SizeDelta, pos.Size)
		applied.CollateralDelta = decimal.Min(r.CollateralDelta, pos.Collateral)

		dec := settlement.ApplyDecrease(*pos, applied, price)
		settle.SizeDelta = applied.SizeDelta.Neg()
		settle.CollateralDelta = pos.Collateral.Sub(dec.Position.Collateral).Neg()
		if dec.Closed {
			batch.DeletedPositions = []model.PositionKey{pkey}
		} else {
			batch.Positions = []model.Position{dec.Position}
		}
		payout = dec.Payout
		c.Reserved = c.Reserved.Sub(r.Reservation())
		c.Collateral = c.Collateral.Add(payout)
	}

	if err := e.venue.SettlePosition(ctx, settle); err != nil {
		return nil, fmt.Errorf("venue settle %s: %w", key, err)
	}

	executed, err := settlement.Transition(*r, model.StatusExecuted, now)
	if err != nil {
		return nil, err
	}
	executed.ExecutedPrice = price
	executed.Payout = payout
	batch.Request = &executed

	if err := e.store.Commit(ctx, batch); err != nil {
		slog.Error("commit after venue settlement failed", "key", key.String(), "err", err)
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues(string(r.Kind), string(model.StatusExecuted)).Inc()
	metrics.RequestAge.Observe(now.Sub(r.CreatedAt).Seconds())

	slog.Info("request executed",
		"key", key.String(),
		"kind", r.Kind,
		"executor", caller,
		"price", price.String(),
		"payout", payout.String(),
	)
	ev := requestEvent(events.RequestExecuted, &executed)
	ev.Amounts["executed_price"] = price.String()
	ev.Amounts["payout"] = payout.String()
	e.publish(ctx, ev)
	return &executed, nil
}

// executionQuote pulls the venue price the request would fill at: the
// opening side on increase, the closing side on decrease.
func (e *Engine) executionQuote(ctx context.Context, r *model.Request) (decimal.Decimal, error) {
	if r.Kind == model.Increase {
		return e.venue.QuotePrice(ctx, r.Instrument, r.Direction)
	}
	return venue.ClosePrice(ctx, e.venue, r.Instrument, r.Direction)
}

// CancelRequest cancels a pending request and refunds its reservation.
// Owner only.
func (e *Engine) CancelRequest(ctx context.Context, caller string, key model.RequestKey) (*model.Request, error) {
	if err := e.authorize(caller, key.Account, model.RoleOwner); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(key.Account)
	defer unlock()

	r, err := e.store.GetRequest(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.resolveWithRefund(ctx, r, model.StatusCancelled, events.RequestCancelled)
}

// ExpireRequest moves a request past its max delay to Expired and refunds
// its reservation. Anyone may call it. Calling it on an already expired
// request is a no-op.
func (e *Engine) ExpireRequest(ctx context.Context, key model.RequestKey) (*model.Request, error) {
	unlock := e.locks.lock(key.Account)
	defer unlock()

	r, err := e.store.GetRequest(ctx, key)
	if err != nil {
		return nil, err
	}
	if r.Status == model.StatusExpired {
		return r, nil
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", model.ErrAlreadyResolved, key, r.Status)
	}
	if !e.window.Expired(*r, e.now()) {
		return nil, fmt.Errorf("%w: %s has not reached its max delay", model.ErrTooEarly, key)
	}
	return e.expireLocked(ctx, r)
}

func (e *Engine) expireLocked(ctx context.Context, r *model.Request) (*model.Request, error) {
	return e.resolveWithRefund(ctx, r, model.StatusExpired, events.RequestExpired)
}

// resolveWithRefund moves a pending request to a terminal state and returns
// its reservation to free collateral. The caller holds the account lock.
func (e *Engine) resolveWithRefund(ctx context.Context, r *model.Request, status model.RequestStatus, evType string) (*model.Request, error) {
	next, err := settlement.Transition(*r, status, e.now())
	if err != nil {
		return nil, err
	}
	c, err := e.controller(ctx, r.Key.Account)
	if err != nil {
		return nil, err
	}
	refund := r.Reservation()
	c.Reserved = c.Reserved.Sub(refund)
	c.Collateral = c.Collateral.Add(refund)

	if err := e.store.Commit(ctx, &store.Batch{Controller: c, Request: &next}); err != nil {
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues(string(r.Kind), string(status)).Inc()

	slog.Info("request resolved", "key", r.Key.String(), "status", status, "refund", refund.String())
	ev := requestEvent(evType, &next)
	ev.Amounts["refund"] = refund.String()
	e.publish(ctx, ev)
	return &next, nil
}

// GetRequest returns one request.
func (e *Engine) GetRequest(ctx context.Context, key model.RequestKey) (*model.Request, error) {
	unlock := e.locks.lock(key.Account)
	defer unlock()
	return e.store.GetRequest(ctx, key)
}

// ListRequests returns the account's requests in sequence order.
func (e *Engine) ListRequests(ctx context.Context, account string) ([]model.Request, error) {
	unlock := e.locks.lock(account)
	defer unlock()

	if _, err := e.controller(ctx, account); err != nil {
		return nil, err
	}
	return e.store.ListRequests(ctx, account)
}

// AcceptablePrice returns the venue price a new request would fill at now:
// the max price for longs, the min price for shorts. Clients use it to set
// a request's acceptable price.
func (e *Engine) AcceptablePrice(ctx context.Context, inst string, dir model.Direction) (decimal.Decimal, error) {
	id, err := instrument.Normalize(inst)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", model.ErrInvalidAmount, err)
	}
	if !dir.Valid() {
		return decimal.Zero, fmt.Errorf("%w: direction %q", model.ErrInvalidAmount, dir)
	}
	return e.venue.QuotePrice(ctx, id, dir)
}

func requestEvent(typ string, r *model.Request) events.Event {
	ev := events.New(typ, r.Key.Account, r.CreatedAt)
	if !r.ResolvedAt.IsZero() {
		ev.At = r.ResolvedAt.UTC()
	}
	ev.RequestKey = r.Key.String()
	ev.Instrument = r.Instrument
	ev.Direction = string(r.Direction)
	ev.Amounts = map[string]string{
		"kind":             string(r.Kind),
		"size_delta":       r.SizeDelta.String(),
		"collateral_delta": r.CollateralDelta.String(),
		"acceptable_price": r.AcceptablePrice.String(),
		"execution_fee":    r.ExecutionFee.String(),
	}
	return ev
}

func reason(err error) string {
	switch {
	case errors.Is(err, model.ErrTooEarly):
		return "too_early"
	case errors.Is(err, model.ErrExpired):
		return "expired"
	case errors.Is(err, model.ErrPriceOutOfBounds):
		return "price_out_of_bounds"
	default:
		return "other"
	}
}
