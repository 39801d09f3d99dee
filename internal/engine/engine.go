// Package engine is the margin-lending and position-settlement engine.
//
// It ties the pure maths packages (pool, interest, valuation, settlement,
// exposure) to persistence, the venue and event delivery. Every mutating
// operation of an account runs under that account's lock; operations that
// move the pool reserve additionally take the pool lock, always after the
// account lock. Each operation commits its whole entity set in one
// store.Batch, so a failure leaves nothing half-applied.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/events"
	"github.com/kuru/margin-engine/internal/exposure"
	"github.com/kuru/margin-engine/internal/model"
	"github.com/kuru/margin-engine/internal/settlement"
	"github.com/kuru/margin-engine/internal/store"
	"github.com/kuru/margin-engine/internal/venue"
)

// Config holds the engine's risk and protocol parameters.
type Config struct {
	// LTVMax bounds debt as a fraction of portfolio value, in (0, 1].
	LTVMax decimal.Decimal

	// InterestRatePerSecond is the simple interest charged on principal.
	InterestRatePerSecond decimal.Decimal

	// MinExecutionFee is the floor given to newly created controllers.
	MinExecutionFee decimal.Decimal

	// MinDelay and MaxDelay bound when a request may execute.
	MinDelay time.Duration
	MaxDelay time.Duration

	// Gov may change fees and the keeper set.
	Gov string

	// Keepers may execute any account's requests.
	Keepers []string
}

// Engine serves every public operation.
type Engine struct {
	store   store.Store
	venue   venue.Venue
	limiter *exposure.Limiter
	pub     events.Publisher
	cfg     Config
	window  settlement.Window
	now     func() time.Time

	locks  *lockTable
	poolMu sync.Mutex

	govMu   sync.RWMutex
	keepers map[string]bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock. Tests drive time through it.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets where committed events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithLimiter enables exposure limits on increase requests.
func WithLimiter(l *exposure.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// New creates an engine over st and v.
func New(st store.Store, v venue.Venue, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		venue:   v,
		pub:     events.Nop{},
		cfg:     cfg,
		window:  settlement.Window{MinDelay: cfg.MinDelay, MaxDelay: cfg.MaxDelay},
		now:     func() time.Time { return time.Now().UTC() },
		locks:   newLockTable(),
		keepers: make(map[string]bool),
	}
	for _, k := range cfg.Keepers {
		e.keepers[k] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine's parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

// publish delivers a committed event. Delivery failures are logged and
// never undo the commit.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.pub.Publish(ctx, ev); err != nil {
		slog.Warn("event publish failed", "type", ev.Type, "account", ev.Account, "err", err)
	}
}

// controller loads the account's controller. The caller holds the account
// lock.
func (e *Engine) controller(ctx context.Context, account string) (*model.Controller, error) {
	c, err := e.store.GetController(ctx, account)
	if err != nil {
		return nil, err
	}
	if !c.Active {
		return nil, fmt.Errorf("%w: controller for %s is inactive", model.ErrNotFound, account)
	}
	return c, nil
}

// lockTable hands out one mutex per account. Entries are never removed:
// controllers are never destroyed either.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

// lock acquires account's mutex and returns its release.
func (t *lockTable) lock(account string) func() {
	t.mu.Lock()
	m, ok := t.locks[account]
	if !ok {
		m = &sync.Mutex{}
		t.locks[account] = m
	}
	t.mu.Unlock()

	m.Lock()
	return m.Unlock
}
