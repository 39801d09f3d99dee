// Package events carries engine state changes to subscribers: the Kafka
// topic for downstream consumers and the WebSocket hub for live clients.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	AccountCreated      = "account_created"
	CollateralDeposited = "collateral_deposited"
	CollateralWithdrawn = "collateral_withdrawn"
	LiquidityDeposited  = "liquidity_deposited"
	LiquidityWithdrawn  = "liquidity_withdrawn"
	LoanIssued          = "loan_issued"
	LoanRepaid          = "loan_repaid"
	RequestCreated      = "request_created"
	RequestExecuted     = "request_executed"
	RequestExpired      = "request_expired"
	RequestCancelled    = "request_cancelled"
	ParamsUpdated       = "params_updated"
)

// Event is one committed state change. Amounts are decimal strings.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Account    string            `json:"account,omitempty"`
	RequestKey string            `json:"request_key,omitempty"`
	Instrument string            `json:"instrument,omitempty"`
	Direction  string            `json:"direction,omitempty"`
	Amounts    map[string]string `json:"amounts,omitempty"`
	At         time.Time         `json:"at"`
}

// New stamps an event with a fresh id.
func New(typ, account string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: typ, Account: account, At: at.UTC()}
}

// Publisher delivers committed events. Publishing happens after the state
// change is durable, so a failure never rolls anything back.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	ch chan Event
}

// NewRecorder buffers up to size events; further events are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	select {
	case r.ch <- e:
	default:
	}
	return nil
}

// Drain returns every buffered event in publish order.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
