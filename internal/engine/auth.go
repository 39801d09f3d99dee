package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/events"
	"github.com/kuru/margin-engine/internal/model"
	"github.com/kuru/margin-engine/internal/store"
)

// roles returns every capability caller holds with respect to account.
func (e *Engine) roles(caller, account string) []model.Role {
	if caller == "" {
		return nil
	}
	var out []model.Role
	if caller == account {
		out = append(out, model.RoleOwner)
	}
	if e.isKeeper(caller) {
		out = append(out, model.RoleKeeper)
	}
	if caller == e.cfg.Gov {
		out = append(out, model.RoleGov)
	}
	return out
}

// authorize fails with ErrUnauthorized unless caller holds one of need.
func (e *Engine) authorize(caller, account string, need ...model.Role) error {
	for _, have := range e.roles(caller, account) {
		for _, n := range need {
			if have == n {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %q lacks %v on %q", model.ErrUnauthorized, caller, need, account)
}

func (e *Engine) isKeeper(caller string) bool {
	e.govMu.RLock()
	defer e.govMu.RUnlock()
	return e.keepers[caller]
}

// SetKeeper adds or removes a keeper. Gov only.
func (e *Engine) SetKeeper(ctx context.Context, caller, keeper string, active bool) error {
	if err := e.authorize(caller, "", model.RoleGov); err != nil {
		return err
	}
	if keeper == "" {
		return fmt.Errorf("%w: keeper identity required", model.ErrInvalidAmount)
	}

	e.govMu.Lock()
	if active {
		e.keepers[keeper] = true
	} else {
		delete(e.keepers, keeper)
	}
	e.govMu.Unlock()

	slog.Info("keeper updated", "keeper", keeper, "active", active, "by", caller)
	ev := events.New(events.ParamsUpdated, "", e.now())
	ev.Amounts = map[string]string{"keeper": keeper, "active": fmt.Sprint(active)}
	e.publish(ctx, ev)
	return nil
}

// Keepers lists the current keepers.
func (e *Engine) Keepers() []string {
	e.govMu.RLock()
	defer e.govMu.RUnlock()
	out := make([]string, 0, len(e.keepers))
	for k := range e.keepers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SetMinExecutionFee changes the minimum execution fee of one controller.
// Gov only.
func (e *Engine) SetMinExecutionFee(ctx context.Context, caller, account string, fee decimal.Decimal) (*model.Controller, error) {
	if err := e.authorize(caller, account, model.RoleGov); err != nil {
		return nil, err
	}
	if fee.IsNegative() {
		return nil, fmt.Errorf("%w: fee %s is negative", model.ErrInvalidAmount, fee)
	}

	unlock := e.locks.lock(account)
	defer unlock()

	c, err := e.controller(ctx, account)
	if err != nil {
		return nil, err
	}
	c.MinExecutionFee = fee
	if err := e.store.Commit(ctx, &store.Batch{Controller: c}); err != nil {
		return nil, err
	}

	slog.Info("min execution fee updated", "account", account, "fee", fee.String())
	ev := events.New(events.ParamsUpdated, account, e.now())
	ev.Amounts = map[string]string{"min_execution_fee": fee.String()}
	e.publish(ctx, ev)
	return c, nil
}
