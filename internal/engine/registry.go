package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/events"
	"github.com/kuru/margin-engine/internal/metrics"
	"github.com/kuru/margin-engine/internal/model"
)

// controllerNamespace scopes controller IDs so the same account always
// derives the same controller ID.
var controllerNamespace = uuid.MustParse("8f0a4c5e-2b1d-5e7a-9c3f-6d4b2a1e0f93")

// ControllerID derives the deterministic controller ID for account.
func ControllerID(account string) string {
	return uuid.NewSHA1(controllerNamespace, []byte(account)).String()
}

// CreateAccount creates the account's position controller. The caller must
// be the account itself or gov. A second call fails with ErrAlreadyExists.
func (e *Engine) CreateAccount(ctx context.Context, caller, account string) (*model.Controller, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, fmt.Errorf("%w: account identity required", model.ErrInvalidAmount)
	}
	if err := e.authorize(caller, account, model.RoleOwner, model.RoleGov); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(account)
	defer unlock()

	now := e.now()
	c := &model.Controller{
		ID:              ControllerID(account),
		Account:         account,
		Collateral:      decimal.Zero,
		Reserved:        decimal.Zero,
		MinExecutionFee: e.cfg.MinExecutionFee,
		Active:          true,
		CreatedAt:       now,
	}
	if err := e.store.CreateController(ctx, c); err != nil {
		return nil, err
	}

	metrics.Controllers.Inc()
	slog.Info("controller created", "account", account, "controller_id", c.ID)
	e.publish(ctx, events.New(events.AccountCreated, account, now))
	return c, nil
}

// ControllerFor returns the account's controller or ErrNotFound.
func (e *Engine) ControllerFor(ctx context.Context, account string) (*model.Controller, error) {
	unlock := e.locks.lock(account)
	defer unlock()
	return e.controller(ctx, account)
}

// Accounts lists every controller.
func (e *Engine) Accounts(ctx context.Context) ([]model.Controller, error) {
	return e.store.ListControllers(ctx)
}
