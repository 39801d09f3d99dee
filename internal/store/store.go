// Package store defines the persistence interface for the margin engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), SQLite via gorm (single-node persistence) and in-memory (testing).
package store

import (
	"context"

	"github.com/kuru/margin-engine/internal/model"
)

// Store is the persistence interface. Reads return copies; every mutation
// goes through Commit so one engine operation lands all-or-nothing.
type Store interface {
	// --- Registry ---

	// CreateController persists a new controller. Fails with
	// model.ErrAlreadyExists if the account already has one.
	CreateController(ctx context.Context, c *model.Controller) error

	// GetController returns the account's controller or model.ErrNotFound.
	GetController(ctx context.Context, account string) (*model.Controller, error)

	// ListControllers returns every controller.
	ListControllers(ctx context.Context) ([]model.Controller, error)

	// --- Lending ---

	// GetLoan returns the account's loan. An account that never borrowed
	// gets a zero loan, not an error.
	GetLoan(ctx context.Context, account string) (*model.Loan, error)

	// GetPool returns the liquidity pool singleton.
	GetPool(ctx context.Context) (*model.Pool, error)

	// GetProvider returns a provider's share balance, zero if unknown.
	GetProvider(ctx context.Context, provider string) (*model.LiquidityProvider, error)

	// --- Positions and requests ---

	// GetPosition returns the position or model.ErrNotFound.
	GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error)

	// ListPositions returns the account's open positions.
	ListPositions(ctx context.Context, account string) ([]model.Position, error)

	// GetRequest returns the request or model.ErrNotFound.
	GetRequest(ctx context.Context, key model.RequestKey) (*model.Request, error)

	// ListRequests returns the account's requests ordered by sequence.
	ListRequests(ctx context.Context, account string) ([]model.Request, error)

	// Commit applies a batch atomically.
	Commit(ctx context.Context, b *Batch) error
}

// Batch is the entity set one engine operation writes. Nil fields are left
// untouched. Positions are upserted; DeletedPositions are removed.
type Batch struct {
	Controller       *model.Controller
	Loan             *model.Loan
	Pool             *model.Pool
	Provider         *model.LiquidityProvider
	Positions        []model.Position
	DeletedPositions []model.PositionKey
	Request          *model.Request
}

// Accounts returns the accounts whose cached reads the batch invalidates.
func (b *Batch) Accounts() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(a string) {
		if a != "" && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	if b.Controller != nil {
		add(b.Controller.Account)
	}
	if b.Loan != nil {
		add(b.Loan.Account)
	}
	if b.Request != nil {
		add(b.Request.Key.Account)
	}
	for _, p := range b.Positions {
		add(p.Account)
	}
	for _, k := range b.DeletedPositions {
		add(k.Account)
	}
	return out
}
