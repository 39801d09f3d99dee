package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuru/margin-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedController(t *testing.T, s *MemoryStore, account string) *model.Controller {
	t.Helper()
	c := &model.Controller{ID: "id-" + account, Account: account, Active: true, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateController(context.Background(), c))
	return c
}

func TestMemoryStore_CreateControllerTwice(t *testing.T) {
	s := NewMemoryStore()
	seedController(t, s, "alice")

	err := s.CreateController(context.Background(), &model.Controller{Account: "alice"})
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
}

func TestMemoryStore_MissingReads(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetController(ctx, "nobody")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.GetPosition(ctx, model.PositionKey{Account: "nobody", Instrument: "ETH-USD", Direction: model.Long})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.GetRequest(ctx, model.RequestKey{Account: "nobody", Sequence: 1})
	assert.ErrorIs(t, err, model.ErrNotFound)

	loan, err := s.GetLoan(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, loan.Debt().IsZero())

	lp, err := s.GetProvider(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, lp.Shares.IsZero())
}

func TestMemoryStore_CommitBatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := seedController(t, s, "alice")

	c.Collateral = d(900)
	c.Reserved = d(100)
	c.NextSequence = 1
	pos := model.Position{Account: "alice", Instrument: "ETH-USD", Direction: model.Long, Size: d(1000), Collateral: d(100)}
	req := model.Request{Key: model.RequestKey{Account: "alice", Sequence: 1}, Status: model.StatusPending}

	require.NoError(t, s.Commit(ctx, &Batch{
		Controller: c,
		Loan:       &model.Loan{Account: "alice", Principal: d(50)},
		Pool:       &model.Pool{Reserve: d(950), TotalShares: d(1000), OutstandingLoans: d(50)},
		Provider:   &model.LiquidityProvider{Provider: "lp", Shares: d(1000)},
		Positions:  []model.Position{pos},
		Request:    &req,
	}))

	got, err := s.GetController(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.Balance().Equal(d(1000)))

	loan, _ := s.GetLoan(ctx, "alice")
	assert.True(t, loan.Principal.Equal(d(50)))

	p, _ := s.GetPool(ctx)
	assert.True(t, p.NAV().Equal(d(1000)))

	positions, _ := s.ListPositions(ctx, "alice")
	require.Len(t, positions, 1)

	requests, _ := s.ListRequests(ctx, "alice")
	require.Len(t, requests, 1)

	// Deleting the position leaves the rest untouched.
	require.NoError(t, s.Commit(ctx, &Batch{DeletedPositions: []model.PositionKey{pos.Key()}}))
	positions, _ = s.ListPositions(ctx, "alice")
	assert.Empty(t, positions)
}

func TestMemoryStore_CommitUnknownControllerWritesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Commit(ctx, &Batch{
		Controller: &model.Controller{Account: "ghost"},
		Pool:       &model.Pool{Reserve: d(1)},
	})
	assert.ErrorIs(t, err, model.ErrNotFound)

	p, _ := s.GetPool(ctx)
	assert.True(t, p.Reserve.IsZero())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedController(t, s, "alice")

	got, _ := s.GetController(ctx, "alice")
	got.Collateral = d(1e6)

	again, _ := s.GetController(ctx, "alice")
	assert.True(t, again.Collateral.IsZero())
}

func TestBatch_Accounts(t *testing.T) {
	b := &Batch{
		Controller: &model.Controller{Account: "alice"},
		Loan:       &model.Loan{Account: "alice"},
		Positions:  []model.Position{{Account: "bob"}},
	}
	assert.Equal(t, []string{"alice", "bob"}, b.Accounts())
}
