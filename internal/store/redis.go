package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kuru/margin-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Commits go to the primary store and invalidate the touched
// accounts; reads check Redis first then fall back to the primary.
//
// Only controllers and position lists are cached. Loans, the pool and
// requests are read on every mutating path and always come from the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateController(ctx context.Context, c *model.Controller) error {
	if err := s.primary.CreateController(ctx, c); err != nil {
		return err
	}
	s.cacheJSON(ctx, controllerKey(c.Account), c)
	return nil
}

func (s *CachedStore) Commit(ctx context.Context, b *Batch) error {
	if err := s.primary.Commit(ctx, b); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	var keys []string
	for _, account := range b.Accounts() {
		keys = append(keys, controllerKey(account), positionsKey(account))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetController(ctx context.Context, account string) (*model.Controller, error) {
	var c model.Controller
	if s.readJSON(ctx, controllerKey(account), &c) {
		return &c, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetController(ctx, account)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, controllerKey(account), got)
	return got, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, account string) ([]model.Position, error) {
	var positions []model.Position
	if s.readJSON(ctx, positionsKey(account), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, account)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, positionsKey(account), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListControllers(ctx context.Context) ([]model.Controller, error) {
	return s.primary.ListControllers(ctx)
}

func (s *CachedStore) GetLoan(ctx context.Context, account string) (*model.Loan, error) {
	return s.primary.GetLoan(ctx, account)
}

func (s *CachedStore) GetPool(ctx context.Context) (*model.Pool, error) {
	return s.primary.GetPool(ctx)
}

func (s *CachedStore) GetProvider(ctx context.Context, provider string) (*model.LiquidityProvider, error) {
	return s.primary.GetProvider(ctx, provider)
}

func (s *CachedStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	return s.primary.GetPosition(ctx, key)
}

func (s *CachedStore) GetRequest(ctx context.Context, key model.RequestKey) (*model.Request, error) {
	return s.primary.GetRequest(ctx, key)
}

func (s *CachedStore) ListRequests(ctx context.Context, account string) ([]model.Request, error) {
	return s.primary.ListRequests(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) readJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func controllerKey(account string) string { return fmt.Sprintf("margin:controller:%s", account) }
func positionsKey(account string) string  { return fmt.Sprintf("margin:positions:%s", account) }
