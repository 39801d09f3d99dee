package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kuru/margin-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	controllers map[string]*model.Controller
	loans       map[string]*model.Loan
	pool        model.Pool
	providers   map[string]*model.LiquidityProvider
	positions   map[model.PositionKey]*model.Position
	requests    map[model.RequestKey]*model.Request
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		controllers: make(map[string]*model.Controller),
		loans:       make(map[string]*model.Loan),
		providers:   make(map[string]*model.LiquidityProvider),
		positions:   make(map[model.PositionKey]*model.Position),
		requests:    make(map[model.RequestKey]*model.Request),
	}
}

func (s *MemoryStore) CreateController(_ context.Context, c *model.Controller) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.controllers[c.Account]; ok {
		return fmt.Errorf("%w: controller for %s", model.ErrAlreadyExists, c.Account)
	}
	// Store a copy to avoid external mutation.
	cp := *c
	s.controllers[c.Account] = &cp
	return nil
}

func (s *MemoryStore) GetController(_ context.Context, account string) (*model.Controller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.controllers[account]
	if !ok {
		return nil, fmt.Errorf("%w: controller for %s", model.ErrNotFound, account)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListControllers(_ context.Context) ([]model.Controller, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Controller, 0, len(s.controllers))
	for _, c := range s.controllers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

func (s *MemoryStore) GetLoan(_ context.Context, account string) (*model.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.loans[account]
	if !ok {
		return &model.Loan{Account: account}, nil
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) GetPool(_ context.Context) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := s.pool
	return &cp, nil
}

func (s *MemoryStore) GetProvider(_ context.Context, provider string) (*model.LiquidityProvider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lp, ok := s.providers[provider]
	if !ok {
		return &model.LiquidityProvider{Provider: provider}, nil
	}
	cp := *lp
	return &cp, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key model.PositionKey) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, fmt.Errorf("%w: position %s", model.ErrNotFound, key)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, account string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.Account == account {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].Direction < out[j].Direction
	})
	return out, nil
}

func (s *MemoryStore) GetRequest(_ context.Context, key model.RequestKey) (*model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[key]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", model.ErrNotFound, key)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRequests(_ context.Context, account string) ([]model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Request
	for k, r := range s.requests {
		if k.Account == account {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Sequence < out[j].Key.Sequence })
	return out, nil
}

// Commit applies the batch under the write lock. A batch naming a
// controller that does not exist is rejected before anything is written.
func (s *MemoryStore) Commit(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Controller != nil {
		if _, ok := s.controllers[b.Controller.Account]; !ok {
			return fmt.Errorf("%w: controller for %s", model.ErrNotFound, b.Controller.Account)
		}
	}

	if b.Controller != nil {
		cp := *b.Controller
		s.controllers[cp.Account] = &cp
	}
	if b.Loan != nil {
		cp := *b.Loan
		s.loans[cp.Account] = &cp
	}
	if b.Pool != nil {
		s.pool = *b.Pool
	}
	if b.Provider != nil {
		cp := *b.Provider
		s.providers[cp.Provider] = &cp
	}
	for _, p := range b.Positions {
		cp := p
		s.positions[p.Key()] = &cp
	}
	for _, k := range b.DeletedPositions {
		delete(s.positions, k)
	}
	if b.Request != nil {
		cp := *b.Request
		s.requests[cp.Key] = &cp
	}
	return nil
}
