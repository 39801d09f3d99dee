package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kuru/margin-engine/internal/engine"
	"github.com/kuru/margin-engine/internal/model"
)

// --- Accounts ---

// CreateAccount handles POST /api/v1/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		writeError(w, "account is required", http.StatusBadRequest)
		return
	}
	c, err := s.eng.CreateAccount(r.Context(), caller(r), req.Account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetAccount handles GET /api/v1/accounts/{account}
// Returns the live valuation: collateral, positions, debt and health.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	v, err := s.eng.Valuate(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetHealth handles GET /api/v1/accounts/{account}/health
func (s *Service) GetHealth(w http.ResponseWriter, r *http.Request) {
	v, err := s.eng.Valuate(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":         v.Account,
		"portfolio_value": v.PortfolioValue,
		"debt":            v.Debt,
		"health_factor":   v.HealthFactor,
	})
}

// DepositCollateral handles POST /api/v1/accounts/{account}/collateral
func (s *Service) DepositCollateral(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.eng.DepositCollateral(r.Context(), caller(r), chi.URLParam(r, "account"), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// WithdrawCollateral handles POST /api/v1/accounts/{account}/collateral/withdraw
func (s *Service) WithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.eng.WithdrawCollateral(r.Context(), caller(r), chi.URLParam(r, "account"), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// SetMinExecutionFee handles PUT /api/v1/accounts/{account}/min-execution-fee
func (s *Service) SetMinExecutionFee(w http.ResponseWriter, r *http.Request) {
	var req FeeRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.eng.SetMinExecutionFee(r.Context(), caller(r), chi.URLParam(r, "account"), req.Fee)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- Loans ---

// GetLoan handles GET /api/v1/accounts/{account}/loan
func (s *Service) GetLoan(w http.ResponseWriter, r *http.Request) {
	ls, err := s.eng.LoanStatus(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

// Borrow handles POST /api/v1/accounts/{account}/borrow
func (s *Service) Borrow(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	ls, err := s.eng.Borrow(r.Context(), caller(r), chi.URLParam(r, "account"), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

// Repay handles POST /api/v1/accounts/{account}/repay
func (s *Service) Repay(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	ls, err := s.eng.Repay(r.Context(), caller(r), chi.URLParam(r, "account"), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

// --- Positions ---

// ListPositions handles GET /api/v1/accounts/{account}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.eng.ListPositions(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/accounts/{account}/positions/{instrument}/{direction}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	dir, err := model.ParseDirection(chi.URLParam(r, "direction"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	p, err := s.eng.Position(r.Context(), chi.URLParam(r, "account"), chi.URLParam(r, "instrument"), dir)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Requests ---

// RequestIncrease handles POST /api/v1/accounts/{account}/requests/increase
func (s *Service) RequestIncrease(w http.ResponseWriter, r *http.Request) {
	s.request(w, r, s.eng.RequestIncrease)
}

// RequestDecrease handles POST /api/v1/accounts/{account}/requests/decrease
func (s *Service) RequestDecrease(w http.ResponseWriter, r *http.Request) {
	s.request(w, r, s.eng.RequestDecrease)
}

type requestFunc func(ctx context.Context, caller string, pc engine.PositionChange) (*model.Request, error)

func (s *Service) request(w http.ResponseWriter, r *http.Request, fn requestFunc) {
	var pc engine.PositionChange
	if !decode(w, r, &pc) {
		return
	}
	pc.Account = chi.URLParam(r, "account")
	req, err := fn(r.Context(), caller(r), pc)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListRequests handles GET /api/v1/accounts/{account}/requests
func (s *Service) ListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.eng.ListRequests(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if reqs == nil {
		reqs = []model.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

// GetRequest handles GET /api/v1/accounts/{account}/requests/{seq}
func (s *Service) GetRequest(w http.ResponseWriter, r *http.Request) {
	key, ok := requestKey(r)
	if !ok {
		writeError(w, "invalid request sequence", http.StatusBadRequest)
		return
	}
	req, err := s.eng.GetRequest(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ExecuteRequest handles POST /api/v1/accounts/{account}/requests/{seq}/execute
// An empty body executes at the venue's current quote.
func (s *Service) ExecuteRequest(w http.ResponseWriter, r *http.Request) {
	key, ok := requestKey(r)
	if !ok {
		writeError(w, "invalid request sequence", http.StatusBadRequest)
		return
	}
	var req PriceRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	executed, err := s.eng.ExecuteRequest(r.Context(), caller(r), key, req.Price)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executed)
}

// CancelRequest handles POST /api/v1/accounts/{account}/requests/{seq}/cancel
func (s *Service) CancelRequest(w http.ResponseWriter, r *http.Request) {
	key, ok := requestKey(r)
	if !ok {
		writeError(w, "invalid request sequence", http.StatusBadRequest)
		return
	}
	req, err := s.eng.CancelRequest(r.Context(), caller(r), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ExpireRequest handles POST /api/v1/accounts/{account}/requests/{seq}/expire
func (s *Service) ExpireRequest(w http.ResponseWriter, r *http.Request) {
	key, ok := requestKey(r)
	if !ok {
		writeError(w, "invalid request sequence", http.StatusBadRequest)
		return
	}
	req, err := s.eng.ExpireRequest(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- Pool ---

// GetPool handles GET /api/v1/pool
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.PoolStatus(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// DepositLiquidity handles POST /api/v1/pool/deposit
// The caller is the liquidity provider.
func (s *Service) DepositLiquidity(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := s.eng.Deposit(r.Context(), caller(r), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// WithdrawLiquidity handles POST /api/v1/pool/withdraw
func (s *Service) WithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	var req SharesRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := s.eng.WithdrawLiquidity(r.Context(), caller(r), req.Shares)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// GetProvider handles GET /api/v1/pool/providers/{provider}
func (s *Service) GetProvider(w http.ResponseWriter, r *http.Request) {
	lp, err := s.eng.ProviderShares(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lp)
}

// --- Governance ---

// ListKeepers handles GET /api/v1/keepers
func (s *Service) ListKeepers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Keepers())
}

// SetKeeper handles PUT /api/v1/keepers/{keeper}
func (s *Service) SetKeeper(w http.ResponseWriter, r *http.Request) {
	var req KeeperRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.eng.SetKeeper(r.Context(), caller(r), chi.URLParam(r, "keeper"), req.Active); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.eng.Keepers())
}

// --- Venue ---

// AcceptablePrice handles GET /api/v1/venue/{instrument}/acceptable-price?direction=LONG
// Returns the max price for longs and the min price for shorts.
func (s *Service) AcceptablePrice(w http.ResponseWriter, r *http.Request) {
	dir, err := model.ParseDirection(r.URL.Query().Get("direction"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	inst := chi.URLParam(r, "instrument")
	price, err := s.eng.AcceptablePrice(r.Context(), inst, dir)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument": inst,
		"direction":  dir,
		"price":      price,
	})
}
