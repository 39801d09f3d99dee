// Package api exposes the margin engine over HTTP.
//
// Handlers are thin: decode, call one engine operation, encode. The caller
// identity comes from the X-Caller-ID header; authentication happens in
// front of this service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/engine"
	"github.com/kuru/margin-engine/internal/model"
)

// CallerHeader carries the authenticated identity of the caller.
const CallerHeader = "X-Caller-ID"

// Service serves the engine's operations.
type Service struct {
	eng *engine.Engine
}

// NewService creates the HTTP service for eng.
func NewService(eng *engine.Engine) *Service {
	return &Service{eng: eng}
}

// Routes mounts every endpoint on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts", s.CreateAccount)
	r.Route("/accounts/{account}", func(r chi.Router) {
		r.Get("/", s.GetAccount)
		r.Get("/health", s.GetHealth)
		r.Post("/collateral", s.DepositCollateral)
		r.Post("/collateral/withdraw", s.WithdrawCollateral)
		r.Put("/min-execution-fee", s.SetMinExecutionFee)

		r.Get("/loan", s.GetLoan)
		r.Post("/borrow", s.Borrow)
		r.Post("/repay", s.Repay)

		r.Get("/positions", s.ListPositions)
		r.Get("/positions/{instrument}/{direction}", s.GetPosition)

		r.Get("/requests", s.ListRequests)
		r.Post("/requests/increase", s.RequestIncrease)
		r.Post("/requests/decrease", s.RequestDecrease)
		r.Get("/requests/{seq}", s.GetRequest)
		r.Post("/requests/{seq}/execute", s.ExecuteRequest)
		r.Post("/requests/{seq}/cancel", s.CancelRequest)
		r.Post("/requests/{seq}/expire", s.ExpireRequest)
	})

	r.Get("/pool", s.GetPool)
	r.Post("/pool/deposit", s.DepositLiquidity)
	r.Post("/pool/withdraw", s.WithdrawLiquidity)
	r.Get("/pool/providers/{provider}", s.GetProvider)

	r.Get("/keepers", s.ListKeepers)
	r.Put("/keepers/{keeper}", s.SetKeeper)

	r.Get("/venue/{instrument}/acceptable-price", s.AcceptablePrice)
}

// --- Request types ---

// AccountRequest is the JSON body for POST /accounts.
type AccountRequest struct {
	Account string `json:"account"`
}

// AmountRequest is the JSON body of every single-amount operation.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// SharesRequest is the JSON body for POST /pool/withdraw.
type SharesRequest struct {
	Shares decimal.Decimal `json:"shares"`
}

// PriceRequest is the JSON body for POST .../execute. A missing or zero
// price executes at the current venue quote.
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// FeeRequest is the JSON body for PUT .../min-execution-fee.
type FeeRequest struct {
	Fee decimal.Decimal `json:"fee"`
}

// KeeperRequest is the JSON body for PUT /keepers/{keeper}.
type KeeperRequest struct {
	Active bool `json:"active"`
}

// --- Helpers ---

func caller(r *http.Request) string {
	return r.Header.Get(CallerHeader)
}

func requestKey(r *http.Request) (model.RequestKey, bool) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq <= 0 {
		return model.RequestKey{}, false
	}
	return model.RequestKey{Account: chi.URLParam(r, "account"), Sequence: seq}, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps an engine error to its HTTP status. Errors an
// executor can retry with a later call carry Retry-After.
func writeEngineError(w http.ResponseWriter, err error) {
	retryable := model.Retryable(err)
	if retryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, errorStatus(err), map[string]any{
		"error":     err.Error(),
		"retryable": retryable,
	})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrTooEarly):
		return http.StatusTooEarly
	case errors.Is(err, model.ErrPriceOutOfBounds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrLtvExceeded),
		errors.Is(err, model.ErrOverRepay),
		errors.Is(err, model.ErrInsufficientLiquidity),
		errors.Is(err, model.ErrExpired),
		errors.Is(err, model.ErrAlreadyResolved):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
