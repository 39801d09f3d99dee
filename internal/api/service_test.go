package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kuru/margin-engine/internal/api"
	"github.com/kuru/margin-engine/internal/engine"
	"github.com/kuru/margin-engine/internal/events"
	"github.com/kuru/margin-engine/internal/model"
	"github.com/kuru/margin-engine/internal/store"
	"github.com/kuru/margin-engine/internal/venue"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

type testEnv struct {
	router chi.Router
	clock  *testClock
	venue  *venue.Simulated
}

// newTestEnv creates the HTTP service over an in-memory engine.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	v := venue.NewSimulated(map[string]decimal.Decimal{"ETH-USD": d(2000)}, d(0.001))
	eng := engine.New(store.NewMemoryStore(), v, engine.Config{
		LTVMax:                d(0.5),
		InterestRatePerSecond: d(0.0001),
		MinDelay:              30 * time.Second,
		MaxDelay:              5 * time.Minute,
		Gov:                   "gov",
		Keepers:               []string{"keeper"},
	}, engine.WithClock(clk.Now), engine.WithPublisher(events.Nop{}))

	r := chi.NewRouter()
	r.Route("/api/v1", api.NewService(eng).Routes)
	return &testEnv{router: r, clock: clk, venue: v}
}

func (e *testEnv) do(t *testing.T, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(api.CallerHeader, caller)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) mustDo(t *testing.T, method, path, caller string, body any, want int) *httptest.ResponseRecorder {
	t.Helper()
	w := e.do(t, method, path, caller, body)
	if w.Code != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, w.Code, w.Body.String())
	}
	return w
}

// seedAccount creates alice with 1000 collateral and a 10000 pool.
func (e *testEnv) seedAccount(t *testing.T) {
	t.Helper()
	e.mustDo(t, "POST", "/api/v1/accounts", "alice", api.AccountRequest{Account: "alice"}, http.StatusCreated)
	e.mustDo(t, "POST", "/api/v1/accounts/alice/collateral", "alice", api.AmountRequest{Amount: d(1000)}, http.StatusOK)
	e.mustDo(t, "POST", "/api/v1/pool/deposit", "lp", api.AmountRequest{Amount: d(10000)}, http.StatusOK)
}

func TestCreateAccount_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	env.mustDo(t, "POST", "/api/v1/accounts", "alice", api.AccountRequest{Account: "alice"}, http.StatusCreated)
	env.mustDo(t, "POST", "/api/v1/accounts", "alice", api.AccountRequest{Account: "alice"}, http.StatusConflict)
}

func TestCreateAccount_Forbidden(t *testing.T) {
	env := newTestEnv(t)
	env.mustDo(t, "POST", "/api/v1/accounts", "mallory", api.AccountRequest{Account: "alice"}, http.StatusForbidden)
	env.mustDo(t, "POST", "/api/v1/accounts", "", api.AccountRequest{Account: "alice"}, http.StatusForbidden)
}

func TestCreateAccount_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/accounts", bytes.NewReader([]byte("{")))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	env := newTestEnv(t)
	env.mustDo(t, "GET", "/api/v1/accounts/nobody", "", nil, http.StatusNotFound)
}

func TestBorrow_LtvLimit(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t)

	w := env.mustDo(t, "POST", "/api/v1/accounts/alice/borrow", "alice", api.AmountRequest{Amount: d(500)}, http.StatusOK)
	var ls engine.LoanStatus
	if err := json.NewDecoder(w.Body).Decode(&ls); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ls.Principal.Equal(d(500)) {
		t.Errorf("expected principal 500, got %s", ls.Principal)
	}

	env.mustDo(t, "POST", "/api/v1/accounts/alice/borrow", "alice", api.AmountRequest{Amount: d(1)}, http.StatusConflict)
	env.mustDo(t, "POST", "/api/v1/accounts/alice/borrow", "bob", api.AmountRequest{Amount: d(1)}, http.StatusForbidden)
}

func TestLoan_AccruesInterest(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t)
	env.mustDo(t, "POST", "/api/v1/accounts/alice/borrow", "alice", api.AmountRequest{Amount: d(200)}, http.StatusOK)

	env.clock.Advance(50 * time.Second)
	w := env.mustDo(t, "GET", "/api/v1/accounts/alice/loan", "", nil, http.StatusOK)
	var ls engine.LoanStatus
	if err := json.NewDecoder(w.Body).Decode(&ls); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 200 × 0.0001 × 50
	if !ls.PendingInterest.Equal(d(1)) {
		t.Errorf("expected pending interest 1, got %s", ls.PendingInterest)
	}

	env.mustDo(t, "POST", "/api/v1/accounts/alice/repay", "alice", api.AmountRequest{Amount: d(500)}, http.StatusConflict)
	env.mustDo(t, "POST", "/api/v1/accounts/alice/repay", "alice", api.AmountRequest{Amount: d(201)}, http.StatusOK)
}

func TestRequestLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t)

	w := env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/increase", "alice", engine.PositionChange{
		Instrument:      "ETH-USD",
		Direction:       model.Long,
		SizeDelta:       d(1000),
		CollateralDelta: d(100),
		AcceptablePrice: d(2010),
	}, http.StatusCreated)
	var req model.Request
	if err := json.NewDecoder(w.Body).Decode(&req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Key.Sequence != 1 || req.Status != model.StatusPending {
		t.Fatalf("unexpected request: %+v", req)
	}

	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/1/execute", "keeper", api.PriceRequest{Price: d(2005)}, http.StatusTooEarly)

	env.clock.Advance(31 * time.Second)
	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/1/execute", "keeper", api.PriceRequest{Price: d(2100)}, http.StatusUnprocessableEntity)
	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/1/execute", "bob", api.PriceRequest{Price: d(2005)}, http.StatusForbidden)

	w = env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/1/execute", "keeper", nil, http.StatusOK)
	var executed model.Request
	if err := json.NewDecoder(w.Body).Decode(&executed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if executed.Status != model.StatusExecuted {
		t.Errorf("expected EXECUTED, got %s", executed.Status)
	}
	if !executed.ExecutedPrice.Equal(d(2002)) {
		t.Errorf("expected venue quote 2002, got %s", executed.ExecutedPrice)
	}

	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/1/execute", "keeper", nil, http.StatusConflict)
	env.mustDo(t, "GET", "/api/v1/accounts/alice/positions/ETH-USD/long", "", nil, http.StatusOK)
	env.mustDo(t, "GET", "/api/v1/accounts/alice/positions/ETH-USD/short", "", nil, http.StatusNotFound)

	w = env.mustDo(t, "GET", "/api/v1/accounts/alice/positions", "", nil, http.StatusOK)
	var positions []model.Position
	if err := json.NewDecoder(w.Body).Decode(&positions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
}

func TestExecute_RetryableErrors(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t)
	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/increase", "alice", engine.PositionChange{
		Instrument:      "ETH-USD",
		Direction:       model.Long,
		SizeDelta:       d(1000),
		CollateralDelta: d(100),
		AcceptablePrice: d(2010),
	}, http.StatusCreated)

	type errorBody struct {
		Error     string `json:"error"`
		Retryable bool   `json:"retryable"`
	}
	check := func(w *httptest.ResponseRecorder, retryable bool) {
		t.Helper()
		var body errorBody
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Error == "" {
			t.Errorf("expected an error message")
		}
		if body.Retryable != retryable {
			t.Errorf("expected retryable=%v, got %v", retryable, body.Retryable)
		}
		if got := w.Header().Get("Retry-After"); (got != "") != retryable {
			t.Errorf("unexpected Retry-After %q for retryable=%v", got, retryable)
		}
	}

	w := env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/1/execute", "keeper", api.PriceRequest{Price: d(2005)}, http.StatusTooEarly)
	check(w, true)

	env.clock.Advance(31 * time.Second)
	w = env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/1/execute", "keeper", api.PriceRequest{Price: d(2100)}, http.StatusUnprocessableEntity)
	check(w, true)

	w = env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/1/execute", "bob", api.PriceRequest{Price: d(2005)}, http.StatusForbidden)
	check(w, false)

	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/1/execute", "keeper", nil, http.StatusOK)
	w = env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/1/execute", "keeper", nil, http.StatusConflict)
	check(w, false)
}

func TestRequest_CancelAndExpire(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t)

	change := engine.PositionChange{
		Instrument:      "ETH-USD",
		Direction:       model.Short,
		SizeDelta:       d(500),
		CollateralDelta: d(50),
		AcceptablePrice: d(1990),
	}
	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/increase", "alice", change, http.StatusCreated)
	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/increase", "alice", change, http.StatusCreated)

	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/1/cancel", "keeper", nil, http.StatusForbidden)
	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/1/cancel", "alice", nil, http.StatusOK)
	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/1/cancel", "alice", nil, http.StatusConflict)

	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/2/expire", "", nil, http.StatusTooEarly)
	env.clock.Advance(6 * time.Minute)
	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/2/expire", "", nil, http.StatusOK)
	env.mustDo(t, "POST", "/api/v1/accounts/alice/requests/2/expire", "", nil, http.StatusOK)

	env.mustDo(t, "GET", "/api/v1/accounts/alice/requests/abc", "", nil, http.StatusBadRequest)
	env.mustDo(t, "GET", "/api/v1/accounts/alice/requests/9", "", nil, http.StatusNotFound)

	w := env.mustDo(t, "GET", "/api/v1/accounts/alice/requests", "", nil, http.StatusOK)
	var reqs []model.Request
	if err := json.NewDecoder(w.Body).Decode(&reqs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reqs) != 2 || reqs[0].Status != model.StatusCancelled || reqs[1].Status != model.StatusExpired {
		t.Errorf("unexpected requests: %+v", reqs)
	}
}

func TestPool_WithdrawBeyondReserve(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t)
	env.mustDo(t, "POST", "/api/v1/accounts/alice/borrow", "alice", api.AmountRequest{Amount: d(500)}, http.StatusOK)

	env.mustDo(t, "POST", "/api/v1/pool/withdraw", "lp", api.SharesRequest{Shares: d(9600)}, http.StatusConflict)
	env.mustDo(t, "POST", "/api/v1/pool/withdraw", "lp", api.SharesRequest{Shares: d(9500)}, http.StatusOK)

	w := env.mustDo(t, "GET", "/api/v1/pool", "", nil, http.StatusOK)
	var st engine.PoolStatus
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Reserve.IsZero() || !st.OutstandingLoans.Equal(d(500)) {
		t.Errorf("unexpected pool: %+v", st)
	}
}

func TestKeepers_GovOnly(t *testing.T) {
	env := newTestEnv(t)
	env.mustDo(t, "PUT", "/api/v1/keepers/bot", "alice", api.KeeperRequest{Active: true}, http.StatusForbidden)
	w := env.mustDo(t, "PUT", "/api/v1/keepers/bot", "gov", api.KeeperRequest{Active: true}, http.StatusOK)

	var keepers []string
	if err := json.NewDecoder(w.Body).Decode(&keepers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(keepers) != 2 {
		t.Errorf("expected 2 keepers, got %v", keepers)
	}
}

func TestAcceptablePrice(t *testing.T) {
	env := newTestEnv(t)

	w := env.mustDo(t, "GET", "/api/v1/venue/eth-usd/acceptable-price?direction=short", "", nil, http.StatusOK)
	var resp struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Price.Equal(d(1998)) {
		t.Errorf("expected short quote 1998, got %s", resp.Price)
	}

	env.mustDo(t, "GET", "/api/v1/venue/ETH-USD/acceptable-price?direction=up", "", nil, http.StatusBadRequest)
	env.mustDo(t, "GET", "/api/v1/venue/SOL-USD/acceptable-price?direction=long", "", nil, http.StatusNotFound)
}

func TestRateLimiter(t *testing.T) {
	limiter := api.NewRateLimiter(1, 2)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(api.CallerHeader, "alice")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected codes %v", codes)
	}

	// Another caller has its own bucket.
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(api.CallerHeader, "bob")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for bob, got %d", w.Code)
	}
}

func TestWSHub_PublishDoesNotBlock(t *testing.T) {
	hub := api.NewWSHub()
	ev := events.New(events.LoanIssued, "alice", time.Now())
	// No Run loop: the buffer fills and further events are dropped.
	for i := 0; i < 1000; i++ {
		if err := hub.Publish(context.Background(), ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
}
