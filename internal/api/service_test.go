package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/easybet/market-engine/internal/api"
	"github.com/easybet/market-engine/internal/ledger/sim"
	"github.com/easybet/market-engine/internal/limits"
	"github.com/easybet/market-engine/internal/market"
	"github.com/easybet/market-engine/internal/model"
	"github.com/easybet/market-engine/internal/money"
	"github.com/easybet/market-engine/internal/settlement"
	"github.com/easybet/market-engine/internal/store"
)

var (
	buyer   = common.HexToAddress("0x00000000000000000000000000000000000b0e72")
	sellerA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	sellerB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	other   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func eth(t *testing.T, s string) model.Wei {
	t.Helper()
	w, err := money.ParseEther(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return w
}

type testEnv struct {
	ledger *sim.Ledger
	store  *store.MemoryStore
	router chi.Router
}

// newTestEnv wires a Service over a simulated ledger and in-memory store.
// A nil limiter disables holding limits; readOnly leaves out the engine.
func newTestEnv(t *testing.T, limiter *limits.PositionLimiter, readOnly bool) *testEnv {
	t.Helper()
	l := sim.New(sim.Config{})
	ms := store.NewMemoryStore()
	planner := market.NewPlanner(l, market.DefaultMaxBatchSize, 4)

	var engine *settlement.Engine
	if !readOnly {
		exec := settlement.NewExecutor(l.Account(buyer), ms, nil, settlement.Config{})
		engine = settlement.NewEngine(planner, exec, ms)
	}
	svc := api.NewService(planner, engine, ms, limiter)

	r := chi.NewRouter()
	r.Get("/api/v1/projects/{projectID}/options/{option}/listings", svc.GetListings)
	r.Post("/api/v1/quote", svc.Quote)
	r.Post("/api/v1/purchases", svc.Purchase)
	r.Get("/api/v1/purchases/{purchaseID}", svc.GetPurchase)
	r.Get("/api/v1/buyers/{address}/purchases", svc.ListBuyerPurchases)

	return &testEnv{ledger: l, store: ms, router: r}
}

// seedScenario lists ids 1 (0.015), 2 (0.01) and 3 (0.01), five units each.
func (e *testEnv) seedScenario(t *testing.T) {
	t.Helper()
	e.ledger.List(sellerB, 1, 0, 12, eth(t, "0.015"), 5)
	e.ledger.List(sellerA, 1, 0, 10, eth(t, "0.01"), 5)
	e.ledger.List(sellerA, 1, 0, 11, eth(t, "0.01"), 5)
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// --- Listings ---

func TestGetListings_CanonicalOrderWithoutStale(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.seedScenario(t)
	env.ledger.Transfer(11, other) // listing 3 goes stale

	w := env.do(t, "GET", "/api/v1/projects/1/options/0/listings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.ListingsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if len(resp.Listings) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(resp.Listings))
	}
	if resp.Listings[0].ID != 2 || resp.Listings[1].ID != 1 {
		t.Errorf("order = [%d %d], want [2 1]", resp.Listings[0].ID, resp.Listings[1].ID)
	}
	if resp.Listings[0].UnitPriceEth != "0.01" {
		t.Errorf("unit_price_eth = %q, want 0.01", resp.Listings[0].UnitPriceEth)
	}
	if resp.Supply != 10 {
		t.Errorf("supply = %d, want 10", resp.Supply)
	}
	if len(resp.Stale) != 1 || resp.Stale[0] != 3 {
		t.Errorf("stale = %v, want [3]", resp.Stale)
	}
}

func TestGetListings_ReportsDuplicateTickets(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.ledger.List(sellerA, 1, 0, 10, eth(t, "0.01"), 5)
	env.ledger.List(sellerA, 1, 0, 10, eth(t, "0.02"), 5)

	w := env.do(t, "GET", "/api/v1/projects/1/options/0/listings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.ListingsResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if ids := resp.Duplicates[10]; len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("duplicates[10] = %v, want [1 2]", ids)
	}
}

func TestGetListings_InvalidParams(t *testing.T) {
	env := newTestEnv(t, nil, true)

	for _, path := range []string{
		"/api/v1/projects/abc/options/0/listings",
		"/api/v1/projects/1/options/-1/listings",
		"/api/v1/projects/1/options/4294967296/listings",
	} {
		if w := env.do(t, "GET", path, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

// --- Quotes ---

func TestQuote_PriceThenID(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.seedScenario(t)

	w := env.do(t, "POST", "/api/v1/quote", api.QuoteRequest{ProjectID: 1, Option: 0, Quantity: 7})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.QuoteResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	// 5 × 0.01 from listing 2, 2 × 0.01 from listing 3.
	if resp.TotalEth != "0.07" {
		t.Errorf("total_eth = %q, want 0.07", resp.TotalEth)
	}
	if resp.TotalWei != "70000000000000000" {
		t.Errorf("total_wei = %q", resp.TotalWei)
	}
	c := resp.Quote.Plan.Consumptions
	if len(c) != 2 || c[0].ListingID != 2 || c[0].Quantity != 5 || c[1].ListingID != 3 || c[1].Quantity != 2 {
		t.Errorf("consumptions = %+v", c)
	}
	if len(resp.Batches) != 1 || resp.Batches[0].PaymentWei != resp.TotalWei {
		t.Errorf("batches = %+v", resp.Batches)
	}
	if len(env.ledger.Calls()) != 0 {
		t.Error("a quote must not submit anything")
	}
}

func TestQuote_Errors(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.seedScenario(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"zero quantity", api.QuoteRequest{ProjectID: 1, Quantity: 0}, http.StatusBadRequest},
		{"insufficient supply", api.QuoteRequest{ProjectID: 1, Quantity: 16}, http.StatusConflict},
		{"bad body", "not json", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do(t, "POST", "/api/v1/quote", tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

// --- Purchases ---

func TestPurchase_SettlesInBatches(t *testing.T) {
	env := newTestEnv(t, nil, false)
	env.ledger.List(sellerA, 1, 0, 10, eth(t, "0.01"), 100)
	env.ledger.List(sellerB, 1, 0, 11, eth(t, "0.02"), 100)

	w := env.do(t, "POST", "/api/v1/purchases", api.PurchaseRequest{ProjectID: 1, Quantity: 120})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.PurchaseResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	p := resp.Purchase
	if p == nil || p.State != model.StateDone {
		t.Fatalf("purchase = %+v", p)
	}
	if len(p.Batches) != 3 || p.SettledQuantity != 120 || resp.Unsettled != 0 {
		t.Errorf("batches = %d, settled = %d", len(p.Batches), p.SettledQuantity)
	}
	// 100 × 0.01 + 20 × 0.02
	if resp.SettledPaidEth != "1.4" {
		t.Errorf("settled_paid_eth = %q, want 1.4", resp.SettledPaidEth)
	}
	if got := env.ledger.Holdings(buyer, 1, 0); got != 120 {
		t.Errorf("ledger holdings = %d, want 120", got)
	}

	// The journal serves the same purchase.
	w = env.do(t, "GET", "/api/v1/purchases/"+p.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestPurchase_PriceLimit(t *testing.T) {
	env := newTestEnv(t, nil, false)
	env.seedScenario(t)

	w := env.do(t, "POST", "/api/v1/purchases", api.PurchaseRequest{ProjectID: 1, Quantity: 7, MaxTotalEth: "0.069"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	var resp api.PurchaseResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Purchase == nil || resp.Purchase.State != model.StateFailed || resp.Purchase.FailedBatch != -1 {
		t.Errorf("purchase = %+v", resp.Purchase)
	}
	if len(env.ledger.Calls()) != 0 {
		t.Error("nothing should be submitted over the price limit")
	}
}

func TestPurchase_InvalidMaxTotal(t *testing.T) {
	env := newTestEnv(t, nil, false)
	env.seedScenario(t)

	for _, v := range []string{"abc", "-1", "0.0000000000000000001"} {
		w := env.do(t, "POST", "/api/v1/purchases", api.PurchaseRequest{ProjectID: 1, Quantity: 1, MaxTotalEth: v})
		if w.Code != http.StatusBadRequest {
			t.Errorf("max_total_eth=%q: expected 400, got %d", v, w.Code)
		}
	}
}

func TestPurchase_DisabledWithoutEngine(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.seedScenario(t)

	w := env.do(t, "POST", "/api/v1/purchases", api.PurchaseRequest{ProjectID: 1, Quantity: 1})
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", w.Code)
	}
}

func TestPurchase_HoldingLimit(t *testing.T) {
	env := newTestEnv(t, limits.NewPositionLimiter(100, 0), false)
	env.ledger.List(sellerA, 1, 0, 10, eth(t, "0.01"), 200)

	w := env.do(t, "POST", "/api/v1/purchases", api.PurchaseRequest{ProjectID: 1, Quantity: 80})
	if w.Code != http.StatusOK {
		t.Fatalf("first purchase: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// 80 held + 30 = 110 > 100.
	w = env.do(t, "POST", "/api/v1/purchases", api.PurchaseRequest{ProjectID: 1, Quantity: 30})
	if w.Code != http.StatusConflict {
		t.Fatalf("second purchase: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "per-option") {
		t.Errorf("expected per-option limit error, got %s", w.Body.String())
	}
	if got := env.ledger.Holdings(buyer, 1, 0); got != 80 {
		t.Errorf("ledger holdings = %d, want 80", got)
	}
}

func TestGetPurchase_NotFound(t *testing.T) {
	env := newTestEnv(t, nil, true)

	if w := env.do(t, "GET", "/api/v1/purchases/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListBuyerPurchases(t *testing.T) {
	env := newTestEnv(t, nil, false)
	env.seedScenario(t)

	env.do(t, "POST", "/api/v1/purchases", api.PurchaseRequest{ProjectID: 1, Quantity: 2})
	env.do(t, "POST", "/api/v1/purchases", api.PurchaseRequest{ProjectID: 1, Quantity: 3})

	w := env.do(t, "GET", "/api/v1/buyers/"+buyer.Hex()+"/purchases", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var purchases []model.Purchase
	json.Unmarshal(w.Body.Bytes(), &purchases)
	if len(purchases) != 2 {
		t.Fatalf("expected 2 purchases, got %d", len(purchases))
	}

	w = env.do(t, "GET", "/api/v1/buyers/"+other.Hex()+"/purchases", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %d %s", w.Code, w.Body.String())
	}

	if w := env.do(t, "GET", "/api/v1/buyers/not-an-address/purchases", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- WebSocket ---

func TestWSHub_BroadcastsSettlementEvents(t *testing.T) {
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration races the dial returning; publish until a message lands.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				hub.Publish(settlement.Event{
					Type: settlement.EventPurchaseDone,
					Purchase: model.Purchase{
						ID:              "p-1",
						State:           model.StateDone,
						Requested:       5,
						SettledQuantity: 5,
						FailedBatch:     -1,
					},
				})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg api.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != settlement.EventPurchaseDone || msg.PurchaseID != "p-1" || msg.State != model.StateDone || msg.SettledQuantity != 5 {
		t.Errorf("message = %+v", msg)
	}
}
