// Package api provides the HTTP handlers for browsing the listing pool,
// quoting and buying ticket units, and querying the purchase journal.
//
// Amounts are exact wei strings. Ether strings alongside them are for
// display only and are never parsed back into a payment.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/easybet/market-engine/internal/ledger"
	"github.com/easybet/market-engine/internal/limits"
	"github.com/easybet/market-engine/internal/market"
	"github.com/easybet/market-engine/internal/model"
	"github.com/easybet/market-engine/internal/money"
	"github.com/easybet/market-engine/internal/settlement"
	"github.com/easybet/market-engine/internal/store"
)

// Service handles market operations. Purchases are serialized: the engine
// settles for one signer, and two purchases in flight would race for its
// nonces and for the same cheapest listings.
type Service struct {
	planner  *market.Planner
	engine   *settlement.Engine // nil disables purchases
	store    store.Store
	limiter  *limits.PositionLimiter
	validate *validator.Validate
	mu       sync.Mutex
}

// NewService creates a new API service. Pass a nil engine to serve quotes
// and history only, and a nil limiter to disable holding limits.
func NewService(planner *market.Planner, engine *settlement.Engine, st store.Store, limiter *limits.PositionLimiter) *Service {
	return &Service{
		planner:  planner,
		engine:   engine,
		store:    st,
		limiter:  limiter,
		validate: validator.New(),
	}
}

// --- Request/Response types ---

// QuoteRequest is the JSON body for POST /quote.
type QuoteRequest struct {
	ProjectID uint64 `json:"project_id"`
	Option    uint32 `json:"option"`
	Quantity  uint64 `json:"quantity" validate:"min=1"`
}

// PurchaseRequest is the JSON body for POST /purchases.
type PurchaseRequest struct {
	ProjectID uint64 `json:"project_id"`
	Option    uint32 `json:"option"`
	Quantity  uint64 `json:"quantity" validate:"min=1"`

	// MaxTotalEth bounds the re-planned total, in ether.
	MaxTotalEth string `json:"max_total_eth,omitempty" validate:"omitempty,numeric"`
}

// ListingView is a listing with its display price.
type ListingView struct {
	model.Listing
	UnitPriceEth string `json:"unit_price_eth"`
}

// ListingsResponse is the JSON body returned from GET .../listings.
type ListingsResponse struct {
	ProjectID  uint64              `json:"project_id"`
	Option     uint32              `json:"option"`
	Listings   []ListingView       `json:"listings"`
	Supply     uint64              `json:"supply"`
	Stale      []uint64            `json:"stale_listings"`
	Dropped    []uint64            `json:"dropped_listings"`
	Duplicates map[uint64][]uint64 `json:"duplicate_tickets"`
}

// BatchSummary is one planned batch with its exact payment.
type BatchSummary struct {
	Index      int    `json:"index"`
	Quantity   uint64 `json:"quantity"`
	PaymentWei string `json:"payment_wei"`
	PaymentEth string `json:"payment_eth"`
}

// QuoteResponse is the JSON body returned from POST /quote.
type QuoteResponse struct {
	Quote    *market.Quote  `json:"quote"`
	TotalWei string         `json:"total_wei"`
	TotalEth string         `json:"total_eth"`
	Batches  []BatchSummary `json:"batches"`
}

// PurchaseResponse is the JSON body returned from POST /purchases and
// GET /purchases/{purchaseID}.
type PurchaseResponse struct {
	Purchase        *model.Purchase `json:"purchase"`
	PlannedTotalEth string          `json:"planned_total_eth"`
	SettledPaidEth  string          `json:"settled_paid_eth"`
	Unsettled       uint64          `json:"unsettled_quantity"`
	Error           string          `json:"error,omitempty"`
}

// --- HTTP Handlers ---

// GetListings handles GET /api/v1/projects/{projectID}/options/{option}/listings
func (s *Service) GetListings(w http.ResponseWriter, r *http.Request) {
	projectID, option, ok := bucketParams(w, r)
	if !ok {
		return
	}

	view, err := s.planner.View(r.Context(), projectID, option)
	if err != nil {
		slog.Error("listing snapshot failed", "project_id", projectID, "option", option, "error", err)
		writeError(w, "failed to read listings", http.StatusBadGateway)
		return
	}

	listings := make([]ListingView, 0, len(view.Listings))
	for _, l := range view.Listings {
		listings = append(listings, ListingView{Listing: l, UnitPriceEth: money.FormatEther(l.UnitPrice)})
	}
	if len(view.Duplicates) > 0 {
		slog.Warn("tickets listed more than once", "project_id", projectID, "option", option, "tickets", len(view.Duplicates))
	}

	writeJSON(w, http.StatusOK, ListingsResponse{
		ProjectID:  projectID,
		Option:     option,
		Listings:   listings,
		Supply:     view.Supply,
		Stale:      nonNil(view.Stale),
		Dropped:    nonNil(view.Snapshot.Dropped),
		Duplicates: view.Duplicates,
	})
}

// Quote handles POST /api/v1/quote
// Plans against a fresh snapshot without submitting anything.
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !s.decode(w, r, &req) {
		return
	}

	q, err := s.planner.Quote(r.Context(), req.ProjectID, req.Option, req.Quantity)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	batches := make([]BatchSummary, 0, len(q.Batches))
	for _, b := range q.Batches {
		batches = append(batches, BatchSummary{
			Index:      b.Index,
			Quantity:   b.Quantity,
			PaymentWei: b.Payment.String(),
			PaymentEth: money.FormatEther(b.Payment),
		})
	}
	writeJSON(w, http.StatusOK, QuoteResponse{
		Quote:    q,
		TotalWei: q.Plan.Total.String(),
		TotalEth: money.FormatEther(q.Plan.Total),
		Batches:  batches,
	})
}

// Purchase handles POST /api/v1/purchases
// Re-plans from a fresh snapshot and settles batch by batch. A failed
// purchase is returned with its per-batch accounting; any retry is a new
// purchase.
func (s *Service) Purchase(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, "purchases are disabled: no signer configured", http.StatusNotImplemented)
		return
	}

	var req PurchaseRequest
	if !s.decode(w, r, &req) {
		return
	}

	settleReq := settlement.Request{
		ProjectID: req.ProjectID,
		Option:    req.Option,
		Quantity:  req.Quantity,
	}
	if req.MaxTotalEth != "" {
		limit, err := money.ParseEther(req.MaxTotalEth)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		settleReq.MaxTotal = &limit
	}

	ctx := r.Context()

	// Serialize purchase execution.
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLimits(ctx, settleReq); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	p, err := s.engine.Purchase(ctx, settleReq)
	if p == nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := purchaseResponse(p)
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPurchase handles GET /api/v1/purchases/{purchaseID}
func (s *Service) GetPurchase(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPurchase(r.Context(), chi.URLParam(r, "purchaseID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "purchase not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load purchase", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, purchaseResponse(p))
}

// ListBuyerPurchases handles GET /api/v1/buyers/{address}/purchases
// Returns the buyer's purchases, newest first.
func (s *Service) ListBuyerPurchases(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !common.IsHexAddress(addr) {
		writeError(w, "invalid buyer address", http.StatusBadRequest)
		return
	}

	purchases, err := s.store.ListPurchasesByBuyer(r.Context(), common.HexToAddress(addr))
	if err != nil {
		writeError(w, "failed to list purchases", http.StatusInternalServerError)
		return
	}
	if purchases == nil {
		purchases = []model.Purchase{}
	}
	writeJSON(w, http.StatusOK, purchases)
}

func (s *Service) checkLimits(ctx context.Context, req settlement.Request) error {
	if !s.limiter.Enabled() {
		return nil
	}
	history, err := s.store.ListPurchasesByBuyer(ctx, s.engine.Buyer())
	if err != nil {
		return err
	}
	return s.limiter.CheckLimit(limits.Key{ProjectID: req.ProjectID, Option: req.Option}, req.Quantity, limits.Holdings(history))
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func purchaseResponse(p *model.Purchase) PurchaseResponse {
	return PurchaseResponse{
		Purchase:        p,
		PlannedTotalEth: money.FormatEther(p.PlannedTotal),
		SettledPaidEth:  money.FormatEther(p.SettledPaid),
		Unsettled:       p.Unsettled(),
		Error:           p.Error,
	}
}

// statusFor maps engine errors onto HTTP statuses. Ledger refusals after
// planning are upstream failures; planning refusals are conflicts with the
// current pool.
func statusFor(err error) int {
	var rerr *ledger.RevertError
	switch {
	case errors.Is(err, market.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrInsufficientSupply),
		errors.Is(err, market.ErrPriceOverflow),
		errors.Is(err, settlement.ErrPriceLimit),
		errors.Is(err, limits.ErrPerOptionLimitExceeded),
		errors.Is(err, limits.ErrPerProjectLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrIndeterminate):
		return http.StatusAccepted
	case errors.As(err, &rerr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func bucketParams(w http.ResponseWriter, r *http.Request) (uint64, uint32, bool) {
	projectID, err := strconv.ParseUint(chi.URLParam(r, "projectID"), 10, 64)
	if err != nil {
		writeError(w, "invalid project id", http.StatusBadRequest)
		return 0, 0, false
	}
	option, err := strconv.ParseUint(chi.URLParam(r, "option"), 10, 32)
	if err != nil {
		writeError(w, "invalid option", http.StatusBadRequest)
		return 0, 0, false
	}
	return projectID, uint32(option), true
}

func nonNil(ids []uint64) []uint64 {
	if ids == nil {
		return []uint64{}
	}
	return ids
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
