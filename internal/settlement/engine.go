package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/easybet/market-engine/internal/market"
	"github.com/easybet/market-engine/internal/metrics"
	"github.com/easybet/market-engine/internal/model"
	"github.com/easybet/market-engine/internal/store"
)

// ErrPriceLimit is returned when a fresh plan costs more than the caller
// agreed to pay.
var ErrPriceLimit = errors.New("settlement: plan total exceeds price limit")

// Request asks to buy Quantity units of one project option.
type Request struct {
	ProjectID uint64
	Option    uint32
	Quantity  uint64

	// MaxTotal, when set, bounds the planned total in wei.
	MaxTotal *model.Wei
}

// Engine plans and settles purchases for the configured buyer. Every call
// re-plans from a fresh snapshot; a failed purchase is never resumed.
type Engine struct {
	planner  *market.Planner
	executor *Executor
	store    store.Store
	now      func() time.Time
}

// NewEngine wires a planner to an executor. The executor's settler decides
// the buyer identity.
func NewEngine(planner *market.Planner, executor *Executor, st store.Store) *Engine {
	return &Engine{planner: planner, executor: executor, store: st, now: time.Now}
}

// Buyer returns the address purchases settle to.
func (e *Engine) Buyer() common.Address {
	return e.executor.settler.Sender()
}

// Purchase runs PLANNING → BATCHING → EXECUTING → {DONE | FAILED}. A
// planning error leaves the purchase FAILED with FailedBatch -1 and nothing
// submitted. An execution error comes back with the purchase, whose batches
// show exactly what settled.
func (e *Engine) Purchase(ctx context.Context, req Request) (*model.Purchase, error) {
	now := e.now().UTC()
	p := &model.Purchase{
		ID:          uuid.New().String(),
		Buyer:       e.executor.settler.Sender(),
		ProjectID:   req.ProjectID,
		Option:      req.Option,
		Requested:   req.Quantity,
		State:       model.StatePlanning,
		FailedBatch: -1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreatePurchase(ctx, p); err != nil {
		return nil, fmt.Errorf("journal purchase: %w", err)
	}
	e.executor.sink.Publish(Event{Type: EventState, Purchase: *p})

	quote, err := e.planner.Quote(ctx, req.ProjectID, req.Option, req.Quantity)
	if err == nil && req.MaxTotal != nil && quote.Plan.Total.Cmp(*req.MaxTotal) > 0 {
		err = fmt.Errorf("%w: plan costs %s wei, limit %s wei", ErrPriceLimit, quote.Plan.Total, req.MaxTotal)
	}
	if err != nil {
		p.State = model.StateFailed
		p.Error = err.Error()
		p.UpdatedAt = e.now().UTC()
		e.executor.save(ctx, p)
		e.executor.sink.Publish(Event{Type: EventPurchaseFailed, Purchase: *p})
		metrics.PurchasesTotal.WithLabelValues(p.State.String()).Inc()
		slog.Info("purchase not planned", "purchase_id", p.ID, "quantity", req.Quantity, "error", err)
		return p, err
	}

	p.PlannedTotal = quote.Plan.Total
	e.executor.transition(ctx, p, model.StateBatching)
	slog.Info("purchase planned",
		"purchase_id", p.ID,
		"quantity", req.Quantity,
		"total_wei", quote.Plan.Total.String(),
		"batches", len(quote.Batches),
		"stale_excluded", len(quote.Stale),
	)

	return e.executor.Execute(ctx, p, quote.Batches)
}
