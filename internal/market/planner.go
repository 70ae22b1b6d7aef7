package market

import (
	"context"
	"errors"
	"time"

	"github.com/easybet/market-engine/internal/ledger"
	"github.com/easybet/market-engine/internal/metrics"
	"github.com/easybet/market-engine/internal/model"
)

// Quote is a priced plan against one snapshot. It is never cached: every
// purchase builds a new one.
type Quote struct {
	ProjectID  uint64                `json:"project_id"`
	Option     uint32                `json:"option"`
	Quantity   uint64                `json:"quantity"`
	Plan       *model.AllocationPlan `json:"plan"`
	Batches    []model.Batch         `json:"batches"`
	Stale      []uint64              `json:"stale_listings"`
	Dropped    []uint64              `json:"dropped_listings"`
	SnapshotAt time.Time             `json:"snapshot_at"`
}

// View is the purchasable side of a snapshot in canonical order.
type View struct {
	Snapshot   *Snapshot           `json:"-"`
	Listings   []model.Listing     `json:"listings"`
	Supply     uint64              `json:"supply"`
	Stale      []uint64            `json:"stale_listings"`
	Duplicates map[uint64][]uint64 `json:"duplicate_tickets"`
}

// Planner builds quotes from fresh snapshots.
type Planner struct {
	snapshots    *SnapshotReader
	maxBatchSize uint64
}

// NewPlanner creates a planner. maxBatchSize == 0 takes DefaultMaxBatchSize.
func NewPlanner(reader ledger.Reader, maxBatchSize uint64, ownerReadConcurrency int) *Planner {
	if maxBatchSize == 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	return &Planner{
		snapshots:    NewSnapshotReader(reader, ownerReadConcurrency),
		maxBatchSize: maxBatchSize,
	}
}

// MaxBatchSize returns the configured units-per-batch cap.
func (p *Planner) MaxBatchSize() uint64 {
	return p.maxBatchSize
}

// View snapshots the pool and returns what a buyer could purchase now.
func (p *Planner) View(ctx context.Context, projectID uint64, option uint32) (*View, error) {
	snap, err := p.snapshots.Read(ctx, projectID, option)
	if err != nil {
		return nil, err
	}
	return ViewOf(snap), nil
}

// Quote snapshots the pool and plans a purchase of quantity units.
func (p *Planner) Quote(ctx context.Context, projectID uint64, option uint32, quantity uint64) (*Quote, error) {
	if quantity == 0 {
		metrics.QuotesTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidQuantity
	}
	snap, err := p.snapshots.Read(ctx, projectID, option)
	if err != nil {
		metrics.QuotesTotal.WithLabelValues("read_error").Inc()
		return nil, err
	}
	q, err := PlanFromSnapshot(snap, quantity, p.maxBatchSize)
	switch {
	case errors.Is(err, ErrInsufficientSupply):
		metrics.QuotesTotal.WithLabelValues("insufficient").Inc()
	case err != nil:
		metrics.QuotesTotal.WithLabelValues("error").Inc()
	default:
		metrics.QuotesTotal.WithLabelValues("ok").Inc()
	}
	return q, err
}

// ViewOf validates and orders a snapshot.
func ViewOf(snap *Snapshot) *View {
	valid, stale := Validate(snap.Entries)
	book := NewBook(valid)
	return &View{
		Snapshot:   snap,
		Listings:   book.Ordered(),
		Supply:     book.Supply(),
		Stale:      stale,
		Duplicates: snap.DuplicateTickets(),
	}
}

// PlanFromSnapshot runs validation, ordering, allocation and batching over
// a snapshot. It reads nothing, so the same snapshot always yields the same
// quote.
func PlanFromSnapshot(snap *Snapshot, quantity, maxBatchSize uint64) (*Quote, error) {
	valid, stale := Validate(snap.Entries)
	plan, err := Allocate(Order(valid), quantity)
	if err != nil {
		return nil, err
	}
	plan.ProjectID = snap.ProjectID
	plan.Option = snap.Option

	batches, err := SplitPlan(plan, maxBatchSize)
	if err != nil {
		return nil, err
	}
	return &Quote{
		ProjectID:  snap.ProjectID,
		Option:     snap.Option,
		Quantity:   quantity,
		Plan:       plan,
		Batches:    batches,
		Stale:      stale,
		Dropped:    snap.Dropped,
		SnapshotAt: snap.TakenAt,
	}, nil
}
