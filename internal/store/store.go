// Package store defines the purchase journal of the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and LEDGER_MODE=sim).
//
// The journal records what the engine attempted and what the ledger
// confirmed. It is never consulted for planning: listings and ownership are
// always re-read from the ledger.
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/easybet/market-engine/internal/model"
)

var (
	ErrNotFound  = errors.New("store: purchase not found")
	ErrDuplicate = errors.New("store: purchase already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// CreatePurchase persists a new purchase without its batches.
	CreatePurchase(ctx context.Context, p *model.Purchase) error

	// UpdatePurchase writes state, totals, error and failed batch.
	UpdatePurchase(ctx context.Context, p *model.Purchase) error

	// PutBatchResult inserts or replaces the result at r.Index.
	PutBatchResult(ctx context.Context, purchaseID string, r *model.BatchResult) error

	// GetPurchase returns a purchase with its batches in index order.
	GetPurchase(ctx context.Context, id string) (*model.Purchase, error)

	// ListPurchasesByBuyer returns a buyer's purchases, newest first, each
	// with its batches in index order.
	ListPurchasesByBuyer(ctx context.Context, buyer common.Address) ([]model.Purchase, error)
}
