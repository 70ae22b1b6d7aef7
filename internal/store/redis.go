package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/easybet/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Only terminal purchases
// are cached, since a purchase still executing changes with every batch.
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

func (s *CachedStore) CreatePurchase(ctx context.Context, p *model.Purchase) error {
	return s.primary.CreatePurchase(ctx, p)
}

func (s *CachedStore) UpdatePurchase(ctx context.Context, p *model.Purchase) error {
	if err := s.primary.UpdatePurchase(ctx, p); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, purchaseKey(p.ID))
	return nil
}

func (s *CachedStore) PutBatchResult(ctx context.Context, purchaseID string, r *model.BatchResult) error {
	if err := s.primary.PutBatchResult(ctx, purchaseID, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, purchaseKey(purchaseID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPurchase(ctx context.Context, id string) (*model.Purchase, error) {
	data, err := s.rdb.Get(ctx, purchaseKey(id)).Bytes()
	if err == nil {
		var p model.Purchase
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.State.Terminal() {
		if data, err := json.Marshal(p); err == nil {
			s.rdb.Set(ctx, purchaseKey(id), data, s.ttl)
		}
	}
	return p, nil
}

// --- Passthrough (not cached) ---

// ListPurchasesByBuyer is served by the primary: the list mixes terminal
// and in-flight purchases.
func (s *CachedStore) ListPurchasesByBuyer(ctx context.Context, buyer common.Address) ([]model.Purchase, error) {
	return s.primary.ListPurchasesByBuyer(ctx, buyer)
}

// --- Cache helpers ---

func purchaseKey(id string) string { return fmt.Sprintf("purchase:%s", id) }
