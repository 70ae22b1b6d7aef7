package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/easybet/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	purchases map[string]*model.Purchase
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases: make(map[string]*model.Purchase),
	}
}

func (s *MemoryStore) CreatePurchase(_ context.Context, p *model.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.purchases[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	cp := clonePurchase(p)
	cp.Batches = nil
	s.purchases[p.ID] = cp
	return nil
}

func (s *MemoryStore) UpdatePurchase(_ context.Context, p *model.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.purchases[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	batches := existing.Batches
	cp := clonePurchase(p)
	cp.Batches = batches
	s.purchases[p.ID] = cp
	return nil
}

func (s *MemoryStore) PutBatchResult(_ context.Context, purchaseID string, r *model.BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[purchaseID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, purchaseID)
	}
	res := *r
	res.Fills = append([]model.Fill(nil), r.Fills...)
	for i := range p.Batches {
		if p.Batches[i].Index == r.Index {
			p.Batches[i] = res
			return nil
		}
	}
	p.Batches = append(p.Batches, res)
	sort.Slice(p.Batches, func(i, j int) bool { return p.Batches[i].Index < p.Batches[j].Index })
	return nil
}

func (s *MemoryStore) GetPurchase(_ context.Context, id string) (*model.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.purchases[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clonePurchase(p), nil
}

func (s *MemoryStore) ListPurchasesByBuyer(_ context.Context, buyer common.Address) ([]model.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Purchase
	for _, p := range s.purchases {
		if p.Buyer == buyer {
			out = append(out, *clonePurchase(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// clonePurchase deep-copies p so callers never share slices with the store.
func clonePurchase(p *model.Purchase) *model.Purchase {
	cp := *p
	cp.Batches = make([]model.BatchResult, len(p.Batches))
	for i, b := range p.Batches {
		b.Fills = append([]model.Fill(nil), b.Fills...)
		cp.Batches[i] = b
	}
	return &cp
}
