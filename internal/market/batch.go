package market

import (
	"errors"
	"fmt"

	"github.com/easybet/market-engine/internal/model"
)

// DefaultMaxBatchSize caps units per transaction. At the ledger's roughly
// 300k gas per unit, 50 units stay well under a 30M block gas limit.
const DefaultMaxBatchSize = 50

var ErrInvalidBatchSize = errors.New("market: batch size must be positive")

// SplitPlan slices a plan into consecutive batches of at most maxBatchSize
// units. A consumption that does not fit in the current batch is split
// across the boundary. Each batch's payment is the exact sum of its slices.
func SplitPlan(plan *model.AllocationPlan, maxBatchSize uint64) ([]model.Batch, error) {
	if maxBatchSize == 0 {
		return nil, ErrInvalidBatchSize
	}
	if plan == nil || plan.Quantity == 0 {
		return nil, ErrInvalidQuantity
	}

	chunks := chunk(plan.Consumptions, maxBatchSize)
	batches := make([]model.Batch, 0, len(chunks))
	for i, cs := range chunks {
		b, err := newBatch(i, plan.ProjectID, plan.Option, cs)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// SplitBatch re-slices one batch into consecutive pieces of at most size
// units. Pieces keep the parent's index.
func SplitBatch(b model.Batch, size uint64) ([]model.Batch, error) {
	if size == 0 {
		return nil, ErrInvalidBatchSize
	}
	chunks := chunk(b.Consumptions, size)
	out := make([]model.Batch, 0, len(chunks))
	for _, cs := range chunks {
		piece, err := newBatch(b.Index, b.ProjectID, b.Option, cs)
		if err != nil {
			return nil, err
		}
		out = append(out, piece)
	}
	return out, nil
}

func chunk(consumptions []model.Consumption, size uint64) [][]model.Consumption {
	var (
		out  [][]model.Consumption
		cur  []model.Consumption
		room = size
	)
	for _, c := range consumptions {
		left := c.Quantity
		for left > 0 {
			n := min(left, room)
			part := c
			part.Quantity = n
			cur = append(cur, part)
			left -= n
			room -= n
			if room == 0 {
				out = append(out, cur)
				cur = nil
				room = size
			}
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func newBatch(index int, projectID uint64, option uint32, cs []model.Consumption) (model.Batch, error) {
	b := model.Batch{
		Index:        index,
		ProjectID:    projectID,
		Option:       option,
		Consumptions: cs,
	}
	for _, c := range cs {
		cost, err := c.Cost()
		if err == nil {
			b.Payment, err = b.Payment.Add(cost)
		}
		if err != nil {
			return model.Batch{}, fmt.Errorf("%w: batch %d", ErrPriceOverflow, index)
		}
		b.Quantity += c.Quantity
	}
	return b, nil
}
