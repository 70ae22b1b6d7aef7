package market

import (
	"errors"
	"fmt"

	"github.com/easybet/market-engine/internal/model"
)

var (
	ErrInsufficientSupply = errors.New("market: insufficient supply")
	ErrInvalidQuantity    = errors.New("market: quantity must be positive")
	ErrPriceOverflow      = errors.New("market: total price overflows 256 bits")
)

// Allocate walks ordered listings and takes min(remaining, still needed)
// units from each until quantity is covered. The total is accumulated in
// exact wei. It is all-or-nothing: when the listings run out first the
// result is ErrInsufficientSupply and no plan.
func Allocate(ordered []model.Listing, quantity uint64) (*model.AllocationPlan, error) {
	if quantity == 0 {
		return nil, ErrInvalidQuantity
	}

	plan := &model.AllocationPlan{Quantity: quantity}
	need := quantity
	for _, l := range ordered {
		if need == 0 {
			break
		}
		n := min(l.Remaining, need)
		if n == 0 {
			continue
		}
		c := model.Consumption{
			ListingID: l.ID,
			TicketID:  l.TicketID,
			Seller:    l.Seller,
			UnitPrice: l.UnitPrice,
			Quantity:  n,
		}
		cost, err := c.Cost()
		if err == nil {
			plan.Total, err = plan.Total.Add(cost)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: at listing %d", ErrPriceOverflow, l.ID)
		}
		plan.Consumptions = append(plan.Consumptions, c)
		need -= n
	}
	if need > 0 {
		return nil, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientSupply, quantity, quantity-need)
	}

	if len(ordered) > 0 {
		plan.ProjectID = ordered[0].ProjectID
		plan.Option = ordered[0].Option
	}
	return plan, nil
}
