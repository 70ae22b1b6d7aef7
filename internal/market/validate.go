package market

import (
	"log/slog"

	"github.com/easybet/market-engine/internal/metrics"
	"github.com/easybet/market-engine/internal/model"
)

// Validate keeps the listings that can actually be bought: active, with
// units remaining, and still owned by their seller. Listings whose seller
// lost the ticket are returned in stale. They are not an error; to a buyer
// they simply are not supply.
func Validate(entries []Entry) (valid []model.Listing, stale []uint64) {
	for _, e := range entries {
		if !purchasable(e.Listing) {
			continue
		}
		// common.Address is the 20-byte value, so hex case never matters.
		if e.Owner.Owner != e.Listing.Seller {
			slog.Debug("excluding stale listing",
				"listing_id", e.Listing.ID,
				"ticket_id", e.Listing.TicketID,
				"seller", e.Listing.Seller.Hex(),
				"owner", e.Owner.Owner.Hex(),
			)
			stale = append(stale, e.Listing.ID)
			continue
		}
		valid = append(valid, e.Listing)
	}
	if len(stale) > 0 {
		metrics.StaleListings.Add(float64(len(stale)))
	}
	return valid, stale
}
