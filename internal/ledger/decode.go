package ledger

import (
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/easybet/market-engine/internal/model"
)

// ListingRecord is a listing exactly as the ledger returned it. Every field
// is checked by DecodeListing before the record enters the engine.
type ListingRecord struct {
	ID        *big.Int
	ProjectID *big.Int
	TicketID  *big.Int
	Option    *big.Int
	Seller    common.Address
	UnitPrice *big.Int
	Quantity  *big.Int
	Remaining *big.Int
	Active    bool
	ListTime  *big.Int
}

// DecodeListing validates a raw record for the given project and option and
// converts it to a model.Listing.
func DecodeListing(rec ListingRecord, projectID uint64, option uint32) (model.Listing, error) {
	var l model.Listing
	var err error

	if l.ID, err = uintField("id", rec.ID); err != nil {
		return model.Listing{}, err
	}
	if l.ID == 0 {
		return model.Listing{}, fmt.Errorf("%w: id must be positive", ErrMalformedListing)
	}
	if l.ProjectID, err = uintField("project_id", rec.ProjectID); err != nil {
		return model.Listing{}, err
	}
	if l.ProjectID != projectID {
		return model.Listing{}, fmt.Errorf("%w: listing %d belongs to project %d, not %d",
			ErrMalformedListing, l.ID, l.ProjectID, projectID)
	}
	if l.TicketID, err = uintField("ticket_id", rec.TicketID); err != nil {
		return model.Listing{}, err
	}

	opt, err := uintField("option", rec.Option)
	if err != nil {
		return model.Listing{}, err
	}
	if opt > math.MaxUint32 || uint32(opt) != option {
		return model.Listing{}, fmt.Errorf("%w: listing %d has option %d, not %d",
			ErrMalformedListing, l.ID, opt, option)
	}
	l.Option = option

	if rec.Seller == (common.Address{}) {
		return model.Listing{}, fmt.Errorf("%w: listing %d has zero seller", ErrMalformedListing, l.ID)
	}
	l.Seller = rec.Seller

	if rec.UnitPrice == nil {
		return model.Listing{}, fmt.Errorf("%w: listing %d missing unit_price", ErrMalformedListing, l.ID)
	}
	if l.UnitPrice, err = model.WeiFromBig(rec.UnitPrice); err != nil {
		return model.Listing{}, fmt.Errorf("%w: listing %d unit_price: %v", ErrMalformedListing, l.ID, err)
	}
	if l.UnitPrice.IsZero() {
		return model.Listing{}, fmt.Errorf("%w: listing %d has zero unit_price", ErrMalformedListing, l.ID)
	}

	if l.Quantity, err = uintField("quantity", rec.Quantity); err != nil {
		return model.Listing{}, err
	}
	if l.Remaining, err = uintField("remaining_quantity", rec.Remaining); err != nil {
		return model.Listing{}, err
	}
	if l.Remaining > l.Quantity {
		return model.Listing{}, fmt.Errorf("%w: listing %d remaining %d exceeds quantity %d",
			ErrMalformedListing, l.ID, l.Remaining, l.Quantity)
	}

	l.Active = rec.Active
	if rec.ListTime != nil && rec.ListTime.IsInt64() {
		l.ListedAt = time.Unix(rec.ListTime.Int64(), 0).UTC()
	}
	return l, nil
}

func uintField(name string, v *big.Int) (uint64, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedListing, name)
	}
	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s %s out of range", ErrMalformedListing, name, v)
	}
	return v.Uint64(), nil
}
