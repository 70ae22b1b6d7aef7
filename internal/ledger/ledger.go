// Package ledger defines the settlement contract the market engine talks to.
//
// The ledger independently re-derives every match: it collects a project's
// active listings in ascending id order, sorts them by unit price, greedily
// consumes the requested quantity and reverts unless the attached payment
// equals its own integer total. Implementations live in sub-packages (evm for
// an Ethereum-compatible chain, sim for an in-memory reference).
package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/easybet/market-engine/internal/model"
)

// Call is one settlement request: buy Quantity units of (ProjectID, Option)
// for exactly Payment wei.
type Call struct {
	From      common.Address
	ProjectID uint64
	Option    uint32
	Quantity  uint64
	Payment   model.Wei
}

// Reader is the read side of the ledger and asset registry.
type Reader interface {
	// Listings returns every listing recorded for the project whose ticket
	// belongs to the option, undecoded. A listing whose option cannot be
	// resolved is left out by the implementation.
	Listings(ctx context.Context, projectID uint64, option uint32) ([]ListingRecord, error)

	// OwnerOf returns the asset registry's current owner of a ticket.
	OwnerOf(ctx context.Context, ticketID uint64) (common.Address, error)
}

// Settler is the write side, bound to one buyer identity. It never exposes
// key material; signing happens behind it.
type Settler interface {
	// Sender is the address that pays for and receives the tickets.
	Sender() common.Address

	// EstimateCost returns the resource cost (gas) the call would consume.
	// A call that would revert returns a *RevertError.
	EstimateCost(ctx context.Context, call Call) (uint64, error)

	// Submit sends the call with the given resource ceiling. A zero hash
	// with an error means nothing left this process. A non-zero hash with an
	// error means the transaction may have reached the network and its fate
	// must be looked up, never re-sent.
	Submit(ctx context.Context, call Call, gasLimit uint64) (common.Hash, error)

	// WaitFinality blocks until the transaction is final or ctx is done.
	WaitFinality(ctx context.Context, tx common.Hash) (*model.Receipt, error)

	// Receipt looks up a transaction once. It returns ErrNotFound when the
	// ledger has no record of it.
	Receipt(ctx context.Context, tx common.Hash) (*model.Receipt, error)
}

// Ledger is a full ledger binding.
type Ledger interface {
	Reader
	Settler
}
