// Package model defines the core domain types shared across the market engine.
// All monetary values are integer wei, never float64.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Listing is a seller's offer of fungible ticket units at a fixed unit price.
// IDs are assigned by the ledger, monotonically, and never reused.
type Listing struct {
	ID        uint64         `json:"id"`
	ProjectID uint64         `json:"project_id"`
	Option    uint32         `json:"option"`
	TicketID  uint64         `json:"ticket_id"`
	Seller    common.Address `json:"seller"`
	UnitPrice Wei            `json:"unit_price"`
	Quantity  uint64         `json:"quantity"`  // quantity at listing time
	Remaining uint64         `json:"remaining"` // units still purchasable
	Active    bool           `json:"active"`
	ListedAt  time.Time      `json:"listed_at"`
}

// OwnershipFact is a point-in-time read of the asset registry.
type OwnershipFact struct {
	TicketID uint64         `json:"ticket_id"`
	Owner    common.Address `json:"owner"`
	ReadAt   time.Time      `json:"read_at"`
}

// Consumption is one step of an allocation: quantity units taken from a
// single listing at its unit price.
type Consumption struct {
	ListingID uint64         `json:"listing_id"`
	TicketID  uint64         `json:"ticket_id"`
	Seller    common.Address `json:"seller"`
	UnitPrice Wei            `json:"unit_price"`
	Quantity  uint64         `json:"quantity"`
}

// Cost returns UnitPrice × Quantity.
func (c Consumption) Cost() (Wei, error) {
	return c.UnitPrice.MulUint64(c.Quantity)
}

// AllocationPlan is the ordered consumption sequence satisfying a request.
// Σ Consumptions[i].Quantity == Quantity always holds for a built plan.
type AllocationPlan struct {
	ProjectID    uint64        `json:"project_id"`
	Option       uint32        `json:"option"`
	Quantity     uint64        `json:"quantity"`
	Consumptions []Consumption `json:"consumptions"`
	Total        Wei           `json:"total"`
}

// Batch is a contiguous quantity slice of a plan, submitted as one ledger
// transaction.
type Batch struct {
	Index        int           `json:"index"`
	ProjectID    uint64        `json:"project_id"`
	Option       uint32        `json:"option"`
	Quantity     uint64        `json:"quantity"`
	Consumptions []Consumption `json:"consumptions"`
	Payment      Wei           `json:"payment"`
}

// Fill is one listing consumption as confirmed by the ledger.
type Fill struct {
	ListingID uint64         `json:"listing_id"`
	ProjectID uint64         `json:"project_id"`
	TicketID  uint64         `json:"ticket_id"`
	Seller    common.Address `json:"seller"`
	Buyer     common.Address `json:"buyer"`
	UnitPrice Wei            `json:"unit_price"`
	Quantity  uint64         `json:"quantity"`
}

// Receipt is the finalized outcome of a submitted transaction.
type Receipt struct {
	TxHash       common.Hash `json:"tx_hash"`
	Success      bool        `json:"success"`
	BlockNumber  uint64      `json:"block_number"`
	GasUsed      uint64      `json:"gas_used"`
	Fills        []Fill      `json:"fills"`
	RevertReason string      `json:"revert_reason,omitempty"`

	// FillsError is set on a successful receipt whose fill events could
	// not be decoded. The transaction still settled.
	FillsError string `json:"fills_error,omitempty"`
}

// BatchResult records what happened to one batch of a purchase.
type BatchResult struct {
	Index    int         `json:"index"`
	Quantity uint64      `json:"quantity"`
	Payment  Wei         `json:"payment"`
	GasLimit uint64      `json:"gas_limit"`
	TxHash   common.Hash `json:"tx_hash"`
	Status   BatchStatus `json:"status"`
	Fills    []Fill      `json:"fills"`
	Settled  uint64      `json:"settled_quantity"`
	Paid     Wei         `json:"paid"`
	Error    string      `json:"error,omitempty"`
}

// Purchase is one multi-batch settlement attempt. Batches before FailedBatch
// stay settled when a later batch fails; nothing is rolled back.
type Purchase struct {
	ID              string         `json:"id"`
	Buyer           common.Address `json:"buyer"`
	ProjectID       uint64         `json:"project_id"`
	Option          uint32         `json:"option"`
	Requested       uint64         `json:"requested_quantity"`
	PlannedTotal    Wei            `json:"planned_total"`
	State           PurchaseState  `json:"state"`
	FailedBatch     int            `json:"failed_batch"` // -1 unless State is Failed
	Batches         []BatchResult  `json:"batches"`
	SettledQuantity uint64         `json:"settled_quantity"`
	SettledPaid     Wei            `json:"settled_paid"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Unsettled returns the requested quantity that was not acquired.
func (p *Purchase) Unsettled() uint64 {
	if p.SettledQuantity >= p.Requested {
		return 0
	}
	return p.Requested - p.SettledQuantity
}
