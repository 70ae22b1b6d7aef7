// Package sim is an in-memory settlement ledger. Its matcher is written
// independently of the engine's, the way the on-chain program does it:
// collect active listings by ascending id, then sort in place by unit price
// with a stable insertion sort. It is the reference the engine's planning is
// tested against, and backs LEDGER_MODE=sim for local development.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/easybet/market-engine/internal/ledger"
	"github.com/easybet/market-engine/internal/model"
)

// Gas model defaults: roughly 15M gas for a 50-unit purchase, under a 30M
// block limit.
const (
	DefaultBaseGas       = 60_000
	DefaultGasPerUnit    = 290_000
	DefaultBlockGasLimit = 30_000_000
)

// Revert reasons, worded like the contract's require messages.
const (
	ReasonInsufficient = "Insufficient listings available"
	ReasonPayment      = "Incorrect payment amount"
	ReasonStale        = "Seller no longer owns ticket"
	ReasonOutOfGas     = "out of gas"
	ReasonGasAllowance = "gas required exceeds allowance"
	ReasonBlockLimit   = "exceeds block gas limit"
	ReasonZeroQuantity = "Quantity must be positive"
)

// ErrUnknownListing is returned for an id the ledger never issued.
var ErrUnknownListing = errors.New("sim: unknown listing")

// Config tunes the simulated chain.
type Config struct {
	BaseGas       uint64
	GasPerUnit    uint64
	BlockGasLimit uint64

	// RevertOnStale keeps listings whose seller lost the ticket in the
	// matcher's working set and reverts when one is reached. When false the
	// matcher skips them, as the engine's validator does.
	RevertOnStale bool
}

// Hooks inject failures and concurrent activity.
type Hooks struct {
	// BeforeSettle runs after a submission is accepted and before it is
	// applied, outside the ledger lock.
	BeforeSettle func(call ledger.Call)

	// StallFinality makes WaitFinality block until its context is done.
	// The transaction is still applied and its receipt can be looked up.
	StallFinality bool

	// DropTx accepts submissions but never mines them.
	DropTx bool

	// FailOwnerOf lists tickets whose registry reads fail.
	FailOwnerOf map[uint64]bool
}

type holdingKey struct {
	buyer     common.Address
	projectID uint64
	option    uint32
}

// Ledger is a simulated settlement contract plus asset registry.
type Ledger struct {
	mu       sync.Mutex
	cfg      Config
	hooks    Hooks
	nextID   uint64
	txCount  uint64
	block    uint64
	listings map[uint64]*model.Listing
	owners   map[uint64]common.Address
	holdings map[holdingKey]uint64
	proceeds map[common.Address]model.Wei
	receipts map[common.Hash]*model.Receipt
	dropped  map[common.Hash]bool
	calls    []ledger.Call
}

// New creates an empty ledger. Zero config fields take the defaults.
func New(cfg Config) *Ledger {
	if cfg.BaseGas == 0 {
		cfg.BaseGas = DefaultBaseGas
	}
	if cfg.GasPerUnit == 0 {
		cfg.GasPerUnit = DefaultGasPerUnit
	}
	if cfg.BlockGasLimit == 0 {
		cfg.BlockGasLimit = DefaultBlockGasLimit
	}
	return &Ledger{
		cfg:      cfg,
		listings: make(map[uint64]*model.Listing),
		owners:   make(map[uint64]common.Address),
		holdings: make(map[holdingKey]uint64),
		proceeds: make(map[common.Address]model.Wei),
		receipts: make(map[common.Hash]*model.Receipt),
		dropped:  make(map[common.Hash]bool),
	}
}

// SetHooks replaces the failure-injection hooks.
func (l *Ledger) SetHooks(h Hooks) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = h
}

// List creates an active listing and returns its id. The seller becomes the
// ticket's owner if the registry has no owner for it yet.
func (l *Ledger) List(seller common.Address, projectID uint64, option uint32, ticketID uint64, unitPrice model.Wei, quantity uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	l.listings[id] = &model.Listing{
		ID:        id,
		ProjectID: projectID,
		Option:    option,
		TicketID:  ticketID,
		Seller:    seller,
		UnitPrice: unitPrice,
		Quantity:  quantity,
		Remaining: quantity,
		Active:    quantity > 0,
		ListedAt:  time.Now().UTC(),
	}
	if _, ok := l.owners[ticketID]; !ok {
		l.owners[ticketID] = seller
	}
	return id
}

// Transfer moves a ticket outside the marketplace, leaving any listing of it
// stale.
func (l *Ledger) Transfer(ticketID uint64, to common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners[ticketID] = to
}

// Cancel deactivates a listing.
func (l *Ledger) Cancel(listingID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lst, ok := l.listings[listingID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownListing, listingID)
	}
	lst.Active = false
	return nil
}

// Listing returns a copy of a listing.
func (l *Ledger) Listing(id uint64) (model.Listing, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lst, ok := l.listings[id]
	if !ok {
		return model.Listing{}, false
	}
	return *lst, true
}

// Holdings returns the units a buyer has acquired in one option.
func (l *Ledger) Holdings(buyer common.Address, projectID uint64, option uint32) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holdings[holdingKey{buyer, projectID, option}]
}

// Proceeds returns what a seller has been paid.
func (l *Ledger) Proceeds(seller common.Address) model.Wei {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.proceeds[seller]
}

// Calls returns every accepted submission in order.
func (l *Ledger) Calls() []ledger.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Call(nil), l.calls...)
}

// Listings implements ledger.Reader.
func (l *Ledger) Listings(ctx context.Context, projectID uint64, option uint32) ([]ledger.ListingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ledger.ListingRecord
	for _, id := range l.sortedIDs() {
		lst := l.listings[id]
		if lst.ProjectID != projectID || lst.Option != option {
			continue
		}
		out = append(out, toRecord(lst))
	}
	return out, nil
}

// OwnerOf implements ledger.Reader.
func (l *Ledger) OwnerOf(ctx context.Context, ticketID uint64) (common.Address, error) {
	if err := ctx.Err(); err != nil {
		return common.Address{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hooks.FailOwnerOf[ticketID] {
		return common.Address{}, fmt.Errorf("sim: registry read failed for ticket %d", ticketID)
	}
	owner, ok := l.owners[ticketID]
	if !ok {
		return common.Address{}, fmt.Errorf("sim: nonexistent token %d", ticketID)
	}
	return owner, nil
}

// Account binds a buyer identity, giving a full ledger.Ledger.
func (l *Ledger) Account(buyer common.Address) *Account {
	return &Account{Ledger: l, buyer: buyer}
}

// Account is a ledger.Ledger acting for one buyer.
type Account struct {
	*Ledger
	buyer common.Address
}

var _ ledger.Ledger = (*Account)(nil)

func (a *Account) Sender() common.Address { return a.buyer }

// EstimateCost implements ledger.Settler. It dry-runs the matcher.
func (a *Account) EstimateCost(ctx context.Context, call ledger.Call) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, _, rerr := a.match(call); rerr != nil {
		return 0, rerr
	}
	cost := a.gasCost(call.Quantity)
	if cost > a.cfg.BlockGasLimit {
		return 0, &ledger.RevertError{Kind: ledger.RevertResourceCeiling,
			Reason: fmt.Sprintf("%s (%d)", ReasonGasAllowance, a.cfg.BlockGasLimit)}
	}
	return cost, nil
}

// Submit implements ledger.Settler. Accepted calls are applied immediately.
func (a *Account) Submit(ctx context.Context, call ledger.Call, gasLimit uint64) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	if call.From != a.buyer {
		return common.Hash{}, fmt.Errorf("sim: call from %s submitted by %s", call.From, a.buyer)
	}

	a.mu.Lock()
	if gasLimit > a.cfg.BlockGasLimit {
		a.mu.Unlock()
		return common.Hash{}, &ledger.RevertError{Kind: ledger.RevertResourceCeiling, Reason: ReasonBlockLimit}
	}
	a.txCount++
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], a.txCount)
	hash := common.BytesToHash(raw[:])
	a.calls = append(a.calls, call)
	hooks := a.hooks
	if hooks.DropTx {
		a.dropped[hash] = true
		a.mu.Unlock()
		return hash, nil
	}
	a.mu.Unlock()

	if hooks.BeforeSettle != nil {
		hooks.BeforeSettle(call)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.receipts[hash] = a.apply(hash, call, gasLimit)
	return hash, nil
}

// WaitFinality implements ledger.Settler.
func (a *Account) WaitFinality(ctx context.Context, tx common.Hash) (*model.Receipt, error) {
	a.mu.Lock()
	stall := a.hooks.StallFinality || a.dropped[tx]
	a.mu.Unlock()

	if stall {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return a.Receipt(ctx, tx)
}

// Receipt implements ledger.Settler.
func (a *Account) Receipt(ctx context.Context, tx common.Hash) (*model.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.receipts[tx]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	cp := *r
	cp.Fills = append([]model.Fill(nil), r.Fills...)
	return &cp, nil
}

// --- matcher (callers hold mu) ---

func (l *Ledger) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(l.listings))
	for id := range l.listings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// workingSet collects matchable listings by ascending id and then sorts
// them by price with an insertion sort, which is stable, so equal prices
// keep their id order.
func (l *Ledger) workingSet(projectID uint64, option uint32) []*model.Listing {
	var set []*model.Listing
	for _, id := range l.sortedIDs() {
		lst := l.listings[id]
		if lst.ProjectID != projectID || lst.Option != option || !lst.Active || lst.Remaining == 0 {
			continue
		}
		if !l.cfg.RevertOnStale && l.owners[lst.TicketID] != lst.Seller {
			continue
		}
		set = append(set, lst)
	}
	for i := 1; i < len(set); i++ {
		for j := i; j > 0 && set[j].UnitPrice.Cmp(set[j-1].UnitPrice) < 0; j-- {
			set[j], set[j-1] = set[j-1], set[j]
		}
	}
	return set
}

type take struct {
	listing  *model.Listing
	quantity uint64
}

func (l *Ledger) match(call ledger.Call) ([]take, model.Wei, *ledger.RevertError) {
	if call.Quantity == 0 {
		return nil, model.Wei{}, &ledger.RevertError{Kind: ledger.RevertUnknown, Reason: ReasonZeroQuantity}
	}

	var takes []take
	var total model.Wei
	need := call.Quantity
	for _, lst := range l.workingSet(call.ProjectID, call.Option) {
		if need == 0 {
			break
		}
		if l.owners[lst.TicketID] != lst.Seller {
			return nil, model.Wei{}, &ledger.RevertError{Kind: ledger.RevertStaleListing, Reason: ReasonStale}
		}
		n := min(lst.Remaining, need)
		cost, err := lst.UnitPrice.MulUint64(n)
		if err == nil {
			total, err = total.Add(cost)
		}
		if err != nil {
			return nil, model.Wei{}, &ledger.RevertError{Kind: ledger.RevertUnknown, Reason: "arithmetic overflow"}
		}
		takes = append(takes, take{listing: lst, quantity: n})
		need -= n
	}
	if need > 0 {
		return nil, model.Wei{}, &ledger.RevertError{Kind: ledger.RevertInsufficientSupply, Reason: ReasonInsufficient}
	}
	if total != call.Payment {
		return nil, model.Wei{}, &ledger.RevertError{Kind: ledger.RevertPaymentMismatch,
			Reason: fmt.Sprintf("%s: expected %s, got %s", ReasonPayment, total, call.Payment)}
	}
	return takes, total, nil
}

func (l *Ledger) gasCost(quantity uint64) uint64 {
	if quantity > (^uint64(0)-l.cfg.BaseGas)/l.cfg.GasPerUnit {
		return ^uint64(0)
	}
	return l.cfg.BaseGas + l.cfg.GasPerUnit*quantity
}

func (l *Ledger) apply(hash common.Hash, call ledger.Call, gasLimit uint64) *model.Receipt {
	l.block++
	r := &model.Receipt{TxHash: hash, BlockNumber: l.block}

	cost := l.gasCost(call.Quantity)
	if gasLimit < cost {
		r.GasUsed = gasLimit
		r.RevertReason = ReasonOutOfGas
		return r
	}
	takes, _, rerr := l.match(call)
	if rerr != nil {
		r.GasUsed = l.cfg.BaseGas
		r.RevertReason = rerr.Reason
		return r
	}

	for _, t := range takes {
		t.listing.Remaining -= t.quantity
		if t.listing.Remaining == 0 {
			t.listing.Active = false
		}
		paid, _ := t.listing.UnitPrice.MulUint64(t.quantity)
		l.proceeds[t.listing.Seller], _ = l.proceeds[t.listing.Seller].Add(paid)
		r.Fills = append(r.Fills, model.Fill{
			ListingID: t.listing.ID,
			ProjectID: t.listing.ProjectID,
			TicketID:  t.listing.TicketID,
			Seller:    t.listing.Seller,
			Buyer:     call.From,
			UnitPrice: t.listing.UnitPrice,
			Quantity:  t.quantity,
		})
	}
	l.holdings[holdingKey{call.From, call.ProjectID, call.Option}] += call.Quantity
	r.Success = true
	r.GasUsed = cost
	return r
}

func toRecord(lst *model.Listing) ledger.ListingRecord {
	return ledger.ListingRecord{
		ID:        bigU(lst.ID),
		ProjectID: bigU(lst.ProjectID),
		TicketID:  bigU(lst.TicketID),
		Option:    bigU(uint64(lst.Option)),
		Seller:    lst.Seller,
		UnitPrice: lst.UnitPrice.Big(),
		Quantity:  bigU(lst.Quantity),
		Remaining: bigU(lst.Remaining),
		Active:    lst.Active,
		ListTime:  bigI(lst.ListedAt.Unix()),
	}
}

func bigU(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

func bigI(v int64) *big.Int { return big.NewInt(v) }
