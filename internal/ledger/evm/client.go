// Package evm connects the engine to the marketplace and ticket contracts
// on an EVM chain through go-ethereum.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/easybet/market-engine/internal/ledger"
	"github.com/easybet/market-engine/internal/metrics"
)

// Backend is the subset of *ethclient.Client the adapter uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

const (
	DefaultPollInterval    = 2 * time.Second
	defaultTicketReadLimit = 8
)

// Client reads listings and ownership from the contracts.
type Client struct {
	backend      Backend
	market       common.Address
	tickets      common.Address
	marketABI    abi.ABI
	ticketABI    abi.ABI
	pollInterval time.Duration
}

var _ ledger.Reader = (*Client)(nil)

// NewClient binds the marketplace and ticket registry contracts.
// pollInterval <= 0 takes DefaultPollInterval.
func NewClient(backend Backend, market, tickets common.Address, pollInterval time.Duration) (*Client, error) {
	m, err := abi.JSON(strings.NewReader(marketABI))
	if err != nil {
		return nil, fmt.Errorf("evm: market abi: %w", err)
	}
	t, err := abi.JSON(strings.NewReader(ticketABI))
	if err != nil {
		return nil, fmt.Errorf("evm: ticket abi: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Client{
		backend:      backend,
		market:       market,
		tickets:      tickets,
		marketABI:    m,
		ticketABI:    t,
		pollInterval: pollInterval,
	}, nil
}

// Listings implements ledger.Reader. The contract lists per project; the
// option of each listing is the option of its ticket, read from the ticket
// registry. Inactive or drained listings are left out since they can never
// be bought, and a listing whose ticket info cannot be read is dropped.
func (c *Client) Listings(ctx context.Context, projectID uint64, option uint32) ([]ledger.ListingRecord, error) {
	out, err := c.call(ctx, c.market, c.marketABI, "getProjectListings", new(big.Int).SetUint64(projectID))
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(out[0], new([]listingTuple)).(*[]listingTuple)

	var (
		mu      sync.Mutex
		options = make(map[string]*big.Int) // ticket id → option, per call
		g       errgroup.Group
	)
	g.SetLimit(defaultTicketReadLimit)
	for _, t := range tuples {
		if !t.buyable() {
			continue
		}
		key := t.TicketId.String()
		mu.Lock()
		_, seen := options[key]
		if !seen {
			options[key] = nil
		}
		mu.Unlock()
		if seen {
			continue
		}
		g.Go(func() error {
			opt, err := c.ticketOption(ctx, t.TicketId)
			if err != nil {
				slog.Warn("dropping listing with unreadable ticket info",
					"listing_id", t.Id,
					"ticket_id", t.TicketId,
					"error", err,
				)
				metrics.ListingReadFailures.WithLabelValues("ticket_info").Inc()
				return nil
			}
			mu.Lock()
			options[key] = opt
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	want := new(big.Int).SetUint64(uint64(option))
	var records []ledger.ListingRecord
	for _, t := range tuples {
		if !t.buyable() {
			continue
		}
		opt := options[t.TicketId.String()]
		if opt == nil || opt.Cmp(want) != 0 {
			continue
		}
		records = append(records, ledger.ListingRecord{
			ID:        t.Id,
			ProjectID: t.ProjectId,
			TicketID:  t.TicketId,
			Option:    opt,
			Seller:    t.Seller,
			UnitPrice: t.UnitPrice,
			Quantity:  t.Quantity,
			Remaining: t.RemainingQuantity,
			Active:    t.IsActive,
			ListTime:  t.ListTime,
		})
	}
	return records, nil
}

// OwnerOf implements ledger.Reader.
func (c *Client) OwnerOf(ctx context.Context, ticketID uint64) (common.Address, error) {
	out, err := c.call(ctx, c.tickets, c.ticketABI, "ownerOf", new(big.Int).SetUint64(ticketID))
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("evm: ownerOf returned %T", out[0])
	}
	return owner, nil
}

func (c *Client) ticketOption(ctx context.Context, ticketID *big.Int) (*big.Int, error) {
	out, err := c.call(ctx, c.tickets, c.ticketABI, "getTicketInfo", ticketID)
	if err != nil {
		return nil, err
	}
	opt, ok := out[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: getTicketInfo optionIndex is %T", out[1])
	}
	return opt, nil
}

func (c *Client) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("evm: %s returned nothing", method)
	}
	return out, nil
}

// Bind returns a ledger.Ledger that submits as signer.
func (c *Client) Bind(signer Signer) *Account {
	return &Account{Client: c, signer: signer}
}
