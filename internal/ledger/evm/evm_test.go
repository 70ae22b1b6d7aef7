package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easybet/market-engine/internal/ledger"
	"github.com/easybet/market-engine/internal/model"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var (
	marketAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ticketAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	sellerA    = common.HexToAddress("0x000000000000000000000000000000000000a001")
)

// rpcErr mimics a JSON-RPC error answered by the node.
type rpcErr struct {
	msg  string
	data string
}

func (e *rpcErr) Error() string          { return e.msg }
func (e *rpcErr) ErrorCode() int         { return 3 }
func (e *rpcErr) ErrorData() interface{} { return e.data }

type handler func(args []any) ([]byte, error)

type fakeBackend struct {
	mu sync.Mutex

	market   abi.ABI
	tickets  abi.ABI
	handlers map[string]handler
	calls    map[string]int

	estimate    uint64
	estimateErr error

	sendErr error
	sent    []*types.Transaction

	receipts     map[common.Hash]*types.Receipt
	missingPolls int
	receiptPolls int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	c := newTestClient(t, nil)
	return &fakeBackend{
		market:   c.marketABI,
		tickets:  c.ticketABI,
		handlers: make(map[string]handler),
		calls:    make(map[string]int),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func newTestClient(t *testing.T, b Backend) *Client {
	t.Helper()
	c, err := NewClient(b, marketAddr, ticketAddr, 5*time.Millisecond)
	require.NoError(t, err)
	return c
}

func (b *fakeBackend) handle(contract abi.ABI, method string, h handler) {
	b.handlers[string(contract.Methods[method].ID)] = h
}

func (b *fakeBackend) methodOf(data []byte) (abi.ABI, *abi.Method, bool) {
	for _, contract := range []abi.ABI{b.market, b.tickets} {
		if m, err := contract.MethodById(data[:4]); err == nil {
			return contract, m, true
		}
	}
	return abi.ABI{}, nil, false
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(msg.Data) < 4 {
		return nil, errors.New("short calldata")
	}
	_, m, ok := b.methodOf(msg.Data)
	if !ok {
		return nil, fmt.Errorf("unknown selector %x", msg.Data[:4])
	}
	h, ok := b.handlers[string(msg.Data[:4])]
	if !ok {
		return nil, fmt.Errorf("no handler for %s", m.Name)
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	b.calls[m.Name]++
	return h(args)
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return b.estimate, b.estimateErr
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1e9), nil }

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptPolls++
	if b.receiptPolls <= b.missingPolls {
		return nil, ethereum.NotFound
	}
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (b *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tx := range b.sent {
		if tx.Hash() == hash {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func listing(id, ticket int64, price int64, remaining int64, active bool) listingTuple {
	return listingTuple{
		Id:                big.NewInt(id),
		ProjectId:         big.NewInt(1),
		TicketId:          big.NewInt(ticket),
		Seller:            sellerA,
		UnitPrice:         big.NewInt(price),
		Quantity:          big.NewInt(remaining + 1),
		RemainingQuantity: big.NewInt(remaining),
		IsActive:          active,
		ListTime:          big.NewInt(1_700_000_000),
	}
}

func TestListings_ResolvesOptionPerTicket(t *testing.T) {
	b := newFakeBackend(t)
	tuples := []listingTuple{
		listing(1, 10, 100, 5, true),
		listing(2, 11, 90, 5, true),
		listing(3, 10, 80, 5, false), // inactive
		listing(4, 12, 70, 5, true),  // ticket info unreadable
		listing(5, 10, 60, 0, true),  // drained
		listing(6, 10, 50, 3, true),
	}
	b.handle(b.market, "getProjectListings", func(args []any) ([]byte, error) {
		require.Equal(t, int64(1), args[0].(*big.Int).Int64())
		return b.market.Methods["getProjectListings"].Outputs.Pack(tuples)
	})
	optionOf := map[int64]int64{10: 0, 11: 1}
	b.handle(b.tickets, "getTicketInfo", func(args []any) ([]byte, error) {
		id := args[0].(*big.Int).Int64()
		opt, ok := optionOf[id]
		if !ok {
			return nil, &rpcErr{msg: "execution reverted: ERC721NonexistentToken"}
		}
		return b.tickets.Methods["getTicketInfo"].Outputs.Pack(
			big.NewInt(1), big.NewInt(opt), big.NewInt(0), sellerA, big.NewInt(0), "ipfs://t")
	})

	c := newTestClient(t, b)
	recs, err := c.Listings(context.Background(), 1, 0)
	require.NoError(t, err)

	var ids []int64
	for _, r := range recs {
		ids = append(ids, r.ID.Int64())
		assert.Equal(t, int64(0), r.Option.Int64())
	}
	assert.Equal(t, []int64{1, 6}, ids)
	assert.Equal(t, 3, b.calls["getTicketInfo"], "one read per distinct ticket")

	l, err := ledger.DecodeListing(recs[1], 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), l.Remaining)
	assert.Equal(t, model.NewWei(50), l.UnitPrice)
}

func TestListings_CallFailure(t *testing.T) {
	b := newFakeBackend(t)
	b.handle(b.market, "getProjectListings", func([]any) ([]byte, error) {
		return nil, errors.New("connection refused")
	})
	_, err := newTestClient(t, b).Listings(context.Background(), 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "getProjectListings")
}

func TestOwnerOf(t *testing.T) {
	b := newFakeBackend(t)
	b.handle(b.tickets, "ownerOf", func(args []any) ([]byte, error) {
		assert.Equal(t, int64(42), args[0].(*big.Int).Int64())
		return b.tickets.Methods["ownerOf"].Outputs.Pack(sellerA)
	})
	owner, err := newTestClient(t, b).OwnerOf(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, sellerA, owner)
}

func newAccount(t *testing.T, b *fakeBackend) *Account {
	t.Helper()
	signer, err := NewKeySigner("0x" + testKey)
	require.NoError(t, err)
	return newTestClient(t, b).Bind(signer)
}

func buyCall(a *Account, qty, payment uint64) ledger.Call {
	return ledger.Call{From: a.Sender(), ProjectID: 1, Option: 0, Quantity: qty, Payment: model.NewWei(payment)}
}

func TestEstimateCost_ClassifiesRevert(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"payment", &rpcErr{msg: "execution reverted: Incorrect payment amount"}, ledger.ErrPaymentMismatch},
		{"custom error data", &rpcErr{msg: "execution reverted", data: "0x177e802f000000000000000000000000000000000000000000000000000000000000a001"}, ledger.ErrStaleListing},
		{"gas", errors.New("gas required exceeds allowance (30000000)"), ledger.ErrResourceCeiling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend(t)
			b.estimateErr = tt.err
			a := newAccount(t, b)

			_, err := a.EstimateCost(context.Background(), buyCall(a, 2, 200))
			var rerr *ledger.RevertError
			require.ErrorAs(t, err, &rerr)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestEstimateCost_TransportErrorIsNotRevert(t *testing.T) {
	b := newFakeBackend(t)
	b.estimateErr = errors.New("dial tcp: connection refused")
	a := newAccount(t, b)

	_, err := a.EstimateCost(context.Background(), buyCall(a, 2, 200))
	require.Error(t, err)
	var rerr *ledger.RevertError
	assert.False(t, errors.As(err, &rerr))
}

func TestSubmit_SignsBuyCall(t *testing.T) {
	b := newFakeBackend(t)
	a := newAccount(t, b)

	hash, err := a.Submit(context.Background(), buyCall(a, 3, 300), 123_456)
	require.NoError(t, err)
	require.Len(t, b.sent, 1)

	tx := b.sent[0]
	assert.Equal(t, tx.Hash(), hash)
	assert.Equal(t, uint64(123_456), tx.Gas())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, big.NewInt(300), tx.Value())
	assert.Equal(t, marketAddr, *tx.To())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, a.Sender(), from)

	args, err := b.market.Methods[methodBuy].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(1), args[0].(*big.Int).Int64())
	assert.Equal(t, int64(0), args[1].(*big.Int).Int64())
	assert.Equal(t, int64(3), args[2].(*big.Int).Int64())
}

func TestSubmit_RefusedByNodeReturnsZeroHash(t *testing.T) {
	b := newFakeBackend(t)
	b.sendErr = &rpcErr{msg: "nonce too low"}
	a := newAccount(t, b)

	hash, err := a.Submit(context.Background(), buyCall(a, 1, 100), 100_000)
	require.Error(t, err)
	assert.Equal(t, common.Hash{}, hash)
}

func TestSubmit_TransportErrorKeepsHash(t *testing.T) {
	b := newFakeBackend(t)
	b.sendErr = errors.New("write: broken pipe")
	a := newAccount(t, b)

	hash, err := a.Submit(context.Background(), buyCall(a, 1, 100), 100_000)
	require.Error(t, err)
	assert.NotEqual(t, common.Hash{}, hash)
}

func TestSubmit_RejectsForeignSender(t *testing.T) {
	b := newFakeBackend(t)
	a := newAccount(t, b)
	call := buyCall(a, 1, 100)
	call.From = sellerA

	_, err := a.Submit(context.Background(), call, 100_000)
	require.Error(t, err)
	assert.Empty(t, b.sent)
}

func actionLog(t *testing.T, b *fakeBackend, addr common.Address, listingID int64, buyer common.Address, price, qty int64, action string) *types.Log {
	t.Helper()
	ev := b.market.Events[eventAction]
	data, err := ev.Inputs.NonIndexed().Pack(sellerA, buyer, big.NewInt(price), big.NewInt(qty), action)
	require.NoError(t, err)
	return &types.Log{
		Address: addr,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(big.NewInt(listingID)),
			common.BigToHash(big.NewInt(1)),
			common.BigToHash(big.NewInt(listingID * 10)),
		},
		Data: data,
	}
}

func TestWaitFinality_PollsUntilMined(t *testing.T) {
	b := newFakeBackend(t)
	a := newAccount(t, b)
	hash, err := a.Submit(context.Background(), buyCall(a, 3, 300), 200_000)
	require.NoError(t, err)

	b.missingPolls = 2
	b.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(9),
		GasUsed:     150_000,
		Logs: []*types.Log{
			actionLog(t, b, marketAddr, 1, a.Sender(), 100, 2, "buy"),
			actionLog(t, b, marketAddr, 2, a.Sender(), 100, 1, "buy"),
			actionLog(t, b, marketAddr, 3, a.Sender(), 100, 1, "list"),
			actionLog(t, b, ticketAddr, 4, a.Sender(), 100, 9, "buy"),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := a.WaitFinality(ctx, hash)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, uint64(9), r.BlockNumber)
	assert.GreaterOrEqual(t, b.receiptPolls, 3)

	require.Len(t, r.Fills, 2)
	assert.Equal(t, uint64(1), r.Fills[0].ListingID)
	assert.Equal(t, uint64(10), r.Fills[0].TicketID)
	assert.Equal(t, uint64(2), r.Fills[0].Quantity)
	assert.Equal(t, a.Sender(), r.Fills[0].Buyer)
	assert.Equal(t, sellerA, r.Fills[0].Seller)
	assert.Equal(t, model.NewWei(100), r.Fills[1].UnitPrice)
}

func TestReceipt_UndecodableFillsKeepSuccess(t *testing.T) {
	b := newFakeBackend(t)
	a := newAccount(t, b)
	hash := common.HexToHash("0x0b")

	bad := actionLog(t, b, marketAddr, 1, a.Sender(), 100, 2, "buy")
	bad.Data = bad.Data[:32]
	b.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(12),
		GasUsed:     90_000,
		Logs:        []*types.Log{bad},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := a.WaitFinality(ctx, hash)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Empty(t, r.Fills)
	assert.NotEmpty(t, r.FillsError)
	assert.Equal(t, uint64(12), r.BlockNumber)
}

func TestWaitFinality_Deadline(t *testing.T) {
	b := newFakeBackend(t)
	a := newAccount(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.WaitFinality(ctx, common.HexToHash("0x01"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceipt_NotFound(t *testing.T) {
	b := newFakeBackend(t)
	_, err := newAccount(t, b).Receipt(context.Background(), common.HexToHash("0x01"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestReceipt_FailedReplaysRevertReason(t *testing.T) {
	b := newFakeBackend(t)
	a := newAccount(t, b)
	hash, err := a.Submit(context.Background(), buyCall(a, 3, 300), 200_000)
	require.NoError(t, err)

	b.handle(b.market, methodBuy, func([]any) ([]byte, error) {
		return nil, &rpcErr{msg: "execution reverted: Incorrect payment amount"}
	})
	b.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(12),
		GasUsed:     60_000,
	}

	r, err := a.Receipt(context.Background(), hash)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Contains(t, r.RevertReason, "Incorrect payment amount")
	assert.ErrorIs(t, ledger.ClassifyRevert(r.RevertReason), ledger.ErrPaymentMismatch)
}

func TestReceipt_FailedOutOfGas(t *testing.T) {
	b := newFakeBackend(t)
	a := newAccount(t, b)
	hash, err := a.Submit(context.Background(), buyCall(a, 3, 300), 200_000)
	require.NoError(t, err)

	b.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(12),
		GasUsed:     200_000,
	}
	r, err := a.Receipt(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, "out of gas", r.RevertReason)
}

func TestNewKeySigner_BadKey(t *testing.T) {
	_, err := NewKeySigner("not-a-key")
	assert.Error(t, err)
}
