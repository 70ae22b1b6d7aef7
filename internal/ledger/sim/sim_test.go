package sim

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easybet/market-engine/internal/ledger"
	"github.com/easybet/market-engine/internal/model"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	buyer = common.HexToAddress("0x00000000000000000000000000000000000b0e72")
)

// seedScenario lists a 15 wei listing first and then two 10 wei listings that
// tie on price, so id order decides between them.
func seedScenario(l *Ledger) (id15, id10a, id10b uint64) {
	id15 = l.List(alice, 1, 0, 100, model.NewWei(15), 5)
	id10a = l.List(bob, 1, 0, 101, model.NewWei(10), 5)
	id10b = l.List(carol, 1, 0, 102, model.NewWei(10), 5)
	return
}

func call(qty uint64, payment uint64) ledger.Call {
	return ledger.Call{From: buyer, ProjectID: 1, Option: 0, Quantity: qty, Payment: model.NewWei(payment)}
}

func TestSubmit_PriceThenIDOrder(t *testing.T) {
	l := New(Config{})
	_, id10a, id10b := seedScenario(l)
	acct := l.Account(buyer)
	ctx := context.Background()

	gas, err := acct.EstimateCost(ctx, call(7, 70))
	require.NoError(t, err)

	hash, err := acct.Submit(ctx, call(7, 70), gas)
	require.NoError(t, err)

	r, err := acct.WaitFinality(ctx, hash)
	require.NoError(t, err)
	require.True(t, r.Success, r.RevertReason)
	require.Len(t, r.Fills, 2)
	assert.Equal(t, id10a, r.Fills[0].ListingID)
	assert.Equal(t, uint64(5), r.Fills[0].Quantity)
	assert.Equal(t, id10b, r.Fills[1].ListingID)
	assert.Equal(t, uint64(2), r.Fills[1].Quantity)

	assert.Equal(t, uint64(7), l.Holdings(buyer, 1, 0))
	assert.Equal(t, model.NewWei(50), l.Proceeds(bob))
	lst, _ := l.Listing(id10a)
	assert.False(t, lst.Active, "fully consumed listing must deactivate")
}

func TestEstimate_PaymentMismatch(t *testing.T) {
	l := New(Config{})
	seedScenario(l)

	_, err := l.Account(buyer).EstimateCost(context.Background(), call(7, 71))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPaymentMismatch)
}

func TestEstimate_InsufficientSupply(t *testing.T) {
	l := New(Config{})
	seedScenario(l)

	_, err := l.Account(buyer).EstimateCost(context.Background(), call(16, 0))
	assert.ErrorIs(t, err, ledger.ErrInsufficientSupply)
}

func TestEstimate_ResourceCeiling(t *testing.T) {
	l := New(Config{GasPerUnit: 1_000_000, BlockGasLimit: 5_000_000})
	l.List(alice, 1, 0, 100, model.NewWei(1), 10)

	_, err := l.Account(buyer).EstimateCost(context.Background(), call(6, 6))
	assert.ErrorIs(t, err, ledger.ErrResourceCeiling)

	gas, err := l.Account(buyer).EstimateCost(context.Background(), call(4, 4))
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultBaseGas+4_000_000), gas)
}

func TestStaleListing_SkippedByDefault(t *testing.T) {
	l := New(Config{})
	_, id10a, id10b := seedScenario(l)
	l.Transfer(101, alice)

	acct := l.Account(buyer)
	hash, err := acct.Submit(context.Background(), call(2, 20), 10_000_000)
	require.NoError(t, err)
	r, err := acct.Receipt(context.Background(), hash)
	require.NoError(t, err)
	require.True(t, r.Success)
	assert.Equal(t, id10b, r.Fills[0].ListingID)
	assert.NotEqual(t, id10a, r.Fills[0].ListingID)
}

func TestStaleListing_RevertsWhenStrict(t *testing.T) {
	l := New(Config{RevertOnStale: true})
	seedScenario(l)
	l.Transfer(101, alice)

	_, err := l.Account(buyer).EstimateCost(context.Background(), call(2, 20))
	assert.ErrorIs(t, err, ledger.ErrStaleListing)
}

func TestSubmit_OutOfGasReverts(t *testing.T) {
	l := New(Config{})
	seedScenario(l)
	acct := l.Account(buyer)

	hash, err := acct.Submit(context.Background(), call(1, 10), 1000)
	require.NoError(t, err)
	r, err := acct.Receipt(context.Background(), hash)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, ReasonOutOfGas, r.RevertReason)
	assert.Equal(t, uint64(0), l.Holdings(buyer, 1, 0))
}

func TestSubmit_AboveBlockLimitRejected(t *testing.T) {
	l := New(Config{})
	seedScenario(l)

	hash, err := l.Account(buyer).Submit(context.Background(), call(1, 10), DefaultBlockGasLimit+1)
	assert.ErrorIs(t, err, ledger.ErrResourceCeiling)
	assert.Equal(t, common.Hash{}, hash)
}

func TestDroppedTx_NeverFinal(t *testing.T) {
	l := New(Config{})
	seedScenario(l)
	l.SetHooks(Hooks{DropTx: true})
	acct := l.Account(buyer)

	hash, err := acct.Submit(context.Background(), call(1, 10), 10_000_000)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = acct.WaitFinality(ctx, hash)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = acct.Receipt(context.Background(), hash)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestListings_FiltersProjectAndOption(t *testing.T) {
	l := New(Config{})
	seedScenario(l)
	l.List(alice, 1, 1, 200, model.NewWei(3), 1)
	l.List(alice, 2, 0, 300, model.NewWei(3), 1)

	recs, err := l.Listings(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, int64(i+1), rec.ID.Int64(), "records come back in id order")
		_, err := ledger.DecodeListing(rec, 1, 0)
		assert.NoError(t, err)
	}
}

func TestOwnerOf_InjectedFailure(t *testing.T) {
	l := New(Config{})
	seedScenario(l)
	l.SetHooks(Hooks{FailOwnerOf: map[uint64]bool{101: true}})

	_, err := l.OwnerOf(context.Background(), 101)
	assert.Error(t, err)
	owner, err := l.OwnerOf(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, alice, owner)
}
