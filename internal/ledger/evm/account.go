package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/easybet/market-engine/internal/ledger"
	"github.com/easybet/market-engine/internal/model"
)

const (
	methodBuy   = "buyMultipleListedTickets"
	eventAction = "MarketplaceAction"
	actionBuy   = "buy"
)

// Account submits purchases for one signer.
type Account struct {
	*Client
	signer Signer
}

var _ ledger.Ledger = (*Account)(nil)

func (a *Account) Sender() common.Address { return a.signer.Address() }

func (a *Account) buyData(call ledger.Call) ([]byte, error) {
	return a.marketABI.Pack(methodBuy,
		new(big.Int).SetUint64(call.ProjectID),
		new(big.Int).SetUint64(uint64(call.Option)),
		new(big.Int).SetUint64(call.Quantity),
	)
}

// EstimateCost implements ledger.Settler. Node refusals that describe a
// revert or a gas limit come back as *ledger.RevertError.
func (a *Account) EstimateCost(ctx context.Context, call ledger.Call) (uint64, error) {
	data, err := a.buyData(call)
	if err != nil {
		return 0, fmt.Errorf("evm: pack %s: %w", methodBuy, err)
	}
	gas, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  call.From,
		To:    &a.market,
		Value: call.Payment.Big(),
		Data:  data,
	})
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return 0, ledger.ClassifyRevert(reason)
		}
		return 0, fmt.Errorf("evm: estimate gas: %w", err)
	}
	return gas, nil
}

// Submit implements ledger.Settler. An error the node answered with means
// the transaction was refused and the zero hash is returned. Any other send
// error may have happened after the node accepted it, so the hash is
// returned with the error for the caller to look up.
func (a *Account) Submit(ctx context.Context, call ledger.Call, gasLimit uint64) (common.Hash, error) {
	if call.From != a.Sender() {
		return common.Hash{}, fmt.Errorf("evm: call from %s submitted by %s", call.From.Hex(), a.Sender().Hex())
	}
	data, err := a.buyData(call)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: pack %s: %w", methodBuy, err)
	}
	chainID, err := a.backend.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: chain id: %w", err)
	}
	nonce, err := a.backend.PendingNonceAt(ctx, call.From)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: nonce: %w", err)
	}
	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &a.market,
		Value:    call.Payment.Big(),
		Data:     data,
	})
	signed, err := a.signer.SignTx(ctx, tx, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("evm: sign: %w", err)
	}

	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			if reason, ok := revertReason(err); ok {
				return common.Hash{}, ledger.ClassifyRevert(reason)
			}
			return common.Hash{}, fmt.Errorf("evm: send refused: %w", err)
		}
		return signed.Hash(), fmt.Errorf("evm: send: %w", err)
	}
	return signed.Hash(), nil
}

// WaitFinality implements ledger.Settler by polling for the receipt until
// ctx ends.
func (a *Account) WaitFinality(ctx context.Context, hash common.Hash) (*model.Receipt, error) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		r, err := a.Receipt(ctx, hash)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			slog.Debug("receipt poll failed", "tx", hash.Hex(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("evm: waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Receipt implements ledger.Settler.
func (a *Account) Receipt(ctx context.Context, hash common.Hash) (*model.Receipt, error) {
	raw, err := a.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("evm: receipt %s: %w", hash.Hex(), err)
	}

	r := &model.Receipt{
		TxHash:  hash,
		Success: raw.Status == types.ReceiptStatusSuccessful,
		GasUsed: raw.GasUsed,
	}
	if raw.BlockNumber != nil {
		r.BlockNumber = raw.BlockNumber.Uint64()
	}
	if !r.Success {
		r.RevertReason = a.replayRevert(ctx, hash, raw)
		return r, nil
	}
	if r.Fills, err = a.decodeFills(raw.Logs); err != nil {
		slog.Error("undecodable fills on settled tx", "tx", hash.Hex(), "error", err)
		r.Fills = nil
		r.FillsError = err.Error()
	}
	return r, nil
}

// decodeFills turns the market's MarketplaceAction "buy" logs into fills.
func (a *Account) decodeFills(logs []*types.Log) ([]model.Fill, error) {
	ev := a.marketABI.Events[eventAction]
	var fills []model.Fill
	for _, lg := range logs {
		if lg.Address != a.market || len(lg.Topics) != 4 || lg.Topics[0] != ev.ID {
			continue
		}
		vals, err := a.marketABI.Unpack(eventAction, lg.Data)
		if err != nil {
			return nil, fmt.Errorf("evm: unpack %s: %w", eventAction, err)
		}
		if len(vals) != 5 {
			return nil, fmt.Errorf("evm: %s has %d fields", eventAction, len(vals))
		}
		action, _ := vals[4].(string)
		if action != actionBuy {
			continue
		}
		seller, _ := vals[0].(common.Address)
		buyer, _ := vals[1].(common.Address)
		price, _ := vals[2].(*big.Int)
		qty, _ := vals[3].(*big.Int)

		unitPrice, err := model.WeiFromBig(price)
		if err != nil {
			return nil, fmt.Errorf("evm: fill unit price: %w", err)
		}
		listingID, projectID, ticketID := lg.Topics[1].Big(), lg.Topics[2].Big(), lg.Topics[3].Big()
		if qty == nil || !qty.IsUint64() || !listingID.IsUint64() || !projectID.IsUint64() || !ticketID.IsUint64() {
			return nil, fmt.Errorf("evm: %s field out of range in tx %s", eventAction, lg.TxHash.Hex())
		}
		fills = append(fills, model.Fill{
			ListingID: listingID.Uint64(),
			ProjectID: projectID.Uint64(),
			TicketID:  ticketID.Uint64(),
			Seller:    seller,
			Buyer:     buyer,
			UnitPrice: unitPrice,
			Quantity:  qty.Uint64(),
		})
	}
	return fills, nil
}

// replayRevert recovers a failed transaction's revert reason by re-running
// it against the parent block. Receipts do not carry the reason.
func (a *Account) replayRevert(ctx context.Context, hash common.Hash, raw *types.Receipt) string {
	tx, _, err := a.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return "reverted (transaction unavailable)"
	}
	if raw.GasUsed >= tx.Gas() {
		return "out of gas"
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return "reverted (sender unavailable)"
	}

	var block *big.Int
	if raw.BlockNumber != nil && raw.BlockNumber.Sign() > 0 {
		block = new(big.Int).Sub(raw.BlockNumber, big.NewInt(1))
	}
	_, err = a.backend.CallContract(ctx, ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}, block)
	if reason, ok := revertReason(err); ok {
		return reason
	}
	return "reverted"
}

// revertReason extracts the revert text from a node error, appending any
// custom-error data so selectors such as ERC721IncorrectOwner classify.
func revertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	reason := err.Error()
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok && data != "" {
			return fmt.Sprintf("%s: %s", reason, data), true
		}
	}
	return reason, ledger.IsRevertMessage(reason)
}
