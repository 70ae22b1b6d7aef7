// Package settlement submits planned batches to the ledger one at a time
// and records what the ledger confirmed.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/easybet/market-engine/internal/ledger"
	"github.com/easybet/market-engine/internal/market"
	"github.com/easybet/market-engine/internal/metrics"
	"github.com/easybet/market-engine/internal/model"
	"github.com/easybet/market-engine/internal/store"
)

// Defaults match the ledger network: estimates are padded by half, and a
// block holds 30M gas.
const (
	DefaultGasBufferPercent = 150
	DefaultGasCeiling       = 30_000_000
	DefaultFinalityTimeout  = 2 * time.Minute
	DefaultRequeryTimeout   = 15 * time.Second
)

var (
	ErrNoBatches = errors.New("settlement: no batches to execute")

	// ErrIndeterminate means a batch was submitted and its receipt could
	// not be found in time. It may still settle; it must not be re-sent.
	ErrIndeterminate = errors.New("settlement: batch outcome indeterminate")
)

// Config tunes the executor. Zero fields take the defaults.
type Config struct {
	GasBufferPercent uint64
	GasCeiling       uint64
	FinalityTimeout  time.Duration
	RequeryTimeout   time.Duration
	BatchDelay       time.Duration
}

// Executor runs the batches of one purchase strictly in order.
type Executor struct {
	settler ledger.Settler
	store   store.Store
	sink    EventSink
	cfg     Config
	now     func() time.Time
}

// NewExecutor creates an executor. sink may be nil.
func NewExecutor(settler ledger.Settler, st store.Store, sink EventSink, cfg Config) *Executor {
	if cfg.GasBufferPercent == 0 {
		cfg.GasBufferPercent = DefaultGasBufferPercent
	}
	if cfg.GasCeiling == 0 {
		cfg.GasCeiling = DefaultGasCeiling
	}
	if cfg.FinalityTimeout == 0 {
		cfg.FinalityTimeout = DefaultFinalityTimeout
	}
	if cfg.RequeryTimeout == 0 {
		cfg.RequeryTimeout = DefaultRequeryTimeout
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &Executor{settler: settler, store: st, sink: sink, cfg: cfg, now: time.Now}
}

// Execute settles batches for a purchase already journaled in the store.
// It returns the purchase in a terminal state. When a batch fails the
// purchase is FAILED at that batch's index, earlier batches stay settled,
// later ones are recorded as skipped, and the failing batch's error is
// returned alongside the purchase.
//
// Batch indices in the result follow execution order, which differs from
// the planned indices once a batch has been split to fit the gas ceiling.
func (e *Executor) Execute(ctx context.Context, p *model.Purchase, batches []model.Batch) (*model.Purchase, error) {
	if len(batches) == 0 {
		return p, ErrNoBatches
	}

	e.transition(ctx, p, model.StateExecuting)

	queue := append([]model.Batch(nil), batches...)
	for seq := 0; len(queue) > 0; seq++ {
		b := queue[0]
		queue = queue[1:]

		if seq > 0 && e.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.cfg.BatchDelay):
			}
		}

		res, split, err := e.runBatch(ctx, p, seq, b)
		if split != nil {
			// Halves replace the batch at the front of the queue; seq is
			// reused for the first half.
			queue = append(split, queue...)
			seq--
			continue
		}
		e.record(ctx, p, res)
		if err != nil {
			return e.fail(ctx, p, seq, queue, err)
		}
	}

	p.State = model.StateDone
	p.FailedBatch = -1
	p.UpdatedAt = e.now().UTC()
	e.save(ctx, p)
	metrics.PurchasesTotal.WithLabelValues(p.State.String()).Inc()
	e.sink.Publish(Event{Type: EventPurchaseDone, Purchase: *p})
	slog.Info("purchase settled",
		"purchase_id", p.ID,
		"quantity", p.SettledQuantity,
		"paid_wei", p.SettledPaid.String(),
		"batches", len(p.Batches),
	)
	return p, nil
}

// runBatch takes one batch through estimate, submit, finality and
// reconciliation. A non-nil split means the batch was too large for the
// gas ceiling and nothing was sent.
func (e *Executor) runBatch(ctx context.Context, p *model.Purchase, seq int, b model.Batch) (*model.BatchResult, []model.Batch, error) {
	res := &model.BatchResult{
		Index:    seq,
		Quantity: b.Quantity,
		Payment:  b.Payment,
		Status:   model.BatchPending,
	}
	log := slog.With("purchase_id", p.ID, "batch", seq, "quantity", b.Quantity, "payment_wei", b.Payment.String())

	if err := ctx.Err(); err != nil {
		res.Status = model.BatchCanceled
		res.Error = err.Error()
		return res, nil, err
	}

	call := ledger.Call{
		From:      e.settler.Sender(),
		ProjectID: b.ProjectID,
		Option:    b.Option,
		Quantity:  b.Quantity,
		Payment:   b.Payment,
	}

	estimate, err := e.settler.EstimateCost(ctx, call)
	if err != nil {
		if errors.Is(err, ledger.ErrResourceCeiling) {
			if halves, ok := e.split(b); ok {
				log.Warn("estimate hit the gas ceiling, splitting batch", "error", err)
				return nil, halves, nil
			}
		}
		res.Status = model.BatchRejected
		res.Error = err.Error()
		log.Error("batch estimate failed", "error", err)
		return res, nil, err
	}
	metrics.GasEstimate.Observe(float64(estimate))

	limit, ok := e.gasLimit(estimate)
	if !ok {
		if halves, ok := e.split(b); ok {
			log.Warn("buffered gas exceeds ceiling, splitting batch",
				"estimate", estimate,
				"ceiling", e.cfg.GasCeiling,
			)
			return nil, halves, nil
		}
		res.Status = model.BatchRejected
		res.Error = fmt.Sprintf("single unit needs %d gas with buffer, ceiling is %d", estimate, e.cfg.GasCeiling)
		log.Error("batch cannot fit under gas ceiling", "estimate", estimate)
		return res, nil, fmt.Errorf("%w: %s", ledger.ErrResourceCeiling, res.Error)
	}
	res.GasLimit = limit

	submitted := e.now()
	hash, err := e.settler.Submit(ctx, call, limit)
	if err != nil && hash == (common.Hash{}) {
		res.Status = model.BatchRejected
		res.Error = err.Error()
		log.Error("batch submission refused", "error", err)
		return res, nil, err
	}
	res.TxHash = hash
	log = log.With("tx", hash.Hex())
	if err != nil {
		log.Warn("submission outcome unclear, looking up receipt", "error", err)
	} else {
		log.Info("batch submitted", "gas_limit", limit)
	}

	receipt, err := e.await(ctx, hash, err == nil)
	if err != nil {
		res.Status = model.BatchIndeterminate
		res.Error = err.Error()
		log.Error("batch outcome unknown, not resubmitting", "error", err)
		return res, nil, err
	}
	metrics.FinalityLatency.Observe(e.now().Sub(submitted).Seconds())

	if !receipt.Success {
		rerr := ledger.ClassifyRevert(receipt.RevertReason)
		res.Status = model.BatchReverted
		res.Error = rerr.Error()
		log.Error("batch reverted", "kind", rerr.Kind.String(), "reason", rerr.Reason)
		return res, nil, rerr
	}

	if receipt.FillsError != "" {
		// A successful buy matched the full quantity for the exact payment,
		// so the call itself is the only account of what settled.
		res.Settled, res.Paid = b.Quantity, b.Payment
		res.Error = "fills not reconciled: " + receipt.FillsError
		log.Error("settled batch has undecodable fills", "error", receipt.FillsError)
	} else if err := reconcile(res, receipt); err != nil {
		// Settled on the ledger; the accounting error is only logged so the
		// purchase still reflects what the ledger confirmed.
		log.Error("reconciling fills", "error", err)
	}
	res.Status = model.BatchSettled
	if res.Settled != b.Quantity {
		log.Warn("ledger settled a different quantity than planned", "settled", res.Settled)
	}
	log.Info("batch settled", "block", receipt.BlockNumber, "gas_used", receipt.GasUsed, "settled", res.Settled)
	return res, nil, nil
}

// await waits for finality within FinalityTimeout. When the wait ends
// without a receipt the ledger is asked once more on a context detached
// from the caller's cancellation; only a missing receipt then makes the
// batch indeterminate.
func (e *Executor) await(ctx context.Context, hash common.Hash, wait bool) (*model.Receipt, error) {
	if wait {
		wctx, cancel := context.WithTimeout(ctx, e.cfg.FinalityTimeout)
		receipt, err := e.settler.WaitFinality(wctx, hash)
		cancel()
		if err == nil {
			return receipt, nil
		}
		slog.Warn("finality wait ended without receipt", "tx", hash.Hex(), "error", err)
	}

	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RequeryTimeout)
	defer cancel()
	receipt, err := e.settler.Receipt(qctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: tx %s: %v", ErrIndeterminate, hash.Hex(), err)
	}
	return receipt, nil
}

// gasLimit applies the multiplicative buffer and reports whether the result
// stays within the ceiling.
func (e *Executor) gasLimit(estimate uint64) (uint64, bool) {
	if estimate > e.cfg.GasCeiling {
		return 0, false
	}
	hi, lo := bits.Mul64(estimate, e.cfg.GasBufferPercent)
	if hi >= 100 {
		return 0, false
	}
	limit, _ := bits.Div64(hi, lo, 100)
	return limit, limit <= e.cfg.GasCeiling
}

func (e *Executor) split(b model.Batch) ([]model.Batch, bool) {
	if b.Quantity < 2 {
		return nil, false
	}
	halves, err := market.SplitBatch(b, (b.Quantity+1)/2)
	if err != nil {
		return nil, false
	}
	metrics.BatchSplits.Inc()
	return halves, true
}

// reconcile fills res from the ledger's confirmation rather than the plan.
func reconcile(res *model.BatchResult, receipt *model.Receipt) error {
	res.Fills = receipt.Fills
	for _, f := range receipt.Fills {
		res.Settled += f.Quantity
		cost, err := f.UnitPrice.MulUint64(f.Quantity)
		if err == nil {
			res.Paid, err = res.Paid.Add(cost)
		}
		if err != nil {
			return fmt.Errorf("fill of listing %d: %w", f.ListingID, err)
		}
	}
	return nil
}

// record appends a batch result to the purchase and journals it.
func (e *Executor) record(ctx context.Context, p *model.Purchase, res *model.BatchResult) {
	if res.Status == model.BatchSettled {
		p.SettledQuantity += res.Settled
		paid, err := p.SettledPaid.Add(res.Paid)
		if err != nil {
			slog.Error("settled total overflows, keeping previous total",
				"purchase_id", p.ID, "batch", res.Index, "paid", res.Paid, "error", err)
		} else {
			p.SettledPaid = paid
		}
		metrics.SettledQuantity.Add(float64(res.Settled))
	}
	p.Batches = append(p.Batches, *res)
	p.UpdatedAt = e.now().UTC()
	metrics.BatchesTotal.WithLabelValues(res.Status.String()).Inc()

	if err := e.store.PutBatchResult(context.WithoutCancel(ctx), p.ID, res); err != nil {
		slog.Error("journaling batch result", "purchase_id", p.ID, "batch", res.Index, "error", err)
	}
	e.save(ctx, p)
	batch := *res
	e.sink.Publish(Event{Type: EventBatch, Purchase: *p, Batch: &batch})
}

// fail ends the purchase at batch seq and marks the rest of the queue as
// skipped. Nothing already settled is undone.
func (e *Executor) fail(ctx context.Context, p *model.Purchase, seq int, rest []model.Batch, cause error) (*model.Purchase, error) {
	for i, b := range rest {
		skipped := &model.BatchResult{
			Index:    seq + 1 + i,
			Quantity: b.Quantity,
			Payment:  b.Payment,
			Status:   model.BatchSkipped,
		}
		p.Batches = append(p.Batches, *skipped)
		metrics.BatchesTotal.WithLabelValues(skipped.Status.String()).Inc()
		if err := e.store.PutBatchResult(context.WithoutCancel(ctx), p.ID, skipped); err != nil {
			slog.Error("journaling skipped batch", "purchase_id", p.ID, "batch", skipped.Index, "error", err)
		}
	}

	p.State = model.StateFailed
	p.FailedBatch = seq
	p.Error = cause.Error()
	p.UpdatedAt = e.now().UTC()
	e.save(ctx, p)
	metrics.PurchasesTotal.WithLabelValues(p.State.String()).Inc()
	e.sink.Publish(Event{Type: EventPurchaseFailed, Purchase: *p})
	slog.Error("purchase failed",
		"purchase_id", p.ID,
		"failed_batch", seq,
		"settled_quantity", p.SettledQuantity,
		"unsettled_quantity", p.Unsettled(),
		"error", cause,
	)
	return p, cause
}

func (e *Executor) transition(ctx context.Context, p *model.Purchase, to model.PurchaseState) {
	p.State = to
	p.UpdatedAt = e.now().UTC()
	e.save(ctx, p)
	e.sink.Publish(Event{Type: EventState, Purchase: *p})
}

// save journals the purchase. A journal failure is logged and does not stop
// settlement: the ledger, not the journal, is the record of what happened.
func (e *Executor) save(ctx context.Context, p *model.Purchase) {
	if err := e.store.UpdatePurchase(context.WithoutCancel(ctx), p); err != nil {
		slog.Error("journaling purchase", "purchase_id", p.ID, "state", p.State.String(), "error", err)
	}
}
