package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/easybet/market-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Wei amounts and uint64 counters are stored as NUMERIC and moved as
// decimal strings, so nothing passes through a float or an int64.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the journal tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePurchase(ctx context.Context, p *model.Purchase) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO purchases (id, buyer, project_id, option_index, requested, planned_total,
		                        state, failed_batch, settled_quantity, settled_paid, error,
		                        created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6::NUMERIC,
		         $7, $8, $9::NUMERIC, $10::NUMERIC, $11, $12, $13)`,
		p.ID, p.Buyer.Hex(), u64(p.ProjectID), int64(p.Option), u64(p.Requested), p.PlannedTotal.String(),
		p.State.String(), p.FailedBatch, u64(p.SettledQuantity), p.SettledPaid.String(), p.Error,
		p.CreatedAt, p.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	return err
}

func (s *PostgresStore) UpdatePurchase(ctx context.Context, p *model.Purchase) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE purchases
		 SET planned_total = $2::NUMERIC, state = $3, failed_batch = $4,
		     settled_quantity = $5::NUMERIC, settled_paid = $6::NUMERIC,
		     error = $7, updated_at = $8
		 WHERE id = $1`,
		p.ID, p.PlannedTotal.String(), p.State.String(), p.FailedBatch,
		u64(p.SettledQuantity), p.SettledPaid.String(), p.Error, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	return nil
}

func (s *PostgresStore) PutBatchResult(ctx context.Context, purchaseID string, r *model.BatchResult) error {
	fills, err := json.Marshal(r.Fills)
	if err != nil {
		return fmt.Errorf("encode fills: %w", err)
	}
	txHash := ""
	if r.TxHash != (common.Hash{}) {
		txHash = r.TxHash.Hex()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO purchase_batches (purchase_id, batch_index, quantity, payment, gas_limit,
		                               tx_hash, status, fills, settled_quantity, paid, error)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8::JSONB, $9::NUMERIC, $10::NUMERIC, $11)
		 ON CONFLICT (purchase_id, batch_index) DO UPDATE
		 SET quantity = EXCLUDED.quantity, payment = EXCLUDED.payment, gas_limit = EXCLUDED.gas_limit,
		     tx_hash = EXCLUDED.tx_hash, status = EXCLUDED.status, fills = EXCLUDED.fills,
		     settled_quantity = EXCLUDED.settled_quantity, paid = EXCLUDED.paid, error = EXCLUDED.error`,
		purchaseID, r.Index, u64(r.Quantity), r.Payment.String(), u64(r.GasLimit),
		txHash, r.Status.String(), string(fills), u64(r.Settled), r.Paid.String(), r.Error,
	)
	return err
}

const purchaseColumns = `id, buyer, project_id::TEXT, option_index, requested::TEXT, planned_total::TEXT,
		        state, failed_batch, settled_quantity::TEXT, settled_paid::TEXT, error,
		        created_at, updated_at`

func (s *PostgresStore) GetPurchase(ctx context.Context, id string) (*model.Purchase, error) {
	p, err := scanPurchase(s.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT batch_index, quantity::TEXT, payment::TEXT, gas_limit::TEXT, tx_hash, status,
		        fills, settled_quantity::TEXT, paid::TEXT, error
		 FROM purchase_batches WHERE purchase_id = $1 ORDER BY batch_index`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	p.Batches, err = scanBatchResults(rows)
	if err != nil {
		return nil, fmt.Errorf("get purchase %s batches: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPurchasesByBuyer(ctx context.Context, buyer common.Address) ([]model.Purchase, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE buyer = $1 ORDER BY created_at DESC, id DESC`,
		buyer.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Purchase
	index := make(map[string]int)
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		index[p.ID] = len(out)
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(out) == 0 {
		return out, nil
	}

	// One query for the batches of every listed purchase.
	brows, err := s.pool.Query(ctx,
		`SELECT b.purchase_id, b.batch_index, b.quantity::TEXT, b.payment::TEXT, b.gas_limit::TEXT,
		        b.tx_hash, b.status, b.fills, b.settled_quantity::TEXT, b.paid::TEXT, b.error
		 FROM purchase_batches b JOIN purchases p ON p.id = b.purchase_id
		 WHERE p.buyer = $1 ORDER BY b.purchase_id, b.batch_index`,
		buyer.Hex())
	if err != nil {
		return nil, err
	}
	defer brows.Close()

	for brows.Next() {
		var id string
		r, err := scanBatchResult(brows, &id)
		if err != nil {
			return nil, fmt.Errorf("list purchases batches: %w", err)
		}
		if i, ok := index[id]; ok {
			out[i].Batches = append(out[i].Batches, *r)
		}
	}
	return out, brows.Err()
}

// scanPurchase reads one purchases row selected with purchaseColumns.
func scanPurchase(row pgx.Row) (*model.Purchase, error) {
	var (
		p                                    model.Purchase
		buyer, projectID, requested, planned string
		state, settledQty, settledPaid       string
		option                               int64
	)
	if err := row.Scan(&p.ID, &buyer, &projectID, &option, &requested, &planned,
		&state, &p.FailedBatch, &settledQty, &settledPaid, &p.Error,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.Buyer = common.HexToAddress(buyer)
	p.Option = uint32(option)
	var err error
	if p.ProjectID, err = strconv.ParseUint(projectID, 10, 64); err != nil {
		return nil, fmt.Errorf("project_id: %w", err)
	}
	if p.Requested, err = strconv.ParseUint(requested, 10, 64); err != nil {
		return nil, fmt.Errorf("requested: %w", err)
	}
	if p.SettledQuantity, err = strconv.ParseUint(settledQty, 10, 64); err != nil {
		return nil, fmt.Errorf("settled_quantity: %w", err)
	}
	if p.PlannedTotal, err = model.ParseWei(planned); err != nil {
		return nil, fmt.Errorf("planned_total: %w", err)
	}
	if p.SettledPaid, err = model.ParseWei(settledPaid); err != nil {
		return nil, fmt.Errorf("settled_paid: %w", err)
	}
	if err := p.State.UnmarshalText([]byte(state)); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanBatchResults(rows pgx.Rows) ([]model.BatchResult, error) {
	var out []model.BatchResult
	for rows.Next() {
		r, err := scanBatchResult(rows, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// scanBatchResult reads one purchase_batches row. When purchaseID is not
// nil the row leads with the purchase id.
func scanBatchResult(row pgx.Row, purchaseID *string) (*model.BatchResult, error) {
	var (
		r                              model.BatchResult
		qty, payment, gasLimit, txHash string
		status, settled, paid          string
		fills                          []byte
	)
	dest := []any{&r.Index, &qty, &payment, &gasLimit, &txHash, &status,
		&fills, &settled, &paid, &r.Error}
	if purchaseID != nil {
		dest = append([]any{purchaseID}, dest...)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if r.Quantity, err = strconv.ParseUint(qty, 10, 64); err != nil {
		return nil, fmt.Errorf("quantity: %w", err)
	}
	if r.GasLimit, err = strconv.ParseUint(gasLimit, 10, 64); err != nil {
		return nil, fmt.Errorf("gas_limit: %w", err)
	}
	if r.Settled, err = strconv.ParseUint(settled, 10, 64); err != nil {
		return nil, fmt.Errorf("settled_quantity: %w", err)
	}
	if r.Payment, err = model.ParseWei(payment); err != nil {
		return nil, fmt.Errorf("payment: %w", err)
	}
	if r.Paid, err = model.ParseWei(paid); err != nil {
		return nil, fmt.Errorf("paid: %w", err)
	}
	if txHash != "" {
		r.TxHash = common.HexToHash(txHash)
	}
	if err := r.Status.UnmarshalText([]byte(status)); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fills, &r.Fills); err != nil {
		return nil, fmt.Errorf("fills: %w", err)
	}
	return &r, nil
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}
