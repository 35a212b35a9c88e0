package stock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/ledger"
	"github.com/atelier-erp/atelier-erp/internal/platform/db"
)

// Repository persists stock data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service. All
// reads that feed a mutation go through here so they happen under the same
// row locks as the write.
type TxRepository interface {
	InsertItem(ctx context.Context, item Item) (int64, error)
	GetItemForUpdate(ctx context.Context, itemID int64) (Item, error)
	ListBatchesForUpdate(ctx context.Context, itemID int64) ([]ledger.Batch, error)
	InsertBatch(ctx context.Context, itemID int64, batch ledger.Batch) (int64, error)
	UpdateBatchQuantity(ctx context.Context, batchID int64, quantity int64) error
	UpdateItemTotals(ctx context.Context, itemID int64, total int64, avgCost decimal.Decimal, avgValid bool) error
	ClearLegacy(ctx context.Context, itemID int64) error
	InsertHistory(ctx context.Context, entry HistoryEntry) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction with
// bounded conflict retry.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetItem loads an item with its batches, outside any transaction.
func (r *Repository) GetItem(ctx context.Context, itemID int64) (Item, error) {
	if r == nil {
		return Item{}, errors.New("stock repository not initialised")
	}
	item, err := scanItem(r.pool.QueryRow(ctx, itemQuery+` WHERE id=$1`, itemID))
	if err != nil {
		return Item{}, err
	}
	rows, err := r.pool.Query(ctx, batchQuery+` WHERE item_id=$1 ORDER BY acquired_at ASC, id ASC`, itemID)
	if err != nil {
		return Item{}, err
	}
	item.Batches, err = scanBatches(rows)
	if err != nil {
		return Item{}, err
	}
	if len(item.Batches) > 0 {
		item.LegacyPending = false
	}
	return item, nil
}

// ListHistory returns the append-only history stream, oldest first.
func (r *Repository) ListHistory(ctx context.Context, itemID int64, filter HistoryFilter) ([]HistoryEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, item_id, kind, delta, batch_id, unit_cost, ref, note, occurred_at
FROM stock_history
WHERE item_id=$1
  AND ($2::timestamptz IS NULL OR occurred_at >= $2)
  AND ($3::timestamptz IS NULL OR occurred_at <= $3)
ORDER BY occurred_at ASC, id ASC
LIMIT $4`, itemID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		var ref, note *string
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Kind, &e.Delta, &e.BatchID, &e.UnitCost, &ref, &note, &e.At); err != nil {
			return nil, err
		}
		e.Ref = deref(ref)
		e.Note = deref(note)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListLowStock returns active items below their reorder threshold.
func (r *Repository) ListLowStock(ctx context.Context) ([]LowStockItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, sku, name, total_quantity, min_quantity
FROM stock_items
WHERE status='active' AND min_quantity > 0 AND total_quantity < min_quantity
ORDER BY sku ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []LowStockItem{}
	for rows.Next() {
		var it LowStockItem
		if err := rows.Scan(&it.ItemID, &it.SKU, &it.Name, &it.TotalQuantity, &it.MinQuantity); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

const itemQuery = `SELECT id, sku, name, kind, min_quantity, price, total_quantity, avg_cost, status, created_at, updated_at,
(legacy_qty IS NOT NULL AND NOT EXISTS (SELECT 1 FROM stock_batches b WHERE b.item_id = stock_items.id)) AS legacy_pending,
COALESCE(legacy_qty, 0), COALESCE(legacy_cost, 0)
FROM stock_items`

const batchQuery = `SELECT id, quantity, cost_per_unit, acquired_at, COALESCE(source, ''), legacy
FROM stock_batches`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var item Item
	var legacyQty int64
	var legacyCost decimal.Decimal
	err := row.Scan(&item.ID, &item.SKU, &item.Name, &item.Kind, &item.MinQuantity, &item.Price,
		&item.TotalQuantity, &item.AverageCost, &item.Status, &item.CreatedAt, &item.UpdatedAt,
		&item.LegacyPending, &legacyQty, &legacyCost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, err
	}
	if item.LegacyPending {
		item.TotalQuantity = legacyQty
		item.AverageCost = legacyCost
	}
	return item, nil
}

func scanBatches(rows pgx.Rows) ([]ledger.Batch, error) {
	defer rows.Close()
	batches := []ledger.Batch{}
	for rows.Next() {
		var b ledger.Batch
		if err := rows.Scan(&b.ID, &b.Quantity, &b.CostPerUnit, &b.AcquiredAt, &b.Source, &b.Legacy); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *txRepository) InsertItem(ctx context.Context, item Item) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_items (sku, name, kind, min_quantity, price, total_quantity, avg_cost, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW()) RETURNING id`,
		item.SKU, item.Name, string(item.Kind), item.MinQuantity, item.Price, item.TotalQuantity, item.AverageCost, string(item.Status)).Scan(&id)
	return id, err
}

func (r *txRepository) GetItemForUpdate(ctx context.Context, itemID int64) (Item, error) {
	return scanItem(r.tx.QueryRow(ctx, itemQuery+` WHERE id=$1 FOR UPDATE`, itemID))
}

func (r *txRepository) ListBatchesForUpdate(ctx context.Context, itemID int64) ([]ledger.Batch, error) {
	rows, err := r.tx.Query(ctx, batchQuery+` WHERE item_id=$1 ORDER BY acquired_at ASC, id ASC FOR UPDATE`, itemID)
	if err != nil {
		return nil, err
	}
	return scanBatches(rows)
}

func (r *txRepository) InsertBatch(ctx context.Context, itemID int64, batch ledger.Batch) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_batches (item_id, quantity, cost_per_unit, acquired_at, source, legacy)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		itemID, batch.Quantity, batch.CostPerUnit, batch.AcquiredAt, nullString(batch.Source), batch.Legacy).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateBatchQuantity(ctx context.Context, batchID int64, quantity int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_batches SET quantity=$2 WHERE id=$1 AND $2 >= 0`, batchID, quantity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("stock: batch quantity update rejected")
	}
	return nil
}

// UpdateItemTotals writes the recomputed read model. When avgValid is false
// (nothing left in stock) the previous average is retained per the ledger
// contract.
func (r *txRepository) UpdateItemTotals(ctx context.Context, itemID int64, total int64, avgCost decimal.Decimal, avgValid bool) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_items
SET total_quantity=$2,
    avg_cost = CASE WHEN $4 THEN $3 ELSE avg_cost END,
    updated_at=NOW()
WHERE id=$1`, itemID, total, avgCost, avgValid)
	return err
}

func (r *txRepository) ClearLegacy(ctx context.Context, itemID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_items SET legacy_qty=NULL, legacy_cost=NULL, updated_at=NOW() WHERE id=$1`, itemID)
	return err
}

func (r *txRepository) InsertHistory(ctx context.Context, entry HistoryEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_history (item_id, kind, delta, batch_id, unit_cost, ref, note, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.ItemID, string(entry.Kind), entry.Delta, entry.BatchID, entry.UnitCost, nullString(entry.Ref), nullString(entry.Note), at)
	return err
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
