package purchasing

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-erp/atelier-erp/internal/platform/db"
)

// Repository persists purchase orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertOrder(ctx context.Context, order PurchaseOrder) (int64, error)
	InsertLine(ctx context.Context, line OrderLine) (int64, error)
	GetOrderForUpdate(ctx context.Context, orderID int64) (PurchaseOrder, error)
	ListLinesForUpdate(ctx context.Context, orderID int64) ([]OrderLine, error)
	MarkLineCommitted(ctx context.Context, lineID, batchID int64) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status OrderStatus) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction with
// bounded conflict retry.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("purchasing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetOrder loads an order with its lines.
func (r *Repository) GetOrder(ctx context.Context, orderID int64) (PurchaseOrder, error) {
	order, err := scanOrder(r.pool.QueryRow(ctx, orderQuery+` WHERE id=$1`, orderID))
	if err != nil {
		return PurchaseOrder{}, err
	}
	rows, err := r.pool.Query(ctx, lineQuery+` WHERE order_id=$1 ORDER BY id ASC`, orderID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	order.Lines, err = scanLines(rows)
	return order, err
}

// ListOrders returns recent orders, newest first.
func (r *Repository) ListOrders(ctx context.Context, limit int) ([]PurchaseOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, orderQuery+` ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	orders := []PurchaseOrder{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

const orderQuery = `SELECT id, number, COALESCE(supplier_ref, ''), status, COALESCE(note, ''), created_at, updated_at
FROM purchase_orders`

const lineQuery = `SELECT id, order_id, item_id, quantity, unit_cost, COALESCE(batch_id, 0), committed
FROM purchase_order_lines`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (PurchaseOrder, error) {
	var order PurchaseOrder
	err := row.Scan(&order.ID, &order.Number, &order.SupplierRef, &order.Status, &order.Note, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, ErrNotFound
	}
	return order, err
}

func scanLines(rows pgx.Rows) ([]OrderLine, error) {
	defer rows.Close()
	lines := []OrderLine{}
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ItemID, &l.Quantity, &l.UnitCost, &l.BatchID, &l.Committed); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *txRepository) InsertOrder(ctx context.Context, order PurchaseOrder) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, supplier_ref, status, note, created_at, updated_at)
VALUES ($1,$2,$3,$4,NOW(),NOW()) RETURNING id`,
		order.Number, order.SupplierRef, string(order.Status), order.Note).Scan(&id)
	return id, err
}

func (r *txRepository) InsertLine(ctx context.Context, line OrderLine) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_order_lines (order_id, item_id, quantity, unit_cost, committed)
VALUES ($1,$2,$3,$4,FALSE) RETURNING id`,
		line.OrderID, line.ItemID, line.Quantity, line.UnitCost).Scan(&id)
	return id, err
}

func (r *txRepository) GetOrderForUpdate(ctx context.Context, orderID int64) (PurchaseOrder, error) {
	return scanOrder(r.tx.QueryRow(ctx, orderQuery+` WHERE id=$1 FOR UPDATE`, orderID))
}

func (r *txRepository) ListLinesForUpdate(ctx context.Context, orderID int64) ([]OrderLine, error) {
	rows, err := r.tx.Query(ctx, lineQuery+` WHERE order_id=$1 ORDER BY id ASC FOR UPDATE`, orderID)
	if err != nil {
		return nil, err
	}
	return scanLines(rows)
}

func (r *txRepository) MarkLineCommitted(ctx context.Context, lineID, batchID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_order_lines SET committed=TRUE, batch_id=NULLIF($2, 0) WHERE id=$1 AND NOT committed`, lineID, batchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("purchasing: line already committed")
	}
	return nil
}

func (r *txRepository) UpdateOrderStatus(ctx context.Context, orderID int64, status OrderStatus) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_orders SET status=$2, updated_at=NOW() WHERE id=$1`, orderID, string(status))
	return err
}
