package billing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/platform/db"
)

// Repository persists billing data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service. The
// allocator locks the customer row and the outstanding invoices in one
// transaction so concurrent payments serialize per customer.
type TxRepository interface {
	InsertCustomer(ctx context.Context, customer Customer) (int64, error)
	GetCustomerForUpdate(ctx context.Context, customerID int64) (Customer, error)
	UpdateCustomerDebt(ctx context.Context, customerID int64, debt decimal.Decimal) error
	InsertInvoice(ctx context.Context, invoice Invoice) (int64, error)
	ListOutstandingForUpdate(ctx context.Context, customerID int64) ([]Invoice, error)
	UpdateInvoicePayment(ctx context.Context, invoiceID int64, amountPaid decimal.Decimal, status InvoiceStatus) error
	InsertPayment(ctx context.Context, payment Payment) (int64, error)
	InsertTender(ctx context.Context, tender Tender) (int64, error)
	InsertAllocation(ctx context.Context, allocation PaymentAllocation) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction with
// bounded conflict retry.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("billing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetCustomer loads a customer.
func (r *Repository) GetCustomer(ctx context.Context, customerID int64) (Customer, error) {
	return scanCustomer(r.pool.QueryRow(ctx, customerQuery+` WHERE id=$1`, customerID))
}

// ListInvoices returns a customer's invoices, oldest issue first.
func (r *Repository) ListInvoices(ctx context.Context, customerID int64) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, invoiceQuery+` WHERE customer_id=$1 ORDER BY issued_at ASC, id ASC`, customerID)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

// GetPayment loads a payment with its tenders and allocations.
func (r *Repository) GetPayment(ctx context.Context, paymentID int64) (Payment, error) {
	var p Payment
	var note *string
	err := r.pool.QueryRow(ctx, `SELECT id, reference, customer_id, amount, note, paid_at FROM billing_payments WHERE id=$1`, paymentID).
		Scan(&p.ID, &p.Reference, &p.CustomerID, &p.Amount, &note, &p.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrPaymentNotFound
	}
	if err != nil {
		return Payment{}, err
	}
	if note != nil {
		p.Note = *note
	}

	rows, err := r.pool.Query(ctx, `SELECT id, payment_id, method, amount FROM billing_payment_tenders WHERE payment_id=$1 ORDER BY id ASC`, paymentID)
	if err != nil {
		return Payment{}, err
	}
	defer rows.Close()
	p.Tenders = []Tender{}
	for rows.Next() {
		var t Tender
		if err := rows.Scan(&t.ID, &t.PaymentID, &t.Method, &t.Amount); err != nil {
			return Payment{}, err
		}
		p.Tenders = append(p.Tenders, t)
	}
	if err := rows.Err(); err != nil {
		return Payment{}, err
	}

	allocRows, err := r.pool.Query(ctx, `SELECT payment_id, invoice_id, applied FROM billing_payment_allocations WHERE payment_id=$1 ORDER BY invoice_id ASC`, paymentID)
	if err != nil {
		return Payment{}, err
	}
	defer allocRows.Close()
	p.Allocations = []PaymentAllocation{}
	for allocRows.Next() {
		var a PaymentAllocation
		if err := allocRows.Scan(&a.PaymentID, &a.InvoiceID, &a.Applied); err != nil {
			return Payment{}, err
		}
		p.Allocations = append(p.Allocations, a)
	}
	return p, allocRows.Err()
}

const customerQuery = `SELECT id, name, COALESCE(phone, ''), debt, created_at, updated_at
FROM billing_customers`

const invoiceQuery = `SELECT id, number, customer_id, total, amount_paid, status, issued_at, created_at
FROM billing_invoices`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Debt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	return c, err
}

func scanInvoices(rows pgx.Rows) ([]Invoice, error) {
	defer rows.Close()
	invoices := []Invoice{}
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.ID, &inv.Number, &inv.CustomerID, &inv.Total, &inv.AmountPaid, &inv.Status, &inv.IssuedAt, &inv.CreatedAt); err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (r *txRepository) InsertCustomer(ctx context.Context, customer Customer) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO billing_customers (name, phone, debt, created_at, updated_at)
VALUES ($1,$2,$3,NOW(),NOW()) RETURNING id`,
		customer.Name, customer.Phone, customer.Debt).Scan(&id)
	return id, err
}

func (r *txRepository) GetCustomerForUpdate(ctx context.Context, customerID int64) (Customer, error) {
	return scanCustomer(r.tx.QueryRow(ctx, customerQuery+` WHERE id=$1 FOR UPDATE`, customerID))
}

func (r *txRepository) UpdateCustomerDebt(ctx context.Context, customerID int64, debt decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE billing_customers SET debt=$2, updated_at=NOW() WHERE id=$1`, customerID, debt)
	return err
}

func (r *txRepository) InsertInvoice(ctx context.Context, invoice Invoice) (int64, error) {
	issuedAt := invoice.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO billing_invoices (number, customer_id, total, amount_paid, status, issued_at, created_at)
VALUES ($1,$2,$3,0,$4,$5,NOW()) RETURNING id`,
		invoice.Number, invoice.CustomerID, invoice.Total, string(invoice.Status), issuedAt).Scan(&id)
	return id, err
}

// ListOutstandingForUpdate locks the unpaid and partial invoices in
// allocation order: oldest issue date first, id as tie-break.
func (r *txRepository) ListOutstandingForUpdate(ctx context.Context, customerID int64) ([]Invoice, error) {
	rows, err := r.tx.Query(ctx, invoiceQuery+` WHERE customer_id=$1 AND status IN ('unpaid','partial')
ORDER BY issued_at ASC, id ASC FOR UPDATE`, customerID)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func (r *txRepository) UpdateInvoicePayment(ctx context.Context, invoiceID int64, amountPaid decimal.Decimal, status InvoiceStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE billing_invoices SET amount_paid=$2, status=$3 WHERE id=$1`, invoiceID, amountPaid, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *txRepository) InsertPayment(ctx context.Context, payment Payment) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO billing_payments (reference, customer_id, amount, note, paid_at)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		payment.Reference, payment.CustomerID, payment.Amount, nullString(payment.Note), payment.PaidAt).Scan(&id)
	return id, err
}

func (r *txRepository) InsertTender(ctx context.Context, tender Tender) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO billing_payment_tenders (payment_id, method, amount)
VALUES ($1,$2,$3) RETURNING id`,
		tender.PaymentID, string(tender.Method), tender.Amount).Scan(&id)
	return id, err
}

func (r *txRepository) InsertAllocation(ctx context.Context, allocation PaymentAllocation) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO billing_payment_allocations (payment_id, invoice_id, applied)
VALUES ($1,$2,$3)`,
		allocation.PaymentID, allocation.InvoiceID, allocation.Applied)
	return err
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
