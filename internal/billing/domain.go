package billing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Customer carries a running debt balance. Debt grows when invoices are
// issued and shrinks on payment, floored at zero.
type Customer struct {
	ID        int64
	Name      string
	Phone     string
	Debt      decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InvoiceStatus tracks settlement progress.
type InvoiceStatus string

const (
	InvoiceUnpaid  InvoiceStatus = "unpaid"
	InvoicePartial InvoiceStatus = "partial"
	InvoicePaid    InvoiceStatus = "paid"
)

// Invoice is one receivable. AmountPaid accumulates across payments.
type Invoice struct {
	ID         int64
	Number     string
	CustomerID int64
	Total      decimal.Decimal
	AmountPaid decimal.Decimal
	Status     InvoiceStatus
	IssuedAt   time.Time
	CreatedAt  time.Time
}

// TenderMethod enumerates accepted payment instruments.
type TenderMethod string

const (
	TenderCash  TenderMethod = "cash"
	TenderCheck TenderMethod = "check"
	TenderCard  TenderMethod = "card"
)

// Tender is one instrument line within a payment.
type Tender struct {
	ID        int64
	PaymentID int64
	Method    TenderMethod
	Amount    decimal.Decimal
}

// PaymentAllocation records exactly how much of a payment landed on one
// invoice.
type PaymentAllocation struct {
	PaymentID int64
	InvoiceID int64
	Applied   decimal.Decimal
}

// Payment is a received sum split across tenders and allocated oldest
// invoice first. Reference is the external id handed to receipts.
type Payment struct {
	ID         int64
	Reference  string
	CustomerID int64
	Amount     decimal.Decimal
	Note       string
	PaidAt     time.Time

	Tenders     []Tender
	Allocations []PaymentAllocation
}

// CreateCustomerInput describes a new customer.
type CreateCustomerInput struct {
	Name  string
	Phone string
}

// CreateInvoiceInput issues a receivable; the customer's debt grows by
// Total in the same transaction.
type CreateInvoiceInput struct {
	Number     string
	CustomerID int64
	Total      decimal.Decimal
	IssuedAt   time.Time
}

// TenderInput is one instrument line of an incoming payment.
type TenderInput struct {
	Method TenderMethod
	Amount decimal.Decimal
}

// ApplyPaymentInput describes an incoming payment.
type ApplyPaymentInput struct {
	CustomerID     int64
	Tenders        []TenderInput
	Note           string
	IdempotencyKey string
}

// PaymentResult reports the allocation outcome. Unallocated is the leftover
// beyond all outstanding invoices; it is surfaced here and nowhere else.
type PaymentResult struct {
	PaymentID   int64
	Reference   string
	Amount      decimal.Decimal
	Applied     decimal.Decimal
	Unallocated decimal.Decimal
	DebtAfter   decimal.Decimal
	Allocations []PaymentAllocation
}

var (
	// ErrNotFound indicates a missing customer.
	ErrNotFound = errors.New("billing: customer not found")
	// ErrInvoiceNotFound indicates a missing invoice.
	ErrInvoiceNotFound = errors.New("billing: invoice not found")
	// ErrPaymentNotFound indicates a missing payment.
	ErrPaymentNotFound = errors.New("billing: payment not found")
	// ErrInvalidAmount rejects non-positive payment sums or negative tender
	// lines before any transaction starts.
	ErrInvalidAmount = errors.New("billing: invalid amount")
	// ErrInvalidTender rejects an unknown tender method.
	ErrInvalidTender = errors.New("billing: invalid tender method")
)
