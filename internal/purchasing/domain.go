package purchasing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus tracks commit progress. A partially committed order keeps its
// failed lines open for retry.
type OrderStatus string

const (
	StatusDraft     OrderStatus = "draft"
	StatusCommitted OrderStatus = "committed"
	StatusPartial   OrderStatus = "partial"
)

// PurchaseOrder is a supplier order whose committed lines become stock
// batches.
type PurchaseOrder struct {
	ID          int64
	Number      string
	SupplierRef string
	Status      OrderStatus
	Note        string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Lines []OrderLine
}

// OrderLine is one item position. BatchID is set once the line has been
// turned into a stock batch.
type OrderLine struct {
	ID        int64
	OrderID   int64
	ItemID    int64
	Quantity  int64
	UnitCost  decimal.Decimal
	BatchID   int64
	Committed bool
}

// CreateOrderInput describes a new order.
type CreateOrderInput struct {
	Number      string
	SupplierRef string
	Note        string
	Lines       []LineInput
}

// LineInput is one requested position.
type LineInput struct {
	ItemID   int64
	Quantity int64
	UnitCost decimal.Decimal
}

// CommitLineResult reports one line's outcome: either a batch id or the
// error that kept the line open.
type CommitLineResult struct {
	LineID  int64
	ItemID  int64
	BatchID int64
	Err     error
}

// CommitResult aggregates per-line outcomes and the resulting order status.
type CommitResult struct {
	OrderID int64
	Status  OrderStatus
	Lines   []CommitLineResult
}

var (
	// ErrNotFound indicates a missing order.
	ErrNotFound = errors.New("purchasing: order not found")
	// ErrNoLines rejects an order without positions.
	ErrNoLines = errors.New("purchasing: at least one line required")
	// ErrAlreadyCommitted rejects committing a fully committed order again.
	ErrAlreadyCommitted = errors.New("purchasing: order already committed")
)
