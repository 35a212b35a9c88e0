package stock

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/ledger"
)

// ItemKind distinguishes repair parts from general sale items.
type ItemKind string

const (
	KindPart ItemKind = "part"
	KindItem ItemKind = "item"
)

// ItemStatus allows soft retirement; items are never hard-deleted while
// history references them.
type ItemStatus string

const (
	StatusActive   ItemStatus = "active"
	StatusArchived ItemStatus = "archived"
)

// Item is one stock-keeping line. TotalQuantity and AverageCost are derived
// from the batch list and recomputed inside every mutating transaction; the
// stored values are a read model, never an input.
type Item struct {
	ID            int64
	SKU           string
	Name          string
	Kind          ItemKind
	MinQuantity   int64
	Price         decimal.Decimal
	TotalQuantity int64
	AverageCost   decimal.Decimal
	Status        ItemStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Batches []ledger.Batch

	// LegacyPending marks an item created before batches existed that has
	// not yet been migrated into a synthetic batch.
	LegacyPending bool
}

// HistoryKind enumerates ledger mutations.
type HistoryKind string

const (
	HistoryPurchase HistoryKind = "purchase"
	HistoryUse      HistoryKind = "use"
)

// HistoryEntry is one immutable audit record: never updated, never deleted.
type HistoryEntry struct {
	ID       int64
	ItemID   int64
	Kind     HistoryKind
	Delta    int64
	BatchID  int64
	UnitCost decimal.Decimal
	Ref      string
	Note     string
	At       time.Time
}

// HistoryFilter bounds history reads.
type HistoryFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

// LowStockItem is one row of the reorder alert feed.
type LowStockItem struct {
	ItemID        int64
	SKU           string
	Name          string
	TotalQuantity int64
	MinQuantity   int64
}

// CreateItemInput describes a new stock line. The item always starts with
// exactly one batch, zero quantity allowed.
type CreateItemInput struct {
	SKU             string
	Name            string
	Kind            ItemKind
	MinQuantity     int64
	Price           decimal.Decimal
	InitialQuantity int64
	InitialCost     decimal.Decimal
	Source          string
}

// RestockInput appends one acquisition batch.
type RestockInput struct {
	ItemID         int64
	Quantity       int64
	UnitCost       decimal.Decimal
	Source         string
	Ref            string
	IdempotencyKey string
}

// ConsumeInput draws stock FIFO. Split enables the explicit multi-batch
// mode; the default draws from exactly one batch.
type ConsumeInput struct {
	ItemID         int64
	Quantity       int64
	Ref            string
	Note           string
	Split          bool
	IdempotencyKey string
}

// ConsumeOutcome reports a completed consumption. For single-batch draws
// Draws has one element and BatchID/CostPerUnit mirror it.
type ConsumeOutcome struct {
	BatchID        int64
	CostPerUnit    decimal.Decimal
	RemainingTotal int64
	AverageCost    decimal.Decimal
	Draws          []ledger.ConsumeResult
}

// ErrNotFound indicates a missing stock item.
var ErrNotFound = errors.New("stock: item not found")
