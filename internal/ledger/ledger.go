// Package ledger implements the FIFO batch-costed inventory core. All
// functions operate on an in-memory snapshot of an item's batches; the
// owning store loads the snapshot and persists the outcome inside one
// transaction, so nothing here touches storage or locks.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Batch is one acquisition lot. CostPerUnit never changes after creation;
// only Quantity moves, and never below zero. Exhausted batches are kept for
// audit, never deleted.
type Batch struct {
	ID          int64
	Quantity    int64
	CostPerUnit decimal.Decimal
	AcquiredAt  time.Time
	Source      string
	Legacy      bool
}

// ConsumeResult reports one batch draw.
type ConsumeResult struct {
	BatchID        int64
	Quantity       int64
	CostPerUnit    decimal.Decimal
	RemainingTotal int64
}

var (
	// ErrInvalidQuantity indicates a non-positive (or negative, for batch
	// creation) quantity.
	ErrInvalidQuantity = errors.New("ledger: invalid quantity")
	// ErrInvalidUnitCost indicates a negative unit cost.
	ErrInvalidUnitCost = errors.New("ledger: unit cost must be >= 0")
	// ErrInsufficientStock indicates the requested quantity exceeds the
	// total held across all batches.
	ErrInsufficientStock = errors.New("ledger: insufficient stock")
	// ErrOldestBatchTooSmall indicates the oldest batch alone cannot cover
	// the request. A single consume draws from exactly one batch so that
	// each consumption event carries one unambiguous cost basis; callers
	// wanting cross-batch draws use ConsumeSplit.
	ErrOldestBatchTooSmall = errors.New("ledger: oldest batch too small")
)

// NewBatch validates and builds a batch. The ID is assigned on insert and
// the timestamp defines FIFO order; zero-quantity batches are valid and keep
// cost accounting consistent for items created empty.
func NewBatch(quantity int64, costPerUnit decimal.Decimal, source string) (Batch, error) {
	if quantity < 0 {
		return Batch{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if costPerUnit.IsNegative() {
		return Batch{}, fmt.Errorf("%w: %s", ErrInvalidUnitCost, costPerUnit)
	}
	return Batch{
		Quantity:    quantity,
		CostPerUnit: costPerUnit,
		AcquiredAt:  time.Now().UTC(),
		Source:      source,
	}, nil
}

// Totals recomputes total quantity and weighted-average cost from the batch
// list. The average is weighted by remaining quantity over batches still
// holding stock; ok is false when no batch holds stock, in which case the
// caller keeps the last non-zero average.
func Totals(batches []Batch) (total int64, avgCost decimal.Decimal, ok bool) {
	var weighted decimal.Decimal
	for _, b := range batches {
		if b.Quantity <= 0 {
			continue
		}
		total += b.Quantity
		weighted = weighted.Add(b.CostPerUnit.Mul(decimal.NewFromInt(b.Quantity)))
	}
	if total == 0 {
		return 0, decimal.Zero, false
	}
	return total, weighted.Div(decimal.NewFromInt(total)), true
}

// OldestAvailable returns the index of the batch to consume next: earliest
// AcquiredAt among batches with remaining quantity, ties broken by lowest
// ID. This is the single source of truth for consumption order regardless
// of any cached totals.
func OldestAvailable(batches []Batch) (int, bool) {
	idx := -1
	for i, b := range batches {
		if b.Quantity <= 0 {
			continue
		}
		if idx == -1 {
			idx = i
			continue
		}
		best := batches[idx]
		if b.AcquiredAt.Before(best.AcquiredAt) ||
			(b.AcquiredAt.Equal(best.AcquiredAt) && b.ID < best.ID) {
			idx = i
		}
	}
	return idx, idx != -1
}

// Consume draws quantity from the oldest available batch, mutating that
// batch's quantity in the snapshot. The returned cost is the batch's own
// CostPerUnit, never the running average.
func Consume(batches []Batch, quantity int64) (ConsumeResult, error) {
	if quantity <= 0 {
		return ConsumeResult{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	total, _, _ := Totals(batches)
	if total < quantity {
		return ConsumeResult{}, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientStock, quantity, total)
	}
	idx, ok := OldestAvailable(batches)
	if !ok {
		return ConsumeResult{}, fmt.Errorf("%w: requested %d, available 0", ErrInsufficientStock, quantity)
	}
	if batches[idx].Quantity < quantity {
		return ConsumeResult{}, fmt.Errorf("%w: requested %d, oldest batch holds %d", ErrOldestBatchTooSmall, quantity, batches[idx].Quantity)
	}
	batches[idx].Quantity -= quantity
	return ConsumeResult{
		BatchID:        batches[idx].ID,
		Quantity:       quantity,
		CostPerUnit:    batches[idx].CostPerUnit,
		RemainingTotal: total - quantity,
	}, nil
}

// ConsumeSplit draws quantity across batches in FIFO order, one result per
// batch touched. Either the whole request is satisfied or nothing in the
// snapshot changes.
func ConsumeSplit(batches []Batch, quantity int64) ([]ConsumeResult, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	total, _, _ := Totals(batches)
	if total < quantity {
		return nil, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientStock, quantity, total)
	}
	var results []ConsumeResult
	remaining := quantity
	for remaining > 0 {
		idx, ok := OldestAvailable(batches)
		if !ok {
			// Unreachable given the total check above; guards drifted totals.
			return nil, fmt.Errorf("%w: requested %d, available 0", ErrInsufficientStock, quantity)
		}
		draw := remaining
		if batches[idx].Quantity < draw {
			draw = batches[idx].Quantity
		}
		batches[idx].Quantity -= draw
		remaining -= draw
		total -= draw
		results = append(results, ConsumeResult{
			BatchID:        batches[idx].ID,
			Quantity:       draw,
			CostPerUnit:    batches[idx].CostPerUnit,
			RemainingTotal: total,
		})
	}
	return results, nil
}
