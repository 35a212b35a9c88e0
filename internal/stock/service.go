package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/ledger"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetItem(ctx context.Context, itemID int64) (Item, error)
	ListHistory(ctx context.Context, itemID int64, filter HistoryFilter) ([]HistoryEntry, error)
	ListLowStock(ctx context.Context) ([]LowStockItem, error)
}

// AuditPort abstracts operation-level audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts ledger operations for observability.
type MetricsPort interface {
	LedgerOp(op string)
}

// Service coordinates stock mutations. Every mutation runs as one
// transaction scoped to the single item it touches: the item row is locked,
// the batch list is read under that lock, the ledger decides, and the
// recomputed totals plus history land in the same transaction.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	cache       *Cache
	metrics     MetricsPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, cache *Cache, metrics MetricsPort) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem, cache: cache, metrics: metrics}
}

// RestockResult reports an appended batch.
type RestockResult struct {
	BatchID       int64
	TotalQuantity int64
	AverageCost   decimal.Decimal
}

// Create inserts a new item with exactly one initial batch. A zero-quantity
// initial batch is valid and keeps later cost accounting consistent.
func (s *Service) Create(ctx context.Context, input CreateItemInput) (Item, error) {
	if strings.TrimSpace(input.SKU) == "" {
		return Item{}, errors.New("stock: sku is required")
	}
	if strings.TrimSpace(input.Name) == "" {
		return Item{}, errors.New("stock: name is required")
	}
	if input.Kind == "" {
		input.Kind = KindPart
	}
	if input.Kind != KindPart && input.Kind != KindItem {
		return Item{}, fmt.Errorf("stock: unknown kind %q", input.Kind)
	}
	if input.MinQuantity < 0 {
		return Item{}, fmt.Errorf("%w: min quantity %d", ledger.ErrInvalidQuantity, input.MinQuantity)
	}
	if input.Price.IsNegative() {
		return Item{}, fmt.Errorf("%w: price %s", ledger.ErrInvalidUnitCost, input.Price)
	}
	batch, err := ledger.NewBatch(input.InitialQuantity, input.InitialCost, input.Source)
	if err != nil {
		return Item{}, err
	}

	item := Item{
		SKU:           strings.TrimSpace(input.SKU),
		Name:          strings.TrimSpace(input.Name),
		Kind:          input.Kind,
		MinQuantity:   input.MinQuantity,
		Price:         input.Price,
		TotalQuantity: input.InitialQuantity,
		AverageCost:   input.InitialCost,
		Status:        StatusActive,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		itemID, err := tx.InsertItem(ctx, item)
		if err != nil {
			return err
		}
		item.ID = itemID
		batchID, err := tx.InsertBatch(ctx, itemID, batch)
		if err != nil {
			return err
		}
		batch.ID = batchID
		return tx.InsertHistory(ctx, HistoryEntry{
			ItemID:   itemID,
			Kind:     HistoryPurchase,
			Delta:    batch.Quantity,
			BatchID:  batchID,
			UnitCost: batch.CostPerUnit,
			Note:     "initial batch",
		})
	})
	if err != nil {
		return Item{}, err
	}
	item.Batches = []ledger.Batch{batch}
	s.recordAudit(ctx, "stock:create", item.ID, map[string]any{"sku": item.SKU, "qty": batch.Quantity})
	s.countOp("create")
	return item, nil
}

// Restock appends an acquisition batch and emits a purchase history entry.
func (s *Service) Restock(ctx context.Context, input RestockInput) (RestockResult, error) {
	if input.Quantity <= 0 {
		return RestockResult{}, fmt.Errorf("%w: %d", ledger.ErrInvalidQuantity, input.Quantity)
	}
	batch, err := ledger.NewBatch(input.Quantity, input.UnitCost, input.Source)
	if err != nil {
		return RestockResult{}, err
	}
	release, err := s.claimKey(ctx, "stock.restock", input.IdempotencyKey)
	if err != nil {
		return RestockResult{}, err
	}

	var result RestockResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := tx.GetItemForUpdate(ctx, input.ItemID)
		if err != nil {
			return err
		}
		if err := s.migrateLegacy(ctx, tx, &item); err != nil {
			return err
		}
		batches, err := tx.ListBatchesForUpdate(ctx, input.ItemID)
		if err != nil {
			return err
		}
		batchID, err := tx.InsertBatch(ctx, input.ItemID, batch)
		if err != nil {
			return err
		}
		batch.ID = batchID
		batches = append(batches, batch)

		total, avg, ok := ledger.Totals(batches)
		if err := tx.UpdateItemTotals(ctx, input.ItemID, total, avg, ok); err != nil {
			return err
		}
		if err := tx.InsertHistory(ctx, HistoryEntry{
			ItemID:   input.ItemID,
			Kind:     HistoryPurchase,
			Delta:    input.Quantity,
			BatchID:  batchID,
			UnitCost: input.UnitCost,
			Ref:      input.Ref,
			Note:     input.Source,
		}); err != nil {
			return err
		}
		result = RestockResult{BatchID: batchID, TotalQuantity: total, AverageCost: avg}
		if !ok {
			result.AverageCost = item.AverageCost
		}
		return nil
	})
	if err != nil {
		release()
		return RestockResult{}, err
	}
	s.invalidate(ctx, input.ItemID)
	s.recordAudit(ctx, "stock:restock", input.ItemID, map[string]any{"qty": input.Quantity, "batch_id": result.BatchID, "source": input.Source})
	s.countOp("restock")
	return result, nil
}

// Consume draws stock FIFO. A failed consume leaves the item untouched; on
// success exactly the drawn batches are decremented, totals are recomputed
// from the batch list, and one use history entry is written per batch with
// that batch's original cost.
func (s *Service) Consume(ctx context.Context, input ConsumeInput) (ConsumeOutcome, error) {
	if input.Quantity <= 0 {
		return ConsumeOutcome{}, fmt.Errorf("%w: %d", ledger.ErrInvalidQuantity, input.Quantity)
	}
	release, err := s.claimKey(ctx, "stock.consume", input.IdempotencyKey)
	if err != nil {
		return ConsumeOutcome{}, err
	}

	var outcome ConsumeOutcome
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := tx.GetItemForUpdate(ctx, input.ItemID)
		if err != nil {
			return err
		}
		if err := s.migrateLegacy(ctx, tx, &item); err != nil {
			return err
		}
		batches, err := tx.ListBatchesForUpdate(ctx, input.ItemID)
		if err != nil {
			return err
		}

		var draws []ledger.ConsumeResult
		if input.Split {
			draws, err = ledger.ConsumeSplit(batches, input.Quantity)
		} else {
			var res ledger.ConsumeResult
			res, err = ledger.Consume(batches, input.Quantity)
			draws = []ledger.ConsumeResult{res}
		}
		if err != nil {
			return err
		}

		for _, draw := range draws {
			newQty, found := remainingQuantity(batches, draw.BatchID)
			if !found {
				return fmt.Errorf("stock: batch %d missing from snapshot", draw.BatchID)
			}
			if err := tx.UpdateBatchQuantity(ctx, draw.BatchID, newQty); err != nil {
				return err
			}
		}

		total, avg, ok := ledger.Totals(batches)
		if err := tx.UpdateItemTotals(ctx, input.ItemID, total, avg, ok); err != nil {
			return err
		}
		for _, draw := range draws {
			if err := tx.InsertHistory(ctx, HistoryEntry{
				ItemID:   input.ItemID,
				Kind:     HistoryUse,
				Delta:    -draw.Quantity,
				BatchID:  draw.BatchID,
				UnitCost: draw.CostPerUnit,
				Ref:      input.Ref,
				Note:     input.Note,
			}); err != nil {
				return err
			}
		}

		outcome = ConsumeOutcome{
			BatchID:        draws[0].BatchID,
			CostPerUnit:    draws[0].CostPerUnit,
			RemainingTotal: total,
			AverageCost:    avg,
			Draws:          draws,
		}
		if !ok {
			outcome.AverageCost = item.AverageCost
		}
		return nil
	})
	if err != nil {
		release()
		return ConsumeOutcome{}, err
	}
	s.invalidate(ctx, input.ItemID)
	s.recordAudit(ctx, "stock:consume", input.ItemID, map[string]any{"qty": input.Quantity, "ref": input.Ref})
	s.countOp("consume")
	return outcome, nil
}

// Get returns the item with its batches, migrating a pre-batch legacy item
// into one synthetic batch on first read.
func (s *Service) Get(ctx context.Context, itemID int64) (Item, error) {
	load := func(ctx context.Context) (Item, error) {
		item, err := s.repo.GetItem(ctx, itemID)
		if err != nil {
			return Item{}, err
		}
		if !item.LegacyPending {
			return item, nil
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			locked, err := tx.GetItemForUpdate(ctx, itemID)
			if err != nil {
				return err
			}
			return s.migrateLegacy(ctx, tx, &locked)
		})
		if err != nil {
			return Item{}, err
		}
		return s.repo.GetItem(ctx, itemID)
	}
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.GetItem(ctx, itemID, load)
}

// History lists the append-only audit stream for an item.
func (s *Service) History(ctx context.Context, itemID int64, filter HistoryFilter) ([]HistoryEntry, error) {
	if _, err := s.repo.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, itemID, filter)
}

// LowStock lists items below their reorder threshold.
func (s *Service) LowStock(ctx context.Context) ([]LowStockItem, error) {
	return s.repo.ListLowStock(ctx)
}

// migrateLegacy converts a pre-batch item into a single synthetic batch
// dated at migration time, inside the caller's transaction. Downstream
// logic can then assume every item has a batch list.
func (s *Service) migrateLegacy(ctx context.Context, tx TxRepository, item *Item) error {
	if !item.LegacyPending {
		return nil
	}
	batch, err := ledger.NewBatch(item.TotalQuantity, item.AverageCost, "legacy-migration")
	if err != nil {
		return err
	}
	batch.Legacy = true
	batchID, err := tx.InsertBatch(ctx, item.ID, batch)
	if err != nil {
		return err
	}
	batch.ID = batchID
	if err := tx.ClearLegacy(ctx, item.ID); err != nil {
		return err
	}
	if err := tx.UpdateItemTotals(ctx, item.ID, item.TotalQuantity, item.AverageCost, true); err != nil {
		return err
	}
	item.Batches = []ledger.Batch{batch}
	item.LegacyPending = false
	return nil
}

// claimKey reserves an idempotency key when one is supplied. The returned
// release func rolls the claim back after a failed operation.
func (s *Service) claimKey(ctx context.Context, scope, key string) (func(), error) {
	if key == "" || s.idempotency == nil {
		return func() {}, nil
	}
	full := scope + ":" + key
	if err := s.idempotency.CheckAndInsert(ctx, full, "stock"); err != nil {
		return nil, err
	}
	return func() { _ = s.idempotency.Delete(ctx, full) }, nil
}

func (s *Service) invalidate(ctx context.Context, itemID int64) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, itemID)
	}
}

func (s *Service) recordAudit(ctx context.Context, action string, itemID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{Action: action, Entity: "stock_item", EntityID: fmt.Sprintf("%d", itemID), Meta: meta})
}

func (s *Service) countOp(op string) {
	if s.metrics != nil {
		s.metrics.LedgerOp(op)
	}
}

func remainingQuantity(batches []ledger.Batch, batchID int64) (int64, bool) {
	for _, b := range batches {
		if b.ID == batchID {
			return b.Quantity, true
		}
	}
	return 0, false
}
