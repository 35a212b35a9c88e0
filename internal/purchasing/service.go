package purchasing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atelier-erp/atelier-erp/internal/ledger"
	"github.com/atelier-erp/atelier-erp/internal/shared"
	"github.com/atelier-erp/atelier-erp/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, orderID int64) (PurchaseOrder, error)
	ListOrders(ctx context.Context, limit int) ([]PurchaseOrder, error)
}

// StockPort exposes the restock integration.
type StockPort interface {
	Restock(ctx context.Context, input stock.RestockInput) (stock.RestockResult, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service turns committed purchase order lines into stock batches.
type Service struct {
	logger      *slog.Logger
	repo        RepositoryPort
	stock       StockPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
}

// NewService constructs purchasing service.
func NewService(logger *slog.Logger, repo RepositoryPort, stockPort StockPort, audit AuditPort, idem *shared.IdempotencyStore) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger, repo: repo, stock: stockPort, audit: audit, idempotency: idem}
}

// CreateOrder persists a draft order with its lines.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (PurchaseOrder, error) {
	if len(input.Lines) == 0 {
		return PurchaseOrder{}, ErrNoLines
	}
	for _, line := range input.Lines {
		if line.Quantity <= 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: line quantity %d", ledger.ErrInvalidQuantity, line.Quantity)
		}
		if line.UnitCost.IsNegative() {
			return PurchaseOrder{}, fmt.Errorf("%w: line cost %s", ledger.ErrInvalidUnitCost, line.UnitCost)
		}
	}
	if input.Number == "" {
		input.Number = generateNumber("PO")
	}
	order := PurchaseOrder{Number: input.Number, SupplierRef: input.SupplierRef, Status: StatusDraft, Note: input.Note}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		orderID, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return err
		}
		order.ID = orderID
		for _, line := range input.Lines {
			l := OrderLine{OrderID: orderID, ItemID: line.ItemID, Quantity: line.Quantity, UnitCost: line.UnitCost}
			lineID, err := tx.InsertLine(ctx, l)
			if err != nil {
				return err
			}
			l.ID = lineID
			order.Lines = append(order.Lines, l)
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, "purchasing:create", order.ID, map[string]any{"number": order.Number, "lines": len(order.Lines)})
	return order, nil
}

// Commit restocks once per open line. Each line reports its batch id or its
// error; the order becomes committed when every line landed and partial
// otherwise, with failed lines left open for a later retry. The idempotency
// key plus the per-line committed flag keep a retried commit from
// double-restocking.
func (s *Service) Commit(ctx context.Context, orderID int64, idempotencyKey string) (CommitResult, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return CommitResult{}, err
	}
	if order.Status == StatusCommitted {
		return CommitResult{}, ErrAlreadyCommitted
	}
	release, err := s.claimKey(ctx, "purchasing.commit", idempotencyKey)
	if err != nil {
		return CommitResult{}, err
	}

	result := CommitResult{OrderID: orderID}
	committed := 0
	failed := 0
	for _, line := range order.Lines {
		if line.Committed {
			committed++
			result.Lines = append(result.Lines, CommitLineResult{LineID: line.ID, ItemID: line.ItemID, BatchID: line.BatchID})
			continue
		}
		lineResult := s.commitLine(ctx, order, line)
		if lineResult.Err != nil {
			failed++
		} else {
			committed++
		}
		result.Lines = append(result.Lines, lineResult)
	}

	result.Status = StatusCommitted
	if failed > 0 {
		result.Status = StatusPartial
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateOrderStatus(ctx, orderID, result.Status)
	})
	if err != nil {
		release()
		return CommitResult{}, err
	}
	if failed > 0 {
		// Leave the key free so the retry for the open lines can proceed.
		release()
	}
	s.recordAudit(ctx, "purchasing:commit", orderID, map[string]any{"status": string(result.Status), "committed": committed, "failed": failed})
	return result, nil
}

// commitLine restocks one line and marks it committed. The restock and the
// mark run in separate transactions, so the restock carries a per-line
// idempotency key: when the mark fails and the line is retried, the stock
// side rejects the duplicate and only the mark is replayed.
func (s *Service) commitLine(ctx context.Context, order PurchaseOrder, line OrderLine) CommitLineResult {
	res := CommitLineResult{LineID: line.ID, ItemID: line.ItemID}
	restocked, err := s.stock.Restock(ctx, stock.RestockInput{
		ItemID:         line.ItemID,
		Quantity:       line.Quantity,
		UnitCost:       line.UnitCost,
		Source:         order.Number,
		Ref:            fmt.Sprintf("po:%d", order.ID),
		IdempotencyKey: fmt.Sprintf("po:%d:line:%d", order.ID, line.ID),
	})
	switch {
	case err == nil:
		res.BatchID = restocked.BatchID
	case errors.Is(err, shared.ErrIdempotencyConflict):
		// The batch landed on an earlier attempt whose mark failed; the
		// batch id was never recorded, only the mark is outstanding.
		res.BatchID = line.BatchID
	default:
		res.Err = err
		return res
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.MarkLineCommitted(ctx, line.ID, res.BatchID)
	})
	if err != nil {
		s.logger.Error("purchasing line mark failed after restock",
			slog.Int64("order_id", order.ID), slog.Int64("line_id", line.ID),
			slog.Int64("batch_id", res.BatchID), slog.Any("error", err))
		res.Err = err
	}
	return res
}

// Get loads an order with its lines.
func (s *Service) Get(ctx context.Context, orderID int64) (PurchaseOrder, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// List returns recent orders.
func (s *Service) List(ctx context.Context, limit int) ([]PurchaseOrder, error) {
	return s.repo.ListOrders(ctx, limit)
}

func (s *Service) claimKey(ctx context.Context, scope, key string) (func(), error) {
	if key == "" || s.idempotency == nil {
		return func() {}, nil
	}
	full := scope + ":" + key
	if err := s.idempotency.CheckAndInsert(ctx, full, "purchasing"); err != nil {
		return nil, err
	}
	return func() { _ = s.idempotency.Delete(ctx, full) }, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, orderID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{Action: action, Entity: "purchase_order", EntityID: fmt.Sprintf("%d", orderID), Meta: meta})
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
