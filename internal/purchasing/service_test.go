package purchasing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/atelier-erp/internal/ledger"
	"github.com/atelier-erp/atelier-erp/internal/shared"
	"github.com/atelier-erp/atelier-erp/internal/stock"
)

type memoryOrderRepo struct {
	orders     map[int64]PurchaseOrder
	lines      map[int64][]OrderLine
	nextOrder  int64
	nextLineID int64

	failMarks int
}

type memoryOrderTx struct {
	repo *memoryOrderRepo
}

func newMemoryOrderRepo() *memoryOrderRepo {
	return &memoryOrderRepo{orders: make(map[int64]PurchaseOrder), lines: make(map[int64][]OrderLine)}
}

func (r *memoryOrderRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryOrderTx{repo: r})
}

func (r *memoryOrderRepo) GetOrder(ctx context.Context, orderID int64) (PurchaseOrder, error) {
	order, ok := r.orders[orderID]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	order.Lines = append([]OrderLine(nil), r.lines[orderID]...)
	return order, nil
}

func (r *memoryOrderRepo) ListOrders(ctx context.Context, limit int) ([]PurchaseOrder, error) {
	orders := []PurchaseOrder{}
	for _, o := range r.orders {
		orders = append(orders, o)
	}
	return orders, nil
}

func (tx *memoryOrderTx) InsertOrder(ctx context.Context, order PurchaseOrder) (int64, error) {
	tx.repo.nextOrder++
	order.ID = tx.repo.nextOrder
	order.CreatedAt = time.Now().UTC()
	tx.repo.orders[order.ID] = order
	return order.ID, nil
}

func (tx *memoryOrderTx) InsertLine(ctx context.Context, line OrderLine) (int64, error) {
	tx.repo.nextLineID++
	line.ID = tx.repo.nextLineID
	tx.repo.lines[line.OrderID] = append(tx.repo.lines[line.OrderID], line)
	return line.ID, nil
}

func (tx *memoryOrderTx) GetOrderForUpdate(ctx context.Context, orderID int64) (PurchaseOrder, error) {
	order, ok := tx.repo.orders[orderID]
	if !ok {
		return PurchaseOrder{}, ErrNotFound
	}
	return order, nil
}

func (tx *memoryOrderTx) ListLinesForUpdate(ctx context.Context, orderID int64) ([]OrderLine, error) {
	return append([]OrderLine(nil), tx.repo.lines[orderID]...), nil
}

func (tx *memoryOrderTx) MarkLineCommitted(ctx context.Context, lineID, batchID int64) error {
	if tx.repo.failMarks > 0 {
		tx.repo.failMarks--
		return errors.New("mark rejected")
	}
	for orderID, lines := range tx.repo.lines {
		for i := range lines {
			if lines[i].ID == lineID {
				tx.repo.lines[orderID][i].Committed = true
				tx.repo.lines[orderID][i].BatchID = batchID
				return nil
			}
		}
	}
	return ErrNotFound
}

func (tx *memoryOrderTx) UpdateOrderStatus(ctx context.Context, orderID int64, status OrderStatus) error {
	order, ok := tx.repo.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	order.Status = status
	tx.repo.orders[orderID] = order
	return nil
}

type fakeRestocker struct {
	restocks    []stock.RestockInput
	nextBatch   int64
	failItemIDs map[int64]error
	claimedKeys map[string]bool
}

// Restock mirrors the stock service's key handling: a claimed key rejects
// the duplicate, a failed restock leaves the key unclaimed.
func (f *fakeRestocker) Restock(ctx context.Context, input stock.RestockInput) (stock.RestockResult, error) {
	if input.IdempotencyKey != "" && f.claimedKeys[input.IdempotencyKey] {
		return stock.RestockResult{}, shared.ErrIdempotencyConflict
	}
	if err, ok := f.failItemIDs[input.ItemID]; ok {
		return stock.RestockResult{}, err
	}
	if input.IdempotencyKey != "" {
		if f.claimedKeys == nil {
			f.claimedKeys = make(map[string]bool)
		}
		f.claimedKeys[input.IdempotencyKey] = true
	}
	f.restocks = append(f.restocks, input)
	f.nextBatch++
	return stock.RestockResult{BatchID: f.nextBatch}, nil
}

func newPurchasing(repo *memoryOrderRepo, st *fakeRestocker) *Service {
	return NewService(nil, repo, st, nil, nil)
}

func TestCreateOrderValidatesLines(t *testing.T) {
	svc := newPurchasing(newMemoryOrderRepo(), &fakeRestocker{})
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, CreateOrderInput{})
	require.ErrorIs(t, err, ErrNoLines)

	_, err = svc.CreateOrder(ctx, CreateOrderInput{Lines: []LineInput{{ItemID: 1, Quantity: 0}}})
	require.ErrorIs(t, err, ledger.ErrInvalidQuantity)

	order, err := svc.CreateOrder(ctx, CreateOrderInput{Lines: []LineInput{{ItemID: 1, Quantity: 5, UnitCost: decimal.NewFromInt(3)}}})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, order.Status)
	require.NotEmpty(t, order.Number)
	require.Len(t, order.Lines, 1)
}

func TestCommitRestocksEveryLine(t *testing.T) {
	repo := newMemoryOrderRepo()
	st := &fakeRestocker{}
	svc := newPurchasing(repo, st)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, CreateOrderInput{Number: "PO-7", Lines: []LineInput{
		{ItemID: 1, Quantity: 5, UnitCost: decimal.NewFromInt(3)},
		{ItemID: 2, Quantity: 2, UnitCost: decimal.RequireFromString("1.50")},
	}})
	require.NoError(t, err)

	result, err := svc.Commit(ctx, order.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, result.Status)
	require.Len(t, result.Lines, 2)
	for _, l := range result.Lines {
		require.NoError(t, l.Err)
		require.NotZero(t, l.BatchID)
	}
	require.Len(t, st.restocks, 2)
	require.Equal(t, "PO-7", st.restocks[0].Source)

	got, err := svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, got.Status)
	for _, l := range got.Lines {
		require.True(t, l.Committed)
	}
}

func TestCommitPartialKeepsFailedLinesOpen(t *testing.T) {
	repo := newMemoryOrderRepo()
	st := &fakeRestocker{failItemIDs: map[int64]error{2: ledger.ErrInvalidUnitCost}}
	svc := newPurchasing(repo, st)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, CreateOrderInput{Lines: []LineInput{
		{ItemID: 1, Quantity: 5, UnitCost: decimal.NewFromInt(3)},
		{ItemID: 2, Quantity: 2, UnitCost: decimal.NewFromInt(4)},
	}})
	require.NoError(t, err)

	result, err := svc.Commit(ctx, order.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusPartial, result.Status)
	require.NoError(t, result.Lines[0].Err)
	require.ErrorIs(t, result.Lines[1].Err, ledger.ErrInvalidUnitCost)

	// Retry after the failure is cleared: only the open line restocks.
	st.failItemIDs = nil
	retry, err := svc.Commit(ctx, order.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, retry.Status)
	require.Len(t, st.restocks, 2, "committed line must not restock twice")
}

func TestCommitRetryAfterMarkFailureDoesNotRestockTwice(t *testing.T) {
	repo := newMemoryOrderRepo()
	repo.failMarks = 1
	st := &fakeRestocker{}
	svc := newPurchasing(repo, st)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, CreateOrderInput{Lines: []LineInput{
		{ItemID: 1, Quantity: 5, UnitCost: decimal.NewFromInt(3)},
	}})
	require.NoError(t, err)

	// The batch lands but the line mark fails, leaving the line open.
	result, err := svc.Commit(ctx, order.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusPartial, result.Status)
	require.Error(t, result.Lines[0].Err)
	require.Len(t, st.restocks, 1)

	retry, err := svc.Commit(ctx, order.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, retry.Status)
	require.NoError(t, retry.Lines[0].Err)
	require.Len(t, st.restocks, 1, "the retried line must not restock again")

	got, err := svc.Get(ctx, order.ID)
	require.NoError(t, err)
	require.True(t, got.Lines[0].Committed)
}

func TestCommitFullyCommittedOrderRejected(t *testing.T) {
	repo := newMemoryOrderRepo()
	st := &fakeRestocker{}
	svc := newPurchasing(repo, st)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, CreateOrderInput{Lines: []LineInput{{ItemID: 1, Quantity: 1, UnitCost: decimal.NewFromInt(2)}}})
	require.NoError(t, err)

	_, err = svc.Commit(ctx, order.ID, "")
	require.NoError(t, err)

	_, err = svc.Commit(ctx, order.ID, "")
	require.ErrorIs(t, err, ErrAlreadyCommitted)
	require.Len(t, st.restocks, 1)
}
