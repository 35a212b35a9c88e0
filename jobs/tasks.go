package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atelier-erp/atelier-erp/internal/stock"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLowStockScan walks the low-stock feed and reports items under
	// their reorder threshold.
	TaskLowStockScan = "stock:low_scan"
	// TaskIdempotencyCleanup sweeps expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// NewLowStockScanTask constructs the low-stock scan task.
func NewLowStockScanTask() *asynq.Task {
	return asynq.NewTask(TaskLowStockScan, nil, asynq.Queue(QueueDefault))
}

// NewIdempotencyCleanupTask constructs the idempotency cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault))
}

// LowStockPort lists items below their reorder threshold.
type LowStockPort interface {
	LowStock(ctx context.Context) ([]stock.LowStockItem, error)
}

// LowStockMetricsPort publishes the feed size.
type LowStockMetricsPort interface {
	SetLowStockCount(n int)
}

// NewLowStockScanHandler returns the handler for TaskLowStockScan. Each
// item under threshold produces one warning log line; the gauge tracks the
// feed size.
func NewLowStockScanHandler(logger *slog.Logger, stockPort LowStockPort, metrics LowStockMetricsPort) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		items, err := stockPort.LowStock(ctx)
		if err != nil {
			return err
		}
		if metrics != nil {
			metrics.SetLowStockCount(len(items))
		}
		for _, item := range items {
			logger.Warn("item below reorder threshold",
				slog.Int64("item_id", item.ItemID),
				slog.String("sku", item.SKU),
				slog.Int64("total_quantity", item.TotalQuantity),
				slog.Int64("min_quantity", item.MinQuantity))
		}
		logger.Info("low stock scan complete", slog.Int("items", len(items)))
		return nil
	}
}

// CleanupPort sweeps idempotency keys older than the retention window.
type CleanupPort interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// NewIdempotencyCleanupHandler returns the handler for
// TaskIdempotencyCleanup.
func NewIdempotencyCleanupHandler(logger *slog.Logger, store CleanupPort, retention time.Duration) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		removed, err := store.Cleanup(ctx, retention)
		if err != nil {
			return err
		}
		logger.Info("idempotency cleanup complete", slog.Int64("removed", removed))
		return nil
	}
}
