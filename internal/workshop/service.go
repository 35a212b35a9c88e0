package workshop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atelier-erp/atelier-erp/internal/shared"
	"github.com/atelier-erp/atelier-erp/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetJob(ctx context.Context, jobID int64) (Job, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)
}

// StockPort exposes the stock integration. Consume and Restock each run
// their own item-scoped transaction inside the stock module.
type StockPort interface {
	Consume(ctx context.Context, input stock.ConsumeInput) (stock.ConsumeOutcome, error)
	Restock(ctx context.Context, input stock.RestockInput) (stock.RestockResult, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates repair jobs against the stock ledger. Parts deduct
// stock when added, so fulfilment never touches inventory.
type Service struct {
	logger      *slog.Logger
	repo        RepositoryPort
	stock       StockPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
}

// NewService constructs workshop service.
func NewService(logger *slog.Logger, repo RepositoryPort, stockPort StockPort, audit AuditPort, idem *shared.IdempotencyStore) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger, repo: repo, stock: stockPort, audit: audit, idempotency: idem}
}

// CreateJob persists a draft job.
func (s *Service) CreateJob(ctx context.Context, input CreateJobInput) (Job, error) {
	if input.CustomerID <= 0 {
		return Job{}, fmt.Errorf("workshop: customer id required")
	}
	if input.Number == "" {
		input.Number = generateNumber("JOB")
	}
	job := Job{Number: input.Number, CustomerID: input.CustomerID, Status: StatusDraft, Note: input.Note}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertJob(ctx, job)
		if err != nil {
			return err
		}
		job.ID = id
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	job.Parts = []JobPart{}
	s.recordAudit(ctx, "workshop:create", job.ID, map[string]any{"number": job.Number})
	return job, nil
}

// AddPart consumes stock first, then records the part line carrying the
// draw's batch id and unit cost. If the line write fails the consumption is
// compensated by an immediate restock at the captured cost, so the caller
// sees the error and no net stock change.
func (s *Service) AddPart(ctx context.Context, input AddPartInput) (JobPart, error) {
	job, err := s.repo.GetJob(ctx, input.JobID)
	if err != nil {
		return JobPart{}, err
	}
	if job.Status != StatusDraft && job.Status != StatusInProgress {
		return JobPart{}, fmt.Errorf("%w: cannot add parts to a %s job", ErrInvalidStatus, job.Status)
	}
	release, err := s.claimKey(ctx, "workshop.add_part", input.IdempotencyKey)
	if err != nil {
		return JobPart{}, err
	}

	outcome, err := s.stock.Consume(ctx, stock.ConsumeInput{
		ItemID:   input.ItemID,
		Quantity: input.Quantity,
		Ref:      job.Number,
		Note:     "workshop draw",
	})
	if err != nil {
		release()
		return JobPart{}, err
	}

	part := JobPart{
		JobID:    input.JobID,
		ItemID:   input.ItemID,
		Quantity: input.Quantity,
		UnitCost: outcome.CostPerUnit,
		BatchID:  outcome.BatchID,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetJobForUpdate(ctx, input.JobID)
		if err != nil {
			return err
		}
		if locked.Status != StatusDraft && locked.Status != StatusInProgress {
			return fmt.Errorf("%w: cannot add parts to a %s job", ErrInvalidStatus, locked.Status)
		}
		id, err := tx.InsertPart(ctx, part)
		if err != nil {
			return err
		}
		part.ID = id
		if locked.Status == StatusDraft {
			return tx.UpdateJobStatus(ctx, input.JobID, StatusInProgress)
		}
		return nil
	})
	if err != nil {
		s.compensateDraw(ctx, job.Number, part)
		release()
		return JobPart{}, err
	}
	s.recordAudit(ctx, "workshop:add_part", input.JobID, map[string]any{"item_id": input.ItemID, "qty": input.Quantity, "batch_id": part.BatchID})
	return part, nil
}

// RemovePart marks the line returned, then restocks the captured quantity
// at the unit cost recorded at add time. The current average cost plays no
// role here; a failed restock reopens the line so the caller sees no net
// change and a retry is possible.
func (s *Service) RemovePart(ctx context.Context, jobID, partID int64) error {
	var part JobPart
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status == StatusFulfilled {
			return fmt.Errorf("%w: cannot return parts of a fulfilled job", ErrInvalidStatus)
		}
		part, err = tx.GetPartForUpdate(ctx, jobID, partID)
		if err != nil {
			return err
		}
		if part.Returned {
			return ErrPartReturned
		}
		return tx.MarkPartReturned(ctx, partID)
	})
	if err != nil {
		return err
	}

	if _, err := s.stock.Restock(ctx, stock.RestockInput{
		ItemID:   part.ItemID,
		Quantity: part.Quantity,
		UnitCost: part.UnitCost,
		Source:   "Job Return",
		Ref:      fmt.Sprintf("job:%d", jobID),
	}); err != nil {
		s.logger.Error("workshop part return restock failed",
			slog.Int64("job_id", jobID), slog.Int64("part_id", partID), slog.Any("error", err))
		s.reopenPart(ctx, jobID, partID)
		return err
	}
	s.recordAudit(ctx, "workshop:remove_part", jobID, map[string]any{"part_id": partID, "qty": part.Quantity})
	return nil
}

// Fulfill transitions the job to fulfilled. Parts were deducted at add
// time; no stock movement happens here.
func (s *Service) Fulfill(ctx context.Context, jobID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != StatusDraft && job.Status != StatusInProgress {
			return fmt.Errorf("%w: cannot fulfil a %s job", ErrInvalidStatus, job.Status)
		}
		return tx.UpdateJobStatus(ctx, jobID, StatusFulfilled)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "workshop:fulfill", jobID, nil)
	return nil
}

// Cancel returns every non-returned line, then cancels the job. A retry
// after a mid-way failure picks up the lines that are still out.
func (s *Service) Cancel(ctx context.Context, jobID int64) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == StatusFulfilled || job.Status == StatusCancelled {
		return fmt.Errorf("%w: cannot cancel a %s job", ErrInvalidStatus, job.Status)
	}

	for _, part := range job.Parts {
		if part.Returned {
			continue
		}
		if err := s.RemovePart(ctx, jobID, part.ID); err != nil {
			return fmt.Errorf("workshop: returning part %d: %w", part.ID, err)
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if locked.Status == StatusFulfilled || locked.Status == StatusCancelled {
			return fmt.Errorf("%w: cannot cancel a %s job", ErrInvalidStatus, locked.Status)
		}
		return tx.UpdateJobStatus(ctx, jobID, StatusCancelled)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, "workshop:cancel", jobID, nil)
	return nil
}

// Get loads a job with its parts.
func (s *Service) Get(ctx context.Context, jobID int64) (Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

// List returns recent jobs.
func (s *Service) List(ctx context.Context, limit int) ([]Job, error) {
	return s.repo.ListJobs(ctx, limit)
}

// reopenPart clears the returned mark after a failed return restock, so the
// line is visible as outstanding again and the return can be retried.
func (s *Service) reopenPart(ctx context.Context, jobID, partID int64) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.ClearPartReturned(ctx, partID)
	})
	if err != nil {
		s.logger.Error("workshop part reopen failed",
			slog.Int64("job_id", jobID), slog.Int64("part_id", partID), slog.Any("error", err))
	}
}

// compensateDraw puts a consumed draw back at the captured cost after the
// part line failed to persist.
func (s *Service) compensateDraw(ctx context.Context, jobNumber string, part JobPart) {
	_, err := s.stock.Restock(ctx, stock.RestockInput{
		ItemID:   part.ItemID,
		Quantity: part.Quantity,
		UnitCost: part.UnitCost,
		Source:   "Job Reversal",
		Ref:      jobNumber,
	})
	if err != nil {
		s.logger.Error("workshop draw compensation failed",
			slog.String("job", jobNumber), slog.Int64("item_id", part.ItemID),
			slog.Int64("qty", part.Quantity), slog.Any("error", err))
	}
}

func (s *Service) claimKey(ctx context.Context, scope, key string) (func(), error) {
	if key == "" || s.idempotency == nil {
		return func() {}, nil
	}
	full := scope + ":" + key
	if err := s.idempotency.CheckAndInsert(ctx, full, "workshop"); err != nil {
		return nil, err
	}
	return func() { _ = s.idempotency.Delete(ctx, full) }, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, jobID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{Action: action, Entity: "workshop_job", EntityID: fmt.Sprintf("%d", jobID), Meta: meta})
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
