package workshop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/atelier-erp/internal/ledger"
	"github.com/atelier-erp/atelier-erp/internal/stock"
)

type memoryJobRepo struct {
	jobs       map[int64]Job
	parts      map[int64][]JobPart
	nextJobID  int64
	nextPartID int64

	failInsertPart bool
}

type memoryJobTx struct {
	repo *memoryJobRepo
}

func newMemoryJobRepo() *memoryJobRepo {
	return &memoryJobRepo{jobs: make(map[int64]Job), parts: make(map[int64][]JobPart)}
}

func (r *memoryJobRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryJobTx{repo: r})
}

func (r *memoryJobRepo) GetJob(ctx context.Context, jobID int64) (Job, error) {
	job, ok := r.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	job.Parts = append([]JobPart(nil), r.parts[jobID]...)
	return job, nil
}

func (r *memoryJobRepo) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	jobs := []Job{}
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (tx *memoryJobTx) InsertJob(ctx context.Context, job Job) (int64, error) {
	tx.repo.nextJobID++
	job.ID = tx.repo.nextJobID
	tx.repo.jobs[job.ID] = job
	return job.ID, nil
}

func (tx *memoryJobTx) GetJobForUpdate(ctx context.Context, jobID int64) (Job, error) {
	job, ok := tx.repo.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (tx *memoryJobTx) UpdateJobStatus(ctx context.Context, jobID int64, status JobStatus) error {
	job, ok := tx.repo.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Status = status
	tx.repo.jobs[jobID] = job
	return nil
}

func (tx *memoryJobTx) InsertPart(ctx context.Context, part JobPart) (int64, error) {
	if tx.repo.failInsertPart {
		return 0, errors.New("boom")
	}
	tx.repo.nextPartID++
	part.ID = tx.repo.nextPartID
	part.AddedAt = time.Now().UTC()
	tx.repo.parts[part.JobID] = append(tx.repo.parts[part.JobID], part)
	return part.ID, nil
}

func (tx *memoryJobTx) GetPartForUpdate(ctx context.Context, jobID, partID int64) (JobPart, error) {
	for _, p := range tx.repo.parts[jobID] {
		if p.ID == partID {
			return p, nil
		}
	}
	return JobPart{}, ErrPartNotFound
}

func (tx *memoryJobTx) MarkPartReturned(ctx context.Context, partID int64) error {
	for jobID, parts := range tx.repo.parts {
		for i := range parts {
			if parts[i].ID == partID {
				if parts[i].Returned {
					return ErrPartReturned
				}
				tx.repo.parts[jobID][i].Returned = true
				return nil
			}
		}
	}
	return ErrPartNotFound
}

func (tx *memoryJobTx) ClearPartReturned(ctx context.Context, partID int64) error {
	for jobID, parts := range tx.repo.parts {
		for i := range parts {
			if parts[i].ID == partID {
				tx.repo.parts[jobID][i].Returned = false
				return nil
			}
		}
	}
	return ErrPartNotFound
}

func (tx *memoryJobTx) ListParts(ctx context.Context, jobID int64) ([]JobPart, error) {
	return append([]JobPart(nil), tx.repo.parts[jobID]...), nil
}

type fakeStock struct {
	consumes []stock.ConsumeInput
	restocks []stock.RestockInput

	outcome    stock.ConsumeOutcome
	consumeErr error
	restockErr error
}

func (f *fakeStock) Consume(ctx context.Context, input stock.ConsumeInput) (stock.ConsumeOutcome, error) {
	if f.consumeErr != nil {
		return stock.ConsumeOutcome{}, f.consumeErr
	}
	f.consumes = append(f.consumes, input)
	return f.outcome, nil
}

func (f *fakeStock) Restock(ctx context.Context, input stock.RestockInput) (stock.RestockResult, error) {
	if f.restockErr != nil {
		return stock.RestockResult{}, f.restockErr
	}
	f.restocks = append(f.restocks, input)
	return stock.RestockResult{BatchID: 99}, nil
}

func newWorkshop(repo *memoryJobRepo, st *fakeStock) *Service {
	return NewService(nil, repo, st, nil, nil)
}

func seedJob(repo *memoryJobRepo, status JobStatus) int64 {
	repo.nextJobID++
	repo.jobs[repo.nextJobID] = Job{ID: repo.nextJobID, Number: "JOB-1", CustomerID: 1, Status: status}
	return repo.nextJobID
}

func TestAddPartCapturesBatchCost(t *testing.T) {
	repo := newMemoryJobRepo()
	st := &fakeStock{outcome: stock.ConsumeOutcome{BatchID: 3, CostPerUnit: decimal.NewFromInt(5), RemainingTotal: 7}}
	svc := newWorkshop(repo, st)
	jobID := seedJob(repo, StatusDraft)

	part, err := svc.AddPart(context.Background(), AddPartInput{JobID: jobID, ItemID: 11, Quantity: 2})
	require.NoError(t, err)
	require.EqualValues(t, 3, part.BatchID)
	require.True(t, part.UnitCost.Equal(decimal.NewFromInt(5)))

	require.Len(t, st.consumes, 1)
	require.EqualValues(t, 2, st.consumes[0].Quantity)
	require.Equal(t, "JOB-1", st.consumes[0].Ref)

	job, err := svc.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, job.Status)
	require.Len(t, job.Parts, 1)
}

func TestAddPartFailedConsumeChangesNothing(t *testing.T) {
	repo := newMemoryJobRepo()
	st := &fakeStock{consumeErr: ledger.ErrInsufficientStock}
	svc := newWorkshop(repo, st)
	jobID := seedJob(repo, StatusInProgress)

	_, err := svc.AddPart(context.Background(), AddPartInput{JobID: jobID, ItemID: 11, Quantity: 2})
	require.ErrorIs(t, err, ledger.ErrInsufficientStock)
	require.Empty(t, st.restocks)
	require.Empty(t, repo.parts[jobID])
}

func TestAddPartCompensatesWhenLineWriteFails(t *testing.T) {
	repo := newMemoryJobRepo()
	repo.failInsertPart = true
	st := &fakeStock{outcome: stock.ConsumeOutcome{BatchID: 3, CostPerUnit: decimal.NewFromInt(8)}}
	svc := newWorkshop(repo, st)
	jobID := seedJob(repo, StatusInProgress)

	_, err := svc.AddPart(context.Background(), AddPartInput{JobID: jobID, ItemID: 11, Quantity: 4})
	require.Error(t, err)

	require.Len(t, st.restocks, 1)
	back := st.restocks[0]
	require.EqualValues(t, 11, back.ItemID)
	require.EqualValues(t, 4, back.Quantity)
	require.True(t, back.UnitCost.Equal(decimal.NewFromInt(8)))
	require.Equal(t, "Job Reversal", back.Source)
}

func TestAddPartRejectedOnFulfilledJob(t *testing.T) {
	repo := newMemoryJobRepo()
	st := &fakeStock{}
	svc := newWorkshop(repo, st)
	jobID := seedJob(repo, StatusFulfilled)

	_, err := svc.AddPart(context.Background(), AddPartInput{JobID: jobID, ItemID: 11, Quantity: 1})
	require.ErrorIs(t, err, ErrInvalidStatus)
	require.Empty(t, st.consumes)
}

func TestRemovePartRestocksAtCapturedCost(t *testing.T) {
	repo := newMemoryJobRepo()
	st := &fakeStock{}
	svc := newWorkshop(repo, st)
	jobID := seedJob(repo, StatusInProgress)
	repo.nextPartID++
	repo.parts[jobID] = []JobPart{{ID: repo.nextPartID, JobID: jobID, ItemID: 11, Quantity: 3, UnitCost: decimal.NewFromInt(5), BatchID: 2}}

	require.NoError(t, svc.RemovePart(context.Background(), jobID, repo.nextPartID))

	require.Len(t, st.restocks, 1)
	back := st.restocks[0]
	require.EqualValues(t, 3, back.Quantity)
	require.True(t, back.UnitCost.Equal(decimal.NewFromInt(5)), "must restock at the cost captured at add time")
	require.Equal(t, "Job Return", back.Source)
	require.True(t, repo.parts[jobID][0].Returned)

	err := svc.RemovePart(context.Background(), jobID, repo.nextPartID)
	require.ErrorIs(t, err, ErrPartReturned)
	require.Len(t, st.restocks, 1)
}

func TestRemovePartFailedRestockReopensLine(t *testing.T) {
	repo := newMemoryJobRepo()
	st := &fakeStock{restockErr: errors.New("stock unavailable")}
	svc := newWorkshop(repo, st)
	jobID := seedJob(repo, StatusInProgress)
	repo.nextPartID++
	repo.parts[jobID] = []JobPart{{ID: repo.nextPartID, JobID: jobID, ItemID: 11, Quantity: 3, UnitCost: decimal.NewFromInt(5), BatchID: 2}}

	err := svc.RemovePart(context.Background(), jobID, repo.nextPartID)
	require.Error(t, err)
	require.False(t, repo.parts[jobID][0].Returned, "failed restock must leave the line outstanding")
	require.Empty(t, st.restocks)

	// Once stock is reachable again the same return goes through.
	st.restockErr = nil
	require.NoError(t, svc.RemovePart(context.Background(), jobID, repo.nextPartID))
	require.True(t, repo.parts[jobID][0].Returned)
	require.Len(t, st.restocks, 1)
}

func TestFulfillDoesNotTouchStock(t *testing.T) {
	repo := newMemoryJobRepo()
	st := &fakeStock{outcome: stock.ConsumeOutcome{BatchID: 1, CostPerUnit: decimal.NewFromInt(5)}}
	svc := newWorkshop(repo, st)
	jobID := seedJob(repo, StatusDraft)

	_, err := svc.AddPart(context.Background(), AddPartInput{JobID: jobID, ItemID: 11, Quantity: 2})
	require.NoError(t, err)
	require.Len(t, st.consumes, 1)

	require.NoError(t, svc.Fulfill(context.Background(), jobID))

	require.Len(t, st.consumes, 1, "fulfilment must not deduct stock again")
	require.Empty(t, st.restocks)
	job, err := svc.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, StatusFulfilled, job.Status)
}

func TestCancelReturnsOutstandingParts(t *testing.T) {
	repo := newMemoryJobRepo()
	st := &fakeStock{}
	svc := newWorkshop(repo, st)
	jobID := seedJob(repo, StatusInProgress)
	repo.parts[jobID] = []JobPart{
		{ID: 1, JobID: jobID, ItemID: 11, Quantity: 2, UnitCost: decimal.NewFromInt(5), BatchID: 2},
		{ID: 2, JobID: jobID, ItemID: 12, Quantity: 1, UnitCost: decimal.NewFromInt(9), BatchID: 4, Returned: true},
	}
	repo.nextPartID = 2

	require.NoError(t, svc.Cancel(context.Background(), jobID))

	require.Len(t, st.restocks, 1, "already-returned lines stay returned")
	require.EqualValues(t, 11, st.restocks[0].ItemID)
	job, err := svc.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, job.Status)

	err = svc.Cancel(context.Background(), jobID)
	require.ErrorIs(t, err, ErrInvalidStatus)
}
