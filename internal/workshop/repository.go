package workshop

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-erp/atelier-erp/internal/platform/db"
)

// Repository persists workshop data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	InsertJob(ctx context.Context, job Job) (int64, error)
	GetJobForUpdate(ctx context.Context, jobID int64) (Job, error)
	UpdateJobStatus(ctx context.Context, jobID int64, status JobStatus) error
	InsertPart(ctx context.Context, part JobPart) (int64, error)
	GetPartForUpdate(ctx context.Context, jobID, partID int64) (JobPart, error)
	MarkPartReturned(ctx context.Context, partID int64) error
	ClearPartReturned(ctx context.Context, partID int64) error
	ListParts(ctx context.Context, jobID int64) ([]JobPart, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction with
// bounded conflict retry.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("workshop repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetJob loads a job with its part lines.
func (r *Repository) GetJob(ctx context.Context, jobID int64) (Job, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, jobQuery+` WHERE id=$1`, jobID))
	if err != nil {
		return Job{}, err
	}
	rows, err := r.pool.Query(ctx, partQuery+` WHERE job_id=$1 ORDER BY id ASC`, jobID)
	if err != nil {
		return Job{}, err
	}
	job.Parts, err = scanParts(rows)
	return job, err
}

// ListJobs returns recent jobs, newest first.
func (r *Repository) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, jobQuery+` ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const jobQuery = `SELECT id, number, customer_id, status, COALESCE(note, ''), created_at, updated_at
FROM workshop_jobs`

const partQuery = `SELECT id, job_id, item_id, quantity, unit_cost, batch_id, returned, added_at
FROM workshop_job_parts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var job Job
	err := row.Scan(&job.ID, &job.Number, &job.CustomerID, &job.Status, &job.Note, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return job, err
}

func scanParts(rows pgx.Rows) ([]JobPart, error) {
	defer rows.Close()
	parts := []JobPart{}
	for rows.Next() {
		var p JobPart
		if err := rows.Scan(&p.ID, &p.JobID, &p.ItemID, &p.Quantity, &p.UnitCost, &p.BatchID, &p.Returned, &p.AddedAt); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func (r *txRepository) InsertJob(ctx context.Context, job Job) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO workshop_jobs (number, customer_id, status, note, created_at, updated_at)
VALUES ($1,$2,$3,$4,NOW(),NOW()) RETURNING id`,
		job.Number, job.CustomerID, string(job.Status), job.Note).Scan(&id)
	return id, err
}

func (r *txRepository) GetJobForUpdate(ctx context.Context, jobID int64) (Job, error) {
	return scanJob(r.tx.QueryRow(ctx, jobQuery+` WHERE id=$1 FOR UPDATE`, jobID))
}

func (r *txRepository) UpdateJobStatus(ctx context.Context, jobID int64, status JobStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE workshop_jobs SET status=$2, updated_at=NOW() WHERE id=$1`, jobID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) InsertPart(ctx context.Context, part JobPart) (int64, error) {
	at := part.AddedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO workshop_job_parts (job_id, item_id, quantity, unit_cost, batch_id, returned, added_at)
VALUES ($1,$2,$3,$4,$5,FALSE,$6) RETURNING id`,
		part.JobID, part.ItemID, part.Quantity, part.UnitCost, part.BatchID, at).Scan(&id)
	return id, err
}

func (r *txRepository) GetPartForUpdate(ctx context.Context, jobID, partID int64) (JobPart, error) {
	var p JobPart
	err := r.tx.QueryRow(ctx, partQuery+` WHERE id=$1 AND job_id=$2 FOR UPDATE`, partID, jobID).
		Scan(&p.ID, &p.JobID, &p.ItemID, &p.Quantity, &p.UnitCost, &p.BatchID, &p.Returned, &p.AddedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return JobPart{}, ErrPartNotFound
	}
	return p, err
}

func (r *txRepository) MarkPartReturned(ctx context.Context, partID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE workshop_job_parts SET returned=TRUE WHERE id=$1 AND NOT returned`, partID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPartReturned
	}
	return nil
}

func (r *txRepository) ClearPartReturned(ctx context.Context, partID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE workshop_job_parts SET returned=FALSE WHERE id=$1 AND returned`, partID)
	return err
}

func (r *txRepository) ListParts(ctx context.Context, jobID int64) ([]JobPart, error) {
	rows, err := r.tx.Query(ctx, partQuery+` WHERE job_id=$1 ORDER BY id ASC FOR UPDATE`, jobID)
	if err != nil {
		return nil, err
	}
	return scanParts(rows)
}
