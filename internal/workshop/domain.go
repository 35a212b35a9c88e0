package workshop

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// JobStatus tracks the repair job lifecycle.
type JobStatus string

const (
	StatusDraft      JobStatus = "draft"
	StatusInProgress JobStatus = "in_progress"
	StatusFulfilled  JobStatus = "fulfilled"
	StatusCancelled  JobStatus = "cancelled"
)

// Job is one repair order. Parts deduct stock the moment they are added;
// fulfilment is purely a status change.
type Job struct {
	ID         int64
	Number     string
	CustomerID int64
	Status     JobStatus
	Note       string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Parts []JobPart
}

// JobPart captures the batch id and unit cost frozen at add time. A later
// return restocks at exactly this cost, never the current average.
type JobPart struct {
	ID       int64
	JobID    int64
	ItemID   int64
	Quantity int64
	UnitCost decimal.Decimal
	BatchID  int64
	Returned bool
	AddedAt  time.Time
}

// CreateJobInput describes a new job.
type CreateJobInput struct {
	Number     string
	CustomerID int64
	Note       string
}

// AddPartInput attaches a stock draw to a job.
type AddPartInput struct {
	JobID          int64
	ItemID         int64
	Quantity       int64
	IdempotencyKey string
}

var (
	// ErrNotFound indicates a missing job.
	ErrNotFound = errors.New("workshop: job not found")
	// ErrPartNotFound indicates a missing or foreign part line.
	ErrPartNotFound = errors.New("workshop: part not found")
	// ErrInvalidStatus rejects an operation the job's status forbids.
	ErrInvalidStatus = errors.New("workshop: invalid job status")
	// ErrPartReturned rejects returning a line twice.
	ErrPartReturned = errors.New("workshop: part already returned")
)
