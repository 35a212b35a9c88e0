package workshop

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/ledger"
	"github.com/atelier-erp/atelier-erp/internal/platform/db"
	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
	"github.com/atelier-erp/atelier-erp/internal/shared"
	"github.com/atelier-erp/atelier-erp/internal/stock"
)

// Handler wires HTTP endpoints for the workshop module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the workshop handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers workshop routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/jobs", h.createJob)
	r.Get("/jobs/{id}", h.getJob)
	r.Post("/jobs/{id}/parts", h.addPart)
	r.Delete("/jobs/{id}/parts/{pid}", h.removePart)
	r.Post("/jobs/{id}/fulfill", h.fulfill)
	r.Post("/jobs/{id}/cancel", h.cancel)
}

type createJobRequest struct {
	Number     string `json:"number"`
	CustomerID int64  `json:"customer_id" validate:"required,gt=0"`
	Note       string `json:"note"`
}

type addPartRequest struct {
	ItemID   int64 `json:"item_id" validate:"required,gt=0"`
	Quantity int64 `json:"quantity" validate:"required,gt=0"`
}

type partView struct {
	ID       int64           `json:"id"`
	ItemID   int64           `json:"item_id"`
	Quantity int64           `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost"`
	BatchID  int64           `json:"batch_id"`
	Returned bool            `json:"returned"`
	AddedAt  time.Time       `json:"added_at"`
}

type jobView struct {
	ID         int64      `json:"id"`
	Number     string     `json:"number"`
	CustomerID int64      `json:"customer_id"`
	Status     JobStatus  `json:"status"`
	Note       string     `json:"note,omitempty"`
	Parts      []partView `json:"parts"`
}

func toJobView(job Job) jobView {
	view := jobView{
		ID: job.ID, Number: job.Number, CustomerID: job.CustomerID,
		Status: job.Status, Note: job.Note, Parts: []partView{},
	}
	for _, p := range job.Parts {
		view.Parts = append(view.Parts, toPartView(p))
	}
	return view
}

func toPartView(p JobPart) partView {
	return partView{
		ID: p.ID, ItemID: p.ItemID, Quantity: p.Quantity,
		UnitCost: p.UnitCost, BatchID: p.BatchID, Returned: p.Returned, AddedAt: p.AddedAt,
	}
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	job, err := h.service.CreateJob(r.Context(), CreateJobInput{
		Number:     req.Number,
		CustomerID: req.CustomerID,
		Note:       req.Note,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toJobView(job))
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.service.Get(r.Context(), jobID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toJobView(job))
}

func (h *Handler) addPart(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req addPartRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	part, err := h.service.AddPart(r.Context(), AddPartInput{
		JobID:          jobID,
		ItemID:         req.ItemID,
		Quantity:       req.Quantity,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPartView(part))
}

func (h *Handler) removePart(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	partID, ok := h.pathID(w, r, "pid")
	if !ok {
		return
	}
	if err := h.service.RemovePart(r.Context(), jobID, partID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fulfill(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Fulfill(r.Context(), jobID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": StatusFulfilled})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), jobID); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": StatusCancelled})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPartNotFound), errors.Is(err, stock.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrPartReturned):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, ledger.ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ledger.ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ledger.ErrOldestBatchTooSmall):
		httpx.Problem(w, http.StatusConflict, "Oldest Batch Too Small", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, db.ErrTxConflict):
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", "the job is under heavy contention, retry later")
	default:
		h.logger.Error("workshop request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
