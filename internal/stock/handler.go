package stock

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
)

// Handler wires HTTP endpoints for the stock module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/items", h.createItem)
	r.Get("/items/{id}", h.getItem)
	r.Get("/items/{id}/history", h.listHistory)
	r.Post("/items/{id}/restock", h.restock)
	r.Post("/items/{id}/consume", h.consume)
	r.Get("/low", h.lowStock)
}

type createItemRequest struct {
	SKU             string          `json:"sku" validate:"required"`
	Name            string          `json:"name" validate:"required"`
	Kind            string          `json:"kind" validate:"omitempty,oneof=part item"`
	MinQuantity     int64           `json:"min_quantity" validate:"gte=0"`
	Price           decimal.Decimal `json:"price"`
	InitialQuantity int64           `json:"initial_quantity" validate:"gte=0"`
	InitialCost     decimal.Decimal `json:"initial_cost"`
	Source          string          `json:"source"`
}

type restockRequest struct {
	Quantity int64           `json:"quantity" validate:"required,gt=0"`
	UnitCost decimal.Decimal `json:"unit_cost"`
	Source   string          `json:"source"`
	Ref      string          `json:"ref"`
}

type consumeRequest struct {
	Quantity int64  `json:"quantity" validate:"required,gt=0"`
	Ref      string `json:"ref"`
	Note     string `json:"note"`
	Split    bool   `json:"split"`
}

type batchView struct {
	ID          int64           `json:"id"`
	Quantity    int64           `json:"quantity"`
	CostPerUnit decimal.Decimal `json:"cost_per_unit"`
	AcquiredAt  time.Time       `json:"acquired_at"`
	Source      string          `json:"source,omitempty"`
	Legacy      bool            `json:"legacy,omitempty"`
}

type itemView struct {
	ID            int64           `json:"id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Kind          ItemKind        `json:"kind"`
	MinQuantity   int64           `json:"min_quantity"`
	Price         decimal.Decimal `json:"price"`
	TotalQuantity int64           `json:"total_quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	Status        ItemStatus      `json:"status"`
	Batches       []batchView     `json:"batches"`
}

func toItemView(item Item) itemView {
	view := itemView{
		ID:            item.ID,
		SKU:           item.SKU,
		Name:          item.Name,
		Kind:          item.Kind,
		MinQuantity:   item.MinQuantity,
		Price:         item.Price,
		TotalQuantity: item.TotalQuantity,
		AverageCost:   item.AverageCost,
		Status:        item.Status,
		Batches:       []batchView{},
	}
	for _, b := range item.Batches {
		view.Batches = append(view.Batches, batchView{
			ID: b.ID, Quantity: b.Quantity, CostPerUnit: b.CostPerUnit,
			AcquiredAt: b.AcquiredAt, Source: b.Source, Legacy: b.Legacy,
		})
	}
	return view
}

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	item, err := h.service.Create(r.Context(), CreateItemInput{
		SKU:             req.SKU,
		Name:            req.Name,
		Kind:            ItemKind(req.Kind),
		MinQuantity:     req.MinQuantity,
		Price:           req.Price,
		InitialQuantity: req.InitialQuantity,
		InitialCost:     req.InitialCost,
		Source:          req.Source,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toItemView(item))
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}
	item, err := h.service.Get(r.Context(), itemID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toItemView(item))
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}
	filter := HistoryFilter{}
	q := r.URL.Query()
	if from := q.Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "from must be YYYY-MM-DD")
			return
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Filter", "to must be YYYY-MM-DD")
			return
		}
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	if limit := q.Get("limit"); limit != "" {
		filter.Limit, _ = strconv.Atoi(limit)
	}
	entries, err := h.service.History(r.Context(), itemID, filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	type entryView struct {
		ID       int64           `json:"id"`
		Kind     HistoryKind     `json:"kind"`
		Delta    int64           `json:"delta"`
		BatchID  int64           `json:"batch_id"`
		UnitCost decimal.Decimal `json:"unit_cost"`
		Ref      string          `json:"ref,omitempty"`
		Note     string          `json:"note,omitempty"`
		At       time.Time       `json:"at"`
	}
	views := []entryView{}
	for _, e := range entries {
		views = append(views, entryView{
			ID: e.ID, Kind: e.Kind, Delta: e.Delta, BatchID: e.BatchID,
			UnitCost: e.UnitCost, Ref: e.Ref, Note: e.Note, At: e.At,
		})
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) restock(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}
	var req restockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.Restock(r.Context(), RestockInput{
		ItemID:         itemID,
		Quantity:       req.Quantity,
		UnitCost:       req.UnitCost,
		Source:         req.Source,
		Ref:            req.Ref,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"batch_id":       result.BatchID,
		"total_quantity": result.TotalQuantity,
		"average_cost":   result.AverageCost,
	})
}

func (h *Handler) consume(w http.ResponseWriter, r *http.Request) {
	itemID, ok := h.itemID(w, r)
	if !ok {
		return
	}
	var req consumeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	outcome, err := h.service.Consume(r.Context(), ConsumeInput{
		ItemID:         itemID,
		Quantity:       req.Quantity,
		Ref:            req.Ref,
		Note:           req.Note,
		Split:          req.Split,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	type drawView struct {
		BatchID     int64           `json:"batch_id"`
		Quantity    int64           `json:"quantity"`
		CostPerUnit decimal.Decimal `json:"cost_per_unit"`
	}
	draws := []drawView{}
	for _, d := range outcome.Draws {
		draws = append(draws, drawView{BatchID: d.BatchID, Quantity: d.Quantity, CostPerUnit: d.CostPerUnit})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"batch_id":        outcome.BatchID,
		"cost_per_unit":   outcome.CostPerUnit,
		"remaining_total": outcome.RemainingTotal,
		"average_cost":    outcome.AverageCost,
		"draws":           draws,
	})
}

func (h *Handler) lowStock(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.LowStock(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "item id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ledger.ErrInvalidQuantity), errors.Is(err, ledger.ErrInvalidUnitCost):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ledger.ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ledger.ErrOldestBatchTooSmall):
		httpx.Problem(w, http.StatusConflict, "Oldest Batch Too Small", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, db.ErrTxConflict):
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", "the item is under heavy contention, retry later")
	default:
		h.logger.Error("stock request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
