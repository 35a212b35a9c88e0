package purchasing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/ledger"
	"github.com/atelier-erp/atelier-erp/internal/platform/db"
	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
	"github.com/atelier-erp/atelier-erp/internal/shared"
	"github.com/atelier-erp/atelier-erp/internal/stock"
)

// Handler wires HTTP endpoints for the purchasing module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the purchasing handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers purchasing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/commit", h.commit)
}

type lineRequest struct {
	ItemID   int64           `json:"item_id" validate:"required,gt=0"`
	Quantity int64           `json:"quantity" validate:"required,gt=0"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

type createOrderRequest struct {
	Number      string        `json:"number"`
	SupplierRef string        `json:"supplier_ref"`
	Note        string        `json:"note"`
	Lines       []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type lineView struct {
	ID        int64           `json:"id"`
	ItemID    int64           `json:"item_id"`
	Quantity  int64           `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	BatchID   int64           `json:"batch_id,omitempty"`
	Committed bool            `json:"committed"`
}

type orderView struct {
	ID          int64       `json:"id"`
	Number      string      `json:"number"`
	SupplierRef string      `json:"supplier_ref,omitempty"`
	Status      OrderStatus `json:"status"`
	Note        string      `json:"note,omitempty"`
	Lines       []lineView  `json:"lines"`
}

func toOrderView(order PurchaseOrder) orderView {
	view := orderView{
		ID: order.ID, Number: order.Number, SupplierRef: order.SupplierRef,
		Status: order.Status, Note: order.Note, Lines: []lineView{},
	}
	for _, l := range order.Lines {
		view.Lines = append(view.Lines, lineView{
			ID: l.ID, ItemID: l.ItemID, Quantity: l.Quantity,
			UnitCost: l.UnitCost, BatchID: l.BatchID, Committed: l.Committed,
		})
	}
	return view
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := CreateOrderInput{Number: req.Number, SupplierRef: req.SupplierRef, Note: req.Note}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, LineInput{ItemID: l.ItemID, Quantity: l.Quantity, UnitCost: l.UnitCost})
	}
	order, err := h.service.CreateOrder(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toOrderView(order))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	order, err := h.service.Get(r.Context(), orderID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOrderView(order))
}

func (h *Handler) commit(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderID(w, r)
	if !ok {
		return
	}
	result, err := h.service.Commit(r.Context(), orderID, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	type commitLineView struct {
		LineID  int64  `json:"line_id"`
		ItemID  int64  `json:"item_id"`
		BatchID int64  `json:"batch_id,omitempty"`
		Error   string `json:"error,omitempty"`
	}
	lines := []commitLineView{}
	for _, l := range result.Lines {
		view := commitLineView{LineID: l.LineID, ItemID: l.ItemID, BatchID: l.BatchID}
		if l.Err != nil {
			view.Error = l.Err.Error()
		}
		lines = append(lines, view)
	}
	status := http.StatusOK
	if result.Status == StatusPartial {
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, map[string]any{
		"order_id": result.OrderID,
		"status":   result.Status,
		"lines":    lines,
	})
}

func (h *Handler) orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "order id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, stock.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNoLines), errors.Is(err, ledger.ErrInvalidQuantity), errors.Is(err, ledger.ErrInvalidUnitCost):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrAlreadyCommitted):
		httpx.Problem(w, http.StatusConflict, "Already Committed", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, db.ErrTxConflict):
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", "the order is under heavy contention, retry later")
	default:
		h.logger.Error("purchasing request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
