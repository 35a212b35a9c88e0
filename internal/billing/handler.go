package billing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/platform/db"
	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// Handler wires HTTP endpoints for the billing module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the billing handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/customers", h.createCustomer)
	r.Get("/customers/{id}", h.getCustomer)
	r.Get("/customers/{id}/invoices", h.listInvoices)
	r.Post("/customers/{id}/payments", h.applyPayment)
	r.Post("/invoices", h.createInvoice)
	r.Get("/payments/{id}", h.getPayment)
}

type createCustomerRequest struct {
	Name  string `json:"name" validate:"required"`
	Phone string `json:"phone"`
}

type createInvoiceRequest struct {
	Number     string          `json:"number"`
	CustomerID int64           `json:"customer_id" validate:"required,gt=0"`
	Total      decimal.Decimal `json:"total"`
	IssuedAt   time.Time       `json:"issued_at"`
}

type tenderRequest struct {
	Method string          `json:"method" validate:"required,oneof=cash check card"`
	Amount decimal.Decimal `json:"amount"`
}

type applyPaymentRequest struct {
	Tenders []tenderRequest `json:"tenders" validate:"required,min=1,dive"`
	Note    string          `json:"note"`
}

type allocationView struct {
	InvoiceID int64           `json:"invoice_id"`
	Applied   decimal.Decimal `json:"applied"`
}

func (h *Handler) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	customer, err := h.service.CreateCustomer(r.Context(), CreateCustomerInput{Name: req.Name, Phone: req.Phone})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, customerView(customer))
}

func (h *Handler) getCustomer(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	customer, err := h.service.GetCustomer(r.Context(), customerID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, customerView(customer))
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	invoices, err := h.service.ListInvoices(r.Context(), customerID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	views := []map[string]any{}
	for _, inv := range invoices {
		views = append(views, invoiceView(inv))
	}
	httpx.JSON(w, http.StatusOK, views)
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	invoice, err := h.service.CreateInvoice(r.Context(), CreateInvoiceInput{
		Number:     req.Number,
		CustomerID: req.CustomerID,
		Total:      req.Total,
		IssuedAt:   req.IssuedAt,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, invoiceView(invoice))
}

func (h *Handler) applyPayment(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req applyPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	input := ApplyPaymentInput{
		CustomerID:     customerID,
		Note:           req.Note,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	for _, t := range req.Tenders {
		input.Tenders = append(input.Tenders, TenderInput{Method: TenderMethod(t.Method), Amount: t.Amount})
	}
	result, err := h.service.ApplyPayment(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	allocations := []allocationView{}
	for _, a := range result.Allocations {
		allocations = append(allocations, allocationView{InvoiceID: a.InvoiceID, Applied: a.Applied})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"payment_id":  result.PaymentID,
		"reference":   result.Reference,
		"amount":      result.Amount,
		"applied":     result.Applied,
		"unallocated": result.Unallocated,
		"debt_after":  result.DebtAfter,
		"allocations": allocations,
	})
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	payment, err := h.service.GetPayment(r.Context(), paymentID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	tenders := []map[string]any{}
	for _, t := range payment.Tenders {
		tenders = append(tenders, map[string]any{"method": t.Method, "amount": t.Amount})
	}
	allocations := []allocationView{}
	for _, a := range payment.Allocations {
		allocations = append(allocations, allocationView{InvoiceID: a.InvoiceID, Applied: a.Applied})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"id":          payment.ID,
		"reference":   payment.Reference,
		"customer_id": payment.CustomerID,
		"amount":      payment.Amount,
		"note":        payment.Note,
		"paid_at":     payment.PaidAt,
		"tenders":     tenders,
		"allocations": allocations,
	})
}

func customerView(c Customer) map[string]any {
	return map[string]any{"id": c.ID, "name": c.Name, "phone": c.Phone, "debt": c.Debt}
}

func invoiceView(inv Invoice) map[string]any {
	return map[string]any{
		"id":          inv.ID,
		"number":      inv.Number,
		"customer_id": inv.CustomerID,
		"total":       inv.Total,
		"amount_paid": inv.AmountPaid,
		"status":      inv.Status,
		"issued_at":   inv.IssuedAt,
	}
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
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvoiceNotFound), errors.Is(err, ErrPaymentNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidTender):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, db.ErrTxConflict):
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", "the customer is under heavy contention, retry later")
	default:
		h.logger.Error("billing request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
