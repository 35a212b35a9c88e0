package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetCustomer(ctx context.Context, customerID int64) (Customer, error)
	ListInvoices(ctx context.Context, customerID int64) ([]Invoice, error)
	GetPayment(ctx context.Context, paymentID int64) (Payment, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service allocates incoming payments across a customer's outstanding
// invoices, oldest issue date first.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
}

// NewService constructs billing service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore) *Service {
	return &Service{repo: repo, audit: audit, idempotency: idem}
}

// CreateCustomer persists a customer with zero debt.
func (s *Service) CreateCustomer(ctx context.Context, input CreateCustomerInput) (Customer, error) {
	if strings.TrimSpace(input.Name) == "" {
		return Customer{}, fmt.Errorf("billing: customer name required")
	}
	customer := Customer{Name: strings.TrimSpace(input.Name), Phone: input.Phone, Debt: decimal.Zero}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertCustomer(ctx, customer)
		if err != nil {
			return err
		}
		customer.ID = id
		return nil
	})
	if err != nil {
		return Customer{}, err
	}
	s.recordAudit(ctx, "billing:create_customer", customer.ID, map[string]any{"name": customer.Name})
	return customer, nil
}

// CreateInvoice issues a receivable and grows the customer's debt by the
// invoice total in the same transaction.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (Invoice, error) {
	if input.Total.IsNegative() {
		return Invoice{}, fmt.Errorf("%w: invoice total %s", ErrInvalidAmount, input.Total)
	}
	if input.Number == "" {
		input.Number = generateNumber("INV")
	}
	invoice := Invoice{
		Number:     input.Number,
		CustomerID: input.CustomerID,
		Total:      input.Total,
		AmountPaid: decimal.Zero,
		Status:     InvoiceUnpaid,
		IssuedAt:   input.IssuedAt,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		customer, err := tx.GetCustomerForUpdate(ctx, input.CustomerID)
		if err != nil {
			return err
		}
		id, err := tx.InsertInvoice(ctx, invoice)
		if err != nil {
			return err
		}
		invoice.ID = id
		return tx.UpdateCustomerDebt(ctx, input.CustomerID, customer.Debt.Add(input.Total))
	})
	if err != nil {
		return Invoice{}, err
	}
	s.recordAudit(ctx, "billing:create_invoice", input.CustomerID, map[string]any{"invoice_id": invoice.ID, "total": input.Total.String()})
	return invoice, nil
}

// ApplyPayment allocates the tendered sum oldest invoice first. Each
// touched invoice gets an explicit allocation row with the applied amount.
// Leftover beyond all outstanding invoices is reported in the result but
// never persisted; customer debt shrinks by at most the tendered sum and
// never goes below zero.
func (s *Service) ApplyPayment(ctx context.Context, input ApplyPaymentInput) (PaymentResult, error) {
	amount, err := tenderSum(input.Tenders)
	if err != nil {
		return PaymentResult{}, err
	}
	release, err := s.claimKey(ctx, "billing.apply_payment", input.IdempotencyKey)
	if err != nil {
		return PaymentResult{}, err
	}

	var result PaymentResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		customer, err := tx.GetCustomerForUpdate(ctx, input.CustomerID)
		if err != nil {
			return err
		}
		invoices, err := tx.ListOutstandingForUpdate(ctx, input.CustomerID)
		if err != nil {
			return err
		}

		reference := uuid.NewString()
		paymentID, err := tx.InsertPayment(ctx, Payment{
			Reference:  reference,
			CustomerID: input.CustomerID,
			Amount:     amount,
			Note:       input.Note,
			PaidAt:     time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		for _, t := range input.Tenders {
			if _, err := tx.InsertTender(ctx, Tender{PaymentID: paymentID, Method: t.Method, Amount: t.Amount}); err != nil {
				return err
			}
		}

		remaining := amount
		allocations := []PaymentAllocation{}
		for _, inv := range invoices {
			due := inv.Total.Sub(inv.AmountPaid)
			applied := decimal.Zero
			if due.IsPositive() {
				if remaining.IsZero() {
					break
				}
				applied = decimal.Min(remaining, due)
				remaining = remaining.Sub(applied)
			}

			paid := inv.AmountPaid.Add(applied)
			status := inv.Status
			switch {
			case paid.GreaterThanOrEqual(inv.Total):
				status = InvoicePaid
			case applied.IsPositive():
				status = InvoicePartial
			}
			if err := tx.UpdateInvoicePayment(ctx, inv.ID, paid, status); err != nil {
				return err
			}
			allocation := PaymentAllocation{PaymentID: paymentID, InvoiceID: inv.ID, Applied: applied}
			if err := tx.InsertAllocation(ctx, allocation); err != nil {
				return err
			}
			allocations = append(allocations, allocation)
		}

		debtAfter := customer.Debt.Sub(decimal.Min(amount, customer.Debt))
		if err := tx.UpdateCustomerDebt(ctx, input.CustomerID, debtAfter); err != nil {
			return err
		}

		result = PaymentResult{
			PaymentID:   paymentID,
			Reference:   reference,
			Amount:      amount,
			Applied:     amount.Sub(remaining),
			Unallocated: remaining,
			DebtAfter:   debtAfter,
			Allocations: allocations,
		}
		return nil
	})
	if err != nil {
		release()
		return PaymentResult{}, err
	}
	s.recordAudit(ctx, "billing:apply_payment", input.CustomerID, map[string]any{
		"payment_id": result.PaymentID, "amount": amount.String(), "unallocated": result.Unallocated.String(),
	})
	return result, nil
}

// GetCustomer loads a customer.
func (s *Service) GetCustomer(ctx context.Context, customerID int64) (Customer, error) {
	return s.repo.GetCustomer(ctx, customerID)
}

// ListInvoices lists a customer's invoices, oldest first.
func (s *Service) ListInvoices(ctx context.Context, customerID int64) ([]Invoice, error) {
	if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	return s.repo.ListInvoices(ctx, customerID)
}

// GetPayment loads a payment with tenders and allocations.
func (s *Service) GetPayment(ctx context.Context, paymentID int64) (Payment, error) {
	return s.repo.GetPayment(ctx, paymentID)
}

// tenderSum validates the tender lines and returns their total. Rejections
// happen here, before any transaction starts.
func tenderSum(tenders []TenderInput) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, t := range tenders {
		switch t.Method {
		case TenderCash, TenderCheck, TenderCard:
		default:
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidTender, t.Method)
		}
		if t.Amount.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: tender %s %s", ErrInvalidAmount, t.Method, t.Amount)
		}
		sum = sum.Add(t.Amount)
	}
	if !sum.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: payment sum %s", ErrInvalidAmount, sum)
	}
	return sum, nil
}

func (s *Service) claimKey(ctx context.Context, scope, key string) (func(), error) {
	if key == "" || s.idempotency == nil {
		return func() {}, nil
	}
	full := scope + ":" + key
	if err := s.idempotency.CheckAndInsert(ctx, full, "billing"); err != nil {
		return nil, err
	}
	return func() { _ = s.idempotency.Delete(ctx, full) }, nil
}

func (s *Service) recordAudit(ctx context.Context, action string, customerID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{Action: action, Entity: "billing_customer", EntityID: fmt.Sprintf("%d", customerID), Meta: meta})
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
