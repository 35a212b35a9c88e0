package billing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryBillingRepo struct {
	customers   map[int64]Customer
	invoices    map[int64]Invoice
	payments    map[int64]Payment
	tenders     map[int64][]Tender
	allocations map[int64][]PaymentAllocation
	nextID      int64
}

type memoryBillingTx struct {
	repo *memoryBillingRepo
}

func newMemoryBillingRepo() *memoryBillingRepo {
	return &memoryBillingRepo{
		customers:   make(map[int64]Customer),
		invoices:    make(map[int64]Invoice),
		payments:    make(map[int64]Payment),
		tenders:     make(map[int64][]Tender),
		allocations: make(map[int64][]PaymentAllocation),
	}
}

func (r *memoryBillingRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryBillingTx{repo: r})
}

func (r *memoryBillingRepo) GetCustomer(ctx context.Context, customerID int64) (Customer, error) {
	c, ok := r.customers[customerID]
	if !ok {
		return Customer{}, ErrNotFound
	}
	return c, nil
}

func (r *memoryBillingRepo) ListInvoices(ctx context.Context, customerID int64) ([]Invoice, error) {
	return r.outstanding(customerID, false), nil
}

func (r *memoryBillingRepo) GetPayment(ctx context.Context, paymentID int64) (Payment, error) {
	p, ok := r.payments[paymentID]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	p.Tenders = append([]Tender(nil), r.tenders[paymentID]...)
	p.Allocations = append([]PaymentAllocation(nil), r.allocations[paymentID]...)
	return p, nil
}

// outstanding returns invoices in allocation order: issued_at asc, id asc.
func (r *memoryBillingRepo) outstanding(customerID int64, openOnly bool) []Invoice {
	invoices := []Invoice{}
	for _, inv := range r.invoices {
		if inv.CustomerID != customerID {
			continue
		}
		if openOnly && inv.Status == InvoicePaid {
			continue
		}
		invoices = append(invoices, inv)
	}
	for i := 0; i < len(invoices); i++ {
		for j := i + 1; j < len(invoices); j++ {
			a, b := invoices[i], invoices[j]
			if b.IssuedAt.Before(a.IssuedAt) || (b.IssuedAt.Equal(a.IssuedAt) && b.ID < a.ID) {
				invoices[i], invoices[j] = b, a
			}
		}
	}
	return invoices
}

func (tx *memoryBillingTx) InsertCustomer(ctx context.Context, customer Customer) (int64, error) {
	tx.repo.nextID++
	customer.ID = tx.repo.nextID
	tx.repo.customers[customer.ID] = customer
	return customer.ID, nil
}

func (tx *memoryBillingTx) GetCustomerForUpdate(ctx context.Context, customerID int64) (Customer, error) {
	return tx.repo.GetCustomer(ctx, customerID)
}

func (tx *memoryBillingTx) UpdateCustomerDebt(ctx context.Context, customerID int64, debt decimal.Decimal) error {
	c, ok := tx.repo.customers[customerID]
	if !ok {
		return ErrNotFound
	}
	c.Debt = debt
	tx.repo.customers[customerID] = c
	return nil
}

func (tx *memoryBillingTx) InsertInvoice(ctx context.Context, invoice Invoice) (int64, error) {
	tx.repo.nextID++
	invoice.ID = tx.repo.nextID
	if invoice.IssuedAt.IsZero() {
		invoice.IssuedAt = time.Now().UTC()
	}
	tx.repo.invoices[invoice.ID] = invoice
	return invoice.ID, nil
}

func (tx *memoryBillingTx) ListOutstandingForUpdate(ctx context.Context, customerID int64) ([]Invoice, error) {
	return tx.repo.outstanding(customerID, true), nil
}

func (tx *memoryBillingTx) UpdateInvoicePayment(ctx context.Context, invoiceID int64, amountPaid decimal.Decimal, status InvoiceStatus) error {
	inv, ok := tx.repo.invoices[invoiceID]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.AmountPaid = amountPaid
	inv.Status = status
	tx.repo.invoices[invoiceID] = inv
	return nil
}

func (tx *memoryBillingTx) InsertPayment(ctx context.Context, payment Payment) (int64, error) {
	tx.repo.nextID++
	payment.ID = tx.repo.nextID
	tx.repo.payments[payment.ID] = payment
	return payment.ID, nil
}

func (tx *memoryBillingTx) InsertTender(ctx context.Context, tender Tender) (int64, error) {
	tx.repo.nextID++
	tender.ID = tx.repo.nextID
	tx.repo.tenders[tender.PaymentID] = append(tx.repo.tenders[tender.PaymentID], tender)
	return tender.ID, nil
}

func (tx *memoryBillingTx) InsertAllocation(ctx context.Context, allocation PaymentAllocation) error {
	tx.repo.allocations[allocation.PaymentID] = append(tx.repo.allocations[allocation.PaymentID], allocation)
	return nil
}

func newBilling(repo *memoryBillingRepo) *Service {
	return NewService(repo, nil, nil)
}

func seedCustomer(repo *memoryBillingRepo, debt string) int64 {
	repo.nextID++
	repo.customers[repo.nextID] = Customer{ID: repo.nextID, Name: "Ana", Debt: decimal.RequireFromString(debt)}
	return repo.nextID
}

func seedInvoice(repo *memoryBillingRepo, customerID int64, total string, issuedAt time.Time) int64 {
	repo.nextID++
	repo.invoices[repo.nextID] = Invoice{
		ID: repo.nextID, Number: generateNumber("INV"), CustomerID: customerID,
		Total: decimal.RequireFromString(total), AmountPaid: decimal.Zero,
		Status: InvoiceUnpaid, IssuedAt: issuedAt,
	}
	return repo.nextID
}

func cash(amount string) []TenderInput {
	return []TenderInput{{Method: TenderCash, Amount: decimal.RequireFromString(amount)}}
}

func TestApplyPaymentOldestInvoiceFirst(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newBilling(repo)
	ctx := context.Background()
	customerID := seedCustomer(repo, "150")
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	inv1 := seedInvoice(repo, customerID, "100", day)
	inv2 := seedInvoice(repo, customerID, "50", day.Add(24*time.Hour))

	result, err := svc.ApplyPayment(ctx, ApplyPaymentInput{CustomerID: customerID, Tenders: cash("120")})
	require.NoError(t, err)
	require.NotEmpty(t, result.Reference)
	require.True(t, result.Applied.Equal(decimal.NewFromInt(120)))
	require.True(t, result.Unallocated.IsZero())
	require.Len(t, result.Allocations, 2)
	require.Equal(t, inv1, result.Allocations[0].InvoiceID)
	require.True(t, result.Allocations[0].Applied.Equal(decimal.NewFromInt(100)))
	require.Equal(t, inv2, result.Allocations[1].InvoiceID)
	require.True(t, result.Allocations[1].Applied.Equal(decimal.NewFromInt(20)))

	require.Equal(t, InvoicePaid, repo.invoices[inv1].Status)
	require.Equal(t, InvoicePartial, repo.invoices[inv2].Status)
	require.True(t, repo.invoices[inv2].AmountPaid.Equal(decimal.NewFromInt(20)))
	require.True(t, repo.customers[customerID].Debt.Equal(decimal.NewFromInt(30)))
}

func TestApplyPaymentTieBrokenByInvoiceID(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newBilling(repo)
	ctx := context.Background()
	customerID := seedCustomer(repo, "60")
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	first := seedInvoice(repo, customerID, "30", day)
	seedInvoice(repo, customerID, "30", day)

	result, err := svc.ApplyPayment(ctx, ApplyPaymentInput{CustomerID: customerID, Tenders: cash("30")})
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
	require.Equal(t, first, result.Allocations[0].InvoiceID)
}

func TestApplyPaymentOverpaymentSurfacedNotPersisted(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newBilling(repo)
	ctx := context.Background()
	customerID := seedCustomer(repo, "40")
	inv := seedInvoice(repo, customerID, "40", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	result, err := svc.ApplyPayment(ctx, ApplyPaymentInput{CustomerID: customerID, Tenders: cash("100")})
	require.NoError(t, err)
	require.True(t, result.Applied.Equal(decimal.NewFromInt(40)))
	require.True(t, result.Unallocated.Equal(decimal.NewFromInt(60)))
	require.Equal(t, InvoicePaid, repo.invoices[inv].Status)
	require.True(t, repo.customers[customerID].Debt.IsZero(), "debt floors at zero")

	// The leftover lives only in the response.
	payment, err := svc.GetPayment(ctx, result.PaymentID)
	require.NoError(t, err)
	require.True(t, payment.Amount.Equal(decimal.NewFromInt(100)))
	sum := decimal.Zero
	for _, a := range payment.Allocations {
		sum = sum.Add(a.Applied)
	}
	require.True(t, sum.Equal(decimal.NewFromInt(40)))
}

func TestApplyPaymentRejectsNonPositiveSum(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newBilling(repo)
	ctx := context.Background()
	customerID := seedCustomer(repo, "10")

	_, err := svc.ApplyPayment(ctx, ApplyPaymentInput{CustomerID: customerID, Tenders: cash("0")})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{CustomerID: customerID, Tenders: []TenderInput{
		{Method: TenderCash, Amount: decimal.NewFromInt(5)},
		{Method: TenderCard, Amount: decimal.NewFromInt(-5)},
	}})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{CustomerID: customerID, Tenders: []TenderInput{
		{Method: "voucher", Amount: decimal.NewFromInt(5)},
	}})
	require.ErrorIs(t, err, ErrInvalidTender)

	require.Empty(t, repo.payments, "rejections happen before any write")
}

func TestApplyPaymentUnknownCustomer(t *testing.T) {
	svc := newBilling(newMemoryBillingRepo())
	_, err := svc.ApplyPayment(context.Background(), ApplyPaymentInput{CustomerID: 77, Tenders: cash("10")})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyPaymentZeroDueInvoiceGetsZeroAllocation(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newBilling(repo)
	ctx := context.Background()
	customerID := seedCustomer(repo, "25")
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	zeroDue := seedInvoice(repo, customerID, "0", day)
	open := seedInvoice(repo, customerID, "25", day.Add(time.Hour))

	result, err := svc.ApplyPayment(ctx, ApplyPaymentInput{CustomerID: customerID, Tenders: cash("25")})
	require.NoError(t, err)
	require.Len(t, result.Allocations, 2)
	require.Equal(t, zeroDue, result.Allocations[0].InvoiceID)
	require.True(t, result.Allocations[0].Applied.IsZero())
	require.Equal(t, InvoicePaid, repo.invoices[zeroDue].Status)
	require.Equal(t, InvoicePaid, repo.invoices[open].Status)
}

func TestApplyPaymentSplitTendersRecorded(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newBilling(repo)
	ctx := context.Background()
	customerID := seedCustomer(repo, "50")
	seedInvoice(repo, customerID, "50", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	result, err := svc.ApplyPayment(ctx, ApplyPaymentInput{CustomerID: customerID, Tenders: []TenderInput{
		{Method: TenderCash, Amount: decimal.NewFromInt(30)},
		{Method: TenderCard, Amount: decimal.NewFromInt(20)},
	}})
	require.NoError(t, err)

	payment, err := svc.GetPayment(ctx, result.PaymentID)
	require.NoError(t, err)
	require.Len(t, payment.Tenders, 2)
	require.True(t, payment.Amount.Equal(decimal.NewFromInt(50)))
}

func TestCreateInvoiceGrowsDebt(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newBilling(repo)
	ctx := context.Background()

	customer, err := svc.CreateCustomer(ctx, CreateCustomerInput{Name: "Ana"})
	require.NoError(t, err)
	require.True(t, customer.Debt.IsZero())

	invoice, err := svc.CreateInvoice(ctx, CreateInvoiceInput{CustomerID: customer.ID, Total: decimal.NewFromInt(80)})
	require.NoError(t, err)
	require.Equal(t, InvoiceUnpaid, invoice.Status)
	require.NotEmpty(t, invoice.Number)

	got, err := svc.GetCustomer(ctx, customer.ID)
	require.NoError(t, err)
	require.True(t, got.Debt.Equal(decimal.NewFromInt(80)))
}

func TestApplyPaymentSecondPaymentContinuesAllocation(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := newBilling(repo)
	ctx := context.Background()
	customerID := seedCustomer(repo, "100")
	inv := seedInvoice(repo, customerID, "100", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	_, err := svc.ApplyPayment(ctx, ApplyPaymentInput{CustomerID: customerID, Tenders: cash("60")})
	require.NoError(t, err)
	require.Equal(t, InvoicePartial, repo.invoices[inv].Status)

	result, err := svc.ApplyPayment(ctx, ApplyPaymentInput{CustomerID: customerID, Tenders: cash("40")})
	require.NoError(t, err)
	require.True(t, result.Unallocated.IsZero())
	require.Equal(t, InvoicePaid, repo.invoices[inv].Status)
	require.True(t, repo.invoices[inv].AmountPaid.Equal(decimal.NewFromInt(100)))
	require.True(t, repo.customers[customerID].Debt.IsZero())
}
