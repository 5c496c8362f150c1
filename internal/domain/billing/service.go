package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
	"github.com/matokham-ai/hospital-sub013/internal/platform/events"
	"github.com/matokham-ai/hospital-sub013/internal/platform/metrics"
)

var errDuplicateNumber = errors.New("invoice number already used")

// ErrNothingToBill is returned when an account has no uninvoiced items.
var ErrNothingToBill = apperr.InvalidState("there are no unbilled items on this account")

const invoiceNumberAttempts = 3

type Service struct {
	repo    Repository
	prices  PriceBook
	tx      db.TxRunner
	events  events.Publisher
	metrics *metrics.Metrics
	dueIn   time.Duration
	now     func() time.Time
}

func NewService(repo Repository, prices PriceBook, tx db.TxRunner, pub events.Publisher) *Service {
	return &Service{
		repo:   repo,
		prices: prices,
		tx:     tx,
		events: pub,
		dueIn:  30 * 24 * time.Hour,
		now:    time.Now,
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// -- Accounts --

// EnsureAccount returns the encounter's billing account, creating it on
// first use.
func (s *Service) EnsureAccount(ctx context.Context, encounterID, patientID uuid.UUID) (*Account, error) {
	if patientID == uuid.Nil {
		pid, err := s.repo.EncounterPatient(ctx, encounterID)
		if err != nil {
			return nil, err
		}
		patientID = pid
	}
	return s.repo.EnsureAccount(ctx, encounterID, patientID)
}

func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	a, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withItems(ctx, a)
}

func (s *Service) GetAccountByEncounter(ctx context.Context, encounterID uuid.UUID) (*Account, error) {
	a, err := s.repo.GetAccountByEncounter(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	return s.withItems(ctx, a)
}

func (s *Service) withItems(ctx context.Context, a *Account) (*Account, error) {
	items, err := s.repo.ListItems(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	a.Items = items
	a.TotalItems = len(items)
	a.Unbilled = 0
	for _, i := range items {
		if !i.Invoiced() {
			a.Unbilled = Money(a.Unbilled + i.Amount)
		}
	}
	return a, nil
}

func (s *Service) ListAccounts(ctx context.Context, params map[string]string, limit, offset int) ([]*Account, int, error) {
	return s.repo.ListAccounts(ctx, params, limit, offset)
}

// -- Charges --

// Charge describes one line to post against an encounter's account.
type Charge struct {
	EncounterID  uuid.UUID
	PatientID    uuid.UUID
	ItemType     string
	ReferenceKey string
	Description  string
	Quantity     int
	UnitPrice    float64
	PostedBy     string
}

// Post adds a charge unless one already exists for the same source record.
// The existence check covers the common redelivery case; the unique index
// covers two deliveries racing past it. created is false for duplicates.
func (s *Service) Post(ctx context.Context, c Charge) (item *Item, created bool, err error) {
	if c.Quantity <= 0 {
		c.Quantity = 1
	}
	if c.UnitPrice < 0 {
		return nil, false, apperr.Invalid("unit_price", "must not be negative")
	}
	if c.ReferenceKey == "" {
		return nil, false, fmt.Errorf("charge %s has no reference", c.ItemType)
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		acct, err := s.EnsureAccount(ctx, c.EncounterID, c.PatientID)
		if err != nil {
			return err
		}
		exists, err := s.repo.ItemExists(ctx, acct.ID, c.ItemType, c.ReferenceKey)
		if err != nil {
			return err
		}
		if exists {
			item, err = s.repo.FindItem(ctx, acct.ID, c.ItemType, c.ReferenceKey)
			return err
		}

		it := &Item{
			AccountID:    acct.ID,
			ItemType:     c.ItemType,
			ReferenceKey: c.ReferenceKey,
			Description:  c.Description,
			Quantity:     c.Quantity,
			UnitPrice:    Money(c.UnitPrice),
			Amount:       Money(float64(c.Quantity) * c.UnitPrice),
		}
		if c.PostedBy != "" {
			it.PostedBy = &c.PostedBy
		}
		ok, err := s.repo.InsertItem(ctx, it)
		if err != nil {
			return err
		}
		if !ok {
			item, err = s.repo.FindItem(ctx, acct.ID, c.ItemType, c.ReferenceKey)
			return err
		}
		if acct.Status == AccountClosed {
			if err := s.repo.SetAccountStatus(ctx, acct.ID, AccountOpen); err != nil {
				return err
			}
		}
		item, created = it, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.metrics.ChargePosted(c.ItemType)
	}
	return item, created, nil
}

// PostConsultationCharge bills the department's consultation fee once per
// encounter. Free departments post nothing.
func (s *Service) PostConsultationCharge(ctx context.Context, p events.Consultation) (*Item, bool, error) {
	price, err := s.prices.ConsultationFee(ctx, p.DepartmentID)
	if err != nil {
		return nil, false, err
	}
	if price.Amount <= 0 {
		return nil, false, nil
	}
	return s.Post(ctx, Charge{
		EncounterID:  p.EncounterID,
		PatientID:    p.PatientID,
		ItemType:     ItemConsultation,
		ReferenceKey: p.EncounterID.String(),
		Description:  "Consultation - " + price.Name,
		UnitPrice:    price.Amount,
		PostedBy:     p.DoctorID,
	})
}

// labOrderCancelled is the lab_order status written on cancellation.
const labOrderCancelled = "cancelled"

// PostLabCharge bills a lab order at the price captured when it was
// ordered, falling back to the catalog. A cancelled order is not billed, so
// a reversal delivered before the charge still wins.
func (s *Service) PostLabCharge(ctx context.Context, p events.LabOrder) (item *Item, created bool, err error) {
	name, amount := p.TestName, p.Price
	if amount <= 0 || name == "" {
		price, err := s.prices.LabPrice(ctx, p.TestID)
		if err != nil {
			return nil, false, err
		}
		if amount <= 0 {
			amount = price.Amount
		}
		if name == "" {
			name = price.Name
		}
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		status, err := s.repo.LabOrderStatus(ctx, p.LabOrderID)
		if err != nil {
			return err
		}
		if status == labOrderCancelled {
			return nil
		}
		item, created, err = s.Post(ctx, Charge{
			EncounterID:  p.EncounterID,
			PatientID:    p.PatientID,
			ItemType:     ItemLab,
			ReferenceKey: p.LabOrderID.String(),
			Description:  "Lab test - " + name,
			UnitPrice:    amount,
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return item, created, nil
}

// ReverseLabCharge removes the charge of a cancelled lab order. Invoiced
// charges are left alone; the invoice must be voided first.
func (s *Service) ReverseLabCharge(ctx context.Context, p events.LabOrder) (bool, error) {
	removed := false
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		acct, err := s.repo.GetAccountByEncounter(ctx, p.EncounterID)
		if apperr.Is(err, apperr.CodeNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		item, err := s.repo.FindItem(ctx, acct.ID, ItemLab, p.LabOrderID.String())
		if apperr.Is(err, apperr.CodeNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if item.Invoiced() {
			return apperr.InvalidState("lab charge for order %s is already invoiced", p.LabOrderID)
		}
		if err := s.repo.DeleteItem(ctx, item.ID); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}

// PostBedCharge bills one day in the ward at its current daily rate.
func (s *Service) PostBedCharge(ctx context.Context, encounterID, patientID, wardID uuid.UUID, day int) (*Item, bool, error) {
	price, err := s.prices.BedRate(ctx, wardID)
	if err != nil {
		return nil, false, err
	}
	return s.Post(ctx, Charge{
		EncounterID:  encounterID,
		PatientID:    patientID,
		ItemType:     ItemBed,
		ReferenceKey: fmt.Sprintf("day-%d", day),
		Description:  fmt.Sprintf("Bed day %d - %s", day, price.Name),
		UnitPrice:    price.Amount,
	})
}

// PostBedDays bills every day of a finished admission not billed yet. Each
// day is charged at the rate of the ward occupied when the day began.
func (s *Service) PostBedDays(ctx context.Context, p events.Discharge) (int, error) {
	posted := 0
	for day := 1; day <= BedDays(p.AdmittedAt, p.DischargedAt); day++ {
		start := p.AdmittedAt.Add(time.Duration(day-1) * 24 * time.Hour)
		_, created, err := s.PostBedCharge(ctx, p.EncounterID, p.PatientID, WardAt(p, start), day)
		if err != nil {
			return posted, err
		}
		if created {
			posted++
		}
	}
	return posted, nil
}

// PostPharmacyCharge bills each dispensed line at its dispensing price.
func (s *Service) PostPharmacyCharge(ctx context.Context, p events.Dispensed) (int, error) {
	posted := 0
	for _, line := range p.Lines {
		price := line.UnitPrice
		if price <= 0 {
			pr, err := s.prices.DrugPrice(ctx, line.DrugID)
			if err != nil {
				return posted, err
			}
			price = pr.Amount
		}
		_, created, err := s.Post(ctx, Charge{
			EncounterID:  p.EncounterID,
			PatientID:    p.PatientID,
			ItemType:     ItemPharmacy,
			ReferenceKey: line.ItemID.String(),
			Description:  "Pharmacy - " + line.DrugName,
			Quantity:     line.Quantity,
			UnitPrice:    price,
		})
		if err != nil {
			return posted, err
		}
		if created {
			posted++
		}
	}
	return posted, nil
}

// ManualCharge is a procedure or sundry charge entered by billing staff.
type ManualCharge struct {
	ItemType    string  `json:"item_type"`
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Reference   string  `json:"reference"`
}

func (s *Service) PostManualCharge(ctx context.Context, encounterID uuid.UUID, mc ManualCharge, postedBy string) (*Item, bool, error) {
	if mc.ItemType == "" {
		mc.ItemType = ItemMisc
	}
	fields := map[string]string{}
	if !manualItemTypes[mc.ItemType] {
		fields["item_type"] = "must be procedure or misc"
	}
	if strings.TrimSpace(mc.Description) == "" {
		fields["description"] = "is required"
	}
	if mc.Quantity < 0 {
		fields["quantity"] = "must be positive"
	}
	if mc.UnitPrice <= 0 {
		fields["unit_price"] = "must be greater than zero"
	}
	if len(fields) > 0 {
		return nil, false, apperr.Validation("invalid charge", fields)
	}
	if mc.Reference == "" {
		mc.Reference = uuid.NewString()
	}
	return s.Post(ctx, Charge{
		EncounterID:  encounterID,
		ItemType:     mc.ItemType,
		ReferenceKey: mc.Reference,
		Description:  strings.TrimSpace(mc.Description),
		Quantity:     mc.Quantity,
		UnitPrice:    mc.UnitPrice,
		PostedBy:     postedBy,
	})
}

// RemoveItem deletes an uninvoiced charge.
func (s *Service) RemoveItem(ctx context.Context, id uuid.UUID) error {
	item, err := s.repo.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if item.Invoiced() {
		return apperr.InvalidState("item is on an invoice; void the invoice first")
	}
	return s.repo.DeleteItem(ctx, id)
}

// -- Invoices --

// GenerateInvoice bills every uninvoiced item on the account.
func (s *Service) GenerateInvoice(ctx context.Context, accountID uuid.UUID) (*Invoice, error) {
	var inv *Invoice
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		acct, err := s.repo.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		items, err := s.repo.UninvoicedItems(ctx, acct.ID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrNothingToBill
		}

		now := s.now().UTC()
		due := now.Add(s.dueIn)
		in := &Invoice{
			AccountID:   acct.ID,
			EncounterID: acct.EncounterID,
			PatientID:   acct.PatientID,
			IssuedAt:    now,
			DueAt:       &due,
		}
		ids := make([]uuid.UUID, 0, len(items))
		for _, it := range items {
			in.Total = Money(in.Total + it.Amount)
			ids = append(ids, it.ID)
		}
		in.Balance, in.Status = Settle(in.Total, 0)

		for attempt := 1; ; attempt++ {
			in.InvoiceNumber = NewInvoiceNumber(now)
			err = s.repo.CreateInvoice(ctx, in)
			if !errors.Is(err, errDuplicateNumber) || attempt == invoiceNumberAttempts {
				break
			}
		}
		if err != nil {
			return err
		}
		if err := s.repo.AttachItems(ctx, in.ID, ids); err != nil {
			return err
		}
		in.Items = items
		inv = in
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = events.Publish(ctx, s.events, events.InvoiceIssued, events.InvoiceRef{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		PatientID:     inv.PatientID,
		Total:         inv.Total,
		Balance:       inv.Balance,
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// FinalizeEncounter invoices whatever is left on the encounter's account
// and closes it. Returns nil when there is nothing left to bill.
func (s *Service) FinalizeEncounter(ctx context.Context, encounterID uuid.UUID) (*Invoice, error) {
	acct, err := s.repo.GetAccountByEncounter(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	inv, err := s.GenerateInvoice(ctx, acct.ID)
	if err != nil && !errors.Is(err, ErrNothingToBill) {
		return nil, err
	}
	if err := s.repo.SetAccountStatus(ctx, acct.ID, AccountClosed); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Items, err = s.repo.InvoiceItems(ctx, id); err != nil {
		return nil, err
	}
	if inv.Payments, err = s.repo.ListPayments(ctx, id); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) ListInvoices(ctx context.Context, params map[string]string, limit, offset int) ([]*Invoice, int, error) {
	return s.repo.ListInvoices(ctx, params, limit, offset)
}

// VoidInvoice cancels an invoice with no payments and releases its items so
// they can be billed again.
func (s *Service) VoidInvoice(ctx context.Context, id uuid.UUID, reason string) (*Invoice, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Invalid("reason", "is required")
	}
	var inv *Invoice
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		in, err := s.repo.LockInvoice(ctx, id)
		if err != nil {
			return err
		}
		if in.Status == InvoiceVoid {
			return apperr.InvalidState("invoice %s is already void", in.InvoiceNumber)
		}
		paid, err := s.repo.SumPayments(ctx, id)
		if err != nil {
			return err
		}
		if paid > 0 {
			return apperr.InvalidState("invoice %s has payments; delete or refund them first", in.InvoiceNumber)
		}
		now := s.now().UTC()
		in.Status = InvoiceVoid
		in.VoidedAt = &now
		in.VoidReason = &reason
		if err := s.repo.UpdateInvoice(ctx, in); err != nil {
			return err
		}
		if err := s.repo.DetachItems(ctx, id); err != nil {
			return err
		}
		if err := s.repo.SetAccountStatus(ctx, in.AccountID, AccountOpen); err != nil {
			return err
		}
		inv = in
		return nil
	})
	return inv, err
}

// -- Payments --

type PaymentInput struct {
	Amount     float64    `json:"amount"`
	Method     string     `json:"method"`
	Reference  string     `json:"reference"`
	ReceivedAt *time.Time `json:"received_at"`
}

func (in PaymentInput) validate() error {
	fields := map[string]string{}
	if in.Amount <= 0 {
		fields["amount"] = "must be greater than zero"
	}
	if !paymentMethods[in.Method] {
		fields["method"] = "must be one of cash, card, mobile, insurance, bank"
	}
	if len(fields) > 0 {
		return apperr.Validation("invalid payment", fields)
	}
	return nil
}

// reconcile recomputes paid and balance from the payment rows. The caller
// holds the invoice lock.
func (s *Service) reconcile(ctx context.Context, inv *Invoice) error {
	paid, err := s.repo.SumPayments(ctx, inv.ID)
	if err != nil {
		return err
	}
	inv.Paid = Money(paid)
	inv.Balance, inv.Status = Settle(inv.Total, inv.Paid)
	if err := s.repo.UpdateInvoice(ctx, inv); err != nil {
		return err
	}
	s.metrics.InvoiceReconciled()
	return nil
}

func (s *Service) lockPayable(ctx context.Context, invoiceID uuid.UUID) (*Invoice, error) {
	inv, err := s.repo.LockInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == InvoiceVoid {
		return nil, apperr.InvalidState("invoice %s is void", inv.InvoiceNumber)
	}
	return inv, nil
}

// RecordPayment stores a payment and reconciles the invoice in one
// transaction.
func (s *Service) RecordPayment(ctx context.Context, invoiceID uuid.UUID, in PaymentInput, receivedBy string) (*Payment, *Invoice, error) {
	in.Method = strings.ToLower(strings.TrimSpace(in.Method))
	if err := in.validate(); err != nil {
		return nil, nil, err
	}
	var (
		pay *Payment
		inv *Invoice
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		i, err := s.lockPayable(ctx, invoiceID)
		if err != nil {
			return err
		}
		p := &Payment{
			InvoiceID:  i.ID,
			Amount:     Money(in.Amount),
			Method:     in.Method,
			ReceivedAt: s.now().UTC(),
		}
		if in.ReceivedAt != nil {
			p.ReceivedAt = in.ReceivedAt.UTC()
		}
		if ref := strings.TrimSpace(in.Reference); ref != "" {
			p.Reference = &ref
		}
		if receivedBy != "" {
			p.ReceivedBy = &receivedBy
		}
		if err := s.repo.CreatePayment(ctx, p); err != nil {
			return err
		}
		if err := s.reconcile(ctx, i); err != nil {
			return err
		}
		pay, inv = p, i
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	err = events.Publish(ctx, s.events, events.PaymentRecorded, events.PaymentRef{
		PaymentID:     pay.ID,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		PatientID:     inv.PatientID,
		Amount:        pay.Amount,
		Balance:       inv.Balance,
		Status:        inv.Status,
	})
	if err != nil {
		return nil, nil, err
	}
	return pay, inv, nil
}

// UpdatePayment corrects a payment and reconciles its invoice.
func (s *Service) UpdatePayment(ctx context.Context, paymentID uuid.UUID, in PaymentInput) (*Payment, *Invoice, error) {
	in.Method = strings.ToLower(strings.TrimSpace(in.Method))
	if err := in.validate(); err != nil {
		return nil, nil, err
	}
	var (
		pay *Payment
		inv *Invoice
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		i, err := s.lockPayable(ctx, p.InvoiceID)
		if err != nil {
			return err
		}
		p.Amount = Money(in.Amount)
		p.Method = in.Method
		if in.ReceivedAt != nil {
			p.ReceivedAt = in.ReceivedAt.UTC()
		}
		if ref := strings.TrimSpace(in.Reference); ref != "" {
			p.Reference = &ref
		}
		if err := s.repo.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if err := s.reconcile(ctx, i); err != nil {
			return err
		}
		pay, inv = p, i
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return pay, inv, nil
}

// DeletePayment removes a payment and reconciles its invoice.
func (s *Service) DeletePayment(ctx context.Context, paymentID uuid.UUID) (*Invoice, error) {
	var inv *Invoice
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		i, err := s.repo.LockInvoice(ctx, p.InvoiceID)
		if err != nil {
			return err
		}
		if err := s.repo.DeletePayment(ctx, p.ID); err != nil {
			return err
		}
		if err := s.reconcile(ctx, i); err != nil {
			return err
		}
		inv = i
		return nil
	})
	return inv, err
}

func (s *Service) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	if _, err := s.repo.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListPayments(ctx, invoiceID)
}

// PatientContact exposes the receipt contact lookup to listeners.
func (s *Service) PatientContact(ctx context.Context, patientID uuid.UUID) (string, string, error) {
	return s.repo.PatientContact(ctx, patientID)
}
