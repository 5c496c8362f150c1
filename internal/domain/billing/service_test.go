package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
	"github.com/matokham-ai/hospital-sub013/internal/platform/events"
)

// -- Mock Repository --

type mockRepo struct {
	accounts   map[uuid.UUID]*Account
	items      map[uuid.UUID]*Item
	invoices   map[uuid.UUID]*Invoice
	payments   map[uuid.UUID]*Payment
	encounters map[uuid.UUID]uuid.UUID
	contacts   map[uuid.UUID][2]string
	// labOrders holds lab order statuses; unknown orders count as ordered.
	labOrders map[uuid.UUID]string
	// skipExists makes ItemExists miss so InsertItem sees the conflict.
	skipExists bool
	usedNumber map[string]bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		accounts:   make(map[uuid.UUID]*Account),
		items:      make(map[uuid.UUID]*Item),
		invoices:   make(map[uuid.UUID]*Invoice),
		payments:   make(map[uuid.UUID]*Payment),
		encounters: make(map[uuid.UUID]uuid.UUID),
		contacts:   make(map[uuid.UUID][2]string),
		labOrders:  make(map[uuid.UUID]string),
		usedNumber: make(map[string]bool),
	}
}

func (m *mockRepo) EnsureAccount(ctx context.Context, encounterID, patientID uuid.UUID) (*Account, error) {
	if a, err := m.GetAccountByEncounter(ctx, encounterID); err == nil {
		return a, nil
	}
	a := &Account{ID: uuid.New(), EncounterID: encounterID, PatientID: patientID, Status: AccountOpen, CreatedAt: time.Now()}
	m.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (m *mockRepo) GetAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, apperr.NotFound("billing account")
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepo) GetAccountByEncounter(_ context.Context, encounterID uuid.UUID) (*Account, error) {
	for _, a := range m.accounts {
		if a.EncounterID == encounterID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("billing account")
}

func (m *mockRepo) LockAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	return m.GetAccount(ctx, id)
}

func (m *mockRepo) SetAccountStatus(_ context.Context, id uuid.UUID, status string) error {
	a, ok := m.accounts[id]
	if !ok {
		return apperr.NotFound("billing account")
	}
	a.Status = status
	return nil
}

func (m *mockRepo) ListAccounts(_ context.Context, params map[string]string, limit, offset int) ([]*Account, int, error) {
	var out []*Account
	for _, a := range m.accounts {
		if st := params["status"]; st != "" && a.Status != st {
			continue
		}
		out = append(out, a)
	}
	return out, len(out), nil
}

func (m *mockRepo) LabOrderStatus(_ context.Context, id uuid.UUID) (string, error) {
	if st, ok := m.labOrders[id]; ok {
		return st, nil
	}
	return "ordered", nil
}

func (m *mockRepo) EncounterPatient(_ context.Context, encounterID uuid.UUID) (uuid.UUID, error) {
	pid, ok := m.encounters[encounterID]
	if !ok {
		return uuid.Nil, apperr.NotFound("encounter")
	}
	return pid, nil
}

func (m *mockRepo) ItemExists(ctx context.Context, accountID uuid.UUID, itemType, ref string) (bool, error) {
	if m.skipExists {
		return false, nil
	}
	_, err := m.FindItem(ctx, accountID, itemType, ref)
	return err == nil, nil
}

func (m *mockRepo) InsertItem(_ context.Context, it *Item) (bool, error) {
	for _, x := range m.items {
		if x.AccountID == it.AccountID && x.ItemType == it.ItemType && x.ReferenceKey == it.ReferenceKey {
			return false, nil
		}
	}
	it.ID = uuid.New()
	it.CreatedAt = time.Now()
	cp := *it
	m.items[it.ID] = &cp
	return true, nil
}

func (m *mockRepo) FindItem(_ context.Context, accountID uuid.UUID, itemType, ref string) (*Item, error) {
	for _, x := range m.items {
		if x.AccountID == accountID && x.ItemType == itemType && x.ReferenceKey == ref {
			cp := *x
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("billing item")
}

func (m *mockRepo) GetItem(_ context.Context, id uuid.UUID) (*Item, error) {
	it, ok := m.items[id]
	if !ok {
		return nil, apperr.NotFound("billing item")
	}
	cp := *it
	return &cp, nil
}

func (m *mockRepo) DeleteItem(_ context.Context, id uuid.UUID) error {
	it, ok := m.items[id]
	if !ok {
		return apperr.NotFound("billing item")
	}
	if it.Invoiced() {
		return apperr.InvalidState("item is invoiced")
	}
	delete(m.items, id)
	return nil
}

func (m *mockRepo) ListItems(_ context.Context, accountID uuid.UUID) ([]*Item, error) {
	var out []*Item
	for _, it := range m.items {
		if it.AccountID == accountID {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferenceKey < out[j].ReferenceKey })
	return out, nil
}

func (m *mockRepo) UninvoicedItems(ctx context.Context, accountID uuid.UUID) ([]*Item, error) {
	all, _ := m.ListItems(ctx, accountID)
	var out []*Item
	for _, it := range all {
		if !it.Invoiced() {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *mockRepo) CreateInvoice(_ context.Context, inv *Invoice) error {
	if m.usedNumber[inv.InvoiceNumber] {
		return errDuplicateNumber
	}
	m.usedNumber[inv.InvoiceNumber] = true
	inv.ID = uuid.New()
	cp := *inv
	m.invoices[inv.ID] = &cp
	return nil
}

func (m *mockRepo) AttachItems(_ context.Context, invoiceID uuid.UUID, ids []uuid.UUID) error {
	for _, id := range ids {
		inv := invoiceID
		m.items[id].InvoiceID = &inv
	}
	return nil
}

func (m *mockRepo) DetachItems(_ context.Context, invoiceID uuid.UUID) error {
	for _, it := range m.items {
		if it.InvoiceID != nil && *it.InvoiceID == invoiceID {
			it.InvoiceID = nil
		}
	}
	return nil
}

func (m *mockRepo) GetInvoice(_ context.Context, id uuid.UUID) (*Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, apperr.NotFound("invoice")
	}
	cp := *inv
	return &cp, nil
}

func (m *mockRepo) LockInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return m.GetInvoice(ctx, id)
}

func (m *mockRepo) UpdateInvoice(_ context.Context, inv *Invoice) error {
	if _, ok := m.invoices[inv.ID]; !ok {
		return apperr.NotFound("invoice")
	}
	cp := *inv
	m.invoices[inv.ID] = &cp
	return nil
}

func (m *mockRepo) ListInvoices(_ context.Context, params map[string]string, limit, offset int) ([]*Invoice, int, error) {
	var out []*Invoice
	for _, inv := range m.invoices {
		out = append(out, inv)
	}
	return out, len(out), nil
}

func (m *mockRepo) InvoiceItems(_ context.Context, invoiceID uuid.UUID) ([]*Item, error) {
	var out []*Item
	for _, it := range m.items {
		if it.InvoiceID != nil && *it.InvoiceID == invoiceID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *mockRepo) CreatePayment(_ context.Context, p *Payment) error {
	p.ID = uuid.New()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *mockRepo) GetPayment(_ context.Context, id uuid.UUID) (*Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, apperr.NotFound("payment")
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepo) UpdatePayment(_ context.Context, p *Payment) error {
	if _, ok := m.payments[p.ID]; !ok {
		return apperr.NotFound("payment")
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *mockRepo) DeletePayment(_ context.Context, id uuid.UUID) error {
	if _, ok := m.payments[id]; !ok {
		return apperr.NotFound("payment")
	}
	delete(m.payments, id)
	return nil
}

func (m *mockRepo) ListPayments(_ context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	var out []*Payment
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockRepo) SumPayments(_ context.Context, invoiceID uuid.UUID) (float64, error) {
	var sum float64
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			sum += p.Amount
		}
	}
	return sum, nil
}

func (m *mockRepo) PatientContact(_ context.Context, patientID uuid.UUID) (string, string, error) {
	c, ok := m.contacts[patientID]
	if !ok {
		return "", "", apperr.NotFound("patient")
	}
	return c[0], c[1], nil
}

// -- Mock PriceBook --

type mockPrices struct {
	prices map[uuid.UUID]Price
	calls  int
}

func (m *mockPrices) get(id uuid.UUID) (Price, error) {
	m.calls++
	p, ok := m.prices[id]
	if !ok {
		return Price{}, apperr.NotFound("price")
	}
	return p, nil
}

func (m *mockPrices) ConsultationFee(_ context.Context, id uuid.UUID) (Price, error) { return m.get(id) }
func (m *mockPrices) LabPrice(_ context.Context, id uuid.UUID) (Price, error)        { return m.get(id) }
func (m *mockPrices) BedRate(_ context.Context, id uuid.UUID) (Price, error)         { return m.get(id) }
func (m *mockPrices) DrugPrice(_ context.Context, id uuid.UUID) (Price, error)       { return m.get(id) }

// -- Helpers --

var fixedNow = time.Date(2026, 6, 10, 9, 30, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	repo   *mockRepo
	prices *mockPrices
	rec    *events.Recorder
}

func newFixture() *fixture {
	repo := newMockRepo()
	prices := &mockPrices{prices: make(map[uuid.UUID]Price)}
	rec := &events.Recorder{}
	svc := NewService(repo, prices, db.NoTx{}, rec)
	svc.now = func() time.Time { return fixedNow }
	return &fixture{svc: svc, repo: repo, prices: prices, rec: rec}
}

func (f *fixture) price(name string, amount float64) uuid.UUID {
	id := uuid.New()
	f.prices.prices[id] = Price{Name: name, Amount: amount}
	return id
}

func (f *fixture) encounter() (encounterID, patientID uuid.UUID) {
	encounterID, patientID = uuid.New(), uuid.New()
	f.repo.encounters[encounterID] = patientID
	return encounterID, patientID
}

func (f *fixture) manual(t *testing.T, encounterID uuid.UUID, amount float64) *Item {
	t.Helper()
	it, _, err := f.svc.PostManualCharge(context.Background(), encounterID, ManualCharge{
		ItemType: ItemProcedure, Description: "Dressing", Quantity: 1, UnitPrice: amount,
	}, "")
	if err != nil {
		t.Fatalf("manual charge: %v", err)
	}
	return it
}

func (f *fixture) invoice(t *testing.T, amount float64) *Invoice {
	t.Helper()
	enc, _ := f.encounter()
	f.manual(t, enc, amount)
	acct, _ := f.repo.GetAccountByEncounter(context.Background(), enc)
	inv, err := f.svc.GenerateInvoice(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("generate invoice: %v", err)
	}
	return inv
}

// -- Pure helpers --

func TestSettle(t *testing.T) {
	tests := []struct {
		total, paid float64
		balance     float64
		status      string
	}{
		{100, 0, 100, InvoiceUnpaid},
		{100, 40, 60, InvoicePartial},
		{100, 100, 0, InvoicePaid},
		{100, 120, -20, InvoicePaid},
		{0, 0, 0, InvoiceUnpaid},
		{0.1 + 0.2, 0.3, 0, InvoicePaid},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v-%v", tt.total, tt.paid), func(t *testing.T) {
			balance, status := Settle(tt.total, tt.paid)
			if balance != tt.balance || status != tt.status {
				t.Errorf("Settle(%v, %v) = %v, %s; want %v, %s", tt.total, tt.paid, balance, status, tt.balance, tt.status)
			}
		})
	}
}

func TestBedDays(t *testing.T) {
	in := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		out  time.Time
		want int
	}{
		{in, 1},
		{in.Add(2 * time.Hour), 1},
		{in.Add(24 * time.Hour), 1},
		{in.Add(25 * time.Hour), 2},
		{in.Add(72*time.Hour + time.Minute), 4},
		{in.Add(-time.Hour), 1},
	}
	for _, tt := range tests {
		if got := BedDays(in, tt.out); got != tt.want {
			t.Errorf("BedDays(%v) = %d, want %d", tt.out.Sub(in), got, tt.want)
		}
	}
}

func TestNewInvoiceNumber(t *testing.T) {
	n := NewInvoiceNumber(fixedNow)
	if !strings.HasPrefix(n, "INV-20260610-") || len(n) != len("INV-20260610-XXXXXX") {
		t.Errorf("unexpected number %q", n)
	}
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		seen[NewInvoiceNumber(fixedNow)] = true
	}
	if len(seen) < 2 {
		t.Error("expected random suffixes")
	}
}

// -- Charges --

func TestPostConsultationCharge_Idempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	enc, pat := f.encounter()
	dept := f.price("Cardiology", 50)
	evt := events.Consultation{EncounterID: enc, PatientID: pat, DepartmentID: dept}

	first, created, err := f.svc.PostConsultationCharge(ctx, evt)
	if err != nil || !created {
		t.Fatalf("first post: created=%v err=%v", created, err)
	}
	if first.Amount != 50 || first.ReferenceKey != enc.String() {
		t.Errorf("unexpected item: %+v", first)
	}

	second, created, err := f.svc.PostConsultationCharge(ctx, evt)
	if err != nil {
		t.Fatalf("second post: %v", err)
	}
	if created {
		t.Error("expected duplicate post to report created=false")
	}
	if second.ID != first.ID {
		t.Error("expected existing item to be returned")
	}
	if len(f.repo.items) != 1 {
		t.Errorf("expected 1 item, got %d", len(f.repo.items))
	}
}

func TestPost_InsertConflictIsNotAnError(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	enc, pat := f.encounter()
	dept := f.price("General", 30)
	evt := events.Consultation{EncounterID: enc, PatientID: pat, DepartmentID: dept}

	if _, _, err := f.svc.PostConsultationCharge(ctx, evt); err != nil {
		t.Fatal(err)
	}
	f.repo.skipExists = true
	_, created, err := f.svc.PostConsultationCharge(ctx, evt)
	if err != nil || created {
		t.Fatalf("expected silent duplicate, created=%v err=%v", created, err)
	}
	if len(f.repo.items) != 1 {
		t.Errorf("expected 1 item, got %d", len(f.repo.items))
	}
}

func TestPostConsultationCharge_FreeDepartment(t *testing.T) {
	f := newFixture()
	enc, pat := f.encounter()
	dept := f.price("Outreach", 0)

	item, created, err := f.svc.PostConsultationCharge(context.Background(),
		events.Consultation{EncounterID: enc, PatientID: pat, DepartmentID: dept})
	if err != nil || created || item != nil {
		t.Fatalf("expected no charge, got item=%v created=%v err=%v", item, created, err)
	}
}

func TestPostLabCharge_UsesOrderPrice(t *testing.T) {
	f := newFixture()
	enc, pat := f.encounter()
	test := f.price("CBC", 15)
	order := events.LabOrder{LabOrderID: uuid.New(), EncounterID: enc, PatientID: pat, TestID: test, TestName: "CBC", Price: 12.5}

	item, _, err := f.svc.PostLabCharge(context.Background(), order)
	if err != nil {
		t.Fatal(err)
	}
	if item.Amount != 12.5 {
		t.Errorf("expected price captured at order time, got %v", item.Amount)
	}
	if f.prices.calls != 0 {
		t.Error("expected no catalog lookup when the order carries a price")
	}
}

func TestPostLabCharge_CancelledOrderNotBilled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	enc, pat := f.encounter()
	order := events.LabOrder{LabOrderID: uuid.New(), EncounterID: enc, PatientID: pat, TestName: "Malaria smear", Price: 40}
	f.repo.labOrders[order.LabOrderID] = labOrderCancelled

	// The reversal runs first and finds nothing to remove.
	removed, err := f.svc.ReverseLabCharge(ctx, order)
	if err != nil || removed {
		t.Fatalf("expected no-op reversal, removed=%v err=%v", removed, err)
	}
	item, created, err := f.svc.PostLabCharge(ctx, order)
	if err != nil {
		t.Fatal(err)
	}
	if item != nil || created {
		t.Errorf("expected no charge for a cancelled order, got %+v", item)
	}
	if len(f.repo.items) != 0 {
		t.Errorf("expected empty account, got %d items", len(f.repo.items))
	}
}

func TestReverseLabCharge(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	enc, pat := f.encounter()
	order := events.LabOrder{LabOrderID: uuid.New(), EncounterID: enc, PatientID: pat, TestName: "Lipids", Price: 20}
	if _, _, err := f.svc.PostLabCharge(ctx, order); err != nil {
		t.Fatal(err)
	}

	removed, err := f.svc.ReverseLabCharge(ctx, order)
	if err != nil || !removed {
		t.Fatalf("expected removal, removed=%v err=%v", removed, err)
	}
	if len(f.repo.items) != 0 {
		t.Error("expected item deleted")
	}

	removed, err = f.svc.ReverseLabCharge(ctx, order)
	if err != nil || removed {
		t.Errorf("expected no-op on second reversal, removed=%v err=%v", removed, err)
	}
}

func TestReverseLabCharge_InvoicedIsRefused(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	enc, pat := f.encounter()
	order := events.LabOrder{LabOrderID: uuid.New(), EncounterID: enc, PatientID: pat, TestName: "TSH", Price: 25}
	f.svc.PostLabCharge(ctx, order)
	acct, _ := f.repo.GetAccountByEncounter(ctx, enc)
	if _, err := f.svc.GenerateInvoice(ctx, acct.ID); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.ReverseLabCharge(ctx, order)
	if !apperr.Is(err, apperr.CodeInvalidState) {
		t.Fatalf("expected INVALID_STATE, got %v", err)
	}
}

func TestPostBedDays_CompletesAdmission(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	enc, pat := f.encounter()
	ward := f.price("Ward A", 80)
	admitted := fixedNow.Add(-73 * time.Hour)

	if _, _, err := f.svc.PostBedCharge(ctx, enc, pat, ward, 1); err != nil {
		t.Fatal(err)
	}
	posted, err := f.svc.PostBedDays(ctx, events.Discharge{
		EncounterID: enc, PatientID: pat, WardID: ward, AdmittedAt: admitted, DischargedAt: fixedNow,
	})
	if err != nil {
		t.Fatal(err)
	}
	if posted != 3 {
		t.Errorf("expected days 2-4 posted, got %d", posted)
	}
	if len(f.repo.items) != 4 {
		t.Errorf("expected 4 bed items, got %d", len(f.repo.items))
	}
}

func TestPostBedDays_ChargesWardOccupiedEachDay(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	enc, pat := f.encounter()
	icu := f.price("ICU", 500)
	general := f.price("General", 50)
	admitted := fixedNow.Add(-80 * time.Hour)

	// Transferred 30h in: days 1-2 began in ICU, days 3-4 in General.
	posted, err := f.svc.PostBedDays(ctx, events.Discharge{
		EncounterID: enc, PatientID: pat, WardID: general, AdmittedAt: admitted, DischargedAt: fixedNow,
		Stays: []events.WardStay{
			{WardID: icu, StartedAt: admitted},
			{WardID: general, StartedAt: admitted.Add(30 * time.Hour)},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if posted != 4 {
		t.Fatalf("expected 4 bed days, got %d", posted)
	}
	byDay := map[string]float64{}
	for _, it := range f.repo.items {
		byDay[it.ReferenceKey] = it.UnitPrice
	}
	want := map[string]float64{"day-1": 500, "day-2": 500, "day-3": 50, "day-4": 50}
	for day, price := range want {
		if byDay[day] != price {
			t.Errorf("%s billed at %v, want %v", day, byDay[day], price)
		}
	}
}

func TestWardAt(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	start := fixedNow
	p := events.Discharge{WardID: c, AdmittedAt: start, Stays: []events.WardStay{
		{WardID: a, StartedAt: start},
		{WardID: b, StartedAt: start.Add(10 * time.Hour)},
		{WardID: c, StartedAt: start.Add(40 * time.Hour)},
	}}
	tests := []struct {
		at   time.Time
		want uuid.UUID
	}{
		{start, a},
		{start.Add(9 * time.Hour), a},
		{start.Add(10 * time.Hour), b},
		{start.Add(39 * time.Hour), b},
		{start.Add(48 * time.Hour), c},
	}
	for _, tt := range tests {
		if got := WardAt(p, tt.at); got != tt.want {
			t.Errorf("WardAt(+%v) = %s, want %s", tt.at.Sub(start), got, tt.want)
		}
	}
	if got := WardAt(events.Discharge{WardID: c}, start); got != c {
		t.Errorf("without stays expected discharge ward, got %s", got)
	}
}

func TestPostPharmacyCharge_PerLine(t *testing.T) {
	f := newFixture()
	enc, pat := f.encounter()
	drug := f.price("Amoxicillin", 0.75)
	evt := events.Dispensed{
		PrescriptionID: uuid.New(), EncounterID: enc, PatientID: pat,
		Lines: []events.DispensedLine{
			{ItemID: uuid.New(), DrugID: drug, DrugName: "Amoxicillin", Quantity: 20},
			{ItemID: uuid.New(), DrugID: uuid.New(), DrugName: "Paracetamol", Quantity: 10, UnitPrice: 0.1},
		},
	}

	posted, err := f.svc.PostPharmacyCharge(context.Background(), evt)
	if err != nil {
		t.Fatal(err)
	}
	if posted != 2 {
		t.Fatalf("expected 2 lines, got %d", posted)
	}
	var total float64
	for _, it := range f.repo.items {
		total += it.Amount
	}
	if Money(total) != 16 {
		t.Errorf("expected total 16, got %v", total)
	}

	posted, _ = f.svc.PostPharmacyCharge(context.Background(), evt)
	if posted != 0 {
		t.Errorf("expected redelivery to post nothing, got %d", posted)
	}
}

func TestPostManualCharge_Validation(t *testing.T) {
	f := newFixture()
	enc, _ := f.encounter()

	_, _, err := f.svc.PostManualCharge(context.Background(), enc, ManualCharge{ItemType: ItemLab, UnitPrice: -1}, "")
	ae, ok := apperr.As(err)
	if !ok || ae.Code != apperr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	for _, field := range []string{"item_type", "description", "unit_price"} {
		if _, ok := ae.Fields[field]; !ok {
			t.Errorf("expected field error for %s", field)
		}
	}
}

func TestPostManualCharge_ReopensClosedAccount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	enc, _ := f.encounter()
	f.manual(t, enc, 10)
	if _, err := f.svc.FinalizeEncounter(ctx, enc); err != nil {
		t.Fatal(err)
	}
	acct, _ := f.repo.GetAccountByEncounter(ctx, enc)
	if acct.Status != AccountClosed {
		t.Fatalf("expected closed account, got %s", acct.Status)
	}

	f.manual(t, enc, 5)
	acct, _ = f.repo.GetAccountByEncounter(ctx, enc)
	if acct.Status != AccountOpen {
		t.Errorf("expected late charge to reopen the account, got %s", acct.Status)
	}
}

// -- Invoices --

func TestGenerateInvoice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	enc, pat := f.encounter()
	f.manual(t, enc, 100)
	f.manual(t, enc, 25.5)
	acct, _ := f.repo.GetAccountByEncounter(ctx, enc)

	inv, err := f.svc.GenerateInvoice(ctx, acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if inv.Total != 125.5 || inv.Balance != 125.5 || inv.Status != InvoiceUnpaid {
		t.Errorf("unexpected invoice: %+v", inv)
	}
	if inv.PatientID != pat || len(inv.Items) != 2 {
		t.Errorf("unexpected invoice header: %+v", inv)
	}
	if inv.DueAt == nil || !inv.DueAt.After(inv.IssuedAt) {
		t.Error("expected due date after issue")
	}
	for _, it := range f.repo.items {
		if !it.Invoiced() {
			t.Error("expected every item invoiced")
		}
	}
	if len(f.rec.Named(events.InvoiceIssued)) != 1 {
		t.Error("expected invoice.issued")
	}

	_, err = f.svc.GenerateInvoice(ctx, acct.ID)
	if !errors.Is(err, ErrNothingToBill) {
		t.Errorf("expected ErrNothingToBill, got %v", err)
	}
}

func TestGenerateInvoice_RetriesNumberCollision(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	enc, _ := f.encounter()
	f.manual(t, enc, 10)
	acct, _ := f.repo.GetAccountByEncounter(ctx, enc)

	calls := 0
	f.svc.repo = &collidingRepo{mockRepo: f.repo, failures: 2, calls: &calls}

	inv, err := f.svc.GenerateInvoice(ctx, acct.ID)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 || inv.InvoiceNumber == "" {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

type collidingRepo struct {
	*mockRepo
	failures int
	calls    *int
}

func (c *collidingRepo) CreateInvoice(ctx context.Context, inv *Invoice) error {
	*c.calls++
	if *c.calls <= c.failures {
		return errDuplicateNumber
	}
	return c.mockRepo.CreateInvoice(ctx, inv)
}

func TestFinalizeEncounter_NothingPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	enc, pat := f.encounter()
	f.svc.EnsureAccount(ctx, enc, pat)

	inv, err := f.svc.FinalizeEncounter(ctx, enc)
	if err != nil || inv != nil {
		t.Fatalf("expected no invoice, got %v %v", inv, err)
	}
	acct, _ := f.repo.GetAccountByEncounter(ctx, enc)
	if acct.Status != AccountClosed {
		t.Errorf("expected closed, got %s", acct.Status)
	}
}

func TestVoidInvoice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.invoice(t, 60)

	if _, err := f.svc.VoidInvoice(ctx, inv.ID, " "); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected reason required, got %v", err)
	}
	voided, err := f.svc.VoidInvoice(ctx, inv.ID, "wrong patient")
	if err != nil {
		t.Fatal(err)
	}
	if voided.Status != InvoiceVoid || voided.VoidedAt == nil {
		t.Errorf("unexpected voided invoice: %+v", voided)
	}
	for _, it := range f.repo.items {
		if it.Invoiced() {
			t.Error("expected items released")
		}
	}
	if _, _, err := f.svc.RecordPayment(ctx, inv.ID, PaymentInput{Amount: 10, Method: "cash"}, ""); !apperr.Is(err, apperr.CodeInvalidState) {
		t.Errorf("expected void invoice to reject payments, got %v", err)
	}
}

func TestVoidInvoice_WithPaymentsRefused(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.invoice(t, 60)
	f.svc.RecordPayment(ctx, inv.ID, PaymentInput{Amount: 10, Method: "cash"}, "")

	if _, err := f.svc.VoidInvoice(ctx, inv.ID, "duplicate"); !apperr.Is(err, apperr.CodeInvalidState) {
		t.Errorf("expected INVALID_STATE, got %v", err)
	}
}

// -- Payments --

func TestRecordPayment_Reconciles(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.invoice(t, 200)

	_, got, err := f.svc.RecordPayment(ctx, inv.ID, PaymentInput{Amount: 50, Method: "Cash"}, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Paid != 50 || got.Balance != 150 || got.Status != InvoicePartial {
		t.Errorf("after first payment: %+v", got)
	}

	_, got, err = f.svc.RecordPayment(ctx, inv.ID, PaymentInput{Amount: 150, Method: "card", Reference: "AUTH-1"}, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Paid != 200 || got.Balance != 0 || got.Status != InvoicePaid {
		t.Errorf("after second payment: %+v", got)
	}

	stored, _ := f.repo.GetInvoice(ctx, inv.ID)
	if stored.Status != InvoicePaid {
		t.Errorf("expected stored status paid, got %s", stored.Status)
	}
	if n := len(f.rec.Named(events.PaymentRecorded)); n != 2 {
		t.Errorf("expected 2 payment.recorded events, got %d", n)
	}
}

func TestRecordPayment_Overpayment(t *testing.T) {
	f := newFixture()
	inv := f.invoice(t, 80)

	_, got, err := f.svc.RecordPayment(context.Background(), inv.ID, PaymentInput{Amount: 100, Method: "mobile"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance != -20 || got.Status != InvoicePaid {
		t.Errorf("expected credit balance, got %+v", got)
	}
}

func TestRecordPayment_Validation(t *testing.T) {
	f := newFixture()
	inv := f.invoice(t, 80)

	tests := []struct {
		name string
		in   PaymentInput
	}{
		{"zero amount", PaymentInput{Amount: 0, Method: "cash"}},
		{"negative amount", PaymentInput{Amount: -5, Method: "cash"}},
		{"bad method", PaymentInput{Amount: 5, Method: "barter"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.RecordPayment(context.Background(), inv.ID, tt.in, "")
			if !apperr.Is(err, apperr.CodeValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestUpdateAndDeletePayment_Reconcile(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	inv := f.invoice(t, 100)
	pay, _, err := f.svc.RecordPayment(ctx, inv.ID, PaymentInput{Amount: 100, Method: "cash"}, "")
	if err != nil {
		t.Fatal(err)
	}

	_, got, err := f.svc.UpdatePayment(ctx, pay.ID, PaymentInput{Amount: 30, Method: "cash"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != InvoicePartial || got.Balance != 70 {
		t.Errorf("after update: %+v", got)
	}

	got, err = f.svc.DeletePayment(ctx, pay.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != InvoiceUnpaid || got.Paid != 0 || got.Balance != 100 {
		t.Errorf("after delete: %+v", got)
	}
}

func TestDeletePayment_NotFound(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.DeletePayment(context.Background(), uuid.New()); !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestGetAccount_Unbilled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	enc, _ := f.encounter()
	f.manual(t, enc, 40)
	acct, _ := f.repo.GetAccountByEncounter(ctx, enc)
	f.svc.GenerateInvoice(ctx, acct.ID)
	f.manual(t, enc, 15)

	got, err := f.svc.GetAccountByEncounter(ctx, enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalItems != 2 || got.Unbilled != 15 {
		t.Errorf("expected 2 items with 15 unbilled, got %d / %v", got.TotalItems, got.Unbilled)
	}
}
