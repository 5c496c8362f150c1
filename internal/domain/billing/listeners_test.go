package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matokham-ai/hospital-sub013/internal/platform/events"
	"github.com/matokham-ai/hospital-sub013/internal/platform/mail"
)

type captureSender struct {
	sent []mail.Message
}

func (c *captureSender) Send(_ context.Context, msg mail.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func newListenerFixture(t *testing.T) (*fixture, *events.Dispatcher, *captureSender) {
	t.Helper()
	f := newFixture()
	sender := &captureSender{}
	d := events.NewDispatcher(zerolog.Nop())
	// Billing events go through the dispatcher so mail listeners fire.
	f.svc.events = d
	NewListeners(f.svc, mail.NewMailer(mail.NewTemplates(), sender), "City Hospital", "KES", zerolog.Nop()).Register(d)
	return f, d, sender
}

func dispatch(t *testing.T, d *events.Dispatcher, name string, payload interface{}) {
	t.Helper()
	if err := events.Publish(context.Background(), d, name, payload); err != nil {
		t.Fatal(err)
	}
}

func TestListeners_Registered(t *testing.T) {
	_, d, _ := newListenerFixture(t)
	for _, name := range []string{
		events.PatientAdmitted, events.ConsultationCompleted, events.LabOrderCreated,
		events.LabOrderCancelled, events.PrescriptionDispensed, events.PatientDischarged,
		events.InvoiceIssued, events.PaymentRecorded,
	} {
		if len(d.Listeners(name)) == 0 {
			t.Errorf("no listener for %s", name)
		}
	}
}

func TestListeners_NoMailerSkipsMail(t *testing.T) {
	f := newFixture()
	d := events.NewDispatcher(zerolog.Nop())
	NewListeners(f.svc, nil, "", "", zerolog.Nop()).Register(d)
	if len(d.Listeners(events.InvoiceIssued)) != 0 {
		t.Error("expected no mail listener without a mailer")
	}
}

func TestListeners_AdmissionToFinalInvoice(t *testing.T) {
	f, d, sender := newListenerFixture(t)
	ctx := context.Background()
	enc, pat := f.encounter()
	ward := f.price("Ward B", 100)
	f.repo.contacts[pat] = [2]string{"Jane Doe", "jane@example.com"}
	admitted := fixedNow.Add(-30 * time.Hour)

	dispatch(t, d, events.PatientAdmitted, events.Admission{
		EncounterID: enc, PatientID: pat, WardID: ward, AdmittedAt: admitted,
	})
	acct, err := f.repo.GetAccountByEncounter(ctx, enc)
	if err != nil {
		t.Fatalf("expected account opened: %v", err)
	}
	if items, _ := f.repo.ListItems(ctx, acct.ID); len(items) != 1 {
		t.Fatalf("expected first bed day, got %d items", len(items))
	}

	// Redelivery does not double-bill.
	dispatch(t, d, events.PatientAdmitted, events.Admission{
		EncounterID: enc, PatientID: pat, WardID: ward, AdmittedAt: admitted,
	})

	dispatch(t, d, events.PatientDischarged, events.Discharge{
		EncounterID: enc, PatientID: pat, WardID: ward, AdmittedAt: admitted, DischargedAt: fixedNow,
	})

	if len(f.repo.invoices) != 1 {
		t.Fatalf("expected final invoice, got %d", len(f.repo.invoices))
	}
	for _, inv := range f.repo.invoices {
		if inv.Total != 200 {
			t.Errorf("expected 2 bed days billed, got %v", inv.Total)
		}
	}
	acct, _ = f.repo.GetAccountByEncounter(ctx, enc)
	if acct.Status != AccountClosed {
		t.Errorf("expected account closed, got %s", acct.Status)
	}
	if len(sender.sent) != 1 || sender.sent[0].To != "jane@example.com" {
		t.Fatalf("expected invoice mail, got %+v", sender.sent)
	}
}

func TestListeners_TransferredStayBilledPerWard(t *testing.T) {
	f, d, _ := newListenerFixture(t)
	enc, pat := f.encounter()
	icu := f.price("ICU", 500)
	general := f.price("General", 50)
	admitted := fixedNow.Add(-72 * time.Hour)

	dispatch(t, d, events.PatientAdmitted, events.Admission{
		EncounterID: enc, PatientID: pat, WardID: icu, AdmittedAt: admitted,
	})
	dispatch(t, d, events.PatientDischarged, events.Discharge{
		EncounterID: enc, PatientID: pat, WardID: general, AdmittedAt: admitted, DischargedAt: fixedNow,
		Stays: []events.WardStay{
			{WardID: icu, StartedAt: admitted},
			{WardID: general, StartedAt: admitted.Add(24 * time.Hour)},
		},
	})

	if len(f.repo.invoices) != 1 {
		t.Fatalf("expected final invoice, got %d", len(f.repo.invoices))
	}
	for _, inv := range f.repo.invoices {
		if inv.Total != 600 {
			t.Errorf("expected 1 ICU day and 2 General days (600), got %v", inv.Total)
		}
	}
}

func TestListeners_LabCancelAfterInvoiceKeepsCharge(t *testing.T) {
	f, d, _ := newListenerFixture(t)
	ctx := context.Background()
	enc, pat := f.encounter()
	order := events.LabOrder{LabOrderID: uuid.New(), EncounterID: enc, PatientID: pat, TestName: "CBC", Price: 10}

	dispatch(t, d, events.LabOrderCreated, order)
	acct, _ := f.repo.GetAccountByEncounter(ctx, enc)
	if _, err := f.svc.GenerateInvoice(ctx, acct.ID); err != nil {
		t.Fatal(err)
	}
	dispatch(t, d, events.LabOrderCancelled, order)

	if len(f.repo.items) != 1 {
		t.Errorf("expected invoiced lab charge kept, got %d items", len(f.repo.items))
	}
}

func TestListeners_LabReversalBeforeChargeLeavesNothingBilled(t *testing.T) {
	f, d, _ := newListenerFixture(t)
	ctx := context.Background()
	enc, pat := f.encounter()
	order := events.LabOrder{LabOrderID: uuid.New(), EncounterID: enc, PatientID: pat, TestName: "Malaria smear", Price: 40}
	f.repo.labOrders[order.LabOrderID] = labOrderCancelled

	reversal, err := events.New(events.LabOrderCancelled, order)
	if err != nil {
		t.Fatal(err)
	}
	charge, err := events.New(events.LabOrderCreated, order)
	if err != nil {
		t.Fatal(err)
	}
	// Queue workers picked the jobs up out of order.
	d.HandleJob(ctx, events.Job{Listener: "billing.lab-reversal", Event: reversal, Attempt: 1})
	d.HandleJob(ctx, events.Job{Listener: "billing.lab-charge", Event: charge, Attempt: 1})

	if len(f.repo.items) != 0 {
		t.Errorf("expected cancelled order unbilled, got %d items", len(f.repo.items))
	}
}

func TestListeners_PaymentMailSkippedWithoutEmail(t *testing.T) {
	f, _, sender := newListenerFixture(t)
	ctx := context.Background()
	inv := f.invoice(t, 50)
	f.repo.contacts[inv.PatientID] = [2]string{"No Mail", ""}

	if _, _, err := f.svc.RecordPayment(ctx, inv.ID, PaymentInput{Amount: 50, Method: "cash"}, ""); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("expected no mail, got %d", len(sender.sent))
	}
}
