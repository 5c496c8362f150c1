package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/events"
	"github.com/matokham-ai/hospital-sub013/internal/platform/mail"
)

// Listeners turns clinical events into charges and billing events into
// patient mail.
type Listeners struct {
	svc      *Service
	mailer   *mail.Mailer
	hospital string
	currency string
	logger   zerolog.Logger
}

// NewListeners builds the billing listeners. A nil mailer disables receipt
// mail.
func NewListeners(svc *Service, mailer *mail.Mailer, hospital, currency string, logger zerolog.Logger) *Listeners {
	return &Listeners{
		svc:      svc,
		mailer:   mailer,
		hospital: hospital,
		currency: currency,
		logger:   logger.With().Str("component", "billing-listeners").Logger(),
	}
}

// Register subscribes every listener on d. Listener names are persisted in
// queued jobs and must not change.
func (l *Listeners) Register(d *events.Dispatcher) {
	d.Listen(events.PatientAdmitted, "billing.open-account", l.openAccount, events.Sync)
	d.Listen(events.PatientAdmitted, "billing.first-bed-day", l.firstBedDay, events.Queued)
	d.Listen(events.ConsultationCompleted, "billing.consultation-charge", l.consultationCharge, events.Queued)
	d.Listen(events.LabOrderCreated, "billing.lab-charge", l.labCharge, events.Queued)
	d.Listen(events.LabOrderCancelled, "billing.lab-reversal", l.labReversal, events.Queued)
	d.Listen(events.PrescriptionDispensed, "billing.pharmacy-charge", l.pharmacyCharge, events.Queued)
	d.Listen(events.PatientDischarged, "billing.final-invoice", l.finalInvoice, events.Queued)

	if l.mailer != nil {
		d.Listen(events.InvoiceIssued, "mail.invoice-issued", l.mailInvoice, events.Queued)
		d.Listen(events.PaymentRecorded, "mail.payment-received", l.mailPayment, events.Queued)
	}
}

func (l *Listeners) openAccount(ctx context.Context, evt events.Event) error {
	var p events.Admission
	if err := evt.Decode(&p); err != nil {
		return err
	}
	_, err := l.svc.EnsureAccount(ctx, p.EncounterID, p.PatientID)
	return err
}

func (l *Listeners) firstBedDay(ctx context.Context, evt events.Event) error {
	var p events.Admission
	if err := evt.Decode(&p); err != nil {
		return err
	}
	_, _, err := l.svc.PostBedCharge(ctx, p.EncounterID, p.PatientID, p.WardID, 1)
	return err
}

func (l *Listeners) consultationCharge(ctx context.Context, evt events.Event) error {
	var p events.Consultation
	if err := evt.Decode(&p); err != nil {
		return err
	}
	_, _, err := l.svc.PostConsultationCharge(ctx, p)
	return err
}

func (l *Listeners) labCharge(ctx context.Context, evt events.Event) error {
	var p events.LabOrder
	if err := evt.Decode(&p); err != nil {
		return err
	}
	_, _, err := l.svc.PostLabCharge(ctx, p)
	return err
}

func (l *Listeners) labReversal(ctx context.Context, evt events.Event) error {
	var p events.LabOrder
	if err := evt.Decode(&p); err != nil {
		return err
	}
	_, err := l.svc.ReverseLabCharge(ctx, p)
	if apperr.Is(err, apperr.CodeInvalidState) {
		// Retrying cannot succeed until someone voids the invoice.
		l.logger.Warn().Str("lab_order_id", p.LabOrderID.String()).
			Msg("cancelled lab order was already invoiced, charge kept")
		return nil
	}
	return err
}

func (l *Listeners) pharmacyCharge(ctx context.Context, evt events.Event) error {
	var p events.Dispensed
	if err := evt.Decode(&p); err != nil {
		return err
	}
	_, err := l.svc.PostPharmacyCharge(ctx, p)
	return err
}

// finalInvoice bills the remaining bed days and invoices the account.
func (l *Listeners) finalInvoice(ctx context.Context, evt events.Event) error {
	var p events.Discharge
	if err := evt.Decode(&p); err != nil {
		return err
	}
	if _, err := l.svc.PostBedDays(ctx, p); err != nil {
		return err
	}
	inv, err := l.svc.FinalizeEncounter(ctx, p.EncounterID)
	if err != nil {
		return err
	}
	if inv != nil {
		l.logger.Info().Str("encounter_id", p.EncounterID.String()).
			Str("invoice_number", inv.InvoiceNumber).Float64("total", inv.Total).
			Msg("final invoice issued")
	}
	return nil
}

func (l *Listeners) mailInvoice(ctx context.Context, evt events.Event) error {
	var p events.InvoiceRef
	if err := evt.Decode(&p); err != nil {
		return err
	}
	return l.send(ctx, p.PatientID, mail.TemplateInvoiceIssued, map[string]string{
		"invoice_number": p.InvoiceNumber,
		"total":          amount(p.Total),
		"balance":        amount(p.Balance),
	})
}

func (l *Listeners) mailPayment(ctx context.Context, evt events.Event) error {
	var p events.PaymentRef
	if err := evt.Decode(&p); err != nil {
		return err
	}
	return l.send(ctx, p.PatientID, mail.TemplatePaymentReceived, map[string]string{
		"invoice_number": p.InvoiceNumber,
		"amount":         amount(p.Amount),
		"balance":        amount(p.Balance),
		"status":         p.Status,
	})
}

func (l *Listeners) send(ctx context.Context, patientID uuid.UUID, template string, data map[string]string) error {
	name, email, err := l.svc.PatientContact(ctx, patientID)
	if err != nil {
		return err
	}
	if email == "" {
		return nil
	}
	data["patient_name"] = name
	data["hospital"] = l.hospital
	data["currency"] = l.currency
	return l.mailer.SendTemplate(ctx, email, template, data)
}

func amount(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
