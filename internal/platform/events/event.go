// Package events dispatches domain events to registered listeners, either
// inline or through a worker queue. Listener failures never reach the code
// that dispatched the event: they are logged, counted and, for queued
// listeners, retried a bounded number of times.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event names.
const (
	PatientRegistered     = "patient.registered"
	PatientAdmitted       = "patient.admitted"
	PatientDischarged     = "patient.discharged"
	ConsultationCompleted = "consultation.completed"
	LabOrderCreated       = "lab_order.created"
	LabOrderCancelled     = "lab_order.cancelled"
	PrescriptionDispensed = "prescription.dispensed"
	InvoiceIssued         = "invoice.issued"
	PaymentRecorded       = "payment.recorded"
	AppointmentChanged    = "appointment.changed"
)

type Event struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// New marshals payload into a fresh event.
func New(name string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Event{
		ID:         uuid.New(),
		Name:       name,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

// Publish builds an event from payload and hands it to p. A nil publisher
// is a no-op. Only payload encoding can fail; listener errors never reach
// the caller.
func Publish(ctx context.Context, p Publisher, name string, payload interface{}) error {
	if p == nil {
		return nil
	}
	evt, err := New(name, payload)
	if err != nil {
		return err
	}
	p.Dispatch(ctx, evt)
	return nil
}
