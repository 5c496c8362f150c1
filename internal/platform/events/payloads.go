package events

import (
	"time"

	"github.com/google/uuid"
)

// Payloads shared between the publishing domain and its listeners. They live
// here so billing can consume clinical events without importing those
// packages.

type PatientRef struct {
	PatientID uuid.UUID `json:"patient_id"`
	MRN       string    `json:"mrn"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name"`
}

type Admission struct {
	EncounterID  uuid.UUID `json:"encounter_id"`
	PatientID    uuid.UUID `json:"patient_id"`
	BedID        uuid.UUID `json:"bed_id"`
	WardID       uuid.UUID `json:"ward_id"`
	DepartmentID uuid.UUID `json:"department_id"`
	AdmittedAt   time.Time `json:"admitted_at"`
}

// Discharge.WardID is the ward at discharge. Stays lists every ward the
// patient occupied, oldest first.
type Discharge struct {
	EncounterID  uuid.UUID  `json:"encounter_id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	WardID       uuid.UUID  `json:"ward_id"`
	AdmittedAt   time.Time  `json:"admitted_at"`
	DischargedAt time.Time  `json:"discharged_at"`
	Stays        []WardStay `json:"stays,omitempty"`
}

type WardStay struct {
	WardID    uuid.UUID `json:"ward_id"`
	StartedAt time.Time `json:"started_at"`
}

type Consultation struct {
	EncounterID  uuid.UUID `json:"encounter_id"`
	PatientID    uuid.UUID `json:"patient_id"`
	DepartmentID uuid.UUID `json:"department_id"`
	DoctorID     string    `json:"doctor_id,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

type LabOrder struct {
	LabOrderID  uuid.UUID `json:"lab_order_id"`
	EncounterID uuid.UUID `json:"encounter_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	TestID      uuid.UUID `json:"test_id"`
	TestName    string    `json:"test_name"`
	Price       float64   `json:"price"`
}

type DispensedLine struct {
	ItemID    uuid.UUID `json:"item_id"`
	DrugID    uuid.UUID `json:"drug_id"`
	DrugName  string    `json:"drug_name"`
	Quantity  int       `json:"quantity"`
	UnitPrice float64   `json:"unit_price"`
}

type Dispensed struct {
	PrescriptionID uuid.UUID       `json:"prescription_id"`
	EncounterID    uuid.UUID       `json:"encounter_id"`
	PatientID      uuid.UUID       `json:"patient_id"`
	Lines          []DispensedLine `json:"lines"`
}

type InvoiceRef struct {
	InvoiceID     uuid.UUID `json:"invoice_id"`
	InvoiceNumber string    `json:"invoice_number"`
	PatientID     uuid.UUID `json:"patient_id"`
	Total         float64   `json:"total"`
	Balance       float64   `json:"balance"`
}

type PaymentRef struct {
	PaymentID     uuid.UUID `json:"payment_id"`
	InvoiceID     uuid.UUID `json:"invoice_id"`
	InvoiceNumber string    `json:"invoice_number"`
	PatientID     uuid.UUID `json:"patient_id"`
	Amount        float64   `json:"amount"`
	Balance       float64   `json:"balance"`
	Status        string    `json:"status"`
}
