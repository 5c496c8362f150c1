package encounter

import (
	"time"

	"github.com/google/uuid"
)

// Encounter types.
const (
	TypeOPD       = "opd"
	TypeIPD       = "ipd"
	TypeEmergency = "emergency"
)

// Encounter statuses.
const (
	StatusScheduled  = "scheduled"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusAdmitted   = "admitted"
	StatusDischarged = "discharged"
	StatusCancelled  = "cancelled"
)

var validStatuses = map[string]bool{
	StatusScheduled: true, StatusInProgress: true, StatusCompleted: true,
	StatusAdmitted: true, StatusDischarged: true, StatusCancelled: true,
}

// Encounter maps to the encounter table.
type Encounter struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	EncounterType  string     `db:"encounter_type" json:"encounter_type"`
	Status         string     `db:"status" json:"status"`
	DepartmentID   uuid.UUID  `db:"department_id" json:"department_id"`
	DoctorID       *string    `db:"doctor_id" json:"doctor_id,omitempty"`
	BedID          *uuid.UUID `db:"bed_id" json:"bed_id,omitempty"`
	ChiefComplaint *string    `db:"chief_complaint" json:"chief_complaint,omitempty"`
	SOAP
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	AdmittedAt     *time.Time `db:"admitted_at" json:"admitted_at,omitempty"`
	DischargedAt   *time.Time `db:"discharged_at" json:"discharged_at,omitempty"`
	DischargeNotes *string    `db:"discharge_notes" json:"discharge_notes,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// SOAP is the consultation note.
type SOAP struct {
	Subjective *string `db:"subjective" json:"subjective,omitempty"`
	Objective  *string `db:"objective" json:"objective,omitempty"`
	Assessment *string `db:"assessment" json:"assessment,omitempty"`
	Plan       *string `db:"plan" json:"plan,omitempty"`
}

// Empty reports whether no section of the note has content.
func (s SOAP) Empty() bool {
	for _, p := range []*string{s.Subjective, s.Objective, s.Assessment, s.Plan} {
		if p != nil && *p != "" {
			return false
		}
	}
	return true
}

// Bed is the slice of a bed row that admission flows need.
type Bed struct {
	ID           uuid.UUID
	WardID       uuid.UUID
	DepartmentID uuid.UUID
	BedNumber    string
	Status       string
}

// WardStay is one bed an admitted patient occupied. EndedAt is nil for the
// current bed.
type WardStay struct {
	ID          uuid.UUID
	EncounterID uuid.UUID
	WardID      uuid.UUID
	BedID       uuid.UUID
	StartedAt   time.Time
	EndedAt     *time.Time
}

// Bed statuses written by admission flows.
const (
	BedAvailable = "available"
	BedOccupied  = "occupied"
)

// VisitRequest starts an outpatient or emergency visit.
type VisitRequest struct {
	PatientID      uuid.UUID `json:"patient_id"`
	DepartmentID   uuid.UUID `json:"department_id"`
	DoctorID       string    `json:"doctor_id"`
	EncounterType  string    `json:"encounter_type"`
	ChiefComplaint string    `json:"chief_complaint"`
}

// AdmitRequest places a patient in a bed.
type AdmitRequest struct {
	PatientID      uuid.UUID  `json:"patient_id"`
	BedID          uuid.UUID  `json:"bed_id"`
	DepartmentID   *uuid.UUID `json:"department_id"`
	DoctorID       string     `json:"doctor_id"`
	ChiefComplaint string     `json:"chief_complaint"`
}
