package encounter

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, enc *Encounter) error
	GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error)
	// GetForUpdate locks the encounter row for the rest of the transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Encounter, error)
	Update(ctx context.Context, enc *Encounter) error
	List(ctx context.Context, params map[string]string, limit, offset int) ([]*Encounter, int, error)
	// ActiveAdmission returns the patient's admitted encounter, or nil.
	ActiveAdmission(ctx context.Context, patientID uuid.UUID) (*Encounter, error)

	// LockPatient locks the patient row so admissions of one patient
	// serialise. Returns NOT_FOUND for unknown patients.
	LockPatient(ctx context.Context, patientID uuid.UUID) error
	DepartmentExists(ctx context.Context, id uuid.UUID) (bool, error)
	LockBed(ctx context.Context, id uuid.UUID) (*Bed, error)
	GetBed(ctx context.Context, id uuid.UUID) (*Bed, error)
	SetBedStatus(ctx context.Context, id uuid.UUID, status string) error

	// OpenStay records the patient entering bed at the given time.
	OpenStay(ctx context.Context, encounterID uuid.UUID, bed *Bed, at time.Time) error
	// CloseStay ends the encounter's current stay, if any.
	CloseStay(ctx context.Context, encounterID uuid.UUID, at time.Time) error
	// Stays lists the encounter's stays, oldest first.
	Stays(ctx context.Context, encounterID uuid.UUID) ([]WardStay, error)
}
