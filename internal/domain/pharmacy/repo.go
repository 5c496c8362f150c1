package pharmacy

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	CreateDrug(ctx context.Context, d *Drug) error
	GetDrug(ctx context.Context, id uuid.UUID) (*Drug, error)
	GetDrugByCode(ctx context.Context, code string) (*Drug, error)
	UpdateDrug(ctx context.Context, d *Drug) error
	ListDrugs(ctx context.Context, params map[string]string, limit, offset int) ([]*Drug, int, error)
	// LockDrugs returns the drugs with the given ids locked FOR UPDATE, taking
	// locks in ascending id order.
	LockDrugs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Drug, error)
	// MoveStock applies deltas to stock and reserved quantities.
	MoveStock(ctx context.Context, id uuid.UUID, stockDelta, reservedDelta int) error
	// OpenReservations counts reserved prescriptions that include the drug.
	OpenReservations(ctx context.Context, drugID uuid.UUID) (int, error)

	CreatePrescription(ctx context.Context, p *Prescription) error
	GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error)
	LockPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error)
	UpdatePrescription(ctx context.Context, p *Prescription) error
	ListPrescriptions(ctx context.Context, params map[string]string, limit, offset int) ([]*Prescription, int, error)
	// ExpiredReservations lists reserved prescriptions reserved before cutoff
	// in (reserved_at, id) order, starting after the given key.
	ExpiredReservations(ctx context.Context, cutoff time.Time, after ReservationKey, limit int) ([]ReservationKey, error)

	// Encounter returns the patient and status of an encounter.
	Encounter(ctx context.Context, id uuid.UUID) (patientID uuid.UUID, status string, err error)
}

// ReservationKey identifies a reservation in sweep order. The zero value
// starts from the beginning.
type ReservationKey struct {
	ID         uuid.UUID
	ReservedAt time.Time
}
