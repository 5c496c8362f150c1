package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	List(ctx context.Context, params map[string]string, limit, offset int) ([]*Appointment, int, error)

	// LockDoctor serialises bookings for one doctor until the transaction
	// ends.
	LockDoctor(ctx context.Context, doctorID string) error
	// Overlapping counts appointments of the doctor that still hold time in
	// [start, end), ignoring exclude.
	Overlapping(ctx context.Context, doctorID string, start, end time.Time, exclude uuid.UUID) (int, error)

	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
	DepartmentExists(ctx context.Context, id uuid.UUID) (bool, error)
}
