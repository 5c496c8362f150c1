package patient

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// NextMRN bumps and returns the per-year sequence.
	NextMRN(ctx context.Context, year int) (int, error)
	// LockIdentity serialises registrations that share an identity key
	// until the transaction ends.
	LockIdentity(ctx context.Context, key string) error
	// FindDuplicate locks and returns a patient with the same national id,
	// or the same phone, birth date and last name. exclude skips one row.
	FindDuplicate(ctx context.Context, p *Patient, exclude *uuid.UUID) (*Patient, error)
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByMRN(ctx context.Context, mrn string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Patient, int, error)
}
