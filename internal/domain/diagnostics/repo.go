package diagnostics

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	CreateTest(ctx context.Context, t *Test) error
	GetTest(ctx context.Context, id uuid.UUID) (*Test, error)
	GetTestByCode(ctx context.Context, code string) (*Test, error)
	UpdateTest(ctx context.Context, t *Test) error
	ListTests(ctx context.Context, params map[string]string, limit, offset int) ([]*Test, int, error)
	// PendingOrders counts orders awaiting a result that were priced at price.
	PendingOrders(ctx context.Context, testID uuid.UUID, price float64) (int, error)

	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	LockOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	ListOrders(ctx context.Context, params map[string]string, limit, offset int) ([]*Order, int, error)
	// Encounter returns the patient and status of an encounter.
	Encounter(ctx context.Context, id uuid.UUID) (patientID uuid.UUID, status string, err error)
}
