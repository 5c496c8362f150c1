package billing

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// EnsureAccount inserts the encounter's account if missing and returns it.
	EnsureAccount(ctx context.Context, encounterID, patientID uuid.UUID) (*Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	GetAccountByEncounter(ctx context.Context, encounterID uuid.UUID) (*Account, error)
	LockAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	SetAccountStatus(ctx context.Context, id uuid.UUID, status string) error
	ListAccounts(ctx context.Context, params map[string]string, limit, offset int) ([]*Account, int, error)
	// EncounterPatient returns the patient of an encounter.
	EncounterPatient(ctx context.Context, encounterID uuid.UUID) (uuid.UUID, error)
	// LabOrderStatus share-locks the lab order and returns its status, so a
	// concurrent cancellation commits only after the caller's transaction.
	LabOrderStatus(ctx context.Context, labOrderID uuid.UUID) (string, error)

	ItemExists(ctx context.Context, accountID uuid.UUID, itemType, ref string) (bool, error)
	// InsertItem reports created=false when the (account, type, reference)
	// row already exists.
	InsertItem(ctx context.Context, item *Item) (bool, error)
	FindItem(ctx context.Context, accountID uuid.UUID, itemType, ref string) (*Item, error)
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
	DeleteItem(ctx context.Context, id uuid.UUID) error
	ListItems(ctx context.Context, accountID uuid.UUID) ([]*Item, error)
	// UninvoicedItems locks and returns the items not yet on an invoice.
	UninvoicedItems(ctx context.Context, accountID uuid.UUID) ([]*Item, error)

	CreateInvoice(ctx context.Context, inv *Invoice) error
	AttachItems(ctx context.Context, invoiceID uuid.UUID, itemIDs []uuid.UUID) error
	DetachItems(ctx context.Context, invoiceID uuid.UUID) error
	GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	LockInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	ListInvoices(ctx context.Context, params map[string]string, limit, offset int) ([]*Invoice, int, error)
	InvoiceItems(ctx context.Context, invoiceID uuid.UUID) ([]*Item, error)

	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	DeletePayment(ctx context.Context, id uuid.UUID) error
	ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error)
	SumPayments(ctx context.Context, invoiceID uuid.UUID) (float64, error)

	// PatientContact returns the display name and email used on receipts.
	PatientContact(ctx context.Context, patientID uuid.UUID) (name, email string, err error)
}
