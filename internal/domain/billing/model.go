package billing

import (
	"crypto/rand"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/matokham-ai/hospital-sub013/internal/platform/events"
)

// Account statuses.
const (
	AccountOpen   = "open"
	AccountClosed = "closed"
)

// Account aggregates the billable items of one encounter.
type Account struct {
	ID          uuid.UUID `db:"id" json:"id"`
	EncounterID uuid.UUID `db:"encounter_id" json:"encounter_id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	Status      string    `db:"status" json:"status"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`

	Items      []*Item `db:"-" json:"items,omitempty"`
	Unbilled   float64 `db:"-" json:"unbilled"`
	TotalItems int     `db:"-" json:"total_items"`
}

// Item types.
const (
	ItemConsultation = "consultation"
	ItemLab          = "lab"
	ItemBed          = "bed"
	ItemPharmacy     = "pharmacy"
	ItemProcedure    = "procedure"
	ItemMisc         = "misc"
)

var manualItemTypes = map[string]bool{ItemProcedure: true, ItemMisc: true}

// Item is one charge line. ReferenceKey identifies the source record, so
// (account, type, reference) is unique and posting is idempotent.
type Item struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	AccountID    uuid.UUID  `db:"account_id" json:"account_id"`
	ItemType     string     `db:"item_type" json:"item_type"`
	ReferenceKey string     `db:"reference_key" json:"reference_key"`
	Description  string     `db:"description" json:"description"`
	Quantity     int        `db:"quantity" json:"quantity"`
	UnitPrice    float64    `db:"unit_price" json:"unit_price"`
	Amount       float64    `db:"amount" json:"amount"`
	InvoiceID    *uuid.UUID `db:"invoice_id" json:"invoice_id,omitempty"`
	PostedBy     *string    `db:"posted_by" json:"posted_by,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

func (i *Item) Invoiced() bool { return i.InvoiceID != nil }

// Invoice statuses.
const (
	InvoiceUnpaid  = "unpaid"
	InvoicePartial = "partial"
	InvoicePaid    = "paid"
	InvoiceVoid    = "void"
)

type Invoice struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	InvoiceNumber string     `db:"invoice_number" json:"invoice_number"`
	AccountID     uuid.UUID  `db:"account_id" json:"account_id"`
	EncounterID   uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patient_id"`
	Total         float64    `db:"total" json:"total"`
	Paid          float64    `db:"paid" json:"paid"`
	Balance       float64    `db:"balance" json:"balance"`
	Status        string     `db:"status" json:"status"`
	IssuedAt      time.Time  `db:"issued_at" json:"issued_at"`
	DueAt         *time.Time `db:"due_at" json:"due_at,omitempty"`
	VoidedAt      *time.Time `db:"voided_at" json:"voided_at,omitempty"`
	VoidReason    *string    `db:"void_reason" json:"void_reason,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`

	Items    []*Item    `db:"-" json:"items,omitempty"`
	Payments []*Payment `db:"-" json:"payments,omitempty"`
}

// Payment methods.
const (
	MethodCash      = "cash"
	MethodCard      = "card"
	MethodMobile    = "mobile"
	MethodInsurance = "insurance"
	MethodBank      = "bank"
)

var paymentMethods = map[string]bool{
	MethodCash: true, MethodCard: true, MethodMobile: true, MethodInsurance: true, MethodBank: true,
}

type Payment struct {
	ID         uuid.UUID `db:"id" json:"id"`
	InvoiceID  uuid.UUID `db:"invoice_id" json:"invoice_id"`
	Amount     float64   `db:"amount" json:"amount"`
	Method     string    `db:"method" json:"method"`
	Reference  *string   `db:"reference" json:"reference,omitempty"`
	ReceivedBy *string   `db:"received_by" json:"received_by,omitempty"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Money rounds to cents.
func Money(v float64) float64 {
	return math.Round(v*100) / 100
}

// Settle derives balance and status from an invoice total and the sum of
// its payments. A negative balance is a credit in the patient's favour.
func Settle(total, paid float64) (balance float64, status string) {
	balance = Money(total - paid)
	switch {
	case balance <= 0 && (total > 0 || paid > 0):
		status = InvoicePaid
	case paid > 0:
		status = InvoicePartial
	default:
		status = InvoiceUnpaid
	}
	return balance, status
}

// BedDays counts chargeable days between admission and discharge. Any
// started day counts, with a minimum of one.
func BedDays(admitted, discharged time.Time) int {
	if !discharged.After(admitted) {
		return 1
	}
	days := int(math.Ceil(discharged.Sub(admitted).Hours() / 24))
	if days < 1 {
		days = 1
	}
	return days
}

// WardAt returns the ward the patient occupied at t: the last stay that
// started no later than t, or the discharge ward when no stay did.
func WardAt(p events.Discharge, t time.Time) uuid.UUID {
	ward := p.WardID
	if len(p.Stays) > 0 {
		ward = p.Stays[0].WardID
	}
	for _, st := range p.Stays {
		if st.StartedAt.After(t) {
			break
		}
		ward = st.WardID
	}
	return ward
}

const numberAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewInvoiceNumber returns INV-YYYYMMDD-XXXXXX.
func NewInvoiceNumber(at time.Time) string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		copy(b[:], uuid.New().String())
	}
	suffix := make([]byte, len(b))
	for i, v := range b {
		suffix[i] = numberAlphabet[int(v)%len(numberAlphabet)]
	}
	return "INV-" + at.Format("20060102") + "-" + string(suffix)
}
