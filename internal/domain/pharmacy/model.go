package pharmacy

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Drug is a formulary entry. Stock reserved by open prescriptions is not
// available to new ones.
type Drug struct {
	ID               uuid.UUID `db:"id" json:"id"`
	Code             string    `db:"code" json:"code"`
	Name             string    `db:"name" json:"name"`
	GenericName      *string   `db:"generic_name" json:"generic_name,omitempty"`
	Form             string    `db:"form" json:"form"`
	Strength         *string   `db:"strength" json:"strength,omitempty"`
	UnitPrice        float64   `db:"unit_price" json:"unit_price"`
	StockQuantity    int       `db:"stock_quantity" json:"stock_quantity"`
	ReservedQuantity int       `db:"reserved_quantity" json:"reserved_quantity"`
	ReorderLevel     int       `db:"reorder_level" json:"reorder_level"`
	Active           bool      `db:"active" json:"active"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

func (d *Drug) Available() int { return d.StockQuantity - d.ReservedQuantity }

func (d *Drug) LowStock() bool { return d.Available() <= d.ReorderLevel }

// DrugView adds the derived stock fields to API responses.
type DrugView struct {
	*Drug
	Available int  `json:"available"`
	LowStock  bool `json:"low_stock"`
}

func View(d *Drug) DrugView {
	return DrugView{Drug: d, Available: d.Available(), LowStock: d.LowStock()}
}

func Views(ds []*Drug) []DrugView {
	out := make([]DrugView, len(ds))
	for i, d := range ds {
		out[i] = View(d)
	}
	return out
}

// Dosage forms.
var forms = map[string]bool{
	"tablet": true, "capsule": true, "syrup": true, "suspension": true, "injection": true,
	"cream": true, "ointment": true, "drops": true, "inhaler": true, "suppository": true,
}

type DrugInput struct {
	Code               string  `json:"code" yaml:"code"`
	Name               string  `json:"name" yaml:"name"`
	GenericName        string  `json:"generic_name" yaml:"generic_name"`
	Form               string  `json:"form" yaml:"form"`
	Strength           string  `json:"strength" yaml:"strength"`
	UnitPrice          float64 `json:"unit_price" yaml:"unit_price"`
	StockQuantity      int     `json:"stock_quantity" yaml:"stock_quantity"`
	ReorderLevel       int     `json:"reorder_level" yaml:"reorder_level"`
	ConfirmLargeChange bool    `json:"confirm_large_change" yaml:"-"`
}

// Normalize trims the input and defaults the form to tablet.
func (in *DrugInput) Normalize() {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Name = strings.TrimSpace(in.Name)
	in.GenericName = strings.TrimSpace(in.GenericName)
	in.Form = strings.ToLower(strings.TrimSpace(in.Form))
	if in.Form == "" {
		in.Form = "tablet"
	}
	in.Strength = strings.TrimSpace(in.Strength)
}

// Problems returns field errors. Price is checked separately.
func (in *DrugInput) Problems() map[string]string {
	fields := map[string]string{}
	if in.Code == "" {
		fields["code"] = "is required"
	}
	if in.Name == "" {
		fields["name"] = "is required"
	}
	if !forms[in.Form] {
		fields["form"] = "is not a known dosage form"
	}
	if in.StockQuantity < 0 {
		fields["stock_quantity"] = "must not be negative"
	}
	if in.ReorderLevel < 0 {
		fields["reorder_level"] = "must not be negative"
	}
	return fields
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Prescription statuses.
const (
	StatusPending   = "pending"
	StatusReserved  = "reserved"
	StatusDispensed = "dispensed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

type Prescription struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	EncounterID  uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	PatientID    uuid.UUID  `db:"patient_id" json:"patient_id"`
	PrescriberID *string    `db:"prescriber_id" json:"prescriber_id,omitempty"`
	Status       string     `db:"status" json:"status"`
	Notes        *string    `db:"notes" json:"notes,omitempty"`
	ReservedAt   *time.Time `db:"reserved_at" json:"reserved_at,omitempty"`
	DispensedAt  *time.Time `db:"dispensed_at" json:"dispensed_at,omitempty"`
	DispensedBy  *string    `db:"dispensed_by" json:"dispensed_by,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`

	Items []*Item `db:"-" json:"items"`
}

// Item is one prescribed drug.
type Item struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PrescriptionID uuid.UUID `db:"prescription_id" json:"prescription_id"`
	DrugID         uuid.UUID `db:"drug_id" json:"drug_id"`
	DrugName       string    `db:"-" json:"drug_name,omitempty"`
	Quantity       int       `db:"quantity" json:"quantity"`
	Dosage         *string   `db:"dosage" json:"dosage,omitempty"`
	Frequency      *string   `db:"frequency" json:"frequency,omitempty"`
	DurationDays   *int      `db:"duration_days" json:"duration_days,omitempty"`
}

type ItemRequest struct {
	DrugID       uuid.UUID `json:"drug_id"`
	Quantity     int       `json:"quantity"`
	Dosage       string    `json:"dosage"`
	Frequency    string    `json:"frequency"`
	DurationDays int       `json:"duration_days"`
}

type PrescriptionRequest struct {
	EncounterID uuid.UUID     `json:"encounter_id"`
	Notes       string        `json:"notes"`
	Items       []ItemRequest `json:"items"`
}

// demand sums the quantity requested per drug.
func demand(items []*Item) map[uuid.UUID]int {
	out := make(map[uuid.UUID]int, len(items))
	for _, it := range items {
		out[it.DrugID] += it.Quantity
	}
	return out
}

// lockOrder returns drug ids in a fixed order so concurrent transactions
// take row locks in the same sequence.
func lockOrder(need map[uuid.UUID]int) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(need))
	for id := range need {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
