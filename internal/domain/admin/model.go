package admin

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Department maps to the department table.
type Department struct {
	ID              uuid.UUID `db:"id" json:"id"`
	Code            string    `db:"code" json:"code"`
	Name            string    `db:"name" json:"name"`
	Description     *string   `db:"description" json:"description,omitempty"`
	ConsultationFee float64   `db:"consultation_fee" json:"consultation_fee"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Ward types.
const (
	WardGeneral   = "general"
	WardPrivate   = "private"
	WardICU       = "icu"
	WardMaternity = "maternity"
	WardPediatric = "pediatric"
)

var wardTypes = map[string]bool{
	WardGeneral: true, WardPrivate: true, WardICU: true, WardMaternity: true, WardPediatric: true,
}

// Ward maps to the ward table. Bed counts are filled on reads.
type Ward struct {
	ID            uuid.UUID `db:"id" json:"id"`
	DepartmentID  uuid.UUID `db:"department_id" json:"department_id"`
	Code          string    `db:"code" json:"code"`
	Name          string    `db:"name" json:"name"`
	WardType      string    `db:"ward_type" json:"ward_type"`
	DailyRate     float64   `db:"daily_rate" json:"daily_rate"`
	Active        bool      `db:"active" json:"active"`
	TotalBeds     int       `db:"-" json:"total_beds"`
	OccupiedBeds  int       `db:"-" json:"occupied_beds"`
	AvailableBeds int       `db:"-" json:"available_beds"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Bed statuses.
const (
	BedAvailable   = "available"
	BedOccupied    = "occupied"
	BedMaintenance = "maintenance"
	BedReserved    = "reserved"
)

// Bed maps to the bed table.
type Bed struct {
	ID        uuid.UUID `db:"id" json:"id"`
	WardID    uuid.UUID `db:"ward_id" json:"ward_id"`
	BedNumber string    `db:"bed_number" json:"bed_number"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// manualTransitions lists bed status changes staff may make directly.
// Occupancy is only set and cleared by admissions, transfers and discharges.
var manualTransitions = map[string]map[string]bool{
	BedAvailable:   {BedMaintenance: true, BedReserved: true},
	BedReserved:    {BedAvailable: true, BedMaintenance: true},
	BedMaintenance: {BedAvailable: true},
	BedOccupied:    {},
}

// CanTransition reports whether a bed may be moved from one status to
// another through the bed management screen.
func CanTransition(from, to string) error {
	next, ok := manualTransitions[from]
	if !ok {
		return fmt.Errorf("unknown bed status %q", from)
	}
	if _, known := manualTransitions[to]; !known {
		return fmt.Errorf("unknown bed status %q", to)
	}
	if from == to {
		return nil
	}
	if !next[to] {
		return fmt.Errorf("cannot change bed from %s to %s", from, to)
	}
	return nil
}

// BoardRow summarises one ward on the bed board.
type BoardRow struct {
	WardID       uuid.UUID      `json:"ward_id"`
	WardName     string         `json:"ward_name"`
	Department   string         `json:"department"`
	ByStatus     map[string]int `json:"by_status"`
	Total        int            `json:"total"`
	OccupancyPct float64        `json:"occupancy_pct"`
}
