package diagnostics

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Test is one entry of the lab test catalog.
type Test struct {
	ID              uuid.UUID `db:"id" json:"id"`
	Code            string    `db:"code" json:"code"`
	Name            string    `db:"name" json:"name"`
	Category        string    `db:"category" json:"category"`
	Price           float64   `db:"price" json:"price"`
	TurnaroundHours int       `db:"turnaround_hours" json:"turnaround_hours"`
	Active          bool      `db:"active" json:"active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// TestInput is the create/update body for catalog entries.
type TestInput struct {
	Code               string  `json:"code" yaml:"code"`
	Name               string  `json:"name" yaml:"name"`
	Category           string  `json:"category" yaml:"category"`
	Price              float64 `json:"price" yaml:"price"`
	TurnaroundHours    int     `json:"turnaround_hours" yaml:"turnaround_hours"`
	ConfirmLargeChange bool    `json:"confirm_large_change" yaml:"-"`
}

// Normalize trims the input and fills category and turnaround defaults.
func (in *TestInput) Normalize() {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Name = strings.TrimSpace(in.Name)
	in.Category = strings.ToLower(strings.TrimSpace(in.Category))
	if in.Category == "" {
		in.Category = "general"
	}
	if in.TurnaroundHours <= 0 {
		in.TurnaroundHours = 24
	}
}

// Problems returns field errors for the input. Price is checked separately.
func (in *TestInput) Problems() map[string]string {
	fields := map[string]string{}
	if in.Code == "" {
		fields["code"] = "is required"
	}
	if in.Name == "" {
		fields["name"] = "is required"
	}
	return fields
}

// Priorities.
const (
	PriorityRoutine = "routine"
	PriorityUrgent  = "urgent"
	PriorityStat    = "stat"
)

var priorities = map[string]bool{PriorityRoutine: true, PriorityUrgent: true, PriorityStat: true}

// Order statuses.
const (
	StatusOrdered    = "ordered"
	StatusCollected  = "collected"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Result flags.
const (
	FlagNormal   = "normal"
	FlagAbnormal = "abnormal"
	FlagCritical = "critical"
)

var resultFlags = map[string]bool{FlagNormal: true, FlagAbnormal: true, FlagCritical: true}

var orderTransitions = map[string]map[string]bool{
	StatusOrdered:    {StatusCollected: true, StatusCancelled: true},
	StatusCollected:  {StatusInProgress: true, StatusCompleted: true, StatusCancelled: true},
	StatusInProgress: {StatusCompleted: true, StatusCancelled: true},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

// canMove reports whether an order may go from one status to another.
func canMove(from, to string) error {
	if !orderTransitions[from][to] {
		return fmt.Errorf("lab order cannot go from %s to %s", from, to)
	}
	return nil
}

// Pending reports whether the order still awaits a result.
func Pending(status string) bool {
	return status == StatusOrdered || status == StatusCollected || status == StatusInProgress
}

// Order is a lab test requested for an encounter. Price is captured when
// the order is placed.
type Order struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	EncounterID uuid.UUID  `db:"encounter_id" json:"encounter_id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	TestID      uuid.UUID  `db:"test_id" json:"test_id"`
	TestCode    string     `db:"-" json:"test_code,omitempty"`
	TestName    string     `db:"-" json:"test_name,omitempty"`
	Price       float64    `db:"price" json:"price"`
	Priority    string     `db:"priority" json:"priority"`
	Status      string     `db:"status" json:"status"`
	OrderedBy   *string    `db:"ordered_by" json:"ordered_by,omitempty"`
	Notes       *string    `db:"notes" json:"notes,omitempty"`
	Result      *string    `db:"result" json:"result,omitempty"`
	ResultFlag  *string    `db:"result_flag" json:"result_flag,omitempty"`
	CollectedAt *time.Time `db:"collected_at" json:"collected_at,omitempty"`
	ResultAt    *time.Time `db:"result_at" json:"result_at,omitempty"`
	CancelledAt *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

type OrderRequest struct {
	EncounterID uuid.UUID `json:"encounter_id"`
	TestID      uuid.UUID `json:"test_id"`
	Priority    string    `json:"priority"`
	Notes       string    `json:"notes"`
}

type ResultInput struct {
	Result string `json:"result"`
	Flag   string `json:"flag"`
}
