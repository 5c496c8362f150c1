package scheduling

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Appointment statuses.
const (
	StatusBooked    = "booked"
	StatusCheckedIn = "checked-in"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no-show"
)

const (
	DefaultDuration = 15
	MaxDuration     = 240
)

// Appointment maps to the appointment table.
type Appointment struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	PatientID       uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorID        string     `db:"doctor_id" json:"doctor_id"`
	DepartmentID    uuid.UUID  `db:"department_id" json:"department_id"`
	ScheduledAt     time.Time  `db:"scheduled_at" json:"scheduled_at"`
	DurationMinutes int        `db:"duration_minutes" json:"duration_minutes"`
	Status          string     `db:"status" json:"status"`
	Reason          *string    `db:"reason" json:"reason,omitempty"`
	EncounterID     *uuid.UUID `db:"encounter_id" json:"encounter_id,omitempty"`
	CheckedInAt     *time.Time `db:"checked_in_at" json:"checked_in_at,omitempty"`
	CancelledAt     *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancelReason    *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// EndsAt is the end of the booked slot.
func (a *Appointment) EndsAt() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Holds reports whether the appointment still occupies its doctor's time.
func (a *Appointment) Holds() bool {
	return a.Status == StatusBooked || a.Status == StatusCheckedIn
}

type BookRequest struct {
	PatientID       uuid.UUID `json:"patient_id"`
	DoctorID        string    `json:"doctor_id"`
	DepartmentID    uuid.UUID `json:"department_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Reason          string    `json:"reason"`
}

func (r *BookRequest) normalize() {
	r.DoctorID = strings.TrimSpace(r.DoctorID)
	r.Reason = strings.TrimSpace(r.Reason)
	if r.DurationMinutes == 0 {
		r.DurationMinutes = DefaultDuration
	}
	r.ScheduledAt = r.ScheduledAt.UTC()
}

func (r *BookRequest) problems(now time.Time) map[string]string {
	fields := map[string]string{}
	if r.PatientID == uuid.Nil {
		fields["patient_id"] = "is required"
	}
	if r.DoctorID == "" {
		fields["doctor_id"] = "is required"
	}
	if r.DepartmentID == uuid.Nil {
		fields["department_id"] = "is required"
	}
	if r.ScheduledAt.IsZero() {
		fields["scheduled_at"] = "is required"
	} else if r.ScheduledAt.Before(now) {
		fields["scheduled_at"] = "must be in the future"
	}
	if r.DurationMinutes < 5 || r.DurationMinutes > MaxDuration {
		fields["duration_minutes"] = "must be between 5 and 240"
	}
	return fields
}

// RescheduleRequest changes time, length, doctor or reason of a booked
// appointment. Zero fields keep their current value.
type RescheduleRequest struct {
	DoctorID        string     `json:"doctor_id"`
	ScheduledAt     *time.Time `json:"scheduled_at"`
	DurationMinutes int        `json:"duration_minutes"`
	Reason          *string    `json:"reason"`
}

// Change is the broadcast message for an appointment change.
type Change struct {
	Event       string       `json:"event"`
	Appointment *Appointment `json:"appointment"`
	At          time.Time    `json:"at"`
}

// Change events.
const (
	EventCreated   = "appointment.created"
	EventUpdated   = "appointment.updated"
	EventCancelled = "appointment.cancelled"
	EventCheckedIn = "appointment.checked_in"
)

// Broadcast channels.
const ChannelAppointments = "appointments"

func DoctorChannel(doctorID string) string {
	return "doctor." + doctorID
}
