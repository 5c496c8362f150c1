package scheduling

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matokham-ai/hospital-sub013/internal/domain/encounter"
	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
	"github.com/matokham-ai/hospital-sub013/internal/platform/events"
)

// EncounterStarter opens the OPD visit when a patient checks in.
type EncounterStarter interface {
	StartVisit(ctx context.Context, req encounter.VisitRequest) (*encounter.Encounter, error)
}

type Service struct {
	repo       Repository
	encounters EncounterStarter
	tx         db.TxRunner
	events     events.Publisher
	now        func() time.Time
}

func NewService(repo Repository, encounters EncounterStarter, tx db.TxRunner, pub events.Publisher) *Service {
	return &Service{repo: repo, encounters: encounters, tx: tx, events: pub, now: time.Now}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func slotTaken(doctorID string, at time.Time) error {
	return apperr.Conflict(apperr.CodeSlotTaken, "doctor %s is already booked at %s", doctorID, at.Format(time.RFC3339)).
		WithSuggestions("Pick another time or another doctor in the same department.")
}

// claimSlot takes the doctor's booking lock and checks the window is free.
// Must run inside a transaction.
func (s *Service) claimSlot(ctx context.Context, doctorID string, start time.Time, minutes int, exclude uuid.UUID) error {
	if err := s.repo.LockDoctor(ctx, doctorID); err != nil {
		return err
	}
	end := start.Add(time.Duration(minutes) * time.Minute)
	n, err := s.repo.Overlapping(ctx, doctorID, start, end, exclude)
	if err != nil {
		return err
	}
	if n > 0 {
		return slotTaken(doctorID, start)
	}
	return nil
}

func (s *Service) announce(ctx context.Context, event string, a *Appointment) error {
	return events.Publish(ctx, s.events, events.AppointmentChanged, Change{
		Event:       event,
		Appointment: a,
		At:          s.now().UTC(),
	})
}

func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	req.normalize()
	if fields := req.problems(s.now()); len(fields) > 0 {
		return nil, apperr.Validation("invalid appointment", fields)
	}

	a := &Appointment{
		PatientID:       req.PatientID,
		DoctorID:        req.DoctorID,
		DepartmentID:    req.DepartmentID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		Status:          StatusBooked,
		Reason:          optional(req.Reason),
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.repo.PatientExists(ctx, req.PatientID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.NotFound("patient")
		}
		if ok, err = s.repo.DepartmentExists(ctx, req.DepartmentID); err != nil {
			return err
		}
		if !ok {
			return apperr.Invalid("department_id", "does not exist or is inactive")
		}
		if err := s.claimSlot(ctx, a.DoctorID, a.ScheduledAt, a.DurationMinutes, uuid.Nil); err != nil {
			return err
		}
		return s.repo.Create(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	if err := s.announce(ctx, EventCreated, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Reschedule moves a booked appointment. The new slot is checked the same
// way a new booking is.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, req RescheduleRequest) (*Appointment, error) {
	var out *Appointment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != StatusBooked {
			return apperr.InvalidState("appointment is %s; only booked appointments can be changed", a.Status)
		}

		fields := map[string]string{}
		if d := strings.TrimSpace(req.DoctorID); d != "" {
			a.DoctorID = d
		}
		if req.ScheduledAt != nil {
			at := req.ScheduledAt.UTC()
			if at.Before(s.now()) {
				fields["scheduled_at"] = "must be in the future"
			}
			a.ScheduledAt = at
		}
		if req.DurationMinutes != 0 {
			if req.DurationMinutes < 5 || req.DurationMinutes > MaxDuration {
				fields["duration_minutes"] = "must be between 5 and 240"
			}
			a.DurationMinutes = req.DurationMinutes
		}
		if len(fields) > 0 {
			return apperr.Validation("invalid appointment", fields)
		}
		if req.Reason != nil {
			a.Reason = optional(strings.TrimSpace(*req.Reason))
		}

		if err := s.claimSlot(ctx, a.DoctorID, a.ScheduledAt, a.DurationMinutes, a.ID); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.announce(ctx, EventUpdated, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	var out *Appointment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != StatusBooked {
			return apperr.InvalidState("appointment is %s; only booked appointments can be cancelled", a.Status)
		}
		now := s.now().UTC()
		a.Status = StatusCancelled
		a.CancelledAt = &now
		a.CancelReason = optional(strings.TrimSpace(reason))
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.announce(ctx, EventCancelled, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckIn marks the patient as arrived and opens their OPD encounter in the
// same transaction.
func (s *Service) CheckIn(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var out *Appointment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != StatusBooked {
			return apperr.InvalidState("appointment is %s; only booked appointments can be checked in", a.Status)
		}
		complaint := ""
		if a.Reason != nil {
			complaint = *a.Reason
		}
		enc, err := s.encounters.StartVisit(ctx, encounter.VisitRequest{
			PatientID:      a.PatientID,
			DepartmentID:   a.DepartmentID,
			DoctorID:       a.DoctorID,
			EncounterType:  encounter.TypeOPD,
			ChiefComplaint: complaint,
		})
		if err != nil {
			return err
		}
		now := s.now().UTC()
		a.Status = StatusCheckedIn
		a.CheckedInAt = &now
		a.EncounterID = &enc.ID
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.announce(ctx, EventCheckedIn, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Complete closes a checked-in appointment.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.finish(ctx, id, StatusCheckedIn, StatusCompleted)
}

// MarkNoShow records that the patient never arrived. Only appointments whose
// start time has passed qualify.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.finish(ctx, id, StatusBooked, StatusNoShow)
}

func (s *Service) finish(ctx context.Context, id uuid.UUID, from, to string) (*Appointment, error) {
	var out *Appointment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != from {
			return apperr.InvalidState("appointment is %s; expected %s", a.Status, from)
		}
		if to == StatusNoShow && s.now().Before(a.ScheduledAt) {
			return apperr.InvalidState("appointment has not started yet")
		}
		a.Status = to
		if err := s.repo.Update(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.announce(ctx, EventUpdated, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, params map[string]string, limit, offset int) ([]*Appointment, int, error) {
	return s.repo.List(ctx, params, limit, offset)
}
