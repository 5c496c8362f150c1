package encounter

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
	"github.com/matokham-ai/hospital-sub013/internal/platform/events"
)

type Service struct {
	repo   Repository
	tx     db.TxRunner
	events events.Publisher
	now    func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, pub events.Publisher) *Service {
	return &Service{repo: repo, tx: tx, events: pub, now: time.Now}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func (s *Service) requireDepartment(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return apperr.Invalid("department_id", "is required")
	}
	ok, err := s.repo.DepartmentExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Invalid("department_id", "does not exist or is inactive")
	}
	return nil
}

// StartVisit opens an outpatient or emergency encounter in progress.
func (s *Service) StartVisit(ctx context.Context, req VisitRequest) (*Encounter, error) {
	if req.PatientID == uuid.Nil {
		return nil, apperr.Invalid("patient_id", "is required")
	}
	if req.EncounterType == "" {
		req.EncounterType = TypeOPD
	}
	if req.EncounterType != TypeOPD && req.EncounterType != TypeEmergency {
		return nil, apperr.Invalid("encounter_type", "must be opd or emergency; use admission for ipd")
	}
	if err := s.requireDepartment(ctx, req.DepartmentID); err != nil {
		return nil, err
	}

	enc := &Encounter{
		PatientID:      req.PatientID,
		EncounterType:  req.EncounterType,
		Status:         StatusInProgress,
		DepartmentID:   req.DepartmentID,
		DoctorID:       optional(req.DoctorID),
		ChiefComplaint: optional(req.ChiefComplaint),
		StartedAt:      s.now().UTC(),
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockPatient(ctx, req.PatientID); err != nil {
			return err
		}
		return s.repo.Create(ctx, enc)
	})
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// CompleteConsultation records the SOAP note and closes the visit. The
// consultation charge is posted by the billing listener.
func (s *Service) CompleteConsultation(ctx context.Context, id uuid.UUID, note SOAP, doctorID string) (*Encounter, error) {
	if note.Empty() {
		return nil, apperr.Validation("consultation note is empty", map[string]string{
			"assessment": "at least one SOAP section is required",
		})
	}
	var enc *Encounter
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		e, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != StatusInProgress {
			return apperr.InvalidState("encounter is %s; only in-progress visits can be completed", e.Status)
		}
		now := s.now().UTC()
		e.SOAP = note
		e.Status = StatusCompleted
		e.CompletedAt = &now
		if e.DoctorID == nil {
			e.DoctorID = optional(doctorID)
		}
		if err := s.repo.Update(ctx, e); err != nil {
			return err
		}
		enc = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	payload := events.Consultation{
		EncounterID:  enc.ID,
		PatientID:    enc.PatientID,
		DepartmentID: enc.DepartmentID,
		CompletedAt:  *enc.CompletedAt,
	}
	if enc.DoctorID != nil {
		payload.DoctorID = *enc.DoctorID
	}
	if err := events.Publish(ctx, s.events, events.ConsultationCompleted, payload); err != nil {
		return nil, err
	}
	return enc, nil
}

// Admit places the patient in a bed. The bed and patient rows are locked so
// two admissions racing for one bed, or for one patient, cannot both win.
func (s *Service) Admit(ctx context.Context, req AdmitRequest) (*Encounter, *Bed, error) {
	if req.PatientID == uuid.Nil {
		return nil, nil, apperr.Invalid("patient_id", "is required")
	}
	if req.BedID == uuid.Nil {
		return nil, nil, apperr.Invalid("bed_id", "is required")
	}

	var (
		enc *Encounter
		bed *Bed
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockPatient(ctx, req.PatientID); err != nil {
			return err
		}
		b, err := s.repo.LockBed(ctx, req.BedID)
		if err != nil {
			return err
		}
		if b.Status != BedAvailable {
			return apperr.BedConflict(b.BedNumber, b.Status)
		}
		active, err := s.repo.ActiveAdmission(ctx, req.PatientID)
		if err != nil {
			return err
		}
		if active != nil {
			return apperr.PatientAlreadyAdmitted().WithDetails(map[string]string{"encounter_id": active.ID.String()})
		}

		deptID := b.DepartmentID
		if req.DepartmentID != nil {
			if err := s.requireDepartment(ctx, *req.DepartmentID); err != nil {
				return err
			}
			deptID = *req.DepartmentID
		}

		now := s.now().UTC()
		e := &Encounter{
			PatientID:      req.PatientID,
			EncounterType:  TypeIPD,
			Status:         StatusAdmitted,
			DepartmentID:   deptID,
			DoctorID:       optional(req.DoctorID),
			BedID:          &b.ID,
			ChiefComplaint: optional(req.ChiefComplaint),
			StartedAt:      now,
			AdmittedAt:     &now,
		}
		if err := s.repo.SetBedStatus(ctx, b.ID, BedOccupied); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, e); err != nil {
			return err
		}
		if err := s.repo.OpenStay(ctx, e.ID, b, now); err != nil {
			return err
		}
		b.Status = BedOccupied
		enc, bed = e, b
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	err = events.Publish(ctx, s.events, events.PatientAdmitted, events.Admission{
		EncounterID:  enc.ID,
		PatientID:    enc.PatientID,
		BedID:        bed.ID,
		WardID:       bed.WardID,
		DepartmentID: enc.DepartmentID,
		AdmittedAt:   *enc.AdmittedAt,
	})
	if err != nil {
		return nil, nil, err
	}
	return enc, bed, nil
}

// Transfer moves an admitted patient to another available bed. Both bed
// rows are locked in id order.
func (s *Service) Transfer(ctx context.Context, id, toBedID uuid.UUID) (*Encounter, error) {
	var enc *Encounter
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		e, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != StatusAdmitted || e.BedID == nil {
			return apperr.InvalidState("encounter is %s; only admitted patients can be transferred", e.Status)
		}
		if *e.BedID == toBedID {
			return apperr.Invalid("bed_id", "patient is already in this bed")
		}

		first, second := *e.BedID, toBedID
		if bytes.Compare(second[:], first[:]) < 0 {
			first, second = second, first
		}
		locked := map[uuid.UUID]*Bed{}
		for _, bid := range []uuid.UUID{first, second} {
			b, err := s.repo.LockBed(ctx, bid)
			if err != nil {
				return err
			}
			locked[bid] = b
		}
		target := locked[toBedID]
		if target.Status != BedAvailable {
			return apperr.BedConflict(target.BedNumber, target.Status)
		}

		if err := s.repo.SetBedStatus(ctx, *e.BedID, BedAvailable); err != nil {
			return err
		}
		if err := s.repo.SetBedStatus(ctx, toBedID, BedOccupied); err != nil {
			return err
		}
		now := s.now().UTC()
		if err := s.repo.CloseStay(ctx, e.ID, now); err != nil {
			return err
		}
		if err := s.repo.OpenStay(ctx, e.ID, target, now); err != nil {
			return err
		}
		e.BedID = &target.ID
		if err := s.repo.Update(ctx, e); err != nil {
			return err
		}
		enc = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// Discharge frees the bed and closes the admission. The published event
// carries the ward history; remaining bed-days and the final invoice are
// handled by billing listeners.
func (s *Service) Discharge(ctx context.Context, id uuid.UUID, notes string) (*Encounter, error) {
	var (
		enc    *Encounter
		wardID uuid.UUID
		stays  []events.WardStay
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		e, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != StatusAdmitted {
			return apperr.InvalidState("encounter is %s; only admitted patients can be discharged", e.Status)
		}
		if e.BedID != nil {
			b, err := s.repo.LockBed(ctx, *e.BedID)
			if err != nil {
				return err
			}
			wardID = b.WardID
			if err := s.repo.SetBedStatus(ctx, b.ID, BedAvailable); err != nil {
				return err
			}
		}
		now := s.now().UTC()
		if err := s.repo.CloseStay(ctx, e.ID, now); err != nil {
			return err
		}
		history, err := s.repo.Stays(ctx, e.ID)
		if err != nil {
			return err
		}
		for _, st := range history {
			stays = append(stays, events.WardStay{WardID: st.WardID, StartedAt: st.StartedAt})
		}
		e.Status = StatusDischarged
		e.DischargedAt = &now
		e.DischargeNotes = optional(notes)
		if err := s.repo.Update(ctx, e); err != nil {
			return err
		}
		enc = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	admitted := enc.StartedAt
	if enc.AdmittedAt != nil {
		admitted = *enc.AdmittedAt
	}
	err = events.Publish(ctx, s.events, events.PatientDischarged, events.Discharge{
		EncounterID:  enc.ID,
		PatientID:    enc.PatientID,
		WardID:       wardID,
		AdmittedAt:   admitted,
		DischargedAt: *enc.DischargedAt,
		Stays:        stays,
	})
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// Cancel abandons a visit that has not been completed.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	var enc *Encounter
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		e, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != StatusScheduled && e.Status != StatusInProgress {
			return apperr.InvalidState("encounter is %s and cannot be cancelled", e.Status)
		}
		e.Status = StatusCancelled
		if err := s.repo.Update(ctx, e); err != nil {
			return err
		}
		enc = e
		return nil
	})
	return enc, err
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, params map[string]string, limit, offset int) ([]*Encounter, int, error) {
	if st := params["status"]; st != "" && !validStatuses[st] {
		return nil, 0, apperr.Invalid("status", "is not an encounter status")
	}
	return s.repo.List(ctx, params, limit, offset)
}
