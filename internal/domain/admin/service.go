package admin

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/cache"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
)

type Service struct {
	depts  DepartmentRepository
	wards  WardRepository
	beds   BedRepository
	tx     db.TxRunner
	prices *cache.Cache
}

func NewService(depts DepartmentRepository, wards WardRepository, beds BedRepository, tx db.TxRunner) *Service {
	return &Service{depts: depts, wards: wards, beds: beds, tx: tx}
}

// SetPriceCache lets the service drop cached consultation fees and bed
// rates when they change.
func (s *Service) SetPriceCache(c *cache.Cache) {
	s.prices = c
}

func (s *Service) invalidate(kind string, id uuid.UUID) {
	if s.prices != nil {
		s.prices.Delete(cache.PriceKey(kind, id.String()))
	}
}

// -- Departments --

func validateDepartment(d *Department) error {
	d.Code = strings.ToUpper(strings.TrimSpace(d.Code))
	d.Name = strings.TrimSpace(d.Name)
	fields := map[string]string{}
	if d.Code == "" {
		fields["code"] = "is required"
	}
	if d.Name == "" {
		fields["name"] = "is required"
	}
	if d.ConsultationFee < 0 {
		fields["consultation_fee"] = "must not be negative"
	}
	if len(fields) > 0 {
		return apperr.Validation("invalid department", fields)
	}
	return nil
}

func (s *Service) CreateDepartment(ctx context.Context, d *Department) error {
	if err := validateDepartment(d); err != nil {
		return err
	}
	if existing, err := s.depts.GetByCode(ctx, d.Code); err == nil && existing != nil {
		return apperr.Conflict(apperr.CodeConflict, "department code %q already exists", d.Code)
	}
	d.Active = true
	return s.depts.Create(ctx, d)
}

func (s *Service) GetDepartment(ctx context.Context, id uuid.UUID) (*Department, error) {
	return s.depts.GetByID(ctx, id)
}

func (s *Service) UpdateDepartment(ctx context.Context, d *Department) error {
	if err := validateDepartment(d); err != nil {
		return err
	}
	current, err := s.depts.GetByID(ctx, d.ID)
	if err != nil {
		return err
	}
	if other, err := s.depts.GetByCode(ctx, d.Code); err == nil && other != nil && other.ID != d.ID {
		return apperr.Conflict(apperr.CodeConflict, "department code %q already exists", d.Code)
	}
	if err := s.depts.Update(ctx, d); err != nil {
		return err
	}
	if current.ConsultationFee != d.ConsultationFee {
		s.invalidate("consult", d.ID)
	}
	return nil
}

// DeleteDepartment refuses while wards, encounters or appointments still
// point at the department.
func (s *Service) DeleteDepartment(ctx context.Context, id uuid.UUID) error {
	d, err := s.depts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	refs, err := s.depts.References(ctx, id)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return apperr.DepartmentInUse(d.Name, refs)
	}
	if err := s.depts.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate("consult", id)
	return nil
}

func (s *Service) SetDepartmentActive(ctx context.Context, id uuid.UUID, active bool) (*Department, error) {
	d, err := s.depts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Active = active
	if err := s.depts.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) ListDepartments(ctx context.Context, activeOnly bool, limit, offset int) ([]*Department, int, error) {
	return s.depts.List(ctx, activeOnly, limit, offset)
}

// -- Wards --

func (s *Service) validateWard(ctx context.Context, w *Ward) error {
	w.Code = strings.ToUpper(strings.TrimSpace(w.Code))
	w.Name = strings.TrimSpace(w.Name)
	if w.WardType == "" {
		w.WardType = WardGeneral
	}
	fields := map[string]string{}
	if w.Code == "" {
		fields["code"] = "is required"
	}
	if w.Name == "" {
		fields["name"] = "is required"
	}
	if !wardTypes[w.WardType] {
		fields["ward_type"] = "must be one of general, private, icu, maternity, pediatric"
	}
	if w.DailyRate < 0 {
		fields["daily_rate"] = "must not be negative"
	}
	if w.DepartmentID == uuid.Nil {
		fields["department_id"] = "is required"
	}
	if len(fields) > 0 {
		return apperr.Validation("invalid ward", fields)
	}
	if _, err := s.depts.GetByID(ctx, w.DepartmentID); err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return apperr.Invalid("department_id", "does not exist")
		}
		return err
	}
	return nil
}

func (s *Service) CreateWard(ctx context.Context, w *Ward) error {
	if err := s.validateWard(ctx, w); err != nil {
		return err
	}
	w.Active = true
	return s.wards.Create(ctx, w)
}

func (s *Service) GetWard(ctx context.Context, id uuid.UUID) (*Ward, error) {
	return s.wards.GetByID(ctx, id)
}

func (s *Service) UpdateWard(ctx context.Context, w *Ward) error {
	if err := s.validateWard(ctx, w); err != nil {
		return err
	}
	current, err := s.wards.GetByID(ctx, w.ID)
	if err != nil {
		return err
	}
	if err := s.wards.Update(ctx, w); err != nil {
		return err
	}
	if current.DailyRate != w.DailyRate {
		s.invalidate("bed", w.ID)
	}
	return nil
}

func (s *Service) DeleteWard(ctx context.Context, id uuid.UUID) error {
	w, err := s.wards.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if w.OccupiedBeds > 0 {
		return apperr.InvalidState("ward %s has %d occupied bed(s)", w.Name, w.OccupiedBeds).
			WithSuggestions("Discharge or transfer the patients first")
	}
	if err := s.wards.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate("bed", id)
	return nil
}

func (s *Service) ListWards(ctx context.Context, departmentID *uuid.UUID, limit, offset int) ([]*Ward, int, error) {
	return s.wards.List(ctx, departmentID, limit, offset)
}

// -- Beds --

func (s *Service) CreateBed(ctx context.Context, b *Bed) error {
	b.BedNumber = strings.TrimSpace(b.BedNumber)
	if b.BedNumber == "" {
		return apperr.Invalid("bed_number", "is required")
	}
	if b.Status == "" {
		b.Status = BedAvailable
	}
	if b.Status == BedOccupied {
		return apperr.Invalid("status", "occupied is set by admissions only")
	}
	if _, known := manualTransitions[b.Status]; !known {
		return apperr.Invalid("status", "is not a bed status")
	}
	if _, err := s.wards.GetByID(ctx, b.WardID); err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return apperr.Invalid("ward_id", "does not exist")
		}
		return err
	}
	return s.beds.Create(ctx, b)
}

func (s *Service) GetBed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return s.beds.GetByID(ctx, id)
}

// ChangeBedStatus applies a manual status change. The bed row is locked so
// a concurrent admission cannot take the bed mid-change.
func (s *Service) ChangeBedStatus(ctx context.Context, id uuid.UUID, status string) (*Bed, error) {
	var bed *Bed
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.beds.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := CanTransition(b.Status, status); err != nil {
			if b.Status == BedOccupied {
				return apperr.BedConflict(b.BedNumber, b.Status)
			}
			return apperr.Invalid("status", err.Error())
		}
		if b.Status != status {
			if err := s.beds.SetStatus(ctx, id, status); err != nil {
				return err
			}
			b.Status = status
		}
		bed = b
		return nil
	})
	return bed, err
}

func (s *Service) DeleteBed(ctx context.Context, id uuid.UUID) error {
	return s.tx.InTx(ctx, func(ctx context.Context) error {
		b, err := s.beds.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if b.Status == BedOccupied {
			return apperr.BedConflict(b.BedNumber, b.Status)
		}
		return s.beds.Delete(ctx, id)
	})
}

func (s *Service) ListBeds(ctx context.Context, wardID uuid.UUID, status string) ([]*Bed, error) {
	return s.beds.ListByWard(ctx, wardID, status)
}

func (s *Service) BedBoard(ctx context.Context) ([]*BoardRow, error) {
	return s.beds.Board(ctx)
}

// -- Catalog upserts --

// SaveDepartment creates the department or updates the one with the same
// code. The bool reports whether a row was created.
func (s *Service) SaveDepartment(ctx context.Context, d *Department) (*Department, bool, error) {
	if err := validateDepartment(d); err != nil {
		return nil, false, err
	}
	existing, err := s.depts.GetByCode(ctx, d.Code)
	if apperr.Is(err, apperr.CodeNotFound) || (err == nil && existing == nil) {
		if err := s.CreateDepartment(ctx, d); err != nil {
			return nil, false, err
		}
		return d, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	d.ID = existing.ID
	d.Active = existing.Active
	if err := s.UpdateDepartment(ctx, d); err != nil {
		return nil, false, err
	}
	return d, false, nil
}

// SaveWard creates the ward or updates the ward with the same code. Ward
// codes are unique across departments, so a match in another department is
// moved to w.DepartmentID.
func (s *Service) SaveWard(ctx context.Context, w *Ward) (*Ward, bool, error) {
	if err := s.validateWard(ctx, w); err != nil {
		return nil, false, err
	}
	wards, _, err := s.wards.List(ctx, nil, 1000, 0)
	if err != nil {
		return nil, false, err
	}
	for _, current := range wards {
		if current.Code != w.Code {
			continue
		}
		w.ID = current.ID
		w.Active = current.Active
		if err := s.UpdateWard(ctx, w); err != nil {
			return nil, false, err
		}
		return w, false, nil
	}
	if err := s.CreateWard(ctx, w); err != nil {
		return nil, false, err
	}
	return w, true, nil
}

// EnsureBeds adds the bed numbers the ward does not have yet and returns
// how many were created. Existing beds keep their status.
func (s *Service) EnsureBeds(ctx context.Context, wardID uuid.UUID, numbers []string) (int, error) {
	beds, err := s.beds.ListByWard(ctx, wardID, "")
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(beds))
	for _, b := range beds {
		have[b.BedNumber] = true
	}
	created := 0
	for _, n := range numbers {
		n = strings.TrimSpace(n)
		if n == "" || have[n] {
			continue
		}
		if err := s.CreateBed(ctx, &Bed{WardID: wardID, BedNumber: n}); err != nil {
			return created, err
		}
		have[n] = true
		created++
	}
	return created, nil
}
