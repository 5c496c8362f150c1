package pharmacy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/cache"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
	"github.com/matokham-ai/hospital-sub013/internal/platform/events"
	"github.com/matokham-ai/hospital-sub013/pkg/pricing"
)

type Service struct {
	repo   Repository
	tx     db.TxRunner
	events events.Publisher
	prices *cache.Cache
	now    func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, pub events.Publisher) *Service {
	return &Service{repo: repo, tx: tx, events: pub, now: time.Now}
}

// SetPriceCache lets formulary edits drop cached drug prices.
func (s *Service) SetPriceCache(c *cache.Cache) {
	s.prices = c
}

// -- Formulary --

func (s *Service) CreateDrug(ctx context.Context, in DrugInput) (*Drug, error) {
	in.Normalize()
	if fields := in.Problems(); len(fields) > 0 {
		return nil, apperr.Validation("invalid drug", fields)
	}
	if err := pricing.Check(in.Code, pricing.Change{New: in.UnitPrice}); err != nil {
		return nil, err
	}
	d := &Drug{
		Code:          in.Code,
		Name:          in.Name,
		GenericName:   optional(in.GenericName),
		Form:          in.Form,
		Strength:      optional(in.Strength),
		UnitPrice:     in.UnitPrice,
		StockQuantity: in.StockQuantity,
		ReorderLevel:  in.ReorderLevel,
		Active:        true,
	}
	if err := s.repo.CreateDrug(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateDrug edits catalog fields. Stock is left alone; use AdjustStock.
func (s *Service) UpdateDrug(ctx context.Context, id uuid.UUID, in DrugInput) (*Drug, error) {
	in.Normalize()
	fields := in.Problems()
	delete(fields, "stock_quantity")
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid drug", fields)
	}
	d, err := s.repo.GetDrug(ctx, id)
	if err != nil {
		return nil, err
	}
	change := pricing.Change{Old: d.UnitPrice, New: in.UnitPrice, Confirm: in.ConfirmLargeChange}
	if in.UnitPrice != d.UnitPrice && !in.ConfirmLargeChange {
		if change.Pending, err = s.repo.OpenReservations(ctx, d.ID); err != nil {
			return nil, err
		}
	}
	if err := pricing.Check(d.Code, change); err != nil {
		return nil, err
	}

	oldPrice := d.UnitPrice
	d.Code, d.Name, d.Form = in.Code, in.Name, in.Form
	d.GenericName, d.Strength = optional(in.GenericName), optional(in.Strength)
	d.UnitPrice, d.ReorderLevel = in.UnitPrice, in.ReorderLevel
	if err := s.repo.UpdateDrug(ctx, d); err != nil {
		return nil, err
	}
	if oldPrice != d.UnitPrice && s.prices != nil {
		s.prices.Delete(cache.PriceKey("drug", d.ID.String()))
	}
	return d, nil
}

// SaveDrug creates or updates the drug with the same code. On update the
// stock quantity becomes the given level. Used by seeding and imports. The
// catalog edit and the stock change commit together or not at all.
func (s *Service) SaveDrug(ctx context.Context, in DrugInput) (*Drug, bool, error) {
	in.Normalize()
	var (
		out     *Drug
		created bool
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.repo.GetDrugByCode(ctx, in.Code)
		if apperr.Is(err, apperr.CodeNotFound) {
			out, err = s.CreateDrug(ctx, in)
			created = err == nil
			return err
		}
		if err != nil {
			return err
		}

		locked, err := s.repo.LockDrugs(ctx, []uuid.UUID{existing.ID})
		if err != nil {
			return err
		}
		cur, ok := locked[existing.ID]
		if !ok {
			return apperr.NotFound("drug")
		}
		if in.StockQuantity < cur.ReservedQuantity {
			return apperr.InvalidState("%s has %d reserved; stock cannot be set to %d",
				cur.Name, cur.ReservedQuantity, in.StockQuantity)
		}

		d, err := s.UpdateDrug(ctx, existing.ID, in)
		if err != nil {
			return err
		}
		if delta := in.StockQuantity - cur.StockQuantity; delta != 0 {
			if d, err = s.AdjustStock(ctx, d.ID, StockAdjustment{Delta: delta, Reason: "import"}); err != nil {
				return err
			}
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

type StockAdjustment struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

// AdjustStock receives or writes off stock. Stock may not fall below what
// open prescriptions have reserved.
func (s *Service) AdjustStock(ctx context.Context, id uuid.UUID, adj StockAdjustment) (*Drug, error) {
	if adj.Delta == 0 {
		return nil, apperr.Invalid("delta", "must not be zero")
	}
	if strings.TrimSpace(adj.Reason) == "" {
		return nil, apperr.Invalid("reason", "is required")
	}
	var out *Drug
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		locked, err := s.repo.LockDrugs(ctx, []uuid.UUID{id})
		if err != nil {
			return err
		}
		d, ok := locked[id]
		if !ok {
			return apperr.NotFound("drug")
		}
		if d.StockQuantity+adj.Delta < d.ReservedQuantity {
			return apperr.InvalidState("%s has %d in stock with %d reserved; cannot remove %d",
				d.Name, d.StockQuantity, d.ReservedQuantity, -adj.Delta)
		}
		if err := s.repo.MoveStock(ctx, id, adj.Delta, 0); err != nil {
			return err
		}
		d.StockQuantity += adj.Delta
		out = d
		return nil
	})
	return out, err
}

func (s *Service) SetDrugActive(ctx context.Context, id uuid.UUID, active bool) (*Drug, error) {
	d, err := s.repo.GetDrug(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Active = active
	if err := s.repo.UpdateDrug(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) GetDrug(ctx context.Context, id uuid.UUID) (*Drug, error) {
	return s.repo.GetDrug(ctx, id)
}

func (s *Service) ListDrugs(ctx context.Context, params map[string]string, limit, offset int) ([]*Drug, int, error) {
	return s.repo.ListDrugs(ctx, params, limit, offset)
}

// -- Prescriptions --

func buildItems(reqs []ItemRequest) ([]*Item, error) {
	if len(reqs) == 0 {
		return nil, apperr.Invalid("items", "must contain at least one drug")
	}
	fields := map[string]string{}
	items := make([]*Item, 0, len(reqs))
	for i, r := range reqs {
		if r.DrugID == uuid.Nil {
			fields[fmt.Sprintf("items[%d].drug_id", i)] = "is required"
		}
		if r.Quantity <= 0 {
			fields[fmt.Sprintf("items[%d].quantity", i)] = "must be greater than zero"
		}
		if r.DurationDays < 0 {
			fields[fmt.Sprintf("items[%d].duration_days", i)] = "must not be negative"
		}
		it := &Item{
			DrugID:    r.DrugID,
			Quantity:  r.Quantity,
			Dosage:    optional(strings.TrimSpace(r.Dosage)),
			Frequency: optional(strings.TrimSpace(r.Frequency)),
		}
		if r.DurationDays > 0 {
			days := r.DurationDays
			it.DurationDays = &days
		}
		items = append(items, it)
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid prescription", fields)
	}
	return items, nil
}

// reserve locks every drug in need and moves the quantities into reserved.
// All shortages are reported together.
func (s *Service) reserve(ctx context.Context, need map[uuid.UUID]int) (map[uuid.UUID]*Drug, error) {
	ids := lockOrder(need)
	drugs, err := s.repo.LockDrugs(ctx, ids)
	if err != nil {
		return nil, err
	}
	var shortages []apperr.Shortage
	for _, id := range ids {
		d, ok := drugs[id]
		if !ok {
			return nil, apperr.NotFound(fmt.Sprintf("drug %s", id))
		}
		if !d.Active {
			return nil, apperr.InvalidState("%s is no longer on the formulary", d.Name)
		}
		if d.Available() < need[id] {
			shortages = append(shortages, apperr.Shortage{
				DrugID:    id.String(),
				DrugName:  d.Name,
				Requested: need[id],
				Available: d.Available(),
			})
		}
	}
	if len(shortages) > 0 {
		return nil, apperr.InsufficientStock(shortages)
	}
	for _, id := range ids {
		if err := s.repo.MoveStock(ctx, id, 0, need[id]); err != nil {
			return nil, err
		}
	}
	return drugs, nil
}

// release returns reserved quantities to available stock.
func (s *Service) release(ctx context.Context, items []*Item) error {
	need := demand(items)
	ids := lockOrder(need)
	if _, err := s.repo.LockDrugs(ctx, ids); err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.repo.MoveStock(ctx, id, 0, -need[id]); err != nil {
			return err
		}
	}
	return nil
}

// Prescribe records a prescription and reserves its stock in one
// transaction.
func (s *Service) Prescribe(ctx context.Context, req PrescriptionRequest, prescriberID string) (*Prescription, error) {
	if req.EncounterID == uuid.Nil {
		return nil, apperr.Invalid("encounter_id", "is required")
	}
	items, err := buildItems(req.Items)
	if err != nil {
		return nil, err
	}

	var out *Prescription
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		patientID, status, err := s.repo.Encounter(ctx, req.EncounterID)
		if err != nil {
			return err
		}
		if status == "cancelled" || status == "discharged" {
			return apperr.InvalidState("cannot prescribe on a %s encounter", status)
		}
		drugs, err := s.reserve(ctx, demand(items))
		if err != nil {
			return err
		}
		for _, it := range items {
			it.DrugName = drugs[it.DrugID].Name
		}

		now := s.now().UTC()
		p := &Prescription{
			EncounterID:  req.EncounterID,
			PatientID:    patientID,
			PrescriberID: optional(prescriberID),
			Status:       StatusReserved,
			Notes:        optional(strings.TrimSpace(req.Notes)),
			ReservedAt:   &now,
			Items:        items,
		}
		if err := s.repo.CreatePrescription(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// Dispense consumes the reservation and announces the priced lines so
// billing can post pharmacy charges.
func (s *Service) Dispense(ctx context.Context, id uuid.UUID, dispensedBy string) (*Prescription, error) {
	var (
		out   *Prescription
		lines []events.DispensedLine
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.LockPrescription(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != StatusReserved {
			return apperr.InvalidState("prescription is %s; only reserved prescriptions can be dispensed", p.Status)
		}
		need := demand(p.Items)
		ids := lockOrder(need)
		drugs, err := s.repo.LockDrugs(ctx, ids)
		if err != nil {
			return err
		}
		for _, did := range ids {
			if err := s.repo.MoveStock(ctx, did, -need[did], -need[did]); err != nil {
				return err
			}
		}
		for _, it := range p.Items {
			d := drugs[it.DrugID]
			if d == nil {
				return apperr.NotFound(fmt.Sprintf("drug %s", it.DrugID))
			}
			lines = append(lines, events.DispensedLine{
				ItemID:    it.ID,
				DrugID:    d.ID,
				DrugName:  d.Name,
				Quantity:  it.Quantity,
				UnitPrice: d.UnitPrice,
			})
		}

		now := s.now().UTC()
		p.Status = StatusDispensed
		p.DispensedAt = &now
		p.DispensedBy = optional(dispensedBy)
		if err := s.repo.UpdatePrescription(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = events.Publish(ctx, s.events, events.PrescriptionDispensed, events.Dispensed{
		PrescriptionID: out.ID,
		EncounterID:    out.EncounterID,
		PatientID:      out.PatientID,
		Lines:          lines,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel withdraws a prescription that has not been dispensed, releasing
// any stock it holds.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	var out *Prescription
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.LockPrescription(ctx, id)
		if err != nil {
			return err
		}
		switch p.Status {
		case StatusReserved:
			if err := s.release(ctx, p.Items); err != nil {
				return err
			}
		case StatusPending, StatusExpired:
		default:
			return apperr.InvalidState("prescription is already %s", p.Status)
		}
		p.Status = StatusCancelled
		p.ReservedAt = nil
		if err := s.repo.UpdatePrescription(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// ReleaseReservation expires one reservation older than cutoff. It reports
// false when the prescription was dispensed, cancelled or renewed since it
// was listed.
func (s *Service) ReleaseReservation(ctx context.Context, id uuid.UUID, cutoff time.Time) (bool, error) {
	released := false
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.LockPrescription(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != StatusReserved || p.ReservedAt == nil || !p.ReservedAt.Before(cutoff) {
			return nil
		}
		if err := s.release(ctx, p.Items); err != nil {
			return err
		}
		p.Status = StatusExpired
		p.ReservedAt = nil
		if err := s.repo.UpdatePrescription(ctx, p); err != nil {
			return err
		}
		released = true
		return nil
	})
	return released, err
}

// Renew reserves stock again for an expired or pending prescription.
func (s *Service) Renew(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	var out *Prescription
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.LockPrescription(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != StatusExpired && p.Status != StatusPending {
			return apperr.InvalidState("prescription is %s; only expired or pending prescriptions can be renewed", p.Status)
		}
		if _, err := s.reserve(ctx, demand(p.Items)); err != nil {
			return err
		}
		now := s.now().UTC()
		p.Status = StatusReserved
		p.ReservedAt = &now
		if err := s.repo.UpdatePrescription(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Service) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.repo.GetPrescription(ctx, id)
}

func (s *Service) ListPrescriptions(ctx context.Context, params map[string]string, limit, offset int) ([]*Prescription, int, error) {
	return s.repo.ListPrescriptions(ctx, params, limit, offset)
}
