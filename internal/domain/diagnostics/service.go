package diagnostics

import (
	"context"
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

// SetPriceCache lets catalog edits drop cached lab prices.
func (s *Service) SetPriceCache(c *cache.Cache) {
	s.prices = c
}

// -- Test catalog --

func (s *Service) CreateTest(ctx context.Context, in TestInput) (*Test, error) {
	in.Normalize()
	if fields := in.Problems(); len(fields) > 0 {
		return nil, apperr.Validation("invalid lab test", fields)
	}
	if err := pricing.Check(in.Code, pricing.Change{New: in.Price}); err != nil {
		return nil, err
	}
	t := &Test{
		Code:            in.Code,
		Name:            in.Name,
		Category:        in.Category,
		Price:           in.Price,
		TurnaroundHours: in.TurnaroundHours,
		Active:          true,
	}
	if err := s.repo.CreateTest(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTest edits a catalog entry. Large price swings are refused while
// orders placed at the old price are still open, unless confirmed.
func (s *Service) UpdateTest(ctx context.Context, id uuid.UUID, in TestInput) (*Test, error) {
	in.Normalize()
	if fields := in.Problems(); len(fields) > 0 {
		return nil, apperr.Validation("invalid lab test", fields)
	}
	t, err := s.repo.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkPrice(ctx, t, in); err != nil {
		return nil, err
	}
	oldPrice := t.Price
	t.Code, t.Name, t.Category = in.Code, in.Name, in.Category
	t.Price, t.TurnaroundHours = in.Price, in.TurnaroundHours
	if err := s.repo.UpdateTest(ctx, t); err != nil {
		return nil, err
	}
	if oldPrice != t.Price && s.prices != nil {
		s.prices.Delete(cache.PriceKey("lab", t.ID.String()))
	}
	return t, nil
}

func (s *Service) checkPrice(ctx context.Context, t *Test, in TestInput) error {
	change := pricing.Change{Old: t.Price, New: in.Price, Confirm: in.ConfirmLargeChange}
	if in.Price != t.Price && !in.ConfirmLargeChange {
		n, err := s.repo.PendingOrders(ctx, t.ID, t.Price)
		if err != nil {
			return err
		}
		change.Pending = n
	}
	return pricing.Check(t.Code, change)
}

// SaveTest creates or updates the entry with the same code. Used by
// catalog seeding and spreadsheet imports.
func (s *Service) SaveTest(ctx context.Context, in TestInput) (*Test, bool, error) {
	in.Normalize()
	existing, err := s.repo.GetTestByCode(ctx, in.Code)
	if apperr.Is(err, apperr.CodeNotFound) {
		t, err := s.CreateTest(ctx, in)
		return t, err == nil, err
	}
	if err != nil {
		return nil, false, err
	}
	t, err := s.UpdateTest(ctx, existing.ID, in)
	return t, false, err
}

func (s *Service) SetTestActive(ctx context.Context, id uuid.UUID, active bool) (*Test, error) {
	t, err := s.repo.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Active = active
	if err := s.repo.UpdateTest(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) GetTest(ctx context.Context, id uuid.UUID) (*Test, error) {
	return s.repo.GetTest(ctx, id)
}

func (s *Service) ListTests(ctx context.Context, params map[string]string, limit, offset int) ([]*Test, int, error) {
	return s.repo.ListTests(ctx, params, limit, offset)
}

// -- Orders --

// Order places a lab order at the test's current price and announces it so
// billing can post the charge.
func (s *Service) Order(ctx context.Context, req OrderRequest, orderedBy string) (*Order, error) {
	req.Priority = strings.ToLower(strings.TrimSpace(req.Priority))
	if req.Priority == "" {
		req.Priority = PriorityRoutine
	}
	fields := map[string]string{}
	if req.EncounterID == uuid.Nil {
		fields["encounter_id"] = "is required"
	}
	if req.TestID == uuid.Nil {
		fields["test_id"] = "is required"
	}
	if !priorities[req.Priority] {
		fields["priority"] = "must be routine, urgent or stat"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid lab order", fields)
	}

	patientID, status, err := s.repo.Encounter(ctx, req.EncounterID)
	if err != nil {
		return nil, err
	}
	if status == "cancelled" || status == "discharged" {
		return nil, apperr.InvalidState("cannot order tests on a %s encounter", status)
	}
	test, err := s.repo.GetTest(ctx, req.TestID)
	if err != nil {
		return nil, err
	}
	if !test.Active {
		return nil, apperr.InvalidState("lab test %s is inactive", test.Code)
	}

	o := &Order{
		EncounterID: req.EncounterID,
		PatientID:   patientID,
		TestID:      test.ID,
		TestCode:    test.Code,
		TestName:    test.Name,
		Price:       test.Price,
		Priority:    req.Priority,
		Status:      StatusOrdered,
	}
	if orderedBy != "" {
		o.OrderedBy = &orderedBy
	}
	if n := strings.TrimSpace(req.Notes); n != "" {
		o.Notes = &n
	}
	if err := s.repo.CreateOrder(ctx, o); err != nil {
		return nil, err
	}
	if err := events.Publish(ctx, s.events, events.LabOrderCreated, orderPayload(o)); err != nil {
		return nil, err
	}
	return o, nil
}

func orderPayload(o *Order) events.LabOrder {
	return events.LabOrder{
		LabOrderID:  o.ID,
		EncounterID: o.EncounterID,
		PatientID:   o.PatientID,
		TestID:      o.TestID,
		TestName:    o.TestName,
		Price:       o.Price,
	}
}

// advance locks the order, checks the transition and applies mutate.
func (s *Service) advance(ctx context.Context, id uuid.UUID, to string, mutate func(o *Order, now time.Time)) (*Order, error) {
	var out *Order
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.repo.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		if err := canMove(o.Status, to); err != nil {
			return apperr.InvalidState("%s", err.Error())
		}
		o.Status = to
		mutate(o, s.now().UTC())
		if err := s.repo.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

func (s *Service) Collect(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.advance(ctx, id, StatusCollected, func(o *Order, now time.Time) {
		o.CollectedAt = &now
	})
}

func (s *Service) Start(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.advance(ctx, id, StatusInProgress, func(*Order, time.Time) {})
}

// RecordResult stores the result and completes the order.
func (s *Service) RecordResult(ctx context.Context, id uuid.UUID, in ResultInput) (*Order, error) {
	in.Result = strings.TrimSpace(in.Result)
	in.Flag = strings.ToLower(strings.TrimSpace(in.Flag))
	if in.Flag == "" {
		in.Flag = FlagNormal
	}
	fields := map[string]string{}
	if in.Result == "" {
		fields["result"] = "is required"
	}
	if !resultFlags[in.Flag] {
		fields["flag"] = "must be normal, abnormal or critical"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid result", fields)
	}
	return s.advance(ctx, id, StatusCompleted, func(o *Order, now time.Time) {
		o.Result = &in.Result
		o.ResultFlag = &in.Flag
		o.ResultAt = &now
		if o.CollectedAt == nil {
			o.CollectedAt = &now
		}
	})
}

// Cancel stops an order that has no result yet and announces it so the
// charge can be reversed.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Order, error) {
	o, err := s.advance(ctx, id, StatusCancelled, func(o *Order, now time.Time) {
		o.CancelledAt = &now
		if r := strings.TrimSpace(reason); r != "" {
			o.Notes = &r
		}
	})
	if err != nil {
		return nil, err
	}
	if err := events.Publish(ctx, s.events, events.LabOrderCancelled, orderPayload(o)); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.GetOrder(ctx, id)
}

func (s *Service) ListOrders(ctx context.Context, params map[string]string, limit, offset int) ([]*Order, int, error) {
	return s.repo.ListOrders(ctx, params, limit, offset)
}
