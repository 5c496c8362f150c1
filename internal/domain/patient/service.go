package patient

import (
	"context"
	"sort"
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

// identityKeys returns the advisory lock keys for p, sorted so concurrent
// registrations always lock in the same order.
func identityKeys(p *Patient) []string {
	var keys []string
	if p.NationalID != nil {
		keys = append(keys, "patient:nid:"+*p.NationalID)
	}
	if p.Phone != nil {
		keys = append(keys, "patient:ident:"+*p.Phone+"|"+p.BirthDate.Format(DateLayout)+"|"+strings.ToLower(p.LastName))
	}
	sort.Strings(keys)
	return keys
}

// checkDuplicate must run inside a transaction.
func (s *Service) checkDuplicate(ctx context.Context, p *Patient, exclude *uuid.UUID) error {
	for _, k := range identityKeys(p) {
		if err := s.repo.LockIdentity(ctx, k); err != nil {
			return err
		}
	}
	dup, err := s.repo.FindDuplicate(ctx, p, exclude)
	if err != nil {
		return err
	}
	if dup != nil {
		return apperr.DuplicatePatient(dup.MRN).WithDetails(map[string]string{
			"patient_id": dup.ID.String(),
			"mrn":        dup.MRN,
		})
	}
	return nil
}

// Register creates a patient with a fresh MRN. A second registration of the
// same person (same national id, or same phone, birth date and last name)
// fails with DUPLICATE_PATIENT.
func (s *Service) Register(ctx context.Context, in *Input) (*Patient, error) {
	now := s.now().UTC()
	p, err := in.Validate(now)
	if err != nil {
		return nil, err
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.checkDuplicate(ctx, p, nil); err != nil {
			return err
		}
		seq, err := s.repo.NextMRN(ctx, now.Year())
		if err != nil {
			return err
		}
		p.MRN = FormatMRN(now.Year(), seq)
		return s.repo.Create(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	p.fill(now)

	ref := events.PatientRef{PatientID: p.ID, MRN: p.MRN, Name: p.FullName()}
	if p.Email != nil {
		ref.Email = *p.Email
	}
	if err := events.Publish(ctx, s.events, events.PatientRegistered, ref); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.fill(s.now())
	return p, nil
}

func (s *Service) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	p, err := s.repo.GetByMRN(ctx, strings.ToUpper(strings.TrimSpace(mrn)))
	if err != nil {
		return nil, err
	}
	p.fill(s.now())
	return p, nil
}

// Update replaces the demographic fields. MRN and active flag are kept.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in *Input) (*Patient, error) {
	now := s.now().UTC()
	next, err := in.Validate(now)
	if err != nil {
		return nil, err
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		next.ID = current.ID
		next.MRN = current.MRN
		next.Active = current.Active
		next.CreatedAt = current.CreatedAt
		if err := s.checkDuplicate(ctx, next, &id); err != nil {
			return err
		}
		return s.repo.Update(ctx, next)
	})
	if err != nil {
		return nil, err
	}
	next.fill(now)
	return next, nil
}

func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) (*Patient, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Active = active
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	p.fill(s.now())
	return p, nil
}

// Search matches params["q"] against name, MRN and phone. Inactive
// patients are hidden unless params["active"] is "all".
func (s *Service) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Patient, int, error) {
	list, total, err := s.repo.Search(ctx, params, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	now := s.now()
	for _, p := range list {
		p.fill(now)
	}
	return list, total, nil
}
