// Package seed loads a reference catalog (departments, wards with their
// beds, the drug formulary and the lab test menu) from YAML and upserts it
// through the domain services. Running it twice leaves the data unchanged.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/matokham-ai/hospital-sub013/internal/domain/admin"
	"github.com/matokham-ai/hospital-sub013/internal/domain/diagnostics"
	"github.com/matokham-ai/hospital-sub013/internal/domain/pharmacy"
)

//go:embed default.yaml
var defaultCatalog []byte

// Catalog is the YAML document shape.
type Catalog struct {
	Departments []DepartmentSpec        `yaml:"departments"`
	Drugs       []pharmacy.DrugInput    `yaml:"drugs"`
	Tests       []diagnostics.TestInput `yaml:"tests"`
}

type DepartmentSpec struct {
	Code            string     `yaml:"code"`
	Name            string     `yaml:"name"`
	Description     string     `yaml:"description"`
	ConsultationFee float64    `yaml:"consultation_fee"`
	Wards           []WardSpec `yaml:"wards"`
}

// WardSpec lists bed numbers explicitly, or asks for Beds numbered from 1.
type WardSpec struct {
	Code       string   `yaml:"code"`
	Name       string   `yaml:"name"`
	WardType   string   `yaml:"ward_type"`
	DailyRate  float64  `yaml:"daily_rate"`
	Beds       int      `yaml:"beds"`
	BedNumbers []string `yaml:"bed_numbers"`
}

func (w WardSpec) bedNumbers() []string {
	if len(w.BedNumbers) > 0 {
		return w.BedNumbers
	}
	out := make([]string, 0, w.Beds)
	for i := 1; i <= w.Beds; i++ {
		out = append(out, strconv.Itoa(i))
	}
	return out
}

// Count tallies created and updated rows of one kind.
type Count struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

func (c *Count) add(created bool) {
	if created {
		c.Created++
	} else {
		c.Updated++
	}
}

// Result summarizes a seed run.
type Result struct {
	Departments Count `json:"departments"`
	Wards       Count `json:"wards"`
	BedsCreated int   `json:"beds_created"`
	Drugs       Count `json:"drugs"`
	Tests       Count `json:"tests"`
}

type Facilities interface {
	SaveDepartment(ctx context.Context, d *admin.Department) (*admin.Department, bool, error)
	SaveWard(ctx context.Context, w *admin.Ward) (*admin.Ward, bool, error)
	EnsureBeds(ctx context.Context, wardID uuid.UUID, numbers []string) (int, error)
}

type Formulary interface {
	SaveDrug(ctx context.Context, in pharmacy.DrugInput) (*pharmacy.Drug, bool, error)
}

type TestMenu interface {
	SaveTest(ctx context.Context, in diagnostics.TestInput) (*diagnostics.Test, bool, error)
}

type Seeder struct {
	facilities Facilities
	drugs      Formulary
	tests      TestMenu
	logger     zerolog.Logger
}

func NewSeeder(facilities Facilities, drugs Formulary, tests TestMenu, logger zerolog.Logger) *Seeder {
	return &Seeder{facilities: facilities, drugs: drugs, tests: tests, logger: logger}
}

// Parse decodes a catalog, rejecting unknown keys so typos surface.
func Parse(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var cat Catalog
	if err := dec.Decode(&cat); err != nil {
		if err == io.EOF {
			return &cat, nil
		}
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return &cat, nil
}

// Default returns the catalog bundled with the binary.
func Default() (*Catalog, error) {
	return Parse(bytes.NewReader(defaultCatalog))
}

// Apply upserts the catalog. It stops at the first failure and returns
// what was written so far.
func (s *Seeder) Apply(ctx context.Context, cat *Catalog) (*Result, error) {
	res := &Result{}

	for _, ds := range cat.Departments {
		d, created, err := s.facilities.SaveDepartment(ctx, &admin.Department{
			Code:            ds.Code,
			Name:            ds.Name,
			Description:     optional(ds.Description),
			ConsultationFee: ds.ConsultationFee,
		})
		if err != nil {
			return res, fmt.Errorf("department %s: %w", ds.Code, err)
		}
		res.Departments.add(created)

		for _, ws := range ds.Wards {
			w, created, err := s.facilities.SaveWard(ctx, &admin.Ward{
				DepartmentID: d.ID,
				Code:         ws.Code,
				Name:         ws.Name,
				WardType:     ws.WardType,
				DailyRate:    ws.DailyRate,
			})
			if err != nil {
				return res, fmt.Errorf("ward %s/%s: %w", ds.Code, ws.Code, err)
			}
			res.Wards.add(created)

			n, err := s.facilities.EnsureBeds(ctx, w.ID, ws.bedNumbers())
			res.BedsCreated += n
			if err != nil {
				return res, fmt.Errorf("beds of ward %s/%s: %w", ds.Code, ws.Code, err)
			}
		}
	}

	for _, in := range cat.Drugs {
		_, created, err := s.drugs.SaveDrug(ctx, in)
		if err != nil {
			return res, fmt.Errorf("drug %s: %w", in.Code, err)
		}
		res.Drugs.add(created)
	}

	for _, in := range cat.Tests {
		_, created, err := s.tests.SaveTest(ctx, in)
		if err != nil {
			return res, fmt.Errorf("test %s: %w", in.Code, err)
		}
		res.Tests.add(created)
	}

	s.logger.Info().
		Int("departments_created", res.Departments.Created).
		Int("wards_created", res.Wards.Created).
		Int("beds_created", res.BedsCreated).
		Int("drugs_created", res.Drugs.Created).
		Int("drugs_updated", res.Drugs.Updated).
		Int("tests_created", res.Tests.Created).
		Int("tests_updated", res.Tests.Updated).
		Msg("catalog seeded")
	return res, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
