// Package imports loads patients, drugs and lab tests from uploaded
// spreadsheets. Rows are validated one by one; valid rows are written and
// invalid rows reported with their row number.
package imports

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/matokham-ai/hospital-sub013/internal/domain/diagnostics"
	"github.com/matokham-ai/hospital-sub013/internal/domain/patient"
	"github.com/matokham-ai/hospital-sub013/internal/domain/pharmacy"
	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
)

// Import kinds.
const (
	KindPatients = "patients"
	KindDrugs    = "drugs"
	KindTests    = "tests"
)

type PatientRegistrar interface {
	Register(ctx context.Context, in *patient.Input) (*patient.Patient, error)
}

type DrugSaver interface {
	SaveDrug(ctx context.Context, in pharmacy.DrugInput) (*pharmacy.Drug, bool, error)
}

type TestSaver interface {
	SaveTest(ctx context.Context, in diagnostics.TestInput) (*diagnostics.Test, bool, error)
}

type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type Result struct {
	Kind     string     `json:"kind"`
	DryRun   bool       `json:"dry_run"`
	Imported int        `json:"imported"`
	Failed   int        `json:"failed"`
	Errors   []RowError `json:"errors"`
}

func (r *Result) reject(line int, fields map[string]string) {
	r.Failed++
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.Errors = append(r.Errors, RowError{Row: line, Field: k, Message: fields[k]})
	}
}

func (r *Result) rejectErr(line int, e *apperr.Error) {
	if len(e.Fields) > 0 {
		r.reject(line, e.Fields)
		return
	}
	r.Failed++
	r.Errors = append(r.Errors, RowError{Row: line, Message: e.Message})
}

// record is a parsed row ready to be written.
type record interface {
	key() string
	save(ctx context.Context, imp *Importer) error
}

type kind struct {
	required []string
	keyField string
	parse    func(row Row, now time.Time) (record, map[string]string)
}

var kinds = map[string]kind{
	KindPatients: {
		required: []string{"first_name", "last_name", "birth_date", "gender"},
		keyField: "national_id",
		parse:    parsePatient,
	},
	KindDrugs: {
		required: []string{"code", "name", "unit_price", "stock_quantity"},
		keyField: "code",
		parse:    parseDrug,
	},
	KindTests: {
		required: []string{"code", "name", "price"},
		keyField: "code",
		parse:    parseTest,
	},
}

type Importer struct {
	patients PatientRegistrar
	drugs    DrugSaver
	tests    TestSaver
	now      func() time.Time
	logger   zerolog.Logger
}

func NewImporter(patients PatientRegistrar, drugs DrugSaver, tests TestSaver, logger zerolog.Logger) *Importer {
	return &Importer{
		patients: patients,
		drugs:    drugs,
		tests:    tests,
		now:      time.Now,
		logger:   logger.With().Str("component", "imports").Logger(),
	}
}

// Run validates every row of t and, unless dryRun is set, writes the valid
// ones. Rows rejected by the domain services are reported like validation
// failures; any other error aborts the import.
func (imp *Importer) Run(ctx context.Context, kindName string, t *Table, dryRun bool) (*Result, error) {
	k, ok := kinds[kindName]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("import kind %q", kindName))
	}
	if missing := t.Missing(k.required); len(missing) > 0 {
		fields := make(map[string]string, len(missing))
		for _, c := range missing {
			fields[c] = "column is required"
		}
		return nil, apperr.Validation("file is missing required columns", fields)
	}

	res := &Result{Kind: kindName, DryRun: dryRun, Errors: []RowError{}}
	seen := map[string]int{}
	now := imp.now().UTC()
	for _, row := range t.Rows {
		if row.Empty() {
			continue
		}
		rec, fields := k.parse(row, now)
		if len(fields) > 0 {
			res.reject(row.Line, fields)
			continue
		}
		if key := rec.key(); key != "" {
			if first, dup := seen[key]; dup {
				res.reject(row.Line, map[string]string{k.keyField: fmt.Sprintf("duplicates row %d", first)})
				continue
			}
			seen[key] = row.Line
		}
		if dryRun {
			res.Imported++
			continue
		}
		if err := rec.save(ctx, imp); err != nil {
			if ae, ok := apperr.As(err); ok {
				res.rejectErr(row.Line, ae)
				continue
			}
			return nil, fmt.Errorf("import %s row %d: %w", kindName, row.Line, err)
		}
		res.Imported++
	}

	imp.logger.Info().Str("kind", kindName).Bool("dry_run", dryRun).
		Int("imported", res.Imported).Int("failed", res.Failed).Msg("import finished")
	return res, nil
}

// -- Parsing --

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func parseFloat(row Row, col string, fields map[string]string) float64 {
	v := row.Get(col)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64)
	if err != nil {
		fields[col] = "must be a number"
	}
	return f
}

func parseInt(row Row, col string, fields map[string]string) int {
	v := row.Get(col)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fields[col] = "must be a whole number"
	}
	return n
}

// birthDate accepts ISO dates and the slash form spreadsheets produce.
func birthDate(v string) string {
	if d, err := time.Parse("2006/01/02", v); err == nil {
		return d.Format(patient.DateLayout)
	}
	return v
}

type patientRecord struct {
	in patient.Input
}

func parsePatient(row Row, now time.Time) (record, map[string]string) {
	in := patient.Input{
		FirstName:             row.Get("first_name"),
		LastName:              row.Get("last_name"),
		MiddleName:            optional(row.Get("middle_name")),
		BirthDate:             birthDate(row.Get("birth_date")),
		Gender:                row.Get("gender"),
		Phone:                 optional(row.Get("phone")),
		Email:                 optional(row.Get("email")),
		NationalID:            optional(row.Get("national_id")),
		Address:               optional(row.Get("address")),
		BloodGroup:            optional(row.Get("blood_group")),
		EmergencyContactName:  optional(row.Get("emergency_contact_name")),
		EmergencyContactPhone: optional(row.Get("emergency_contact_phone")),
	}
	if _, err := in.Validate(now); err != nil {
		if ae, ok := apperr.As(err); ok && len(ae.Fields) > 0 {
			return nil, ae.Fields
		}
		return nil, map[string]string{"row": err.Error()}
	}
	return &patientRecord{in: in}, nil
}

func (r *patientRecord) key() string {
	if r.in.NationalID != nil {
		return "nid:" + strings.ToUpper(*r.in.NationalID)
	}
	phone := ""
	if r.in.Phone != nil {
		phone = *r.in.Phone
	}
	return strings.ToLower(r.in.LastName) + "|" + r.in.BirthDate + "|" + phone
}

func (r *patientRecord) save(ctx context.Context, imp *Importer) error {
	_, err := imp.patients.Register(ctx, &r.in)
	return err
}

type drugRecord struct {
	in pharmacy.DrugInput
}

func parseDrug(row Row, _ time.Time) (record, map[string]string) {
	fields := map[string]string{}
	in := pharmacy.DrugInput{
		Code:          row.Get("code"),
		Name:          row.Get("name"),
		GenericName:   row.Get("generic_name"),
		Form:          row.Get("form"),
		Strength:      row.Get("strength"),
		UnitPrice:     parseFloat(row, "unit_price", fields),
		StockQuantity: parseInt(row, "stock_quantity", fields),
		ReorderLevel:  parseInt(row, "reorder_level", fields),
	}
	in.Normalize()
	for k, v := range in.Problems() {
		if _, set := fields[k]; !set {
			fields[k] = v
		}
	}
	if _, set := fields["unit_price"]; !set && in.UnitPrice <= 0 {
		fields["unit_price"] = "must be greater than zero"
	}
	if len(fields) > 0 {
		return nil, fields
	}
	return &drugRecord{in: in}, nil
}

func (r *drugRecord) key() string { return r.in.Code }

func (r *drugRecord) save(ctx context.Context, imp *Importer) error {
	_, _, err := imp.drugs.SaveDrug(ctx, r.in)
	return err
}

type testRecord struct {
	in diagnostics.TestInput
}

func parseTest(row Row, _ time.Time) (record, map[string]string) {
	fields := map[string]string{}
	in := diagnostics.TestInput{
		Code:            row.Get("code"),
		Name:            row.Get("name"),
		Category:        row.Get("category"),
		Price:           parseFloat(row, "price", fields),
		TurnaroundHours: parseInt(row, "turnaround_hours", fields),
	}
	in.Normalize()
	for k, v := range in.Problems() {
		fields[k] = v
	}
	if _, set := fields["price"]; !set && in.Price <= 0 {
		fields["price"] = "must be greater than zero"
	}
	if len(fields) > 0 {
		return nil, fields
	}
	return &testRecord{in: in}, nil
}

func (r *testRecord) key() string { return r.in.Code }

func (r *testRecord) save(ctx context.Context, imp *Importer) error {
	_, _, err := imp.tests.SaveTest(ctx, r.in)
	return err
}
