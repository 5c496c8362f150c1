package imports

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matokham-ai/hospital-sub013/internal/domain/diagnostics"
	"github.com/matokham-ai/hospital-sub013/internal/domain/patient"
	"github.com/matokham-ai/hospital-sub013/internal/domain/pharmacy"
	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
)

type stubPatients struct {
	saved []patient.Input
	err   func(in *patient.Input) error
}

func (s *stubPatients) Register(_ context.Context, in *patient.Input) (*patient.Patient, error) {
	if s.err != nil {
		if err := s.err(in); err != nil {
			return nil, err
		}
	}
	s.saved = append(s.saved, *in)
	return &patient.Patient{ID: uuid.New()}, nil
}

type stubDrugs struct {
	saved []pharmacy.DrugInput
	err   error
}

func (s *stubDrugs) SaveDrug(_ context.Context, in pharmacy.DrugInput) (*pharmacy.Drug, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	s.saved = append(s.saved, in)
	return &pharmacy.Drug{ID: uuid.New(), Code: in.Code}, true, nil
}

type stubTests struct {
	saved []diagnostics.TestInput
}

func (s *stubTests) SaveTest(_ context.Context, in diagnostics.TestInput) (*diagnostics.Test, bool, error) {
	s.saved = append(s.saved, in)
	return &diagnostics.Test{ID: uuid.New(), Code: in.Code}, true, nil
}

type importFixture struct {
	imp      *Importer
	patients *stubPatients
	drugs    *stubDrugs
	tests    *stubTests
}

func newImportFixture() *importFixture {
	f := &importFixture{patients: &stubPatients{}, drugs: &stubDrugs{}, tests: &stubTests{}}
	f.imp = NewImporter(f.patients, f.drugs, f.tests, zerolog.Nop())
	f.imp.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return f
}

func table(t *testing.T, csv string) *Table {
	t.Helper()
	tb, err := ReadTable("upload.csv", strings.NewReader(csv))
	require.NoError(t, err)
	return tb
}

const patientsCSV = `first_name,last_name,birth_date,gender,phone,national_id
Amina,Otieno,1988-02-14,female,0712 345 678,NID-1
Brian,Kamau,14/02/1990,male,,NID-2
Carol,Wanjiru,1975/11/30,female,,
Dan,Mutua,2031-01-01,robot,,
Amina,Otieno,1988-02-14,female,,nid-1
`

func TestRun_Patients(t *testing.T) {
	f := newImportFixture()
	res, err := f.imp.Run(context.Background(), KindPatients, table(t, patientsCSV), false)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 3, res.Failed)
	require.Len(t, f.patients.saved, 2)
	assert.Equal(t, "1975-11-30", f.patients.saved[1].BirthDate)

	byRow := map[int][]RowError{}
	for _, e := range res.Errors {
		byRow[e.Row] = append(byRow[e.Row], e)
	}
	require.Len(t, byRow[3], 1)
	assert.Equal(t, "birth_date", byRow[3][0].Field)
	require.Len(t, byRow[5], 2)
	assert.Equal(t, "birth_date", byRow[5][0].Field)
	assert.Equal(t, "gender", byRow[5][1].Field)
	require.Len(t, byRow[6], 1)
	assert.Equal(t, "national_id", byRow[6][0].Field)
	assert.Contains(t, byRow[6][0].Message, "row 2")
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	f := newImportFixture()
	res, err := f.imp.Run(context.Background(), KindPatients, table(t, patientsCSV), true)
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 3, res.Failed)
	assert.Empty(t, f.patients.saved)
}

func TestRun_Drugs(t *testing.T) {
	f := newImportFixture()
	csv := `code,name,form,unit_price,stock_quantity,reorder_level
amox500,Amoxicillin 500mg,capsule,"1,200.50",100,10
PCM,Paracetamol,,abc,20,
IBU,Ibuprofen,potion,0.3,-5,
ZERO,Free sample,,0,1,
`
	res, err := f.imp.Run(context.Background(), KindDrugs, table(t, csv), false)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 3, res.Failed)
	require.Len(t, f.drugs.saved, 1)
	saved := f.drugs.saved[0]
	assert.Equal(t, "AMOX500", saved.Code)
	assert.Equal(t, 1200.5, saved.UnitPrice)
	assert.Equal(t, 100, saved.StockQuantity)

	fields := map[string]bool{}
	for _, e := range res.Errors {
		fields[e.Field] = true
	}
	for _, want := range []string{"unit_price", "form", "stock_quantity"} {
		assert.True(t, fields[want], "expected error on %s", want)
	}
}

func TestRun_DomainErrorsBecomeRowErrors(t *testing.T) {
	f := newImportFixture()
	f.patients.err = func(in *patient.Input) error {
		if in.NationalID != nil && *in.NationalID == "NID-1" {
			return apperr.DuplicatePatient("MRN-2025-000001")
		}
		return nil
	}
	res, err := f.imp.Run(context.Background(), KindPatients, table(t, patientsCSV), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)

	var dup *RowError
	for i := range res.Errors {
		if res.Errors[i].Row == 2 {
			dup = &res.Errors[i]
		}
	}
	require.NotNil(t, dup)
	assert.Empty(t, dup.Field)
	assert.NotEmpty(t, dup.Message)
}

func TestRun_InfrastructureErrorAborts(t *testing.T) {
	f := newImportFixture()
	f.drugs.err = errors.New("connection refused")
	_, err := f.imp.Run(context.Background(), KindDrugs, table(t, "code,name,unit_price,stock_quantity\nA,A,1,1\n"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2")
}

func TestRun_MissingColumnsAndUnknownKind(t *testing.T) {
	f := newImportFixture()
	_, err := f.imp.Run(context.Background(), KindTests, table(t, "code,name\nCBC,Blood count\n"), false)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeValidation, ae.Code)
	assert.Contains(t, ae.Fields, "price")

	_, err = f.imp.Run(context.Background(), "beds", table(t, "a\n1\n"), false)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestRun_Tests(t *testing.T) {
	f := newImportFixture()
	csv := "Code,Name,Category,Price,Turnaround Hours\ncbc,Full blood count,Haematology,12.5,4\ncbc,Again,,13,\n"
	res, err := f.imp.Run(context.Background(), KindTests, table(t, csv), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, f.tests.saved, 1)
	assert.Equal(t, "haematology", f.tests.saved[0].Category)
	assert.Equal(t, 4, f.tests.saved[0].TurnaroundHours)
}
