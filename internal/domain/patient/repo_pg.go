package patient

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
)

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientCols = `id, mrn, first_name, last_name, middle_name, birth_date, gender,
	phone, email, national_id, address, blood_group,
	emergency_contact_name, emergency_contact_phone, active, created_at, updated_at`

var patientFilters = map[string]db.Filter{
	"mrn":         {Type: db.FilterPrefix, Column: "mrn"},
	"last_name":   {Type: db.FilterPrefix, Column: "last_name"},
	"phone":       {Type: db.FilterContains, Column: "phone"},
	"gender":      {Type: db.FilterEq, Column: "gender"},
	"national_id": {Type: db.FilterEq, Column: "national_id"},
}

var patientSorts = map[string]string{
	"name":       "last_name, first_name",
	"mrn":        "mrn",
	"created_at": "created_at",
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.MRN, &p.FirstName, &p.LastName, &p.MiddleName, &p.BirthDate, &p.Gender,
		&p.Phone, &p.Email, &p.NationalID, &p.Address, &p.BloodGroup,
		&p.EmergencyContactName, &p.EmergencyContactPhone, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("patient")
		}
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) NextMRN(ctx context.Context, year int) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO mrn_sequence (year, last_val) VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET last_val = mrn_sequence.last_val + 1
		RETURNING last_val`, year).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next mrn: %w", err)
	}
	return n, nil
}

func (r *patientRepoPG) LockIdentity(ctx context.Context, key string) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

func (r *patientRepoPG) FindDuplicate(ctx context.Context, p *Patient, exclude *uuid.UUID) (*Patient, error) {
	var phone interface{}
	if p.Phone != nil {
		phone = *p.Phone
	}
	var nationalID interface{}
	if p.NationalID != nil {
		nationalID = *p.NationalID
	}
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE ($1::uuid IS NULL OR id <> $1)
		  AND (
			($2::text IS NOT NULL AND national_id = $2)
			OR ($3::text IS NOT NULL AND phone = $3 AND birth_date = $4 AND lower(last_name) = lower($5))
		  )
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE`, exclude, nationalID, phone, p.BirthDate, p.LastName)
	dup, err := scanPatient(row)
	if apperr.Is(err, apperr.CodeNotFound) {
		return nil, nil
	}
	return dup, err
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, mrn, first_name, last_name, middle_name, birth_date, gender,
			phone, email, national_id, address, blood_group,
			emergency_contact_name, emergency_contact_phone, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`,
		p.ID, p.MRN, p.FirstName, p.LastName, p.MiddleName, p.BirthDate, p.Gender,
		p.Phone, p.Email, p.NationalID, p.Address, p.BloodGroup,
		p.EmergencyContactName, p.EmergencyContactPhone, p.Active,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.DuplicatePatient(p.MRN)
	}
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

func (r *patientRepoPG) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE mrn = $1`, mrn))
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patient SET first_name = $2, last_name = $3, middle_name = $4, birth_date = $5,
			gender = $6, phone = $7, email = $8, national_id = $9, address = $10,
			blood_group = $11, emergency_contact_name = $12, emergency_contact_phone = $13,
			active = $14, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.FirstName, p.LastName, p.MiddleName, p.BirthDate,
		p.Gender, p.Phone, p.Email, p.NationalID, p.Address,
		p.BloodGroup, p.EmergencyContactName, p.EmergencyContactPhone, p.Active,
	).Scan(&p.UpdatedAt)
	switch {
	case db.IsNoRows(err):
		return apperr.NotFound("patient")
	case db.IsUniqueViolation(err):
		return apperr.DuplicatePatient(p.MRN)
	}
	return err
}

func (r *patientRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Patient, int, error) {
	qb := db.NewSearchQuery("patient", patientCols)
	if q := strings.TrimSpace(params["q"]); q != "" {
		idx := qb.Idx()
		qb.Add(fmt.Sprintf("(first_name ILIKE $%d OR last_name ILIKE $%d OR mrn ILIKE $%d OR phone ILIKE $%d)",
			idx, idx, idx, idx), "%"+q+"%")
	}
	if params["active"] != "all" {
		qb.Add("active")
	}
	qb.ApplyFilters(params, patientFilters)
	qb.ApplySort(params["sort"], "last_name, first_name", patientSorts)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(limit, offset), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}
