package encounter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
)

type encounterRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &encounterRepoPG{pool: pool}
}

func (r *encounterRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const encCols = `id, patient_id, encounter_type, status, department_id, doctor_id, bed_id,
	chief_complaint, subjective, objective, assessment, plan,
	started_at, completed_at, admitted_at, discharged_at, discharge_notes, created_at, updated_at`

var encFilters = map[string]db.Filter{
	"patient_id":     {Type: db.FilterEq, Column: "patient_id"},
	"department_id":  {Type: db.FilterEq, Column: "department_id"},
	"doctor_id":      {Type: db.FilterEq, Column: "doctor_id"},
	"status":         {Type: db.FilterEq, Column: "status"},
	"encounter_type": {Type: db.FilterEq, Column: "encounter_type"},
	"from":           {Type: db.FilterFrom, Column: "started_at"},
	"to":             {Type: db.FilterTo, Column: "started_at"},
}

func scanEncounter(row pgx.Row) (*Encounter, error) {
	var e Encounter
	err := row.Scan(&e.ID, &e.PatientID, &e.EncounterType, &e.Status, &e.DepartmentID, &e.DoctorID, &e.BedID,
		&e.ChiefComplaint, &e.Subjective, &e.Objective, &e.Assessment, &e.Plan,
		&e.StartedAt, &e.CompletedAt, &e.AdmittedAt, &e.DischargedAt, &e.DischargeNotes, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("encounter")
		}
		return nil, err
	}
	return &e, nil
}

func (r *encounterRepoPG) Create(ctx context.Context, e *Encounter) error {
	e.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounter (id, patient_id, encounter_type, status, department_id, doctor_id, bed_id,
			chief_complaint, started_at, admitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		e.ID, e.PatientID, e.EncounterType, e.Status, e.DepartmentID, e.DoctorID, e.BedID,
		e.ChiefComplaint, e.StartedAt, e.AdmittedAt,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if db.IsUniqueViolation(err) {
		// one of the partial indexes on active admissions
		return apperr.PatientAlreadyAdmitted()
	}
	return err
}

func (r *encounterRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return scanEncounter(r.conn(ctx).QueryRow(ctx, `SELECT `+encCols+` FROM encounter WHERE id = $1`, id))
}

func (r *encounterRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return scanEncounter(r.conn(ctx).QueryRow(ctx, `SELECT `+encCols+` FROM encounter WHERE id = $1 FOR UPDATE`, id))
}

func (r *encounterRepoPG) Update(ctx context.Context, e *Encounter) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE encounter SET status = $2, department_id = $3, doctor_id = $4, bed_id = $5,
			chief_complaint = $6, subjective = $7, objective = $8, assessment = $9, plan = $10,
			completed_at = $11, admitted_at = $12, discharged_at = $13, discharge_notes = $14,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		e.ID, e.Status, e.DepartmentID, e.DoctorID, e.BedID,
		e.ChiefComplaint, e.Subjective, e.Objective, e.Assessment, e.Plan,
		e.CompletedAt, e.AdmittedAt, e.DischargedAt, e.DischargeNotes,
	).Scan(&e.UpdatedAt)
	switch {
	case db.IsNoRows(err):
		return apperr.NotFound("encounter")
	case db.IsUniqueViolation(err):
		return apperr.Conflict(apperr.CodeBedConflict, "bed is already assigned to another admission")
	}
	return err
}

func (r *encounterRepoPG) List(ctx context.Context, params map[string]string, limit, offset int) ([]*Encounter, int, error) {
	qb := db.NewSearchQuery("encounter", encCols)
	qb.ApplyFilters(params, encFilters)
	qb.OrderBy("started_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(limit, offset), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Encounter
	for rows.Next() {
		e, err := scanEncounter(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (r *encounterRepoPG) ActiveAdmission(ctx context.Context, patientID uuid.UUID) (*Encounter, error) {
	e, err := scanEncounter(r.conn(ctx).QueryRow(ctx,
		`SELECT `+encCols+` FROM encounter WHERE patient_id = $1 AND status = 'admitted'`, patientID))
	if apperr.Is(err, apperr.CodeNotFound) {
		return nil, nil
	}
	return e, err
}

func (r *encounterRepoPG) LockPatient(ctx context.Context, patientID uuid.UUID) error {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM patient WHERE id = $1 FOR UPDATE`, patientID).Scan(&id)
	if db.IsNoRows(err) {
		return apperr.NotFound("patient")
	}
	return err
}

func (r *encounterRepoPG) DepartmentExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM department WHERE id = $1 AND active)`, id).Scan(&ok)
	return ok, err
}

const bedQuery = `
	SELECT b.id, b.ward_id, w.department_id, b.bed_number, b.status
	FROM bed b JOIN ward w ON w.id = b.ward_id
	WHERE b.id = $1`

func scanBed(row pgx.Row) (*Bed, error) {
	var b Bed
	if err := row.Scan(&b.ID, &b.WardID, &b.DepartmentID, &b.BedNumber, &b.Status); err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("bed")
		}
		return nil, err
	}
	return &b, nil
}

func (r *encounterRepoPG) LockBed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return scanBed(r.conn(ctx).QueryRow(ctx, bedQuery+` FOR UPDATE OF b`, id))
}

func (r *encounterRepoPG) GetBed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return scanBed(r.conn(ctx).QueryRow(ctx, bedQuery, id))
}

func (r *encounterRepoPG) SetBedStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE bed SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	return err
}

// -- Ward stays --

func (r *encounterRepoPG) OpenStay(ctx context.Context, encounterID uuid.UUID, bed *Bed, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ward_stay (id, encounter_id, ward_id, bed_id, started_at)
		VALUES ($1, $2, $3, $4, $5)`, uuid.New(), encounterID, bed.WardID, bed.ID, at)
	return err
}

func (r *encounterRepoPG) CloseStay(ctx context.Context, encounterID uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE ward_stay SET ended_at = $2
		WHERE encounter_id = $1 AND ended_at IS NULL`, encounterID, at)
	return err
}

func (r *encounterRepoPG) Stays(ctx context.Context, encounterID uuid.UUID) ([]WardStay, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, encounter_id, ward_id, bed_id, started_at, ended_at
		FROM ward_stay WHERE encounter_id = $1
		ORDER BY started_at, id`, encounterID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (WardStay, error) {
		var st WardStay
		err := row.Scan(&st.ID, &st.EncounterID, &st.WardID, &st.BedID, &st.StartedAt, &st.EndedAt)
		return st, err
	})
}
