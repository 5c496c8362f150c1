package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
)

type appointmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, patient_id, doctor_id, department_id, scheduled_at, duration_minutes, status,
	reason, encounter_id, checked_in_at, cancelled_at, cancel_reason, created_at, updated_at`

var apptFilters = map[string]db.Filter{
	"patient_id":    {Type: db.FilterEq, Column: "patient_id"},
	"doctor_id":     {Type: db.FilterEq, Column: "doctor_id"},
	"department_id": {Type: db.FilterEq, Column: "department_id"},
	"status":        {Type: db.FilterEq, Column: "status"},
	"from":          {Type: db.FilterFrom, Column: "scheduled_at"},
	"to":            {Type: db.FilterTo, Column: "scheduled_at"},
}

var apptSorts = map[string]string{
	"scheduled_at": "scheduled_at",
	"created_at":   "created_at",
	"status":       "status",
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.DepartmentID, &a.ScheduledAt, &a.DurationMinutes, &a.Status,
		&a.Reason, &a.EncounterID, &a.CheckedInAt, &a.CancelledAt, &a.CancelReason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("appointment")
		}
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, department_id, scheduled_at, duration_minutes, status, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.DepartmentID, a.ScheduledAt, a.DurationMinutes, a.Status, a.Reason,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1 FOR UPDATE`, id))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET doctor_id = $2, scheduled_at = $3, duration_minutes = $4, status = $5,
			reason = $6, encounter_id = $7, checked_in_at = $8, cancelled_at = $9, cancel_reason = $10,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.DoctorID, a.ScheduledAt, a.DurationMinutes, a.Status,
		a.Reason, a.EncounterID, a.CheckedInAt, a.CancelledAt, a.CancelReason,
	).Scan(&a.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("appointment")
	}
	return err
}

func (r *appointmentRepoPG) List(ctx context.Context, params map[string]string, limit, offset int) ([]*Appointment, int, error) {
	qb := db.NewSearchQuery("appointment", apptCols)
	qb.ApplyFilters(params, apptFilters)
	qb.ApplySort(params["sort"], "scheduled_at ASC", apptSorts)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(limit, offset), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (r *appointmentRepoPG) LockDoctor(ctx context.Context, doctorID string) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('appointment:' || $1))`, doctorID)
	return err
}

func (r *appointmentRepoPG) Overlapping(ctx context.Context, doctorID string, start, end time.Time, exclude uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointment
		WHERE doctor_id = $1 AND id <> $4
		  AND status IN ('booked', 'checked-in')
		  AND scheduled_at < $3
		  AND scheduled_at + make_interval(mins => duration_minutes) > $2`,
		doctorID, start, end, exclude,
	).Scan(&n)
	return n, err
}

func (r *appointmentRepoPG) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patient WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

func (r *appointmentRepoPG) DepartmentExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM department WHERE id = $1 AND active)`, id).Scan(&ok)
	return ok, err
}
