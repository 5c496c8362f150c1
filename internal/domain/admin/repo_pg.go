package admin

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
)

// -- Department Repository --

type deptRepoPG struct {
	pool *pgxpool.Pool
}

func NewDepartmentRepo(pool *pgxpool.Pool) DepartmentRepository {
	return &deptRepoPG{pool: pool}
}

func (r *deptRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const deptColumns = `id, code, name, description, consultation_fee, active, created_at, updated_at`

func (r *deptRepoPG) scan(row pgx.Row) (*Department, error) {
	var d Department
	err := row.Scan(&d.ID, &d.Code, &d.Name, &d.Description, &d.ConsultationFee, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("department")
		}
		return nil, err
	}
	return &d, nil
}

func (r *deptRepoPG) Create(ctx context.Context, d *Department) error {
	d.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO department (id, code, name, description, consultation_fee, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		d.ID, d.Code, d.Name, d.Description, d.ConsultationFee, d.Active,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict(apperr.CodeConflict, "department code %q already exists", d.Code)
	}
	return err
}

func (r *deptRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Department, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+deptColumns+` FROM department WHERE id = $1`, id))
}

func (r *deptRepoPG) GetByCode(ctx context.Context, code string) (*Department, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+deptColumns+` FROM department WHERE code = $1`, code))
}

func (r *deptRepoPG) Update(ctx context.Context, d *Department) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE department SET code = $2, name = $3, description = $4,
			consultation_fee = $5, active = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		d.ID, d.Code, d.Name, d.Description, d.ConsultationFee, d.Active,
	).Scan(&d.UpdatedAt)
	switch {
	case db.IsNoRows(err):
		return apperr.NotFound("department")
	case db.IsUniqueViolation(err):
		return apperr.Conflict(apperr.CodeConflict, "department code %q already exists", d.Code)
	}
	return err
}

func (r *deptRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM department WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("department")
	}
	return nil
}

func (r *deptRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Department, int, error) {
	where := ``
	if activeOnly {
		where = ` WHERE active`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM department`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+deptColumns+` FROM department`+where+` ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Department
	for rows.Next() {
		d, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (r *deptRepoPG) References(ctx context.Context, id uuid.UUID) (map[string]int, error) {
	var wards, encounters, appointments int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM ward WHERE department_id = $1),
			(SELECT COUNT(*) FROM encounter WHERE department_id = $1),
			(SELECT COUNT(*) FROM appointment WHERE department_id = $1)`, id,
	).Scan(&wards, &encounters, &appointments)
	if err != nil {
		return nil, fmt.Errorf("count department references: %w", err)
	}
	refs := map[string]int{}
	for k, v := range map[string]int{"wards": wards, "encounters": encounters, "appointments": appointments} {
		if v > 0 {
			refs[k] = v
		}
	}
	return refs, nil
}

// -- Ward Repository --

type wardRepoPG struct {
	pool *pgxpool.Pool
}

func NewWardRepo(pool *pgxpool.Pool) WardRepository {
	return &wardRepoPG{pool: pool}
}

func (r *wardRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const wardSelect = `
	SELECT w.id, w.department_id, w.code, w.name, w.ward_type, w.daily_rate, w.active,
		w.created_at, w.updated_at,
		COUNT(b.id),
		COUNT(b.id) FILTER (WHERE b.status = 'occupied'),
		COUNT(b.id) FILTER (WHERE b.status = 'available')
	FROM ward w
	LEFT JOIN bed b ON b.ward_id = w.id`

func (r *wardRepoPG) scan(row pgx.Row) (*Ward, error) {
	var w Ward
	err := row.Scan(&w.ID, &w.DepartmentID, &w.Code, &w.Name, &w.WardType, &w.DailyRate, &w.Active,
		&w.CreatedAt, &w.UpdatedAt, &w.TotalBeds, &w.OccupiedBeds, &w.AvailableBeds)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("ward")
		}
		return nil, err
	}
	return &w, nil
}

func (r *wardRepoPG) Create(ctx context.Context, w *Ward) error {
	w.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ward (id, department_id, code, name, ward_type, daily_rate, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		w.ID, w.DepartmentID, w.Code, w.Name, w.WardType, w.DailyRate, w.Active,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict(apperr.CodeConflict, "ward code %q already exists", w.Code)
	}
	return err
}

func (r *wardRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Ward, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, wardSelect+` WHERE w.id = $1 GROUP BY w.id`, id))
}

func (r *wardRepoPG) Update(ctx context.Context, w *Ward) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ward SET department_id = $2, code = $3, name = $4, ward_type = $5,
			daily_rate = $6, active = $7, updated_at = NOW()
		WHERE id = $1`,
		w.ID, w.DepartmentID, w.Code, w.Name, w.WardType, w.DailyRate, w.Active)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict(apperr.CodeConflict, "ward code %q already exists", w.Code)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("ward")
	}
	return nil
}

func (r *wardRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM ward WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("ward")
	}
	return nil
}

func (r *wardRepoPG) List(ctx context.Context, departmentID *uuid.UUID, limit, offset int) ([]*Ward, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM ward WHERE ($1::uuid IS NULL OR department_id = $1)`, departmentID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, wardSelect+`
		WHERE ($1::uuid IS NULL OR w.department_id = $1)
		GROUP BY w.id ORDER BY w.name LIMIT $2 OFFSET $3`, departmentID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Ward
	for rows.Next() {
		w, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, w)
	}
	return out, total, rows.Err()
}

// -- Bed Repository --

type bedRepoPG struct {
	pool *pgxpool.Pool
}

func NewBedRepo(pool *pgxpool.Pool) BedRepository {
	return &bedRepoPG{pool: pool}
}

func (r *bedRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const bedColumns = `id, ward_id, bed_number, status, created_at, updated_at`

func (r *bedRepoPG) scan(row pgx.Row) (*Bed, error) {
	var b Bed
	if err := row.Scan(&b.ID, &b.WardID, &b.BedNumber, &b.Status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("bed")
		}
		return nil, err
	}
	return &b, nil
}

func (r *bedRepoPG) Create(ctx context.Context, b *Bed) error {
	b.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bed (id, ward_id, bed_number, status) VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		b.ID, b.WardID, b.BedNumber, b.Status,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict(apperr.CodeConflict, "bed %s already exists in this ward", b.BedNumber)
	}
	return err
}

func (r *bedRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+bedColumns+` FROM bed WHERE id = $1`, id))
}

func (r *bedRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+bedColumns+` FROM bed WHERE id = $1 FOR UPDATE`, id))
}

func (r *bedRepoPG) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE bed SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("bed")
	}
	return nil
}

func (r *bedRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM bed WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("bed")
	}
	return nil
}

func (r *bedRepoPG) ListByWard(ctx context.Context, wardID uuid.UUID, status string) ([]*Bed, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+bedColumns+` FROM bed
		WHERE ward_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY bed_number`, wardID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Bed
	for rows.Next() {
		b, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *bedRepoPG) Board(ctx context.Context) ([]*BoardRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT w.id, w.name, d.name, b.status, COUNT(b.id)
		FROM ward w
		JOIN department d ON d.id = w.department_id
		LEFT JOIN bed b ON b.ward_id = w.id
		WHERE w.active
		GROUP BY w.id, w.name, d.name, b.status
		ORDER BY d.name, w.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byWard := map[uuid.UUID]*BoardRow{}
	var order []*BoardRow
	for rows.Next() {
		var (
			wardID         uuid.UUID
			wardName, dept string
			status         *string
			count          int
		)
		if err := rows.Scan(&wardID, &wardName, &dept, &status, &count); err != nil {
			return nil, err
		}
		row, ok := byWard[wardID]
		if !ok {
			row = &BoardRow{WardID: wardID, WardName: wardName, Department: dept, ByStatus: map[string]int{}}
			byWard[wardID] = row
			order = append(order, row)
		}
		if status != nil {
			row.ByStatus[*status] = count
			row.Total += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, row := range order {
		row.OccupancyPct = occupancy(row.ByStatus[BedOccupied], row.Total)
	}
	return order, nil
}

func occupancy(occupied, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(int(float64(occupied)/float64(total)*1000+0.5)) / 10
}
