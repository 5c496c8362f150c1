package diagnostics

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

type labRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &labRepoPG{pool: pool}
}

func (r *labRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// -- Test catalog --

const testCols = `id, code, name, category, price, turnaround_hours, active, created_at, updated_at`

func scanTest(row pgx.Row) (*Test, error) {
	var t Test
	err := row.Scan(&t.ID, &t.Code, &t.Name, &t.Category, &t.Price, &t.TurnaroundHours,
		&t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("lab test")
		}
		return nil, err
	}
	return &t, nil
}

func (r *labRepoPG) CreateTest(ctx context.Context, t *Test) error {
	t.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO test_catalog (id, code, name, category, price, turnaround_hours, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		t.ID, t.Code, t.Name, t.Category, t.Price, t.TurnaroundHours, t.Active,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict(apperr.CodeConflict, "lab test code %q already exists", t.Code)
	}
	return err
}

func (r *labRepoPG) GetTest(ctx context.Context, id uuid.UUID) (*Test, error) {
	return scanTest(r.conn(ctx).QueryRow(ctx, `SELECT `+testCols+` FROM test_catalog WHERE id = $1`, id))
}

func (r *labRepoPG) GetTestByCode(ctx context.Context, code string) (*Test, error) {
	return scanTest(r.conn(ctx).QueryRow(ctx, `SELECT `+testCols+` FROM test_catalog WHERE code = $1`, code))
}

func (r *labRepoPG) UpdateTest(ctx context.Context, t *Test) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE test_catalog SET code = $2, name = $3, category = $4, price = $5,
			turnaround_hours = $6, active = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		t.ID, t.Code, t.Name, t.Category, t.Price, t.TurnaroundHours, t.Active,
	).Scan(&t.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("lab test")
	}
	if db.IsUniqueViolation(err) {
		return apperr.Conflict(apperr.CodeConflict, "lab test code %q already exists", t.Code)
	}
	return err
}

var testFilters = map[string]db.Filter{
	"code":     {Type: db.FilterPrefix, Column: "code"},
	"name":     {Type: db.FilterContains, Column: "name"},
	"category": {Type: db.FilterEq, Column: "category"},
}

var testSorts = map[string]string{
	"code":  "code",
	"name":  "name",
	"price": "price",
}

func (r *labRepoPG) ListTests(ctx context.Context, params map[string]string, limit, offset int) ([]*Test, int, error) {
	qb := db.NewSearchQuery("test_catalog", testCols)
	if params["active"] != "all" {
		qb.Add("active")
	}
	qb.ApplyFilters(params, testFilters)
	qb.ApplySort(params["sort"], "name", testSorts)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(limit, offset), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tests []*Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, 0, err
		}
		tests = append(tests, t)
	}
	return tests, total, rows.Err()
}

func (r *labRepoPG) PendingOrders(ctx context.Context, testID uuid.UUID, price float64) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM lab_order
		WHERE test_id = $1 AND price = $2 AND status IN ('ordered', 'collected', 'in-progress')`,
		testID, price).Scan(&n)
	return n, err
}

// -- Orders --

const orderCols = `o.id, o.encounter_id, o.patient_id, o.test_id, t.code, t.name, o.price, o.priority,
	o.status, o.ordered_by, o.notes, o.result, o.result_flag, o.collected_at, o.result_at,
	o.cancelled_at, o.created_at, o.updated_at`

const orderFrom = `lab_order o JOIN test_catalog t ON t.id = o.test_id`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.EncounterID, &o.PatientID, &o.TestID, &o.TestCode, &o.TestName,
		&o.Price, &o.Priority, &o.Status, &o.OrderedBy, &o.Notes, &o.Result, &o.ResultFlag,
		&o.CollectedAt, &o.ResultAt, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("lab order")
		}
		return nil, err
	}
	return &o, nil
}

func (r *labRepoPG) CreateOrder(ctx context.Context, o *Order) error {
	o.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_order (id, encounter_id, patient_id, test_id, price, priority, status, ordered_by, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		o.ID, o.EncounterID, o.PatientID, o.TestID, o.Price, o.Priority, o.Status, o.OrderedBy, o.Notes,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (r *labRepoPG) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM `+orderFrom+` WHERE o.id = $1`, id))
}

func (r *labRepoPG) LockOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx,
		`SELECT `+orderCols+` FROM `+orderFrom+` WHERE o.id = $1 FOR UPDATE OF o`, id))
}

func (r *labRepoPG) UpdateOrder(ctx context.Context, o *Order) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE lab_order SET priority = $2, status = $3, notes = $4, result = $5, result_flag = $6,
			collected_at = $7, result_at = $8, cancelled_at = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		o.ID, o.Priority, o.Status, o.Notes, o.Result, o.ResultFlag, o.CollectedAt, o.ResultAt, o.CancelledAt,
	).Scan(&o.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("lab order")
	}
	return err
}

var orderFilters = map[string]db.Filter{
	"encounter_id": {Type: db.FilterEq, Column: "o.encounter_id"},
	"patient_id":   {Type: db.FilterEq, Column: "o.patient_id"},
	"test_id":      {Type: db.FilterEq, Column: "o.test_id"},
	"priority":     {Type: db.FilterEq, Column: "o.priority"},
	"from":         {Type: db.FilterFrom, Column: "o.created_at"},
	"to":           {Type: db.FilterTo, Column: "o.created_at"},
}

func (r *labRepoPG) ListOrders(ctx context.Context, params map[string]string, limit, offset int) ([]*Order, int, error) {
	qb := db.NewSearchQuery(orderFrom, orderCols)
	qb.ApplyFilters(params, orderFilters)
	if st := strings.TrimSpace(params["status"]); st != "" {
		if st == "pending" {
			qb.Add("o.status IN ('ordered', 'collected', 'in-progress')")
		} else {
			qb.Add(fmt.Sprintf("o.status = $%d", qb.Idx()), st)
		}
	}
	// Stat first, then urgent, then oldest.
	qb.OrderBy("CASE o.priority WHEN 'stat' THEN 0 WHEN 'urgent' THEN 1 ELSE 2 END, o.created_at")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(limit, offset), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}

func (r *labRepoPG) Encounter(ctx context.Context, id uuid.UUID) (uuid.UUID, string, error) {
	var (
		patientID uuid.UUID
		status    string
	)
	err := r.conn(ctx).QueryRow(ctx, `SELECT patient_id, status FROM encounter WHERE id = $1`, id).
		Scan(&patientID, &status)
	if db.IsNoRows(err) {
		return uuid.Nil, "", apperr.NotFound("encounter")
	}
	return patientID, status, err
}
