package pharmacy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
)

type pharmacyRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &pharmacyRepoPG{pool: pool}
}

func (r *pharmacyRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// -- Formulary --

const drugCols = `id, code, name, generic_name, form, strength, unit_price, stock_quantity,
	reserved_quantity, reorder_level, active, created_at, updated_at`

func scanDrug(row pgx.Row) (*Drug, error) {
	var d Drug
	err := row.Scan(&d.ID, &d.Code, &d.Name, &d.GenericName, &d.Form, &d.Strength, &d.UnitPrice,
		&d.StockQuantity, &d.ReservedQuantity, &d.ReorderLevel, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("drug")
		}
		return nil, err
	}
	return &d, nil
}

func (r *pharmacyRepoPG) CreateDrug(ctx context.Context, d *Drug) error {
	d.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO drug_formulary (id, code, name, generic_name, form, strength, unit_price,
			stock_quantity, reserved_quantity, reorder_level, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)
		RETURNING created_at, updated_at`,
		d.ID, d.Code, d.Name, d.GenericName, d.Form, d.Strength, d.UnitPrice,
		d.StockQuantity, d.ReorderLevel, d.Active,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return apperr.Conflict(apperr.CodeConflict, "drug code %q already exists", d.Code)
	}
	return err
}

func (r *pharmacyRepoPG) GetDrug(ctx context.Context, id uuid.UUID) (*Drug, error) {
	return scanDrug(r.conn(ctx).QueryRow(ctx, `SELECT `+drugCols+` FROM drug_formulary WHERE id = $1`, id))
}

func (r *pharmacyRepoPG) GetDrugByCode(ctx context.Context, code string) (*Drug, error) {
	return scanDrug(r.conn(ctx).QueryRow(ctx, `SELECT `+drugCols+` FROM drug_formulary WHERE code = $1`, code))
}

// UpdateDrug writes catalog fields only. Quantities change through MoveStock.
func (r *pharmacyRepoPG) UpdateDrug(ctx context.Context, d *Drug) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE drug_formulary SET code = $2, name = $3, generic_name = $4, form = $5, strength = $6,
			unit_price = $7, reorder_level = $8, active = $9, updated_at = NOW()
		WHERE id = $1
		RETURNING stock_quantity, reserved_quantity, updated_at`,
		d.ID, d.Code, d.Name, d.GenericName, d.Form, d.Strength, d.UnitPrice, d.ReorderLevel, d.Active,
	).Scan(&d.StockQuantity, &d.ReservedQuantity, &d.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("drug")
	}
	if db.IsUniqueViolation(err) {
		return apperr.Conflict(apperr.CodeConflict, "drug code %q already exists", d.Code)
	}
	return err
}

var drugFilters = map[string]db.Filter{
	"code": {Type: db.FilterPrefix, Column: "code"},
	"name": {Type: db.FilterContains, Column: "name"},
	"form": {Type: db.FilterEq, Column: "form"},
}

var drugSorts = map[string]string{
	"code":      "code",
	"name":      "name",
	"price":     "unit_price",
	"available": "stock_quantity - reserved_quantity",
}

func (r *pharmacyRepoPG) ListDrugs(ctx context.Context, params map[string]string, limit, offset int) ([]*Drug, int, error) {
	qb := db.NewSearchQuery("drug_formulary", drugCols)
	if params["active"] != "all" {
		qb.Add("active")
	}
	if params["low_stock"] == "true" {
		qb.Add("stock_quantity - reserved_quantity <= reorder_level")
	}
	qb.ApplyFilters(params, drugFilters)
	qb.ApplySort(params["sort"], "name", drugSorts)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(limit, offset), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var drugs []*Drug
	for rows.Next() {
		d, err := scanDrug(rows)
		if err != nil {
			return nil, 0, err
		}
		drugs = append(drugs, d)
	}
	return drugs, total, rows.Err()
}

func (r *pharmacyRepoPG) LockDrugs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Drug, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+drugCols+` FROM drug_formulary WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]*Drug, len(ids))
	for rows.Next() {
		d, err := scanDrug(rows)
		if err != nil {
			return nil, err
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

func (r *pharmacyRepoPG) MoveStock(ctx context.Context, id uuid.UUID, stockDelta, reservedDelta int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE drug_formulary
		SET stock_quantity = stock_quantity + $2, reserved_quantity = reserved_quantity + $3, updated_at = NOW()
		WHERE id = $1`, id, stockDelta, reservedDelta)
	if err != nil {
		return fmt.Errorf("move stock for drug %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("drug")
	}
	return nil
}

func (r *pharmacyRepoPG) OpenReservations(ctx context.Context, drugID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(DISTINCT p.id) FROM prescription p
		JOIN prescription_item i ON i.prescription_id = p.id
		WHERE i.drug_id = $1 AND p.status = 'reserved'`, drugID).Scan(&n)
	return n, err
}

// -- Prescriptions --

const rxCols = `id, encounter_id, patient_id, prescriber_id, status, notes, reserved_at,
	dispensed_at, dispensed_by, created_at, updated_at`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	err := row.Scan(&p.ID, &p.EncounterID, &p.PatientID, &p.PrescriberID, &p.Status, &p.Notes,
		&p.ReservedAt, &p.DispensedAt, &p.DispensedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("prescription")
		}
		return nil, err
	}
	return &p, nil
}

func (r *pharmacyRepoPG) CreatePrescription(ctx context.Context, p *Prescription) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescription (id, encounter_id, patient_id, prescriber_id, status, notes, reserved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		p.ID, p.EncounterID, p.PatientID, p.PrescriberID, p.Status, p.Notes, p.ReservedAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, it := range p.Items {
		it.ID = uuid.New()
		it.PrescriptionID = p.ID
		batch.Queue(`
			INSERT INTO prescription_item (id, prescription_id, drug_id, quantity, dosage, frequency, duration_days)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			it.ID, it.PrescriptionID, it.DrugID, it.Quantity, it.Dosage, it.Frequency, it.DurationDays)
	}
	return r.conn(ctx).SendBatch(ctx, batch).Close()
}

func (r *pharmacyRepoPG) items(ctx context.Context, p *Prescription) (*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT i.id, i.prescription_id, i.drug_id, d.name, i.quantity, i.dosage, i.frequency, i.duration_days
		FROM prescription_item i JOIN drug_formulary d ON d.id = i.drug_id
		WHERE i.prescription_id = $1
		ORDER BY d.name`, p.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.PrescriptionID, &it.DrugID, &it.DrugName, &it.Quantity,
			&it.Dosage, &it.Frequency, &it.DurationDays); err != nil {
			return nil, err
		}
		p.Items = append(p.Items, &it)
	}
	return p, rows.Err()
}

func (r *pharmacyRepoPG) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx, `SELECT `+rxCols+` FROM prescription WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return r.items(ctx, p)
}

func (r *pharmacyRepoPG) LockPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx,
		`SELECT `+rxCols+` FROM prescription WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	return r.items(ctx, p)
}

func (r *pharmacyRepoPG) UpdatePrescription(ctx context.Context, p *Prescription) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE prescription SET status = $2, notes = $3, reserved_at = $4, dispensed_at = $5,
			dispensed_by = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Status, p.Notes, p.ReservedAt, p.DispensedAt, p.DispensedBy,
	).Scan(&p.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("prescription")
	}
	return err
}

var rxFilters = map[string]db.Filter{
	"encounter_id":  {Type: db.FilterEq, Column: "encounter_id"},
	"patient_id":    {Type: db.FilterEq, Column: "patient_id"},
	"prescriber_id": {Type: db.FilterEq, Column: "prescriber_id"},
	"status":        {Type: db.FilterEq, Column: "status"},
	"from":          {Type: db.FilterFrom, Column: "created_at"},
	"to":            {Type: db.FilterTo, Column: "created_at"},
}

func (r *pharmacyRepoPG) ListPrescriptions(ctx context.Context, params map[string]string, limit, offset int) ([]*Prescription, int, error) {
	qb := db.NewSearchQuery("prescription", rxCols)
	qb.ApplyFilters(params, rxFilters)
	qb.OrderBy("created_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(limit, offset), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var list []*Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, p)
	}
	return list, total, rows.Err()
}

func (r *pharmacyRepoPG) ExpiredReservations(ctx context.Context, cutoff time.Time, after ReservationKey, limit int) ([]ReservationKey, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, reserved_at FROM prescription
		WHERE status = 'reserved' AND reserved_at < $1
		  AND (reserved_at, id) > ($2, $3)
		ORDER BY reserved_at, id
		LIMIT $4`, cutoff, after.ReservedAt, after.ID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ReservationKey, error) {
		var k ReservationKey
		err := row.Scan(&k.ID, &k.ReservedAt)
		return k, err
	})
}

func (r *pharmacyRepoPG) Encounter(ctx context.Context, id uuid.UUID) (uuid.UUID, string, error) {
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
