package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matokham-ai/hospital-sub013/internal/platform/apperr"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
)

type billingRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &billingRepoPG{pool: pool}
}

func (r *billingRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// -- Accounts --

const accountCols = `id, encounter_id, patient_id, status, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.EncounterID, &a.PatientID, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("billing account")
		}
		return nil, err
	}
	return &a, nil
}

func (r *billingRepoPG) EnsureAccount(ctx context.Context, encounterID, patientID uuid.UUID) (*Account, error) {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO billing_account (id, encounter_id, patient_id, status)
		VALUES ($1, $2, $3, 'open')
		ON CONFLICT (encounter_id) DO NOTHING`, uuid.New(), encounterID, patientID)
	if err != nil {
		return nil, err
	}
	return r.GetAccountByEncounter(ctx, encounterID)
}

func (r *billingRepoPG) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	return scanAccount(r.conn(ctx).QueryRow(ctx, `SELECT `+accountCols+` FROM billing_account WHERE id = $1`, id))
}

func (r *billingRepoPG) GetAccountByEncounter(ctx context.Context, encounterID uuid.UUID) (*Account, error) {
	return scanAccount(r.conn(ctx).QueryRow(ctx,
		`SELECT `+accountCols+` FROM billing_account WHERE encounter_id = $1`, encounterID))
}

func (r *billingRepoPG) LockAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	return scanAccount(r.conn(ctx).QueryRow(ctx,
		`SELECT `+accountCols+` FROM billing_account WHERE id = $1 FOR UPDATE`, id))
}

func (r *billingRepoPG) SetAccountStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE billing_account SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	return err
}

var accountFilters = map[string]db.Filter{
	"patient_id":   {Type: db.FilterEq, Column: "patient_id"},
	"encounter_id": {Type: db.FilterEq, Column: "encounter_id"},
	"status":       {Type: db.FilterEq, Column: "status"},
}

func (r *billingRepoPG) ListAccounts(ctx context.Context, params map[string]string, limit, offset int) ([]*Account, int, error) {
	qb := db.NewSearchQuery("billing_account", accountCols)
	qb.ApplyFilters(params, accountFilters)
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

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (r *billingRepoPG) EncounterPatient(ctx context.Context, encounterID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `SELECT patient_id FROM encounter WHERE id = $1`, encounterID).Scan(&id)
	if db.IsNoRows(err) {
		return uuid.Nil, apperr.NotFound("encounter")
	}
	return id, err
}

func (r *billingRepoPG) LabOrderStatus(ctx context.Context, labOrderID uuid.UUID) (string, error) {
	var status string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT status FROM lab_order WHERE id = $1 FOR SHARE`, labOrderID).Scan(&status)
	if db.IsNoRows(err) {
		return "", apperr.NotFound("lab order")
	}
	return status, err
}

// -- Items --

const itemCols = `id, account_id, item_type, reference_key, description, quantity, unit_price, amount,
	invoice_id, posted_by, created_at`

func scanItem(row pgx.Row) (*Item, error) {
	var i Item
	err := row.Scan(&i.ID, &i.AccountID, &i.ItemType, &i.ReferenceKey, &i.Description, &i.Quantity,
		&i.UnitPrice, &i.Amount, &i.InvoiceID, &i.PostedBy, &i.CreatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("billing item")
		}
		return nil, err
	}
	return &i, nil
}

func (r *billingRepoPG) collectItems(rows pgx.Rows, err error) ([]*Item, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Item
	for rows.Next() {
		i, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (r *billingRepoPG) ItemExists(ctx context.Context, accountID uuid.UUID, itemType, ref string) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM billing_item WHERE account_id = $1 AND item_type = $2 AND reference_key = $3)`,
		accountID, itemType, ref).Scan(&ok)
	return ok, err
}

func (r *billingRepoPG) InsertItem(ctx context.Context, i *Item) (bool, error) {
	i.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO billing_item (id, account_id, item_type, reference_key, description,
			quantity, unit_price, amount, posted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, item_type, reference_key) DO NOTHING
		RETURNING created_at`,
		i.ID, i.AccountID, i.ItemType, i.ReferenceKey, i.Description,
		i.Quantity, i.UnitPrice, i.Amount, i.PostedBy,
	).Scan(&i.CreatedAt)
	if db.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *billingRepoPG) FindItem(ctx context.Context, accountID uuid.UUID, itemType, ref string) (*Item, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx, `
		SELECT `+itemCols+` FROM billing_item
		WHERE account_id = $1 AND item_type = $2 AND reference_key = $3`, accountID, itemType, ref))
}

func (r *billingRepoPG) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM billing_item WHERE id = $1`, id))
}

func (r *billingRepoPG) DeleteItem(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM billing_item WHERE id = $1 AND invoice_id IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.InvalidState("billing item is invoiced or missing")
	}
	return nil
}

func (r *billingRepoPG) ListItems(ctx context.Context, accountID uuid.UUID) ([]*Item, error) {
	return r.collectItems(r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM billing_item WHERE account_id = $1 ORDER BY created_at`, accountID))
}

func (r *billingRepoPG) UninvoicedItems(ctx context.Context, accountID uuid.UUID) ([]*Item, error) {
	return r.collectItems(r.conn(ctx).Query(ctx, `
		SELECT `+itemCols+` FROM billing_item
		WHERE account_id = $1 AND invoice_id IS NULL
		ORDER BY created_at
		FOR UPDATE`, accountID))
}

// -- Invoices --

const invoiceCols = `id, invoice_number, account_id, encounter_id, patient_id, total, paid, balance, status,
	issued_at, due_at, voided_at, void_reason, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var i Invoice
	err := row.Scan(&i.ID, &i.InvoiceNumber, &i.AccountID, &i.EncounterID, &i.PatientID,
		&i.Total, &i.Paid, &i.Balance, &i.Status,
		&i.IssuedAt, &i.DueAt, &i.VoidedAt, &i.VoidReason, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("invoice")
		}
		return nil, err
	}
	return &i, nil
}

// CreateInvoice reports errDuplicateNumber when the number is taken. The
// conflict is absorbed by ON CONFLICT so the surrounding transaction stays
// usable for the next attempt.
func (r *billingRepoPG) CreateInvoice(ctx context.Context, inv *Invoice) error {
	id := uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO invoice (id, invoice_number, account_id, encounter_id, patient_id,
			total, paid, balance, status, issued_at, due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (invoice_number) DO NOTHING
		RETURNING created_at, updated_at`,
		id, inv.InvoiceNumber, inv.AccountID, inv.EncounterID, inv.PatientID,
		inv.Total, inv.Paid, inv.Balance, inv.Status, inv.IssuedAt, inv.DueAt,
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)
	if db.IsNoRows(err) {
		return errDuplicateNumber
	}
	if err != nil {
		return err
	}
	inv.ID = id
	return nil
}

func (r *billingRepoPG) AttachItems(ctx context.Context, invoiceID uuid.UUID, itemIDs []uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE billing_item SET invoice_id = $1 WHERE id = ANY($2) AND invoice_id IS NULL`, invoiceID, itemIDs)
	return err
}

func (r *billingRepoPG) DetachItems(ctx context.Context, invoiceID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE billing_item SET invoice_id = NULL WHERE invoice_id = $1`, invoiceID)
	return err
}

func (r *billingRepoPG) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE id = $1`, id))
}

func (r *billingRepoPG) LockInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE id = $1 FOR UPDATE`, id))
}

func (r *billingRepoPG) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE invoice SET paid = $2, balance = $3, status = $4, voided_at = $5, void_reason = $6,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		inv.ID, inv.Paid, inv.Balance, inv.Status, inv.VoidedAt, inv.VoidReason,
	).Scan(&inv.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("invoice")
	}
	return err
}

var invoiceFilters = map[string]db.Filter{
	"patient_id":   {Type: db.FilterEq, Column: "patient_id"},
	"encounter_id": {Type: db.FilterEq, Column: "encounter_id"},
	"account_id":   {Type: db.FilterEq, Column: "account_id"},
	"status":       {Type: db.FilterEq, Column: "status"},
	"number":       {Type: db.FilterPrefix, Column: "invoice_number"},
	"from":         {Type: db.FilterFrom, Column: "issued_at"},
	"to":           {Type: db.FilterTo, Column: "issued_at"},
}

func (r *billingRepoPG) ListInvoices(ctx context.Context, params map[string]string, limit, offset int) ([]*Invoice, int, error) {
	qb := db.NewSearchQuery("invoice", invoiceCols)
	qb.ApplyFilters(params, invoiceFilters)
	if params["outstanding"] == "true" {
		qb.Add("status IN ('unpaid', 'partial')")
	}
	qb.OrderBy("issued_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(limit, offset), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, inv)
	}
	return out, total, rows.Err()
}

func (r *billingRepoPG) InvoiceItems(ctx context.Context, invoiceID uuid.UUID) ([]*Item, error) {
	return r.collectItems(r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM billing_item WHERE invoice_id = $1 ORDER BY created_at`, invoiceID))
}

// -- Payments --

const paymentCols = `id, invoice_id, amount, method, reference, received_by, received_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.Reference, &p.ReceivedBy,
		&p.ReceivedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, apperr.NotFound("payment")
		}
		return nil, err
	}
	return &p, nil
}

func (r *billingRepoPG) CreatePayment(ctx context.Context, p *Payment) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment (id, invoice_id, amount, method, reference, received_by, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		p.ID, p.InvoiceID, p.Amount, p.Method, p.Reference, p.ReceivedBy, p.ReceivedAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *billingRepoPG) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payment WHERE id = $1`, id))
}

func (r *billingRepoPG) UpdatePayment(ctx context.Context, p *Payment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE payment SET amount = $2, method = $3, reference = $4, received_at = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Amount, p.Method, p.Reference, p.ReceivedAt,
	).Scan(&p.UpdatedAt)
	if db.IsNoRows(err) {
		return apperr.NotFound("payment")
	}
	return err
}

func (r *billingRepoPG) DeletePayment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM payment WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("payment")
	}
	return nil
}

func (r *billingRepoPG) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+paymentCols+` FROM payment WHERE invoice_id = $1 ORDER BY received_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *billingRepoPG) SumPayments(ctx context.Context, invoiceID uuid.UUID) (float64, error) {
	var sum float64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::float8 FROM payment WHERE invoice_id = $1`, invoiceID).Scan(&sum)
	return sum, err
}

func (r *billingRepoPG) PatientContact(ctx context.Context, patientID uuid.UUID) (string, string, error) {
	var name string
	var email *string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT first_name || ' ' || last_name, email FROM patient WHERE id = $1`, patientID).Scan(&name, &email)
	if db.IsNoRows(err) {
		return "", "", apperr.NotFound("patient")
	}
	if err != nil {
		return "", "", err
	}
	if email == nil {
		return name, "", nil
	}
	return name, *email, nil
}
