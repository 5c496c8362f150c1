//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/matokham-ai/hospital-sub013/internal/domain/billing"
	"github.com/matokham-ai/hospital-sub013/internal/domain/encounter"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
)

func TestCreateInvoice_DuplicateNumberLeavesTxUsable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedCatalog(t)
	p := e.register(t, "Njeri", "Waweru")

	enc, _, err := e.encounters.Admit(ctx, encounter.AdmitRequest{PatientID: p.ID, BedID: e.firstBed(t)})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	acct, err := e.billing.GetAccountByEncounter(ctx, enc.ID)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	issued, err := e.billing.GenerateInvoice(ctx, acct.ID)
	if err != nil {
		t.Fatalf("generate invoice: %v", err)
	}

	repo := billing.NewRepo(e.pool)
	now := time.Now().UTC()
	err = db.NewTxRunner(e.pool).InTx(ctx, func(ctx context.Context) error {
		dup := &billing.Invoice{
			InvoiceNumber: issued.InvoiceNumber, AccountID: acct.ID, EncounterID: enc.ID, PatientID: p.ID,
			Status: billing.InvoiceUnpaid, IssuedAt: now,
		}
		if err := repo.CreateInvoice(ctx, dup); err == nil {
			t.Error("expected the taken number to be refused")
		}
		fresh := *dup
		fresh.InvoiceNumber = billing.NewInvoiceNumber(now)
		return repo.CreateInvoice(ctx, &fresh)
	})
	if err != nil {
		t.Fatalf("second insert in the same transaction failed: %v", err)
	}
	if n := e.count(t, `SELECT COUNT(*) FROM invoice WHERE account_id = $1`, acct.ID); n != 2 {
		t.Errorf("expected 2 invoices, got %d", n)
	}
}

func TestTransfer_RecordsWardStays(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedCatalog(t)
	p := e.register(t, "Kiprono", "Chebet")
	from := e.firstBed(t)
	to := e.id(t, `SELECT b.id FROM bed b JOIN ward w ON w.id = b.ward_id
		WHERE w.code = 'GM1' ORDER BY b.bed_number OFFSET 1 LIMIT 1`)

	enc, _, err := e.encounters.Admit(ctx, encounter.AdmitRequest{PatientID: p.ID, BedID: from})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := e.encounters.Transfer(ctx, enc.ID, to); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if n := e.count(t, `SELECT COUNT(*) FROM ward_stay WHERE encounter_id = $1 AND ended_at IS NULL AND bed_id = $2`, enc.ID, to); n != 1 {
		t.Errorf("expected open stay in the new bed, got %d", n)
	}
	if _, err := e.encounters.Discharge(ctx, enc.ID, ""); err != nil {
		t.Fatalf("discharge: %v", err)
	}
	if n := e.count(t, `SELECT COUNT(*) FROM ward_stay WHERE encounter_id = $1 AND ended_at IS NOT NULL`, enc.ID); n != 2 {
		t.Errorf("expected 2 closed stays, got %d", n)
	}
}
