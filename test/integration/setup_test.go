//go:build integration

// Package integration runs the services against a real PostgreSQL. Each test
// gets its own schema with every migration applied. Set HMS_TEST_DATABASE_URL
// to reuse a running server instead of starting a container.
package integration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/matokham-ai/hospital-sub013/internal/domain/admin"
	"github.com/matokham-ai/hospital-sub013/internal/domain/billing"
	"github.com/matokham-ai/hospital-sub013/internal/domain/diagnostics"
	"github.com/matokham-ai/hospital-sub013/internal/domain/encounter"
	"github.com/matokham-ai/hospital-sub013/internal/domain/patient"
	"github.com/matokham-ai/hospital-sub013/internal/domain/pharmacy"
	"github.com/matokham-ai/hospital-sub013/internal/domain/scheduling"
	"github.com/matokham-ai/hospital-sub013/internal/platform/cache"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
	"github.com/matokham-ai/hospital-sub013/internal/platform/events"
	"github.com/matokham-ai/hospital-sub013/internal/platform/lock"
	"github.com/matokham-ai/hospital-sub013/internal/platform/seed"
	"github.com/matokham-ai/hospital-sub013/migrations"
)

var connStr string

func TestMain(m *testing.M) {
	ctx := context.Background()

	cleanup := func() {}
	connStr = os.Getenv("HMS_TEST_DATABASE_URL")
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgres(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	code := m.Run()
	cleanup()
	os.Exit(code)
}

// env is a fully wired set of services on a fresh schema. Queued listeners
// run inline because the dispatcher has no queue.
type env struct {
	pool        *pgxpool.Pool
	admin       *admin.Service
	patients    *patient.Service
	encounters  *encounter.Service
	billing     *billing.Service
	diagnostics *diagnostics.Service
	pharmacy    *pharmacy.Service
	scheduling  *scheduling.Service
	sweeper     *pharmacy.ReservationSweeper
	seeder      *seed.Seeder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	schema := "it_" + randomHex(t, 6)
	root, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := root.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		root.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
		root.Close()
	})

	pool, err := pgxpool.New(ctx, withSearchPath(t, connStr, schema))
	if err != nil {
		t.Fatalf("connect to schema: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := zerolog.Nop()
	dispatcher := events.NewDispatcher(logger)
	tx := db.NewTxRunner(pool)
	prices := cache.New(time.Minute)

	e := &env{pool: pool}
	e.admin = admin.NewService(admin.NewDepartmentRepo(pool), admin.NewWardRepo(pool), admin.NewBedRepo(pool), tx)
	e.admin.SetPriceCache(prices)
	e.patients = patient.NewService(patient.NewRepo(pool), tx, dispatcher)
	e.encounters = encounter.NewService(encounter.NewRepo(pool), tx, dispatcher)
	e.diagnostics = diagnostics.NewService(diagnostics.NewRepo(pool), tx, dispatcher)
	e.diagnostics.SetPriceCache(prices)

	pharmacyRepo := pharmacy.NewRepo(pool)
	e.pharmacy = pharmacy.NewService(pharmacyRepo, tx, dispatcher)
	e.pharmacy.SetPriceCache(prices)

	e.billing = billing.NewService(billing.NewRepo(pool), billing.NewCachedPriceBook(billing.NewPriceBook(pool), prices), tx, dispatcher)
	billing.NewListeners(e.billing, nil, "Integration Hospital", "KES", logger).Register(dispatcher)

	e.scheduling = scheduling.NewService(scheduling.NewRepo(pool), e.encounters, tx, dispatcher)
	e.seeder = seed.NewSeeder(e.admin, e.pharmacy, e.diagnostics, logger)
	e.sweeper = pharmacy.NewReservationSweeper(e.pharmacy, pharmacyRepo, pharmacy.SweeperConfig{
		TTL:       30 * time.Minute,
		Interval:  time.Minute,
		BatchSize: 50,
	}, lock.Local{}, nil, logger)
	return e
}

func withSearchPath(t *testing.T, conn, schema string) string {
	t.Helper()
	u, err := url.Parse(conn)
	if err != nil {
		t.Fatalf("parse connection string: %v", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}

func randomHex(t *testing.T, n int) string {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(b)
}

// count runs a COUNT(*) style query and returns the result.
func (e *env) count(t *testing.T, sql string, args ...interface{}) int {
	t.Helper()
	var n int
	if err := e.pool.QueryRow(context.Background(), sql, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", sql, err)
	}
	return n
}

// seedCatalog loads one department with a two-bed ward, a drug and a test.
func (e *env) seedCatalog(t *testing.T) {
	t.Helper()
	cat := &seed.Catalog{
		Departments: []seed.DepartmentSpec{{
			Code: "GEN", Name: "General Medicine", ConsultationFee: 50,
			Wards: []seed.WardSpec{{Code: "GM1", Name: "General 1", DailyRate: 120, Beds: 2}},
		}},
		Drugs: []pharmacy.DrugInput{{Code: "AMOX500", Name: "Amoxicillin", Form: "capsule", UnitPrice: 0.5, StockQuantity: 10}},
		Tests: []diagnostics.TestInput{{Code: "CBC", Name: "Complete Blood Count", Price: 15}},
	}
	if _, err := e.seeder.Apply(context.Background(), cat); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
}

func (e *env) register(t *testing.T, first, last string) *patient.Patient {
	t.Helper()
	p, err := e.patients.Register(context.Background(), &patient.Input{
		FirstName: first,
		LastName:  last,
		BirthDate: "1985-04-12",
		Gender:    "female",
	})
	if err != nil {
		t.Fatalf("register patient: %v", err)
	}
	return p
}
