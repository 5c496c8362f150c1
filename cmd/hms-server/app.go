package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	rdb "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/matokham-ai/hospital-sub013/internal/config"
	"github.com/matokham-ai/hospital-sub013/internal/domain/admin"
	"github.com/matokham-ai/hospital-sub013/internal/domain/billing"
	"github.com/matokham-ai/hospital-sub013/internal/domain/dashboard"
	"github.com/matokham-ai/hospital-sub013/internal/domain/diagnostics"
	"github.com/matokham-ai/hospital-sub013/internal/domain/encounter"
	"github.com/matokham-ai/hospital-sub013/internal/domain/imports"
	"github.com/matokham-ai/hospital-sub013/internal/domain/patient"
	"github.com/matokham-ai/hospital-sub013/internal/domain/pharmacy"
	"github.com/matokham-ai/hospital-sub013/internal/domain/reports"
	"github.com/matokham-ai/hospital-sub013/internal/domain/scheduling"
	"github.com/matokham-ai/hospital-sub013/internal/platform/blobstore"
	"github.com/matokham-ai/hospital-sub013/internal/platform/broadcast"
	"github.com/matokham-ai/hospital-sub013/internal/platform/cache"
	"github.com/matokham-ai/hospital-sub013/internal/platform/db"
	"github.com/matokham-ai/hospital-sub013/internal/platform/events"
	"github.com/matokham-ai/hospital-sub013/internal/platform/lock"
	"github.com/matokham-ai/hospital-sub013/internal/platform/mail"
	"github.com/matokham-ai/hospital-sub013/internal/platform/metrics"
	"github.com/matokham-ai/hospital-sub013/internal/platform/seed"
)

const sweepBatchSize = 200

// app holds every wired service. The serve, seed and reservations commands
// all build one so they share the same listeners and caches.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	redis   *rdb.Client
	metrics *metrics.Metrics

	dispatcher *events.Dispatcher
	queue      events.Queue
	hub        *broadcast.Hub
	relay      *broadcast.RedisRelay
	store      blobstore.Store

	admin       *admin.Service
	patients    *patient.Service
	encounters  *encounter.Service
	billing     *billing.Service
	diagnostics *diagnostics.Service
	pharmacy    *pharmacy.Service
	scheduling  *scheduling.Service
	dashboard   *dashboard.Service
	reports     *reports.Service
	importer    *imports.Importer
	seeder      *seed.Seeder
	sweeper     *pharmacy.ReservationSweeper
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, newLogger(os.Getenv("ENV")), err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}
	return cfg, logger, nil
}

// openRedis returns nil when REDIS_URL is unset; callers fall back to the
// in-process queue, hub and lock.
func openRedis(ctx context.Context, url string) (*rdb.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := rdb.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := rdb.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:               cfg.DatabaseURL,
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		MaxConnLifetime:   cfg.DBMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBHealthCheckPeriod,
		StatementTimeout:  cfg.DBStatementTimeout,
		ConnectAttempts:   cfg.DBConnectAttempts,
		ConnectBackoff:    time.Second,
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, pool: pool}

	if a.redis, err = openRedis(ctx, cfg.RedisURL); err != nil {
		pool.Close()
		return nil, err
	}

	if a.metrics, err = metrics.New(prometheus.NewRegistry()); err != nil {
		a.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if a.redis != nil {
		a.queue = events.NewRedisQueue(a.redis, "hms:events", cfg.QueueWorkers, logger)
	} else {
		a.queue = events.NewMemoryQueue(cfg.QueueBuffer, cfg.QueueWorkers, logger)
	}
	a.dispatcher = events.NewDispatcher(logger, events.WithQueue(a.queue), events.WithMetrics(a.metrics))

	a.hub = broadcast.NewHub(logger)
	var pub broadcast.Publisher = a.hub
	if a.redis != nil {
		a.relay = broadcast.NewRedisRelay(a.hub, a.redis, logger)
		pub = a.relay
	}

	if cfg.ObjectStoreEnabled() {
		a.store, err = blobstore.NewMinIO(ctx, blobstore.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to object storage: %w", err)
		}
	} else {
		logger.Warn().Msg("object storage not configured, archived receipts are kept in memory")
		a.store = blobstore.NewMemory(cfg.MinIOBucket)
	}

	tx := db.NewTxRunner(pool)
	prices := cache.New(cfg.CatalogCacheTTL)

	a.admin = admin.NewService(admin.NewDepartmentRepo(pool), admin.NewWardRepo(pool), admin.NewBedRepo(pool), tx)
	a.admin.SetPriceCache(prices)
	a.patients = patient.NewService(patient.NewRepo(pool), tx, a.dispatcher)
	a.encounters = encounter.NewService(encounter.NewRepo(pool), tx, a.dispatcher)

	a.diagnostics = diagnostics.NewService(diagnostics.NewRepo(pool), tx, a.dispatcher)
	a.diagnostics.SetPriceCache(prices)

	pharmacyRepo := pharmacy.NewRepo(pool)
	a.pharmacy = pharmacy.NewService(pharmacyRepo, tx, a.dispatcher)
	a.pharmacy.SetPriceCache(prices)

	priceBook := billing.NewCachedPriceBook(billing.NewPriceBook(pool), prices)
	a.billing = billing.NewService(billing.NewRepo(pool), priceBook, tx, a.dispatcher)
	a.billing.SetMetrics(a.metrics)

	var sender mail.Sender = mail.LogSender{Logger: logger}
	if cfg.MailEnabled() {
		sender = mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUser, cfg.SMTPPassword, logger)
	}
	mailer := mail.NewMailer(mail.NewTemplates(), sender)
	billing.NewListeners(a.billing, mailer, cfg.HospitalName, cfg.Currency, logger).Register(a.dispatcher)

	a.scheduling = scheduling.NewService(scheduling.NewRepo(pool), a.encounters, tx, a.dispatcher)
	scheduling.NewBroadcaster(pub).Register(a.dispatcher)

	a.dashboard = dashboard.NewService(dashboard.NewScalar(pool), cfg.Location())
	a.reports = reports.NewService(a.billing, a.store, cfg.HospitalName, cfg.Currency, cfg.ReceiptURLTTL)
	a.importer = imports.NewImporter(a.patients, a.pharmacy, a.diagnostics, logger)
	a.seeder = seed.NewSeeder(a.admin, a.pharmacy, a.diagnostics, logger)

	var locker lock.Locker = lock.Local{}
	if a.redis != nil {
		locker = lock.NewRedis(a.redis)
	}
	a.sweeper = pharmacy.NewReservationSweeper(a.pharmacy, pharmacyRepo, pharmacy.SweeperConfig{
		TTL:       cfg.ReservationTTL,
		Interval:  cfg.ReservationSweepInterval,
		BatchSize: sweepBatchSize,
	}, locker, a.metrics, logger)

	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.pool.Close()
}
