package pharmacy

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/matokham-ai/hospital-sub013/internal/platform/lock"
	"github.com/matokham-ai/hospital-sub013/internal/platform/metrics"
)

const sweepLock = "pharmacy.reservation-sweeper"

// SweeperConfig tunes the reservation sweeper.
type SweeperConfig struct {
	TTL       time.Duration // how long a reservation holds stock
	Interval  time.Duration // time between sweeps in Run
	BatchSize int           // reservations read per page
}

// ReservationSweeper returns stock held by prescriptions that were never
// dispensed.
type ReservationSweeper struct {
	svc     *Service
	repo    Repository
	cfg     SweeperConfig
	locker  lock.Locker
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewReservationSweeper(svc *Service, repo Repository, cfg SweeperConfig, locker lock.Locker, m *metrics.Metrics, logger zerolog.Logger) *ReservationSweeper {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if locker == nil {
		locker = lock.Local{}
	}
	return &ReservationSweeper{
		svc:     svc,
		repo:    repo,
		cfg:     cfg,
		locker:  locker,
		metrics: m,
		logger:  logger.With().Str("component", "reservation-sweeper").Logger(),
	}
}

// ReleaseExpired releases every reservation older than now minus the TTL,
// reading them BatchSize at a time. Each release runs in its own
// transaction; a failure is logged and counted and the sweep moves past it,
// so a row that keeps failing never hides the ones behind it.
func (s *ReservationSweeper) ReleaseExpired(ctx context.Context, now time.Time) (released, failed int, err error) {
	cutoff := now.Add(-s.cfg.TTL)
	var after ReservationKey
	for ctx.Err() == nil {
		page, err := s.repo.ExpiredReservations(ctx, cutoff, after, s.cfg.BatchSize)
		if err != nil {
			return released, failed, err
		}
		for _, r := range page {
			if ctx.Err() != nil {
				break
			}
			ok, err := s.svc.ReleaseReservation(ctx, r.ID, cutoff)
			if err != nil {
				failed++
				s.metrics.ReservationReleaseFailed()
				s.logger.Error().Err(err).Str("prescription_id", r.ID.String()).Msg("release reservation failed")
				continue
			}
			if ok {
				released++
				s.metrics.ReservationReleased()
			}
		}
		if len(page) < s.cfg.BatchSize {
			break
		}
		after = page[len(page)-1]
	}
	if released > 0 || failed > 0 {
		s.logger.Info().Int("released", released).Int("failed", failed).
			Time("cutoff", cutoff).Msg("reservation sweep finished")
	}
	return released, failed, nil
}

// Sweep runs ReleaseExpired unless another instance holds the sweep lease.
func (s *ReservationSweeper) Sweep(ctx context.Context) {
	release, ok, err := s.locker.TryLock(ctx, sweepLock, s.cfg.Interval)
	if err != nil {
		s.logger.Warn().Err(err).Msg("sweep lease unavailable")
		return
	}
	if !ok {
		s.logger.Debug().Msg("another instance is sweeping")
		return
	}
	defer release()
	if _, _, err := s.ReleaseExpired(ctx, s.svc.now()); err != nil {
		s.logger.Error().Err(err).Msg("list expired reservations")
	}
}

// Run sweeps once at start and then every interval until ctx is done.
func (s *ReservationSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("ttl", s.cfg.TTL).Dur("interval", s.cfg.Interval).Msg("reservation sweeper started")
	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("reservation sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
