// Package app wires the settlement components from configuration.  The
// server and the one-shot settle command share it.
package app

import (
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/booking"
	"github.com/iliyamo/expert-settlement/internal/cache"
	"github.com/iliyamo/expert-settlement/internal/config"
	"github.com/iliyamo/expert-settlement/internal/database"
	"github.com/iliyamo/expert-settlement/internal/payment"
	"github.com/iliyamo/expert-settlement/internal/repository"
	"github.com/iliyamo/expert-settlement/internal/reservation"
	queue_publisher "github.com/iliyamo/expert-settlement/internal/service"
	"github.com/iliyamo/expert-settlement/internal/settlement"
)

// Services holds the wired components.  Publisher and Redis are nil when
// their URLs are not configured.
type Services struct {
	DB           *sql.DB
	Transfers    *repository.TransferRepo
	Audit        *repository.AuditRepo
	Reservations *reservation.Manager
	Stripe       *payment.Client
	Publisher    *queue_publisher.Publisher
	Redis        *redis.Client
	LocalCache   *cache.LocalBackend
	Scheduler    *settlement.Scheduler
	Admin        *settlement.Admin
	Booking      *booking.Service
}

// InitializeServices opens the database, applies migrations and builds
// every component.  On error everything opened so far is closed.
func InitializeServices(cfg config.Config, log *zap.Logger) (*Services, error) {
	db, err := database.Open(database.Options{
		Driver: cfg.DBDriver,
		User:   cfg.DBUser,
		Pass:   cfg.DBPass,
		Host:   cfg.DBHost,
		Port:   cfg.DBPort,
		Name:   cfg.DBName,
		Path:   cfg.DBPath,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := database.Migrate(db, cfg.DBDriver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("database ready", zap.String("driver", cfg.DBDriver))

	delays, err := config.LoadJurisdictions(cfg.JurisdictionFile, cfg.Settlement.DefaultDelayDays)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Services{
		DB:        db,
		Transfers: repository.NewTransferRepo(db),
		Audit:     repository.NewAuditRepo(db),
		Stripe: payment.NewClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret,
			cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL, log),
	}
	s.Reservations = reservation.NewManager(repository.NewSlotReservationRepo(db), cfg.Settlement.HoldTTL, s.Stripe, nil, log)

	// A nil interface keeps the scheduler from publishing when no broker is set.
	var pub settlement.Publisher
	if cfg.AMQPURL != "" {
		s.Publisher = queue_publisher.NewPublisher(cfg.AMQPURL, cfg.SettlementQueue, log)
		pub = s.Publisher
	}

	s.Scheduler = settlement.NewScheduler(settlement.SchedulerDeps{
		Transfers: s.Transfers,
		Audit:     s.Audit,
		Settler:   s.Stripe,
		Publisher: pub,
		Sweeper:   s.Reservations,
		Logger:    log,
	}, cfg.Settlement)
	s.Admin = settlement.NewAdmin(settlement.AdminDeps{
		Transfers:     s.Transfers,
		Audit:         s.Audit,
		Settler:       s.Stripe,
		Publisher:     pub,
		RemoteTimeout: cfg.Settlement.RemoteTimeout,
		Logger:        log,
	})

	s.Redis = config.NewRedisClient()
	var distributed cache.Backend
	if s.Redis != nil {
		distributed = cache.NewRedisBackend(s.Redis, cfg.Idempotency.Prefix)
	}
	s.LocalCache = cache.NewLocalBackend(nil)
	s.Booking = booking.NewService(booking.Deps{
		Reservations: s.Reservations,
		Transfers:    s.Transfers,
		Checkout:     s.Stripe,
		Cache: cache.NewFallbackCache(distributed, s.LocalCache, cache.Options{
			OpTimeout:     cfg.Idempotency.OpTimeout,
			RetryInterval: cfg.Idempotency.RetryInterval,
			Logger:        log,
		}),
		CacheTTL: cfg.Idempotency.TTL,
		Delays:   delays,
		FeeRate:  cfg.Settlement.PlatformFeeRate,
		Logger:   log,
	})
	return s, nil
}

// Close releases the broker connection, Redis and the database.
func (s *Services) Close() {
	if s.Publisher != nil {
		_ = s.Publisher.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	_ = s.DB.Close()
}
