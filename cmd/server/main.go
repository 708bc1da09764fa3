package main // Entry point package

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"                   // Echo web framework
	echomw "github.com/labstack/echo/v4/middleware" // request recovery and body limits
	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/app"        // component wiring
	"github.com/iliyamo/expert-settlement/internal/config"     // Internal config loader
	"github.com/iliyamo/expert-settlement/internal/handler"    // HTTP handlers
	"github.com/iliyamo/expert-settlement/internal/logger"     // zap setup
	"github.com/iliyamo/expert-settlement/internal/middleware" // rate limiting
	"github.com/iliyamo/expert-settlement/internal/queue"      // payment.completed consumer
	"github.com/iliyamo/expert-settlement/internal/router"     // Internal router setup
)

func main() {
	log, flush := logger.InitializeLogger(os.Getenv("APP_ENV"))
	defer flush()

	cfg := config.Load() // Load environment config
	secret := cfg.RequireJWTSecret()

	svc, err := app.InitializeServices(cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go svc.LocalCache.RunSweeper(ctx, cfg.Idempotency.SweepInterval)

	if cfg.AMQPURL != "" {
		consumer := queue.NewConsumer(cfg.AMQPURL, cfg.PaymentQueue, svc.Booking, log)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("payment consumer stopped", zap.Error(err))
			}
		}()
	} else {
		log.Info("AMQP_URL not set, queue intake and settlement events disabled")
	}

	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.BodyLimit("1M"))
	router.RegisterRoutes(e, router.Deps{ // Register application routes
		JWTSecret: secret,
		DB:        svc.DB,
		Booking:   handler.NewBookingHandler(svc.Booking, log),
		Webhook:   handler.NewWebhookHandler(svc.Stripe, svc.Booking, log),
		Admin:     handler.NewAdminHandler(svc.Admin, log),
		Scheduler: handler.NewSchedulerHandler(svc.Scheduler, log),
		RateLimit: middleware.NewTokenBucket(cfg.RateLimit, svc.Redis, log),
	})

	addr := ":" + cfg.Port // Address string with port
	go func() {
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
