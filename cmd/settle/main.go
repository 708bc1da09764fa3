// Command settle runs one scheduler pass and exits.  It is meant for cron
// or a Kubernetes CronJob; overlapping runs are safe because every record
// is claimed before it is attempted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/app"
	"github.com/iliyamo/expert-settlement/internal/config"
	"github.com/iliyamo/expert-settlement/internal/logger"
	"github.com/iliyamo/expert-settlement/internal/settlement"
)

func main() {
	asOf := flag.String("at", "", "evaluate due records as of this RFC3339 time instead of now")
	printJSON := flag.Bool("json", false, "print the per-record results as JSON on stdout")
	flag.Parse()

	log, flush := logger.InitializeLogger(os.Getenv("APP_ENV"))
	defer flush()

	now := time.Now().UTC()
	if *asOf != "" {
		t, err := time.Parse(time.RFC3339, *asOf)
		if err != nil {
			log.Fatal("invalid -at", zap.String("value", *asOf), zap.Error(err))
		}
		now = t.UTC()
	}

	cfg := config.Load()
	svc, err := app.InitializeServices(cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := svc.Scheduler.RunOnce(ctx, now)
	if err != nil {
		log.Error("scheduler pass failed", zap.Error(err))
		flush()
		os.Exit(1)
	}

	summary := map[string]int{}
	for _, r := range results {
		summary[r.Outcome]++
	}
	log.Info("scheduler pass done", zap.Time("now", now), zap.Int("records", len(results)), zap.Any("summary", summary))

	if *printJSON {
		if results == nil {
			results = []settlement.TransitionResult{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
	}
}
