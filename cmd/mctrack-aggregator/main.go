package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/mctrack/mctrack/pkg/analytics"
	"github.com/mctrack/mctrack/pkg/config"
	"github.com/mctrack/mctrack/pkg/observability"
	"github.com/mctrack/mctrack/pkg/storage"
)

var (
	runOnce         = flag.Bool("run-once", false, "Run aggregation once and exit (for backfills and testing)")
	aggregationDate = flag.String("date", "", "Date to aggregate (YYYY-MM-DD). Defaults to yesterday. Only used with --run-once")
	sweepOnly       = flag.Bool("sweep-only", false, "Only close stale sessions, then exit. Only used with --run-once")
)

func main() {
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := storage.OpenPostgres(cfg.Storage)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer db.Close()

	aggregator := analytics.NewAggregator(db, logger, nil)

	if *runOnce {
		date := time.Now().UTC().AddDate(0, 0, -1)
		if *aggregationDate != "" {
			date, err = time.Parse("2006-01-02", *aggregationDate)
			if err != nil {
				log.WithError(err).Fatal("invalid --date, expected YYYY-MM-DD")
			}
		}

		ctx := context.Background()
		if *sweepOnly {
			closed, err := aggregator.CloseStaleSessions(ctx, cfg.Aggregation.StaleAfter)
			if err != nil {
				log.WithError(err).Fatal("stale session sweep failed")
			}
			log.WithField("closed", closed).Info("stale session sweep completed")
			return
		}

		log.WithField("date", date.Format("2006-01-02")).Info("running aggregation")
		if err := aggregator.RunAll(ctx, date); err != nil {
			log.WithError(err).Fatal("aggregation failed")
		}
		log.Info("aggregation completed successfully")
		return
	}

	c := cron.New()

	_, err = c.AddFunc(cfg.Aggregation.DailySchedule, func() {
		yesterday := time.Now().UTC().AddDate(0, 0, -1)
		log.WithField("date", yesterday.Format("2006-01-02")).Info("starting daily aggregation")

		if err := aggregator.RunAll(context.Background(), yesterday); err != nil {
			log.WithError(err).Error("daily aggregation failed")
		} else {
			log.Info("daily aggregation completed")
		}
	})
	if err != nil {
		log.WithError(err).Fatal("failed to schedule daily aggregation")
	}

	_, err = c.AddFunc(cfg.Aggregation.SweepSchedule, func() {
		closed, err := aggregator.CloseStaleSessions(context.Background(), cfg.Aggregation.StaleAfter)
		if err != nil {
			log.WithError(err).Error("stale session sweep failed")
		} else if closed > 0 {
			log.WithField("closed", closed).Info("stale session sweep completed")
		}
	})
	if err != nil {
		log.WithError(err).Fatal("failed to schedule stale session sweep")
	}

	c.Start()
	log.WithFields(log.Fields{
		"daily_schedule": cfg.Aggregation.DailySchedule,
		"sweep_schedule": cfg.Aggregation.SweepSchedule,
	}).Info("aggregator started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down gracefully")
	<-c.Stop().Done()
	log.Info("aggregator stopped")
}
