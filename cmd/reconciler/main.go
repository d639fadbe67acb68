package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/copyforge/pipeline/internal/config"
	"github.com/copyforge/pipeline/internal/database"
	"github.com/copyforge/pipeline/internal/events"
	"github.com/copyforge/pipeline/internal/logging"
	"github.com/copyforge/pipeline/internal/orchestrator"
	"github.com/copyforge/pipeline/internal/quota"
	"github.com/copyforge/pipeline/internal/webhook"
	"github.com/copyforge/pipeline/pkg/models"
)

// The reconciler runs beside the API instances. It settles generation jobs
// they abandoned (crashed processes leave jobs non-terminal with their
// quota reservations held) and, when a webhook endpoint is configured,
// drains the terminal job event queue into outbound notifications.
func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ledger := quota.NewLedger(rdb, cfg.Quota.Limits())
	rec := orchestrator.NewReconciler(repo, ledger, log, cfg.Pipeline.StaleAfter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Info("Shutting down reconciler...")
		cancel()
	}()

	if notifier := webhook.NewNotifier(cfg.Webhook, log); notifier != nil {
		publisher, err := events.New(cfg.Queue)
		if err != nil {
			log.Fatalf("Failed to connect to message queue: %v", err)
		}
		defer publisher.Close()

		go func() {
			if err := publisher.ConsumeJobEvents(ctx, func(ev models.JobEvent) error {
				return notifier.Notify(ctx, ev)
			}); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("Job event consumer stopped")
			}
		}()
		log.Infof("Webhook notifier enabled for %s", cfg.Webhook.URL)
	}

	// One sweep up front so a restart does not wait a full interval.
	if settled, err := rec.Sweep(ctx); err != nil {
		log.WithError(err).Error("Initial reconciliation sweep failed")
	} else if settled > 0 {
		log.Infof("Settled %d stale jobs on startup", settled)
	}

	interval := cfg.Pipeline.StaleAfter / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	log.Infof("Reconciler running, sweep interval %s", interval)
	rec.Run(ctx, interval)

	log.Info("Reconciler stopped")
}
