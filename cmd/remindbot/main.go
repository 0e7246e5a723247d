package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"remindbot/internal/bot"
	"remindbot/internal/config"
	"remindbot/internal/logging"
	"remindbot/internal/repository"
	"remindbot/internal/scheduler"
	"remindbot/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional, env vars override)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "remindbot: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Console)

	defaultLoc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return fmt.Errorf("default timezone %q: %w", cfg.DefaultTimezone, err)
	}

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	userRepo := repository.NewUserRepository(db)
	reminderRepo := repository.NewReminderRepository(db)

	engine := scheduler.New(scheduler.Config{
		RetryLimit:         cfg.Scheduler.RetryLimit,
		RetryBackoff:       cfg.Scheduler.RetryBackoff,
		DeliveryTimeout:    cfg.Scheduler.DeliveryTimeout,
		ClockSkewTolerance: cfg.Scheduler.ClockSkewTolerance,
		Workers:            cfg.Scheduler.Workers,
	}, reminderRepo, log.With().Str("component", "scheduler").Logger())

	reminderSvc := service.NewReminderService(reminderRepo, engine, defaultLoc, log.With().Str("component", "service").Logger())

	telegramBot, err := bot.New(cfg.TelegramToken, userRepo, reminderSvc, log.With().Str("component", "bot").Logger())
	if err != nil {
		return fmt.Errorf("bot: %w", err)
	}
	engine.SetDispatcher(telegramBot)

	// Rebuild the schedule before the engine starts firing; a failed scan
	// aborts startup rather than silently dropping reminders.
	recovery := scheduler.NewRecovery(reminderRepo, engine, cfg.Scheduler.RetryLimit, cfg.Scheduler.StaleCutoff,
		log.With().Str("component", "recovery").Logger())
	if err := recovery.Restore(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer engine.Stop()

	maintenance := service.NewMaintenanceService(defaultLoc)
	if cfg.Maintenance.PurgeInterval > 0 {
		if _, err := maintenance.ScheduleInterval(cfg.Maintenance.PurgeInterval, func() {
			jobCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := reminderRepo.PurgeTerminal(jobCtx, time.Now().Add(-cfg.Maintenance.Retention))
			if err != nil {
				log.Error().Err(err).Msg("purge terminal reminders")
				return
			}
			if n > 0 {
				log.Info().Int64("purged", n).Msg("terminal reminders purged")
			}
		}); err != nil {
			return fmt.Errorf("schedule purge: %w", err)
		}
	}
	if cfg.Maintenance.SummaryTime != "" {
		if _, err := maintenance.ScheduleDaily(cfg.Maintenance.SummaryTime, func() {
			jobCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := telegramBot.SendDigests(jobCtx); err != nil {
				log.Error().Err(err).Msg("send digests")
			}
		}); err != nil {
			return fmt.Errorf("schedule digest: %w", err)
		}
	}
	maintenance.Start()
	defer maintenance.Stop()

	log.Info().Msg("remindbot started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return telegramBot.Start(gctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("bot stopped: %w", err)
	}

	log.Info().Msg("shutdown complete")
	return nil
}
