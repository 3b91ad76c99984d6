package main

import (
	"context"
	"flag"
	"os"
	"time"

	"debts/internal/cli"
	applog "debts/internal/log"
	"debts/internal/scheduler"
	"debts/internal/services"
)

func main() {
	once := flag.Bool("once", false, "run a single pass over due templates and exit")
	flag.Parse()

	cli.LoadEnvFile()
	logger := cli.SetupLogger(applog.ComponentScheduler)
	cfg := cli.LoadAndValidateConfig(logger)

	logger.Info("Starting recurring-worker")

	deps := cli.InitDeps(context.Background(), logger, cfg, false)
	processor := services.NewRecurringProcessor(deps.Result.Store, deps.Options, cfg.SchedulerConcurrency)

	if *once {
		res, err := processor.ProcessDue(context.Background(), time.Now())
		deps.Close(logger)
		if err != nil {
			logger.Error("Recurring pass failed", "error", err)
			os.Exit(1)
		}
		logger.Info("Recurring pass complete",
			"checked", res.Checked,
			"generated", res.Generated,
			"deactivated", res.Deactivated,
			"failed", res.Failed)
		return
	}

	sched, err := scheduler.New(processor, logger, scheduler.Config{
		Schedule:     cfg.SchedulerSchedule,
		RunOnStartup: cfg.SchedulerRunOnStartup,
	})
	if err != nil {
		logger.Error("Failed to create scheduler", "error", err, "schedule", cfg.SchedulerSchedule)
		deps.Close(logger)
		os.Exit(1)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		// Wait for a running pass before closing the store under it.
		<-sched.Stop().Done()
		deps.Close(logger)
	})

	sched.Start()
	logger.Info("Recurring scheduler started",
		"schedule", cfg.SchedulerSchedule,
		"concurrency", cfg.SchedulerConcurrency,
		"next_run", sched.Next())

	cli.WaitForShutdown(ctx, done)
}
