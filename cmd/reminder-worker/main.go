package main

import (
	"context"
	"errors"
	"os"
	"time"

	"debts/internal/cli"
	applog "debts/internal/log"
	"debts/internal/notify"
	"debts/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(applog.ComponentReminder)
	cfg := cli.LoadAndValidateConfig(logger)

	logger.Info("Starting reminder-worker")

	deps := cli.InitDeps(context.Background(), logger, cfg, true)
	reminders := worker.NewReminderWorker(deps.Result.Store, notify.NewLogNotifier(logger))

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	logger.Info("Consuming reminders", "queue", cfg.AMQPReminderQueue)
	err := deps.AMQP.ConsumeReminders(ctx, reminders.HandleReminder)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Reminder consumer stopped", "error", err)
		deps.Close(logger)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	deps.Close(logger)
	logger.Info("Reminder-worker stopped")
}
