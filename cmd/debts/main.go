package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"debts/internal/cli"
	apphttp "debts/internal/http"
	applog "debts/internal/log"
	"debts/internal/services"
)

const tokenLifetime = 24 * time.Hour

func main() {
	issueToken := flag.String("issue-token", "", "print a bearer token for the given owner id and exit")
	flag.Parse()

	cli.LoadEnvFile()
	logger := cli.SetupLogger(applog.ComponentHTTP)
	cfg := cli.LoadAndValidateConfig(logger)

	var tokens *apphttp.TokenManager
	if cfg.AuthEnabled() {
		tokens = apphttp.NewTokenManager(cfg.JWTSecret, tokenLifetime)
	}

	if *issueToken != "" {
		if tokens == nil {
			logger.Error("JWT_SECRET must be set to issue tokens")
			os.Exit(1)
		}
		token, err := tokens.Generate(*issueToken)
		if err != nil {
			logger.Error("Failed to issue token", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	deps := cli.InitDeps(context.Background(), logger, cfg, false)
	store := deps.Result.Store

	var publisher services.ReminderPublisher
	if deps.AMQP != nil {
		publisher = deps.AMQP
	} else {
		logger.Info("AMQP disabled, reminders are unavailable")
	}

	srv := apphttp.NewServer(apphttp.Services{
		Obligations: services.NewObligationService(store, deps.Options),
		Ledgers:     services.NewLedgerService(store, deps.Options),
		Templates:   services.NewTemplateService(store, deps.Options),
		Reminders:   services.NewReminderService(store, publisher, deps.Options),
	}, apphttp.Config{
		Addr:           ":" + cfg.Port,
		Tokens:         tokens,
		IdempotencyTTL: cfg.IdempotencyTTL,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimit:      cfg.RateLimit,
		Logger:         applog.FromContext(context.Background()).WithComponent(applog.ComponentHTTP),
		Metrics:        deps.Metrics,
		Store:          store,
	})

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		deps.Close(logger)
	})

	logger.Info("Starting debts server",
		"port", cfg.Port,
		"backend", cfg.DataBackend,
		"auth", cfg.AuthEnabled(),
		"amqp", deps.AMQP != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		deps.Close(logger)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
