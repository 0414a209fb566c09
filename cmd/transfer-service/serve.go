package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/omoke1/Flowpay-sub000/internal/api"
	"github.com/omoke1/Flowpay-sub000/internal/app"
	"github.com/omoke1/Flowpay-sub000/internal/domain"
	"github.com/omoke1/Flowpay-sub000/internal/store"
	applog "github.com/omoke1/Flowpay-sub000/pkg/log"
	"github.com/omoke1/Flowpay-sub000/pkg/rabbitmq"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler and settlement consumer",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	applog.Bootstrap.Info().Str("port", cfg.ServerPort).Str("version", Version).Msg("starting transfer-service")

	ctx := context.Background()
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	applied, err := store.RunMigrations(ctx, rt.pool)
	if err != nil {
		return err
	}
	applog.Bootstrap.Info().Int("applied", applied).Msg("migrations up to date")

	limiter, closeLimiter := newRateLimiter(ctx, cfg)
	defer closeLimiter()
	var rateLimiter api.RateLimiter
	if limiter != nil {
		rateLimiter = limiter
	}

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq consumer init failed: %w", err)
		}
		defer consumer.Close()
		bindings := map[string]rabbitmq.Handler{
			domain.EventFiatSettlementCompleted: rt.service.HandleFiatSettlementCompleted,
		}
		if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.FiatSettlementQueue, bindings); err != nil {
			return fmt.Errorf("fiat settlement consumer start failed: %w", err)
		}
	}

	scheduler := app.NewScheduler(rt.service, app.Schedules{
		Sweep:       cfg.SweepSchedule,
		Reminders:   cfg.ReminderSchedule,
		Reconcile:   cfg.ReconcileSchedule,
		EscrowAudit: cfg.EscrowAuditSchedule,
		JobTimeout:  cfg.JobTimeout(),
	})
	scheduler.Start()

	router := api.NewRouter(api.NewTransferHandlers(rt.service), api.RouterConfig{
		Keyfunc:          api.NewJWKSKeySource(cfg.JWKSURL).Keyfunc,
		JWTAudience:      cfg.JWTAudience,
		JWTIssuer:        cfg.JWTIssuer,
		InternalAPIKey:   cfg.InternalAPIKey,
		AllowedOrigins:   cfg.AllowedOrigins(),
		RateLimiter:      rateLimiter,
		ClaimRateLimit:   cfg.ClaimRateLimitPerMinute,
		DetailsRateLimit: cfg.DetailsRateLimitPerMinute,
		RequestTimeout:   httpRequestTimeout(cfg),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      httpRequestTimeout(cfg) + 10*time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		applog.API.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serverErr:
		applog.API.Error().Err(err).Msg("server stopped unexpectedly")
	}
	applog.API.Info().Msg("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		applog.API.Error().Err(err).Msg("shutdown failed")
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		applog.Scheduler.Warn().Msg("scheduler jobs still running at shutdown")
	}

	applog.API.Info().Msg("shutdown complete")
	return nil
}
