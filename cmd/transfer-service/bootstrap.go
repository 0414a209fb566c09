package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/omoke1/Flowpay-sub000/internal/app"
	"github.com/omoke1/Flowpay-sub000/internal/config"
	"github.com/omoke1/Flowpay-sub000/internal/notify"
	"github.com/omoke1/Flowpay-sub000/internal/store"
	"github.com/omoke1/Flowpay-sub000/pkg/ledgerclient"
	applog "github.com/omoke1/Flowpay-sub000/pkg/log"
	"github.com/omoke1/Flowpay-sub000/pkg/rabbitmq"
	"github.com/omoke1/Flowpay-sub000/pkg/resendclient"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// runtime holds the process-wide dependencies shared by every subcommand.
type runtime struct {
	cfg      config.Config
	pool     *pgxpool.Pool
	producer rabbitmq.Publisher
	service  *app.Service
	closers  []func()
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config-path")
	if path == "" {
		path = "."
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return cfg, fmt.Errorf("config load failed: %w", err)
	}

	level, err := applog.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return cfg, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	applog.Init(applog.Options{LogLevel: level, Type: applog.ParseLoggerType(cfg.LogFormat)})
	return cfg, nil
}

func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Poolers in front of Postgres reject cached prepared statements.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

// newRuntime connects the database, broker and ledger and builds the service.
func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	pool, err := openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	rt.pool = pool
	rt.closers = append(rt.closers, pool.Close)
	applog.Bootstrap.Info().Msg("database connected")

	ledger, err := newLedger(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.producer = &rabbitmq.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		applog.Bootstrap.Warn().Msg("RABBITMQ_URL not set; lifecycle events will be dropped")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		applog.Bootstrap.Warn().Err(err).Msg("rabbitmq producer unavailable; using fallback")
	} else {
		rt.producer = producer
		rt.closers = append(rt.closers, producer.Close)
		applog.Bootstrap.Info().Msg("rabbitmq producer connected")
	}

	rt.service = app.NewService(
		store.NewPostgresRepository(pool),
		ledger,
		newNotifier(cfg, rt.producer),
		rt.producer,
		app.Options{
			ClaimBaseURL:      cfg.ClaimBaseURL,
			ExpiryWindow:      cfg.ExpiryWindow(),
			ReminderWindow:    cfg.ReminderWindow(),
			FiatTokens:        cfg.FiatTokens(),
			FiatBridgeAddress: cfg.FiatBridgeAddress,
			EventsExchange:    cfg.EventsExchange,
			SweepBatchSize:    cfg.SweepBatchSize,
			SweepConcurrency:  cfg.SweepConcurrency,
			ReconcileAfter:    cfg.ReconcileAfter(),
		},
	)
	rt.closers = append(rt.closers, rt.service.Wait)
	return rt, nil
}

func newLedger(cfg config.Config) (app.Ledger, error) {
	switch cfg.LedgerMode {
	case config.LedgerModeMemory:
		applog.Bootstrap.Warn().Msg("using in-memory ledger; balances are lost on restart")
		return ledgerclient.NewMemory(), nil
	case config.LedgerModeHTTP:
		if strings.TrimSpace(cfg.LedgerAPIURL) == "" {
			return nil, fmt.Errorf("LEDGER_API_URL is required when LEDGER_MODE=http")
		}
		return ledgerclient.NewClient(cfg.LedgerAPIURL, cfg.LedgerAPIKey, cfg.LedgerSealTimeout(), cfg.LedgerPollInterval()), nil
	default:
		return nil, fmt.Errorf("unknown LEDGER_MODE %q", cfg.LedgerMode)
	}
}

// httpRequestTimeout keeps the router's timeout above the slowest ledger
// round trip a single request can make: one submit followed by a full seal wait.
func httpRequestTimeout(cfg config.Config) time.Duration {
	return ledgerclient.RequestTimeout + cfg.LedgerSealTimeout() + 30*time.Second
}

// newNotifier picks email, broker events or both. In auto mode email is used
// when a Resend key is configured.
func newNotifier(cfg config.Config, producer rabbitmq.Publisher) app.Notifier {
	events := notify.NewEventNotifier(producer, cfg.EventsExchange)
	hasEmail := strings.TrimSpace(cfg.ResendAPIKey) != ""
	email := func() *notify.EmailNotifier {
		return notify.NewEmailNotifier(resendclient.NewClient(cfg.ResendAPIURL, cfg.ResendAPIKey), cfg.ResendFromEmail)
	}

	switch cfg.NotifierMode {
	case config.NotifierModeEmail:
		return email()
	case config.NotifierModeEvents:
		return events
	case config.NotifierModeBoth:
		return notify.Fanout{email(), events}
	default:
		if hasEmail {
			applog.Bootstrap.Info().Msg("notifications delivered by email")
			return email()
		}
		applog.Bootstrap.Info().Msg("RESEND_API_KEY not set; notifications published as events")
		return events
	}
}

// newRateLimiter returns nil when rate limiting is disabled or Redis is unreachable.
func newRateLimiter(ctx context.Context, cfg config.Config) (*app.RedisRateLimiter, func()) {
	if cfg.ClaimRateLimitPerMinute <= 0 && cfg.DetailsRateLimitPerMinute <= 0 {
		return nil, func() {}
	}
	if cfg.RedisURL == "" {
		applog.Bootstrap.Warn().Msg("redis url missing; claim rate limiting disabled")
		return nil, func() {}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		applog.Bootstrap.Warn().Err(err).Msg("redis url parse failed; claim rate limiting disabled")
		return nil, func() {}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		applog.Bootstrap.Warn().Err(err).Msg("redis ping failed; claim rate limiting disabled")
		client.Close()
		return nil, func() {}
	}
	applog.Bootstrap.Info().Msg("redis connected")
	return app.NewRedisRateLimiter(client, cfg.RedisRateLimitPrefix), func() { client.Close() }
}
