package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"telephony-bridge/internal/audit"
	"telephony-bridge/internal/auth"
	"telephony-bridge/internal/bridge"
	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/config"
	"telephony-bridge/internal/db/migrate"
	"telephony-bridge/internal/directory"
	"telephony-bridge/internal/httpapi"
	"telephony-bridge/internal/initiator"
	"telephony-bridge/internal/registry"
	"telephony-bridge/internal/relay"
	"telephony-bridge/internal/reporting"
	"telephony-bridge/internal/telephony"
	"telephony-bridge/internal/usage"
	"telephony-bridge/pkg/utils"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// app holds every long-lived component. Optional backends are nil when unconfigured.
type app struct {
	cfg config.Config

	db  *sql.DB
	rdb *redis.Client
	nc  *nats.Conn

	auth      *auth.Manager
	registry  *registry.Registry
	emitter   *usage.Emitter
	initiator *initiator.Initiator
	bridge    *bridge.Bridge
	adapters  telephony.Adapters
	// memUsage backs reporting when no database is configured.
	memUsage  *usage.MemorySink
	handlers  httpapi.Handlers
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var err error
	if a.auth, err = auth.NewManager(cfg.Auth); err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	if err := a.openBackends(ctx, log); err != nil {
		return nil, err
	}

	activity := audit.NewService(a.auditRepo())
	a.registry = registry.New(cfg.Bridge.EvictionGrace, log)
	a.emitter = usage.NewEmitter(usage.Config{
		Workers:     cfg.Usage.Workers,
		QueueSize:   cfg.Usage.QueueSize,
		MaxAttempts: cfg.Usage.MaxAttempts,
		BaseBackoff: cfg.Usage.BaseBackoff,
		MaxBackoff:  cfg.Usage.MaxBackoff,
		ClaimTTL:    cfg.Usage.ClaimTTL,
	}, a.claimer(), log, a.usageSinks(activity, log)...)

	resolver, err := a.directory(log)
	if err != nil {
		return nil, err
	}

	a.adapters, err = a.webhookAdapters()
	if err != nil {
		return nil, err
	}
	controls := a.controls()

	defaultProvider := calls.Provider(cfg.Bridge.DefaultProvider)
	a.initiator = initiator.New(defaultProvider, initiator.Deps{
		Controls: controls,
		Settings: map[calls.Provider]initiator.ProviderSettings{
			calls.ProviderTwilio: {FromNumber: cfg.Twilio.FromNumber, Missing: cfg.ProviderMissing(string(calls.ProviderTwilio))},
			calls.ProviderTelnyx: {FromNumber: cfg.Telnyx.FromNumber, Missing: cfg.ProviderMissing(string(calls.ProviderTelnyx))},
		},
		Registry: a.registry,
		Limiter:  a.limiter(),
		Activity: activity,
	}, log)

	a.bridge = bridge.New(bridge.Deps{
		Registry:  a.registry,
		Directory: resolver,
		Usage:     a.emitter,
		Controls:  controls,
		Agent:     relay.Dialer{URL: cfg.Bridge.AgentMediaURL},
		Relay: relay.Config{
			QueueSize:       cfg.Relay.QueueSize,
			WriteTimeout:    cfg.Relay.WriteTimeout,
			StallTimeout:    cfg.Relay.StallTimeout,
			MaxWriteRetries: cfg.Relay.MaxWriteRetries,
			RetryBackoff:    cfg.Relay.RetryBackoff,
		},
		Capacity:   a.initiator,
		Activity:   activity,
		StaleAfter: cfg.Bridge.StaleAfter,
	}, log)

	a.handlers = httpapi.Handlers{
		Calls:           a.initiator,
		Sessions:        a.bridge,
		Status:          cfg,
		Usage:           reporting.NewService(a.usageRepo()),
		DefaultProvider: defaultProvider,
		Checks:          a.readinessChecks(),
	}

	ok = true
	return a, nil
}

func (a *app) openBackends(ctx context.Context, log *slog.Logger) error {
	cfg := a.cfg
	var err error

	if cfg.DB.Enabled() {
		if cfg.DB.AutoMigrate {
			if err := migrate.Run(cfg.PostgresURL(), migrate.Up); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info("migrations applied")
		}
		a.db, err = utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	} else {
		log.Warn("postgres disabled; usage ledger and call activity stay in memory")
	}

	if cfg.Redis.Enabled() {
		a.rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	} else {
		log.Warn("redis disabled; usage claims and call caps are process-local")
	}

	if cfg.NATS.Enabled() {
		a.nc, err = utils.OpenNATS(utils.NATSConfig{URL: cfg.NATS.URL}, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}
	return nil
}

func (a *app) auditRepo() audit.Repository {
	if a.db != nil {
		return audit.NewPostgresRepo(a.db)
	}
	return audit.NewMemoryRepo()
}

func (a *app) usageRepo() reporting.Repository {
	if a.db != nil {
		return reporting.NewPostgresRepo(a.db)
	}
	return reporting.NewMemoryRepo(a.memUsage.Events)
}

func (a *app) claimer() usage.Claimer {
	if a.rdb != nil {
		return usage.NewRedisClaimer(a.rdb)
	}
	return usage.NewMemoryClaimer()
}

func (a *app) usageSinks(activity *audit.Service, log *slog.Logger) []usage.Sink {
	sinks := []usage.Sink{usage.NewActivitySink(activity)}
	if a.db != nil {
		sinks = append(sinks, usage.NewLedgerSink(a.db))
	}
	if a.nc != nil {
		sinks = append(sinks, usage.NewNATSSink(a.nc, a.cfg.NATS.UsageSubject))
	}
	if a.db == nil {
		a.memUsage = usage.NewMemorySink()
		sinks = append(sinks, a.memUsage)
	}
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	log.Info("usage sinks", "sinks", strings.Join(names, ","))
	return sinks
}

func (a *app) directory(log *slog.Logger) (directory.Resolver, error) {
	if a.db == nil {
		static, err := directory.ParseStatic(a.cfg.Bridge.NumberMap, a.cfg.Bridge.DefaultOrganization)
		if err != nil {
			return nil, fmt.Errorf("NUMBER_MAP: %w", err)
		}
		return static, nil
	}
	var r directory.Resolver = directory.NewPostgresResolver(a.db)
	if a.rdb != nil {
		r = directory.NewCachedResolver(r, a.rdb, a.cfg.Bridge.DirectoryCacheTTL, log)
	}
	return r, nil
}

func (a *app) webhookAdapters() (telephony.Adapters, error) {
	insecure := a.cfg.Bridge.InsecureWebhooks
	tnx, err := telephony.NewTelnyxAdapter(a.cfg.Telnyx.PublicKey, 0, insecure)
	if err != nil {
		return nil, err
	}
	return telephony.NewAdapters(telephony.NewTwilioAdapter(a.cfg.Twilio.AuthToken, insecure), tnx), nil
}

// controls builds a control-API client for every provider with credentials.
func (a *app) controls() telephony.Controls {
	cfg := a.cfg
	var list []telephony.CallControl

	if cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "" {
		list = append(list, telephony.NewTwilioClient(telephony.TwilioClientConfig{
			AccountSID:        cfg.Twilio.AccountSID,
			AuthToken:         cfg.Twilio.AuthToken,
			BaseURL:           cfg.Twilio.APIBaseURL,
			StatusCallbackURL: a.webhookURL(calls.ProviderTwilio),
			StreamURL:         a.streamURL(calls.ProviderTwilio),
		}))
	}
	if cfg.Telnyx.APIKey != "" {
		list = append(list, telephony.NewTelnyxClient(telephony.TelnyxClientConfig{
			APIKey:       cfg.Telnyx.APIKey,
			ConnectionID: cfg.Telnyx.ConnectionID,
			BaseURL:      cfg.Telnyx.APIBaseURL,
			WebhookURL:   a.webhookURL(calls.ProviderTelnyx),
			StreamURL:    a.streamURL(calls.ProviderTelnyx),
		}))
	}
	return telephony.NewControls(list...)
}

func (a *app) limiter() initiator.Limiter {
	limit := a.cfg.Bridge.OutboundCallCap
	if limit <= 0 {
		return nil
	}
	if a.rdb != nil {
		// slots expire so a crashed replica cannot pin an organization at its cap forever
		return initiator.NewRedisLimiter(a.rdb, limit, 4*time.Hour)
	}
	return initiator.NewMemoryLimiter(limit)
}

func (a *app) readinessChecks() map[string]httpapi.Check {
	checks := map[string]httpapi.Check{}
	if a.db != nil {
		checks["postgres"] = func(ctx context.Context) error { return utils.HealthCheck(ctx, a.db, 2*time.Second) }
	}
	if a.rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }
	}
	if a.nc != nil {
		checks["nats"] = func(context.Context) error {
			if !a.nc.IsConnected() {
				return fmt.Errorf("nats status %s", a.nc.Status())
			}
			return nil
		}
	}
	return checks
}

func (a *app) webhookURL(p calls.Provider) string {
	if a.cfg.Bridge.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(a.cfg.Bridge.PublicBaseURL, "/") + "/webhooks/" + string(p)
}

func (a *app) streamURL(p calls.Provider) string {
	if a.cfg.Bridge.MediaStreamURL == "" {
		return ""
	}
	return a.cfg.Bridge.MediaStreamURL + "/" + string(p)
}

func (a *app) close() {
	if a.nc != nil {
		utils.CloseNATS(a.nc)
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
