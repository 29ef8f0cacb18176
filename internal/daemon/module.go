// Package daemon composes the chat server from its parts with fx.
package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/chatd/internal/admin"
	"github.com/matheus3301/chatd/internal/agent"
	"github.com/matheus3301/chatd/internal/auth"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/chat"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/events"
	"github.com/matheus3301/chatd/internal/httpapi"
	"github.com/matheus3301/chatd/internal/lock"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/metrics"
	"github.com/matheus3301/chatd/internal/outbox"
	"github.com/matheus3301/chatd/internal/presence"
	"github.com/matheus3301/chatd/internal/ratelimit"
	"github.com/matheus3301/chatd/internal/store"
	"github.com/matheus3301/chatd/internal/telemetry"
	"github.com/matheus3301/chatd/internal/ws"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config   *config.Config
	LogLevel zapcore.Level
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideMetrics,
			provideLock,
			provideStore,
			provideRegistry,
			provideRedis,
			provideLimiter,
			provideChatService,
			provideAuth,
			providePipeline,
			provideRetrier,
			provideExporter,
			provideTelemetry,
			provideAdminService,
			provideAdminServer,
			provideWSHandler,
			provideHTTPServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	return p.Config
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath(), cfg.Instance, p.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock", zap.String("data_dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir, cfg.Instance)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by a
// second daemon.
func provideStore(cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := cfg.DBPath()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRegistry(db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *presence.Registry {
	return presence.New(db, b, m, logger)
}

// provideRedis returns nil when no address is configured.
func provideRedis(cfg *config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return ratelimit.NewClient(cfg.Redis.Addr)
}

func provideLimiter(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) chat.Limiter {
	if rdb == nil || cfg.RateLimit.PerMinute <= 0 {
		logger.Info("ingestion rate limit disabled")
		return nil
	}
	return ratelimit.New(rdb, cfg.RateLimit.PerMinute)
}

func provideChatService(db *store.DB, reg *presence.Registry, limiter chat.Limiter, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *chat.Service {
	return chat.NewService(db, reg, chat.Options{
		Limiter: limiter,
		Bus:     b,
		Metrics: m,
		Logger:  logger,
	})
}

func provideAuth(cfg *config.Config) *auth.Authenticator {
	return auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration)
}

// providePipeline builds the agent and subscribes it to delivered messages.
func providePipeline(cfg *config.Config, db *store.DB, svc *chat.Service, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) (*agent.Pipeline, error) {
	profile, err := agent.LoadProfile(cfg.Agent.Profile)
	if err != nil {
		return nil, err
	}
	var completer agent.Completer = agent.Unavailable{}
	if cfg.Agent.Endpoint != "" {
		completer = agent.NewHTTPCompleter(cfg.Agent.Endpoint, cfg.Agent.APIKey, cfg.Agent.Model)
	} else {
		logger.Warn("no completion endpoint configured, agent replies will be apologies")
	}

	p := agent.NewPipeline(agent.Config{
		AgentID: cfg.Agent.UserID,
		Window:  cfg.Agent.HistoryWindow,
		Timeout: cfg.Agent.Timeout.Duration,
		Profile: profile,
	}, db, completer, svc, b, m, logger)
	if err := p.RegisterIdentity(db); err != nil {
		logger.Warn("register agent identity failed", zap.String("user_id", cfg.Agent.UserID), zap.Error(err))
	}
	svc.AddObserver(p)
	return p, nil
}

func provideRetrier(db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Retrier {
	return outbox.NewRetrier(db, b, m, logger)
}

// provideExporter returns nil when no brokers are configured.
func provideExporter(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *events.Exporter {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil
	}
	return events.NewExporter(b, events.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger)
}

func provideTelemetry(cfg *config.Config) (telemetry.ShutdownFunc, error) {
	return telemetry.Setup(context.Background(), cfg.OTel.Endpoint, cfg.Instance)
}

func provideAdminService(cfg *config.Config, reg *presence.Registry, db *store.DB, svc *chat.Service, b *bus.Bus) *admin.Service {
	return admin.NewService(cfg.Instance, reg, db, svc, b)
}

// provideAdminServer replaces any socket file left at the path, so it must
// only run once the lock is held.
func provideAdminServer(cfg *config.Config, _ *lock.Lock, svc *admin.Service, logger *zap.Logger) (*admin.Server, error) {
	return admin.NewServer(cfg.SocketPath(), svc, logger)
}

func provideWSHandler(cfg *config.Config, authn *auth.Authenticator, svc *chat.Service, reg *presence.Registry, logger *zap.Logger) *ws.Handler {
	return ws.NewHandler(authn, svc, reg, cfg.WS.SendBuffer, logger)
}

func provideHTTPServer(cfg *config.Config, authn *auth.Authenticator, svc *chat.Service, reg *presence.Registry, wsh *ws.Handler, m *metrics.Metrics, logger *zap.Logger) (*httpapi.Server, error) {
	router := httpapi.NewRouter(httpapi.Options{
		Auth:     authn,
		Chat:     svc,
		Presence: reg,
		WS:       wsh,
		Metrics:  m.Handler(),
		Logger:   logger,
	})
	return httpapi.NewServer(cfg.HTTPAddr, router, logger)
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	HTTP      *httpapi.Server
	WS        *ws.Handler
	Admin     *admin.Server
	Pipeline  *agent.Pipeline
	Retrier   *outbox.Retrier
	Exporter  *events.Exporter
	Registry  *presence.Registry
	Redis     *redis.Client
	Telemetry telemetry.ShutdownFunc
	DB        *store.DB
	Lock      *lock.Lock
	Logger    *zap.Logger
}

func registerLifecycle(p lifecycleParams) {
	logger := p.Logger
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if p.Exporter != nil {
				p.Exporter.Start(context.Background())
			}
			p.Retrier.Start(context.Background())

			go func() {
				if err := p.Admin.Start(); err != nil {
					logger.Error("admin server error", zap.Error(err))
				}
			}()
			go func() {
				if err := p.HTTP.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			if err := p.Lock.Advertise(p.HTTP.Addr()); err != nil {
				logger.Warn("error advertising http address", zap.Error(err))
			}
			logger.Info("daemon started", zap.String("http_addr", p.HTTP.Addr()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var errs []error
			if err := p.HTTP.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
			// Open connections still ingest; close them before the agent and store.
			if err := p.WS.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			p.Admin.Stop(ctx)
			p.Pipeline.Close()
			p.Retrier.Stop()
			if p.Exporter != nil {
				if err := p.Exporter.Stop(); err != nil {
					logger.Warn("error closing event exporter", zap.Error(err))
				}
			}
			p.Registry.Wait()
			if p.Redis != nil {
				_ = p.Redis.Close()
			}
			if err := p.Telemetry(ctx); err != nil {
				logger.Warn("error flushing traces", zap.Error(err))
			}
			if err := p.DB.Close(); err != nil {
				errs = append(errs, err)
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return errors.Join(errs...)
		},
	})
}
