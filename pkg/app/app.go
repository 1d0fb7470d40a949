// Package app assembles routinerunner's services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/tcmartin/routinerunner/pkg/api"
	"github.com/tcmartin/routinerunner/pkg/auth"
	"github.com/tcmartin/routinerunner/pkg/breaker"
	"github.com/tcmartin/routinerunner/pkg/cache"
	"github.com/tcmartin/routinerunner/pkg/config"
	"github.com/tcmartin/routinerunner/pkg/credits"
	"github.com/tcmartin/routinerunner/pkg/engine"
	"github.com/tcmartin/routinerunner/pkg/events"
	"github.com/tcmartin/routinerunner/pkg/ioproc"
	"github.com/tcmartin/routinerunner/pkg/llm"
	"github.com/tcmartin/routinerunner/pkg/navigator"
	"github.com/tcmartin/routinerunner/pkg/observability"
	"github.com/tcmartin/routinerunner/pkg/scripting"
	"github.com/tcmartin/routinerunner/pkg/storage"
	"github.com/tcmartin/routinerunner/pkg/strategy"
	"github.com/tcmartin/routinerunner/pkg/webhooks"
)

// App holds the wired services of one routinerunner process
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Storage   storage.StorageProvider
	Cache     cache.Store
	Telemetry *observability.Telemetry
	Bus       *events.LocalBus
	Credits   *credits.Service
	Providers *llm.ServiceRegistry
	Executor  *engine.Executor
	Scheduler *credits.BonusScheduler
	Webhooks  *webhooks.Dispatcher
	Tokens    *auth.JWTService
	Server    *api.Server
}

// New builds every service described by cfg. The returned App owns the
// storage and cache connections; call Close to release them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	provider, err := newStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage provider: %w", err)
	}
	if err := provider.Initialize(); err != nil {
		provider.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.Storage = provider
	logger.Info("storage initialized", slog.String("type", cfg.Storage.Type))

	store, err := newCache(ctx, cfg.Cache)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	a.Cache = store

	a.Telemetry = observability.Setup(logger, cfg.Telemetry.Tracing)
	a.Bus = events.NewBus(events.BusConfig{NonBlocking: true, Logger: logger})
	a.Credits = credits.NewService(provider.GetLedgerStore(), credits.WithServiceLogger(logger))

	breakerOpts := []breaker.Option{
		breaker.OnStateChange(a.Telemetry.Metrics.RecordBreakerTransition),
	}
	services, err := newServices(cfg.LLM)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Providers = llm.NewServiceRegistry(services,
		llm.WithCooldown(time.Duration(cfg.LLM.CooldownSeconds)*time.Second),
		llm.WithRegistryLogger(logger),
		llm.WithBreakerConfig(breakerFactory(cfg.Breakers), breakerOpts...),
	)

	strategies, err := a.newStrategies(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	configs := navigator.NewConfigCache(store, time.Duration(cfg.Cache.ConfigTTLSeconds)*time.Second, logger)
	a.Executor = engine.NewExecutor(strategies,
		[]navigator.Navigator{
			navigator.NewGraphNavigator(configs),
			navigator.NewSingleStepNavigator(configs),
		},
		engine.WithCredits(a.Credits),
		engine.WithRunStore(provider.GetRunStore()),
		engine.WithPublisher(a.Bus),
		engine.WithProcessor(ioproc.NewProcessor(ioproc.WithLogger(logger))),
		engine.WithMetrics(a.Telemetry.Metrics),
		engine.WithSpans(a.Telemetry.Spans),
		engine.WithLogger(logger),
		engine.WithLimits(cfg.Engine.MaxSteps, cfg.Engine.MaxParallel),
	)

	if cfg.Credits.Schedule != "" {
		a.Scheduler, err = credits.NewBonusScheduler(a.Credits, cfg.Credits.Schedule,
			big.NewInt(cfg.Credits.GrantAmount), logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid credit schedule: %w", err)
		}
		for _, id := range cfg.Credits.Accounts {
			if err := a.Credits.EnsureAccount(ctx, id); err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to create account %s: %w", id, err)
			}
			a.Scheduler.AddAccount(id)
		}
	}

	if len(cfg.Webhooks) > 0 {
		a.Webhooks = webhooks.NewDispatcher(cfg.Webhooks,
			webhooks.WithLogger(logger),
			webhooks.WithBreakers(breaker.NewRegistry(breakerFactory(cfg.Breakers), breakerOpts...)),
		)
		a.Webhooks.Attach(a.Bus)
	}

	if cfg.Auth.JWTSecret != "" {
		a.Tokens = auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration)
	}

	deps := api.Dependencies{
		Runs:      a.Executor,
		Credits:   a.Credits,
		Providers: a.Providers,
		Breakers:  a.Providers.Breakers(),
		Bus:       a.Bus,
	}
	if a.Tokens != nil {
		deps.Tokens = a.Tokens
	}
	a.Server = api.NewServer(cfg, deps, logger)

	return a, nil
}

// Start starts the credit scheduler and serves HTTP until Stop is called
func (a *App) Start() error {
	if a.Tokens == nil {
		return errors.New("auth.jwt_secret is required to serve the API")
	}
	if a.Scheduler != nil {
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start credit scheduler: %w", err)
		}
	}
	return a.Server.Start()
}

// Stop shuts the server down, waits for it to drain, then releases resources
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if a.Server != nil {
		errs = append(errs, a.Server.Stop(ctx))
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Providers != nil {
		a.Providers.Breakers().LogStats(a.Logger)
	}
	errs = append(errs, a.Close())
	return errors.Join(errs...)
}

// Close releases the bus, telemetry, cache and storage
func (a *App) Close() error {
	var errs []error
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	if a.Telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.Telemetry.Shutdown(ctx))
		cancel()
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	if a.Storage != nil {
		errs = append(errs, a.Storage.Close())
	}
	return errors.Join(errs...)
}

func (a *App) newStrategies(cfg *config.Config) (*strategy.Registry, error) {
	deterministic := strategy.NewDeterministicStrategy(a.Bus, a.Logger,
		strategy.WithScriptEngine(scripting.NewGojaEngine(a.Logger)),
		strategy.WithCreditCost(cfg.Credits.StepCost),
	)
	if len(cfg.LLM.Providers) == 0 {
		return strategy.NewRegistry(deterministic), nil
	}

	routerCfg := llm.RouterConfig{
		RetryLimit:   cfg.LLM.RetryLimit,
		DefaultModel: cfg.LLM.DefaultModel,
		BotModels:    cfg.LLM.BotModels,
		Credits:      a.Credits,
		Observer:     a.Telemetry.Metrics,
		Logger:       a.Logger,
	}
	if len(cfg.LLM.Safety.DenyList) > 0 {
		checker, err := llm.NewKeywordSafetyChecker(cfg.LLM.Safety.DenyList, cfg.LLM.Safety.CostPerCheck)
		if err != nil {
			return nil, fmt.Errorf("invalid safety deny list: %w", err)
		}
		routerCfg.Safety = checker
	}
	router := llm.NewFallbackRouter(a.Providers, routerCfg)
	reasoning := strategy.NewReasoningStrategy(llm.NewRouterCompleter(router), a.Bus, a.Logger)
	return strategy.NewRegistry(reasoning, deterministic), nil
}

func newStorage(cfg config.StorageConfig) (storage.StorageProvider, error) {
	pc := storage.ProviderConfig{}
	switch cfg.Type {
	case "", "memory":
		pc.Type = storage.MemoryProviderType
	case "postgres", "postgresql":
		pc.Type = storage.PostgreSQLProviderType
		pc.PostgreSQL = &storage.PostgreSQLProviderConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		}
	case "sqlite":
		pc.Type = storage.SQLiteProviderType
		pc.SQLite = &storage.SQLiteProviderConfig{Path: cfg.SQLite.Path}
	case "dynamodb":
		pc.Type = storage.DynamoDBProviderType
		pc.DynamoDB = &storage.DynamoDBProviderConfig{
			Region:      cfg.DynamoDB.Region,
			Endpoint:    cfg.DynamoDB.Endpoint,
			TablePrefix: cfg.DynamoDB.TablePrefix,
		}
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	return storage.NewProvider(pc)
}

func newCache(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return cache.NewMemoryStore(), nil
	case "redis":
		return cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

func newServices(cfg config.LLMConfig) ([]llm.Service, error) {
	services := make([]llm.Service, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		pc := llm.ProviderConfig{
			ID:             p.ID,
			BaseURL:        p.BaseURL,
			APIKey:         p.APIKey,
			Models:         p.Models,
			DefaultPricing: pricing(p.DefaultPricing),
			Timeout:        time.Duration(p.TimeoutSeconds) * time.Second,
		}
		if len(p.Pricing) > 0 {
			pc.Pricing = make(map[string]llm.Pricing, len(p.Pricing))
			for model, pr := range p.Pricing {
				pc.Pricing[model] = pricing(pr)
			}
		}
		switch p.Type {
		case "openai":
			services = append(services, llm.NewOpenAIService(pc))
		case "anthropic":
			services = append(services, llm.NewAnthropicService(pc))
		default:
			return nil, fmt.Errorf("provider %s: unsupported type %q", p.ID, p.Type)
		}
	}
	return services, nil
}

func pricing(p config.PricingConfig) llm.Pricing {
	return llm.Pricing{InputPer1K: p.InputPer1K, OutputPer1K: p.OutputPer1K}
}

// breakerFactory applies configured overrides on top of the named preset
func breakerFactory(bc config.BreakerConfig) func(name string) breaker.Config {
	return func(name string) breaker.Config {
		c := breaker.Preset(bc.Preset, name)
		if bc.FailureThreshold > 0 {
			c.FailureThreshold = bc.FailureThreshold
		}
		if bc.RecoveryTimeoutSeconds > 0 {
			c.RecoveryTimeout = time.Duration(bc.RecoveryTimeoutSeconds) * time.Second
		}
		if bc.HalfOpenTimeoutSeconds > 0 {
			c.HalfOpenTimeout = time.Duration(bc.HalfOpenTimeoutSeconds) * time.Second
		}
		return c
	}
}
