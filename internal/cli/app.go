package cli

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/db"
	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/connectors/quickbooks"
	"github.com/Ramsey-B/fern/pkg/connectors/warehouse"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/rules"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/syncengine"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Dependency names registered with the startup graph.
const (
	depTracing  = "tracing"
	depDatabase = "database"
	depRedis    = "redis"
	depEvents   = "events"
	depEngine   = "engine"
)

const lockKeyPrefix = "fern:lock:"

// app holds the services shared by every command. Fields are filled in by the startup
// dependencies that own them.
type app struct {
	cfg     *config.Config
	logger  ectologger.Logger
	boot    *startup.Startup
	checker *health.Checker

	flushTraces func(context.Context) error

	db        database.DB
	redis     *redis.Client
	streams   *redis.Streams
	dlq       *redis.DeadLetterQueue
	locker    syncengine.Locker
	publisher syncengine.Publisher
	producer  *kafka.Producer

	formulas     *expressions.Formulas
	mapper       *mapping.Mapper
	registry     *connectors.Registry
	integrations *repositories.IntegrationRepository
	rules        *repositories.RuleRepository
	transactions *repositories.TransactionRepository
	engine       *syncengine.Engine
}

// newApp registers the core dependencies. migrate runs the migrations once the database
// is reachable.
func newApp(cfg *config.Config, logger ectologger.Logger, migrate bool) *app {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		boot:    startup.NewStartup(logger, cfg.StartupMaxAttempts),
		checker: health.NewChecker(cfg.Version),
	}

	a.boot.AddDependency(startup.Func{
		Name:    depTracing,
		StartFn: a.startTracing,
		StopFn:  func(ctx context.Context) error { return a.flushTraces(ctx) },
	})
	a.boot.AddDependency(startup.Func{
		Name:    depDatabase,
		StartFn: func(ctx context.Context) error { return a.startDatabase(ctx, migrate) },
		StopFn:  func(context.Context) error { return a.db.Close() },
	})
	a.boot.AddDependency(startup.Func{
		Name:    depRedis,
		StartFn: a.startRedis,
		StopFn:  func(context.Context) error { return a.redis.Close() },
	})
	a.boot.AddDependency(startup.Func{
		Name:    depEvents,
		StartFn: a.startEvents,
		StopFn: func(context.Context) error {
			if a.producer == nil {
				return nil
			}
			return a.producer.Close()
		},
	})
	a.boot.AddDependency(startup.Func{
		Name:    depEngine,
		Needs:   []string{depTracing, depDatabase, depRedis, depEvents},
		StartFn: a.startEngine,
	})
	return a
}

func (a *app) start(ctx context.Context) error {
	return a.boot.Start(ctx)
}

func (a *app) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.boot.Stop(ctx); err != nil {
		a.logger.WithError(err).Error("Shutdown finished with errors")
	}
}

func (a *app) startTracing(ctx context.Context) error {
	if !a.cfg.OTLPEnabled {
		a.flushTraces = tracing.Init(a.cfg.AppName, nil)
		return nil
	}

	exporter, err := tracing.NewExporter(ctx, a.cfg.Exporter())
	if err != nil {
		return err
	}
	a.flushTraces = tracing.Init(a.cfg.AppName, exporter)
	return nil
}

func (a *app) startDatabase(ctx context.Context, migrate bool) error {
	if a.db == nil {
		conn, err := database.Connect(ctx, a.cfg.Database(), a.logger)
		if err != nil {
			return err
		}
		a.db = conn
	}

	if migrate {
		migrations := database.NewMigrationService(a.logger, a.cfg.Migration(db.Postgres()))
		if err := migrations.Migrate(a.cfg.DatabaseName, a.db); err != nil {
			return err
		}
	}

	a.checker.Require("postgres", a.db.PingContext)
	return nil
}

func (a *app) startRedis(context.Context) error {
	client, err := redis.NewClient(a.cfg.Redis(), a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	a.streams = redis.NewStreams(client)
	a.dlq = redis.NewDeadLetterQueue(client, a.cfg.QueueDLQStream, a.logger)
	a.locker = syncengine.NewRedisLocker(redis.NewLocker(client, lockKeyPrefix))

	a.checker.Require("redis", client.Ping)
	return nil
}

func (a *app) startEvents(context.Context) error {
	if !a.cfg.KafkaEnabled {
		a.publisher = syncengine.NopPublisher{}
		return nil
	}

	kafkaCfg := a.cfg.Kafka()
	a.producer = kafka.NewProducer(kafkaCfg, a.logger)
	a.publisher = a.producer
	a.checker.Optional("kafka", health.KafkaPing(kafkaCfg.Brokers))
	return nil
}

// startEngine builds the repositories, connectors and the sync engine.
func (a *app) startEngine(context.Context) error {
	a.formulas = expressions.NewFormulas()
	a.mapper = mapping.NewMapper(a.formulas, a.logger)

	httpClient := httpclient.NewClient(a.cfg.HTTPClient, a.logger)
	limiter := ratelimit.NewManager(a.redis, ratelimit.Limit{
		Requests: a.cfg.QuickBooksRateLimitPerMinute,
		Window:   time.Minute,
	}, a.cfg.QuickBooksRateLimitMaxWait, a.logger)

	a.registry = connectors.NewRegistry()
	a.registry.Register(models.ProviderQuickBooks, quickbooks.Factory(quickbooks.Options{
		HTTP:     httpClient,
		Limiter:  limiter,
		Tokens:   auth.NewManager(a.redis, httpClient.HTTP(), a.logger),
		Mapper:   a.mapper,
		Logger:   a.logger,
		TokenURL: a.cfg.QuickBooksTokenURL,
		PageSize: a.cfg.QuickBooksPageSize,
	}))
	a.registry.Register(models.ProviderBigQuery, warehouse.Factory(warehouse.Options{
		Limiter: limiter,
		Mapper:  a.mapper,
		Logger:  a.logger,
	}))

	a.integrations = repositories.NewIntegrationRepository(a.db, a.logger)
	a.rules = repositories.NewRuleRepository(a.db, a.logger)
	a.transactions = repositories.NewTransactionRepository(a.db, a.logger)

	a.engine = syncengine.NewEngine(syncengine.Options{
		Integrations: a.integrations,
		Rules:        a.rules,
		Transactions: a.transactions,
		Registry:     a.registry,
		RuleEngine:   rules.NewEngine(a.formulas, a.logger),
		Locker:       a.locker,
		Publisher:    a.publisher,
		Config:       a.cfg.Sync(),
		Logger:       a.logger,
	})
	return nil
}
