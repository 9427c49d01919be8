package scorekeeper

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/scorekeeper/pkg/chaindata"
	"github.com/canopy-network/scorekeeper/pkg/config"
	"github.com/canopy-network/scorekeeper/pkg/constraints"
	"github.com/canopy-network/scorekeeper/pkg/db"
	"github.com/canopy-network/scorekeeper/pkg/db/clickhouse"
	"github.com/canopy-network/scorekeeper/pkg/db/memory"
	"github.com/canopy-network/scorekeeper/pkg/db/models"
	"github.com/canopy-network/scorekeeper/pkg/db/postgres"
	skdb "github.com/canopy-network/scorekeeper/pkg/db/postgres/scorekeeper"
	"github.com/canopy-network/scorekeeper/pkg/faults"
	"github.com/canopy-network/scorekeeper/pkg/logging"
	"github.com/canopy-network/scorekeeper/pkg/metrics"
	"github.com/canopy-network/scorekeeper/pkg/nominator"
	"github.com/canopy-network/scorekeeper/pkg/proxy"
	"github.com/canopy-network/scorekeeper/pkg/redis"
	"github.com/canopy-network/scorekeeper/pkg/remote"
	"github.com/canopy-network/scorekeeper/pkg/round"
	"github.com/canopy-network/scorekeeper/pkg/scheduler"
	"github.com/canopy-network/scorekeeper/pkg/utils"
)

// App wires the scorekeeper: collaborators, the rule engine, the round
// machine, the proxy sweeps and the scheduler that drives them.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Store   db.Store
	Chain   *chaindata.Client
	History *clickhouse.History // nil when ClickHouse is not configured
	Redis   *redis.Client       // nil when Redis is not configured

	Notifier  *redis.Notifier
	Metrics   *metrics.Metrics
	Scheduler *scheduler.Scheduler

	Groups      *nominator.Groups
	ValiditySet *constraints.ValiditySet
	Checker     *constraints.Checker
	Machine     *round.Machine
	Pipeline    *proxy.Pipeline
	Faults      *faults.Handler
	Releases    *remote.ReleaseClient

	Server *http.Server

	ready atomic.Bool
}

// Initialize connects every collaborator. Failures here are fatal.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
	}

	app.Store = app.openStore(ctx)

	app.Chain, err = chaindata.New(ctx, logger, cfg.Endpoints, uint16(cfg.Network))
	if err != nil {
		logger.Fatal("Unable to connect to chain", zap.Error(err))
	}

	if chOpts := clickhouse.OptionsFromEnv(); chOpts.DSN != "" {
		app.History, err = clickhouse.NewHistory(ctx, logger, chOpts)
		if err != nil {
			logger.Fatal("Unable to initialize history database", zap.Error(err))
		}
	}

	if utils.Env("REDIS_HOST", "") != "" {
		app.Redis, err = redis.NewClient(ctx, redis.OptionsFromEnv(), logger)
		if err != nil {
			logger.Fatal("Unable to connect to Redis", zap.Error(err))
		}
	}
	app.Notifier = redis.NewNotifier(app.Redis, utils.Env("NOTIFY_CHANNEL", redis.DefaultNotifyChannel), logger)

	app.Groups, err = app.buildGroups()
	if err != nil {
		logger.Fatal("Unable to load nominators", zap.Error(err))
	}

	if err := app.seedCandidates(ctx); err != nil {
		logger.Fatal("Unable to seed candidates", zap.Error(err))
	}

	app.buildComponents()

	app.Scheduler = scheduler.New(logger, app.Metrics)
	if err := app.RegisterJobs(); err != nil {
		logger.Fatal("Unable to register jobs", zap.Error(err))
	}

	app.SetupServer()
	return app
}

// openStore uses PostgreSQL when POSTGRES_URL is set and memory otherwise.
func (a *App) openStore(ctx context.Context) db.Store {
	if utils.Env("POSTGRES_URL", "") == "" {
		a.Logger.Warn("POSTGRES_URL not set, keeping state in memory")
		return memory.New()
	}
	store, err := skdb.New(ctx, a.Logger, postgres.OptionsFromEnv())
	if err != nil {
		a.Logger.Fatal("Unable to initialize database", zap.Error(err))
	}
	return store
}

func (a *App) buildGroups() (*nominator.Groups, error) {
	var groups [][]*nominator.Nominator
	for _, group := range a.Config.Scorekeeper.Nominators {
		var nominators []*nominator.Nominator
		for _, ncfg := range group {
			signer, err := a.Chain.NewSigner(ncfg.Seed)
			if err != nil {
				return nil, err
			}
			n := nominator.New(ncfg, signer, a.Chain, a.Store, a.Logger)
			a.Logger.Info("Nominator loaded",
				zap.String("address", n.Address()),
				zap.String("bonded", n.BondedAddress()),
				zap.String("mode", n.Mode().String()),
			)
			nominators = append(nominators, n)
		}
		groups = append(groups, nominators)
	}
	return nominator.NewGroups(groups), nil
}

func (a *App) seedCandidates(ctx context.Context) error {
	for _, c := range a.Config.Scorekeeper.Candidates {
		err := a.Store.SeedCandidate(ctx, models.Candidate{
			Stash:         c.Stash,
			Name:          c.Name,
			KusamaStash:   c.KusamaStash,
			SkipSelfStake: c.SkipSelfStake,
		})
		if err != nil {
			return err
		}
	}
	a.Logger.Info("Candidates seeded", zap.Int("count", len(a.Config.Scorekeeper.Candidates)))
	return nil
}

func (a *App) buildComponents() {
	cfg := a.Config
	rank := faults.NewRank(a.Store, a.Notifier, a.Logger)

	var (
		verdictHistory    constraints.History
		nominationHistory proxy.History
	)
	if a.History != nil {
		verdictHistory = a.History
		nominationHistory = a.History
	}

	var companion constraints.Companion
	if cfg.Network == config.Polkadot && cfg.Remote.CompanionEndpoint != "" {
		companion = remote.NewCompanionClient(cfg.Remote.CompanionEndpoint)
	}

	a.ValiditySet = constraints.NewValiditySet()
	a.Checker = constraints.New(constraints.Options{
		Network:              cfg.Network,
		Constraints:          cfg.Constraints,
		BlacklistedProviders: cfg.Telemetry.BlacklistedProviders,
		Workers:              utils.EnvInt("VALIDITY_WORKERS", 8),
	}, a.Chain, a.Store, companion, verdictHistory, a.Metrics, a.Logger)

	a.Machine = round.New(round.Options{
		Network:        cfg.Network,
		Nominating:     cfg.Scorekeeper.Nominating,
		MaxNominations: cfg.Scorekeeper.MaxNominations,
	}, a.Groups, a.ValiditySet, a.Chain, a.Store, rank, a.Notifier, a.Logger)

	a.Pipeline = proxy.New(proxy.Options{
		Network:                  cfg.Network,
		MaxCommission:            cfg.Constraints.Commission,
		TimeDelayBlocks:          cfg.Proxy.TimeDelayBlocks,
		BlacklistedAnnouncements: cfg.Proxy.BlacklistedAnnouncements,
		ExecutionDelay:           cfg.Proxy.ExecutionDelay,
		CancelDelay:              cfg.Proxy.CancelDelay,
	}, a.Groups, a.Chain, a.Store, a.Notifier, nominationHistory, a.Metrics, a.Logger)

	a.Faults = faults.NewHandler(a.Store, rank, a.Notifier, a.Logger)
	a.Releases = remote.NewReleaseClient(cfg.Remote.ReleaseEndpoint, cfg.Remote.ReleaseRepo)
}

// consumeEvents feeds chain events from the Redis stream to the fault handler.
func (a *App) consumeEvents(ctx context.Context) {
	if a.Redis == nil {
		a.Logger.Warn("Redis not configured, offline faults will not be recorded")
		return
	}
	consumer, err := redis.NewStreamConsumer(a.Redis, redis.ConsumerConfig{
		Stream:   utils.Env("EVENTS_STREAM", redis.DefaultEventsStream),
		Group:    "scorekeeper",
		Consumer: utils.Env("HOSTNAME", "scorekeeper"),
	}, a.Logger)
	if err != nil {
		a.Logger.Error("Unable to create chain event consumer", zap.Error(err))
		return
	}
	// Events without a session index fall back to the chain's current one.
	if session, err := a.Chain.CurrentSession(ctx); err != nil {
		a.Logger.Warn("Unable to read current session", zap.Error(err))
	} else {
		_ = a.Faults.Handle(ctx, faults.Event{Kind: faults.KindNewSession, Session: session})
	}
	events := redis.EventFeed(ctx, consumer, 64, a.Logger)
	go func() {
		if err := a.Faults.Consume(ctx, events); err != nil && ctx.Err() == nil {
			a.Logger.Error("Fault handler stopped", zap.Error(err))
		}
	}()
}

// Ready is true once the scheduler is running.
func (a *App) Ready() bool { return a.ready.Load() }

// Start serves HTTP, runs the jobs and blocks until ctx is done.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	a.consumeEvents(ctx)
	a.Scheduler.Start(ctx)
	a.ready.Store(true)
	a.Logger.Info("Scorekeeper started",
		zap.String("network", a.Config.Network.String()),
		zap.String("addr", a.Server.Addr),
		zap.Int("groups", a.Groups.Len()),
	)

	<-ctx.Done()
	a.ready.Store(false)
	a.Logger.Info("[scorekeeper] shutting down…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	a.Scheduler.Stop()
	a.Checker.Close()
	a.Chain.Close()
	if a.History != nil {
		_ = a.History.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	_ = a.Store.Close()
	a.Logger.Info("さようなら!")
}
