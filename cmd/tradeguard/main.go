// Command tradeguard runs the order bookkeeping and admission control service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/tradeguard/db/migrations"
	"github.com/coachpo/tradeguard/internal/counterstore"
	"github.com/coachpo/tradeguard/internal/infra/config"
	"github.com/coachpo/tradeguard/internal/infra/persistence/migrations"
	"github.com/coachpo/tradeguard/internal/infra/persistence/postgres"
	"github.com/coachpo/tradeguard/internal/infra/persistence/writebehind"
	httpserver "github.com/coachpo/tradeguard/internal/infra/server/http"
	"github.com/coachpo/tradeguard/internal/ingress"
	"github.com/coachpo/tradeguard/internal/notify"
	"github.com/coachpo/tradeguard/internal/observability"
	"github.com/coachpo/tradeguard/internal/partition"
	"github.com/coachpo/tradeguard/internal/rulemonitor"
	"github.com/coachpo/tradeguard/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	writerShutdownTimeout    = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	migrationsTimeout        = time.Minute
	apiReadHeaderTimeout     = 5 * time.Second
	primaryPoolName          = "primary"
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := observability.NewZapLogger(appCfg.Environment == config.EnvDev)
	if err != nil {
		log.Fatalf("initialise logger: %v", err)
	}
	observability.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, cancel, appCfg, logger); err != nil {
		logger.Error("tradeguard stopped with error", observability.F("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, appCfg config.AppConfig, logger observability.Logger) error {
	logger.Info("configuration initialised",
		observability.F("env", string(appCfg.Environment)),
		observability.F("partitions", appCfg.Partitions.Count.Resolve()),
		observability.F("counterStore", string(appCfg.CounterStore.Backend)))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return err
	}
	metrics, err := telemetry.NewMetrics(telemetryProvider.Meter("tradeguard"))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	if appCfg.Database.RunMigrations {
		if err := runMigrations(ctx, appCfg.Database, logger); err != nil {
			return err
		}
	}

	store, err := postgres.Open(ctx, appCfg.Database.PoolSettings())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	// fail releases what was opened so far when start-up stops early.
	var closers []func()
	fail := func(err error) error {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return err
	}
	closers = append(closers, store.Close)

	if reg, err := postgres.ObservePoolMetrics(store.Pool(), primaryPoolName); err != nil {
		logger.Warn("pool metrics unavailable", observability.F("error", err))
	} else {
		closers = append(closers, func() { _ = reg.Unregister() })
	}

	counters, err := openCounterStore(ctx, appCfg.CounterStore, store)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { _ = counters.Close() })

	writer, err := writebehind.New(store, appCfg.Persistence.WriterConfig(),
		writebehind.WithLogger(logger), writebehind.WithMetrics(metrics))
	if err != nil {
		return fail(fmt.Errorf("create persistence writer: %w", err))
	}
	closers = append(closers, func() { _ = writer.Shutdown(context.Background()) })

	var publisher *notify.KafkaPublisher
	if appCfg.Kafka.Enabled() {
		publisher, err = notify.NewKafkaPublisher(appCfg.Kafka.PublisherConfig(), logger)
		if err != nil {
			return fail(fmt.Errorf("create trigger publisher: %w", err))
		}
		closers = append(closers, func() { _ = publisher.Close() })
	}

	defs, err := seedRules(ctx, store.Rules(), appCfg.FlowControl)
	if err != nil {
		return fail(err)
	}

	// set below once the router exists; rings only evict after that
	var router *partition.Router
	deps := partitionDeps{
		counters: counters,
		writer:   writer,
		metrics:  metrics,
		logger:   logger,
		rules:    defs,
		evicted: func(orderID uint64) {
			if router != nil {
				router.Forget(orderID)
			}
		},
	}
	if publisher != nil {
		deps.publisher = publisher
	}
	parts, err := buildPartitions(ctx, appCfg, deps)
	if err != nil {
		return fail(err)
	}

	router, err = partition.NewRouter(parts.handlers(), appCfg.Partitions.HashFields, appCfg.Partitions.QueueSize,
		logger, partition.WithMetrics(metrics))
	if err != nil {
		return fail(fmt.Errorf("create router: %w", err))
	}
	if err := loadSnapshots(ctx, store, router, parts, appCfg.Orders); err != nil {
		return fail(err)
	}
	router.Start(ctx)
	closers = append(closers, router.Close)
	logger.Info("partitions started", observability.F("count", router.Partitions()), observability.F("rules", len(defs)))

	var lifecycle conc.WaitGroup

	if appCfg.RuleMonitor.Enabled {
		monitor, err := rulemonitor.New(store.Rules(), router,
			rulemonitor.WithInterval(appCfg.RuleMonitor.Interval),
			rulemonitor.WithStep(appCfg.FlowControl.Step),
			rulemonitor.WithPluginName(appCfg.FlowControl.PluginName),
			rulemonitor.WithLogger(logger))
		if err != nil {
			return fail(fmt.Errorf("create rule monitor: %w", err))
		}
		monitor.Seed(defs)
		lifecycle.Go(func() { _ = monitor.Run(ctx) })
	}

	var (
		consumer   *ingress.Consumer
		replyPub   *notify.KafkaPublisher
		consumeErr = make(chan error, 1)
	)
	if appCfg.Kafka.IngressEnabled() {
		replyPub, err = notify.NewKafkaPublisher(appCfg.Kafka.ReplyPublisherConfig(), logger)
		if err != nil {
			return fail(fmt.Errorf("create reply publisher: %w", err))
		}
		closers = append(closers, func() { _ = replyPub.Close() })
		consumer, err = ingress.NewConsumer(appCfg.Kafka.ReaderConfig(), router,
			ingress.WithReplies(replyPub), ingress.WithLogger(logger))
		if err != nil {
			return fail(fmt.Errorf("create ingress consumer: %w", err))
		}
		lifecycle.Go(func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				consumeErr <- err
				cancel()
			}
		})
	}

	var apiServer *http.Server
	if appCfg.APIServer.Addr != "" {
		apiServer = buildAPIServer(appCfg, store, writer, router.Partitions())
		startAPIServer(&lifecycle, logger, apiServer)
	}

	logger.Info("tradeguard started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	err = performGracefulShutdown(shutdownCtx, logger, gracefulShutdown{
		lifecycle:  &lifecycle,
		apiServer:  apiServer,
		consumer:   consumer,
		router:     router,
		writer:     writer,
		publishers: []*notify.KafkaPublisher{publisher, replyPub},
		counters:   counters,
		store:      store,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))

	select {
	case cerr := <-consumeErr:
		return fmt.Errorf("ingress: %w", cerr)
	default:
	}
	return err
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("TRADEGUARD_CONFIG"); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func runMigrations(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) error {
	migrateCtx, cancel := context.WithTimeout(ctx, migrationsTimeout)
	defer cancel()
	src, err := migrations.FromFS(dbmigrations.Files)
	if cfg.MigrationsDir != "" {
		src, err = migrations.FromDir(cfg.MigrationsDir)
	}
	if err != nil {
		return fmt.Errorf("locate migrations: %w", err)
	}
	if err := migrations.Up(migrateCtx, cfg.DSN, src, logger); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func openCounterStore(ctx context.Context, cfg config.CounterStoreConfig, store *postgres.Store) (counterstore.Store, error) {
	switch cfg.Backend {
	case config.CounterBadger:
		s, err := counterstore.OpenBadger(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open badger counter store: %w", err)
		}
		return s, nil
	case config.CounterRedis:
		s, err := counterstore.DialRedis(ctx, cfg.Addr, cfg.Password, cfg.DB, cfg.Prefix)
		if err != nil {
			return nil, fmt.Errorf("dial redis counter store: %w", err)
		}
		return s, nil
	case config.CounterPostgres:
		if store == nil {
			return nil, fmt.Errorf("postgres counter store needs a database")
		}
		return store.Counters(), nil
	default:
		return counterstore.NewMemoryStore(), nil
	}
}

func buildAPIServer(appCfg config.AppConfig, store *postgres.Store, writer *writebehind.Writer, partitions int) *http.Server {
	handler := httpserver.NewHandler(httpserver.Deps{
		Environment: string(appCfg.Environment),
		Step:        appCfg.FlowControl.Step,
		Rules:       store.Rules(),
		Triggers:    store.Triggers(),
		DeadLetters: writer,
		Partitions:  partitions,
	})
	return &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	logger.Info("admin api listening", observability.F("addr", server.Addr))
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin api stopped", observability.F("error", err))
		}
	})
}

type gracefulShutdown struct {
	lifecycle  *conc.WaitGroup
	apiServer  *http.Server
	consumer   *ingress.Consumer
	router     *partition.Router
	writer     *writebehind.Writer
	publishers []*notify.KafkaPublisher
	counters   counterstore.Store
	store      *postgres.Store
	telemetry  *telemetry.Provider
}

// performGracefulShutdown stops intake first, then drains the partitions and
// the writer before closing the stores they write to.
func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdown) error {
	var failed []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step", observability.F("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", observability.F("step", name), observability.F("error", err))
			failed = append(failed, fmt.Errorf("%s: %w", name, err))
		}
	}

	if cfg.apiServer != nil {
		shutdownStep("stopping admin api", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.apiServer.Shutdown(stepCtx)
		})
	}
	if cfg.consumer != nil {
		shutdownStep("closing ingress consumer", lifecycleShutdownTimeout, func(context.Context) error {
			return cfg.consumer.Close()
		})
	}
	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}
	if cfg.router != nil {
		shutdownStep("draining partitions", lifecycleShutdownTimeout, func(context.Context) error {
			cfg.router.Close()
			return nil
		})
	}
	if cfg.writer != nil {
		shutdownStep("flushing persistence writer", writerShutdownTimeout, func(stepCtx context.Context) error {
			err := cfg.writer.Shutdown(stepCtx)
			if dead := cfg.writer.DeadLetters(); len(dead) > 0 {
				logger.Error("persistence tasks abandoned", observability.F("count", len(dead)))
			}
			return err
		})
	}
	for _, pub := range cfg.publishers {
		if pub == nil {
			continue
		}
		shutdownStep("closing kafka publisher", lifecycleShutdownTimeout, func(context.Context) error {
			return pub.Close()
		})
	}
	if cfg.counters != nil {
		shutdownStep("closing counter store", lifecycleShutdownTimeout, func(context.Context) error {
			return cfg.counters.Close()
		})
	}
	if cfg.store != nil {
		shutdownStep("closing database pool", lifecycleShutdownTimeout, func(context.Context) error {
			cfg.store.Close()
			return nil
		})
	}
	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
	return observability.AggregateErrors("shutdown", failed)
}
