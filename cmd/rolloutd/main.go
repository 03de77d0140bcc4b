package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/plantmetric/rollout/pkg/api"
	"github.com/plantmetric/rollout/pkg/batch"
	"github.com/plantmetric/rollout/pkg/cluster"
	"github.com/plantmetric/rollout/pkg/config"
	"github.com/plantmetric/rollout/pkg/conftools"
	"github.com/plantmetric/rollout/pkg/coordinator"
	"github.com/plantmetric/rollout/pkg/events"
	"github.com/plantmetric/rollout/pkg/logging"
	"github.com/plantmetric/rollout/pkg/metrics"
	"github.com/plantmetric/rollout/pkg/observe"
	"github.com/plantmetric/rollout/pkg/resilience"
	"github.com/plantmetric/rollout/pkg/rollback"
	"github.com/plantmetric/rollout/pkg/statestore"
	"github.com/plantmetric/rollout/pkg/strategy"
	"github.com/plantmetric/rollout/pkg/telemetry"
	"github.com/plantmetric/rollout/pkg/version"
)

var maskedConfig = []string{
	config.DatabaseURL,
	config.S3AccessKey,
	config.S3SecretKey,
}

const databaseConnectBackoffInterval = 3 * time.Second

func run() error {
	cfg := config.Initialize()
	err := conftools.Load(cfg)
	if err != nil {
		return err
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	// Welcome
	log.Infof("rolloutd %s", version.Version())
	ts, err := version.BuildTime()
	if err == nil {
		log.Infof("This version was built %s", ts.Local())
	}

	for _, line := range conftools.Format(maskedConfig) {
		log.Info(line)
	}

	durations, err := parseDurations(cfg)
	if err != nil {
		return err
	}

	if len(cfg.OtelCollectorEndpoint) > 0 {
		tracerProvider, err := telemetry.New(context.Background(), "rolloutd", cfg.OtelCollectorEndpoint)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracerProvider.Shutdown(ctx); err != nil {
				log.Warnf("Shutting down tracer provider: %s", err)
			}
		}()
		log.Infof("Tracing enabled against collector %s", cfg.OtelCollectorEndpoint)
	}

	store, closeStore, err := setupStateStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := observe.NewPrometheusProvider(cfg.PrometheusAddress)
	if err != nil {
		return fmt.Errorf("setup metrics provider: %w", err)
	}
	tester := observe.NewHTTPTester(cfg.ProbeURLTemplate, cfg.ProbePath)

	executor := resilience.NewExecutor()

	executors := make(map[string]coordinator.Executor, len(cfg.Regions))
	clusters := make(map[string]cluster.Interface, len(cfg.Regions))
	dispatchers := make(map[string]*batch.Dispatcher, len(cfg.Regions))
	for region, kubeconfig := range cfg.Regions {
		adapter, err := cluster.NewFromKubeconfig(kubeconfig,
			cluster.WithResilience(executor, resilience.DefaultPolicy()),
		)
		if err != nil {
			return fmt.Errorf("configure cluster for region '%s': %w", region, err)
		}
		clusters[region] = adapter
		dispatchers[region] = batch.NewDispatcher(adapter, batch.DefaultConfig())
		executors[region] = strategy.NewExecutor(adapter, provider, tester, strategy.Config{
			RolloutTimeout:      durations.rollout,
			StabilizationWindow: durations.stabilization,
		})
		log.Infof("region '%s' configured", region)
	}

	broker := events.NewBroker()
	broker.Subscribe(&events.MetricsSink{
		OnRegion: metrics.RegionTransition,
	})

	auditSink := &events.AuditSink{
		Actor: "rolloutd",
	}
	if pg, ok := store.(*statestore.Postgres); ok {
		auditSink.Ship = pg.WriteHistory
	}
	broker.Subscribe(auditSink)

	rollbacker := rollback.New(clusters, durations.rollout, nil)

	engine := coordinator.New(executors, store, rollbacker, broker, coordinator.Config{
		LockTTL:             durations.lockTTL,
		DependencyTimeout:   durations.dependency,
		LeaderStabilization: durations.stabilization,
	})

	apiCfg := api.Config{
		Engine:      engine,
		Status:      engine,
		Dispatchers: dispatchers,
		MetricsPath: cfg.MetricsPath,
	}
	if pg, ok := store.(*statestore.Postgres); ok {
		apiCfg.Ledger = pg
	}
	router := api.New(apiCfg)

	server := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: router,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infof("Serving API on %s", cfg.ListenAddress)
		serverErrors <- server.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return err
	case sig := <-signals:
		log.Infof("Received %s, shutting down", sig)
	}

	// In-flight deployments hold the server open until they settle or the
	// drain window lapses.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warnf("API server shutdown: %s", err)
	}

	for region, dispatcher := range dispatchers {
		if reports := dispatcher.Flush(ctx); len(reports) > 0 {
			log.Infof("Flushed %d pending batches for region '%s'", len(reports), region)
		}
	}

	return nil
}

type durations struct {
	lockTTL       time.Duration
	rollout       time.Duration
	dependency    time.Duration
	stabilization time.Duration
}

func parseDurations(cfg *config.Config) (*durations, error) {
	d := &durations{}
	for _, parse := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{config.LockTTL, cfg.LockTTL, &d.lockTTL},
		{config.RolloutTimeout, cfg.RolloutTimeout, &d.rollout},
		{config.DependencyTimeout, cfg.DependencyTimeout, &d.dependency},
		{config.StabilizationTime, cfg.StabilizationTime, &d.stabilization},
	} {
		var err error
		*parse.dst, err = time.ParseDuration(parse.value)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", parse.name, err)
		}
	}
	return d, nil
}

func setupStateStore(cfg *config.Config) (statestore.Store, func(), error) {
	noop := func() {}

	switch cfg.StateBackend {
	case "memory":
		log.Warn("Using in-memory state store; deployment state will not survive restarts")
		return statestore.NewMemory(), noop, nil

	case "s3":
		store, err := statestore.NewS3(statestore.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseTLS:         cfg.S3.UseTLS,
			BucketName:     cfg.S3.BucketName,
			BucketLocation: cfg.S3.BucketLocation,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("setup s3 state store: %w", err)
		}
		return store, noop, nil

	case "postgres":
		var store *statestore.Postgres
		var err error

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for {
			log.Infof("Connecting to database...")
			store, err = statestore.NewPostgres(ctx, cfg.DatabaseURL)
			if err == nil {
				log.Infof("Database connection established.")
				break
			} else if ctx.Err() != nil {
				return nil, noop, fmt.Errorf("setup postgres connection: %w", err)
			}
			log.Errorf("unable to connect to database: %s", err)
			time.Sleep(databaseConnectBackoffInterval)
		}

		if cfg.MigrateDatabase {
			if err := store.Migrate(context.Background()); err != nil {
				return nil, noop, fmt.Errorf("migrating database: %w", err)
			}
		}
		return store, store.Close, nil
	}

	return nil, noop, fmt.Errorf("unknown state backend '%s'", cfg.StateBackend)
}

func main() {
	err := run()
	if err != nil {
		log.Errorf("Fatal error: %s", err)
		os.Exit(1)
	}
}
