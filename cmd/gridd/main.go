// Package main is the entry point for the datagrid server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/datagrid/internal/config"
	"github.com/pitabwire/datagrid/internal/definition"
	"github.com/pitabwire/datagrid/internal/invoker"
	"github.com/pitabwire/datagrid/internal/metadata"
	"github.com/pitabwire/datagrid/internal/observability"
	"github.com/pitabwire/datagrid/internal/openapi"
	"github.com/pitabwire/datagrid/internal/output"
	"github.com/pitabwire/datagrid/internal/pagination"
	"github.com/pitabwire/datagrid/internal/privilege"
	"github.com/pitabwire/datagrid/internal/session"
	"github.com/pitabwire/datagrid/internal/transport"
	"github.com/pitabwire/datagrid/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "datagrid", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Index the platform's custom API operations.
	oaIndex := openapi.NewIndex()
	if cfg.Platform.OpenAPISpec != "" {
		baseURL := cfg.Platform.CustomAPIBaseURL
		if baseURL == "" {
			baseURL = cfg.Platform.BaseURL
		}
		if err := oaIndex.LoadFile(cfg.Platform.OpenAPISpec, baseURL); err != nil {
			logger.Error("OpenAPI index load failed", zap.Error(err))
			return 1
		}
	}
	metrics.SetOpenAPIOperationsIndexed(oaIndex.Len())

	// Step 5: Load and validate the entity configuration document.
	functions := invoker.NewFunctionRegistry()
	validator := definition.NewValidator(
		definition.WithOperations(oaIndex),
		definition.WithFunctions(functions),
	)
	registry, err := definition.Load(cfg.Entities.File, validator)
	metrics.RecordDefinitionReload(err, entityCount(registry))
	if err != nil {
		logger.Error("entity configuration invalid", zap.String("file", cfg.Entities.File), zap.Error(err))
		return 1
	}

	// Step 6: Initialize the privilege resolver.
	evaluator, err := buildPolicyEvaluator(cfg.Capability, logger)
	if err != nil {
		logger.Error("privilege evaluator initialization failed", zap.Error(err))
		return 1
	}
	privResolver := privilege.NewResolver(evaluator, cfg.Capability.Cache.TTL,
		privilege.WithMaxEntries(cfg.Capability.Cache.MaxEntries),
		privilege.WithCacheObserver(metrics),
	)

	// Step 7: Platform client and row sources.
	client := invoker.NewClient(cfg.Platform,
		invoker.WithOperations(oaIndex),
		invoker.WithObserver(metrics),
		invoker.WithToken(os.Getenv(cfg.Platform.TokenEnv)),
		invoker.WithHeaderInjector(observability.InjectTraceHeaders),
		invoker.WithLogger(logger.Named("invoker")),
	)

	queryer, pool, err := buildQueryer(ctx, cfg.DataSource, client)
	if err != nil {
		logger.Error("data source initialization failed", zap.Error(err))
		return 1
	}
	if pool != nil {
		defer pool.Close()
	}

	// Step 8: Output store.
	outputs, outputsCloser, err := buildOutputStore(ctx, cfg.Output)
	if err != nil {
		logger.Error("output store initialization failed", zap.Error(err))
		return 1
	}

	// Step 9: Session manager and descriptor provider.
	sessions := session.NewManager(cfg.Sessions, session.Dependencies{
		Definitions:     registry,
		Queryer:         queryer,
		HostDatasets:    hostDatasets(client),
		Platform:        client,
		Functions:       functions,
		Outputs:         outputs,
		FetchObserver:   metrics,
		CommandObserver: metrics,
		ViewObserver:    metrics,
		Logger:          logger,
	}, session.WithActiveCount(metrics.SetActiveViews))

	descriptors := metadata.NewDescriptorProvider(registry, metadata.NewCommandBarProvider())

	// Step 10: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, transport.WithKeySetLogger(logger))
	if err := jwks.Warm(ctx); err != nil {
		logger.Warn("JWKS prefetch failed, keys will be fetched on demand", zap.Error(err))
	}

	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.Entities()) > 0 },
		OpenAPILoaded: func() bool {
			return cfg.Platform.OpenAPISpec == "" || oaIndex.Len() > 0
		},
		Platform: observability.HealthCheckFunc(func(context.Context) error {
			if client.Breaker().State() == invoker.BreakerOpen {
				return invoker.ErrBreakerOpen
			}
			return nil
		}),
	}
	if pool != nil {
		readinessChecks.Database = observability.HealthCheckFunc(pool.Ping)
	}
	if hc, ok := outputs.(interface{ Ping(context.Context) error }); ok {
		readinessChecks.OutputStore = observability.HealthCheckFunc(hc.Ping)
	}

	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = observability.Handler()
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Authenticate:   transport.JWTAuthenticator(cfg.Identity, jwks),
		Privileges:     privResolver,
		Descriptors:    descriptors,
		Sessions:       sessions,
		HealthHandler:  observability.HandleHealth(),
		ReadyHandler:   observability.HandleReady(readinessChecks),
		MetricsHandler: metricsHandler,
	})

	// Wrap router with metrics middleware.
	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go sessions.Run(bgCtx)
	go watchReload(bgCtx, logger, func() {
		err := registry.Reload(cfg.Entities.File, validator)
		metrics.RecordDefinitionReload(err, entityCount(registry))
		if err != nil {
			logger.Error("entity configuration reload rejected", zap.Error(err))
		} else {
			logger.Info("entity configuration reloaded",
				zap.Int("entities", len(registry.Entities())),
				zap.String("checksum", registry.Checksum()),
			)
		}
		if err := evaluator.Sync(); err != nil {
			logger.Error("privilege policy reload failed", zap.Error(err))
			return
		}
		privResolver.Flush()
	})

	// Step 12: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("entities", len(registry.Entities())),
		zap.String("datasource", cfg.DataSource.Driver),
		zap.String("output", cfg.Output.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel background tasks.
	bgCancel()

	if outputsCloser != nil {
		if err := outputsCloser(); err != nil {
			logger.Error("output store close error", zap.Error(err))
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

func entityCount(r *definition.Registry) int {
	if r == nil {
		return 0
	}
	return len(r.Entities())
}

// buildPolicyEvaluator returns the static policy evaluator, or one granting
// everything when no policy file is configured.
func buildPolicyEvaluator(cfg config.CapabilityConfig, logger *zap.Logger) (model.PolicyEvaluator, error) {
	if cfg.StaticPolicyFile == "" {
		logger.Warn("no privilege policy configured, every command is allowed")
		return privilege.AllowAll{}, nil
	}
	evaluator, err := privilege.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("static policy: %w", err)
	}
	return evaluator, nil
}

// buildQueryer returns the query-fetch row source for the configured
// driver. The pool is nil unless the postgres driver is used.
func buildQueryer(ctx context.Context, cfg config.DataSourceConfig, client *invoker.Client) (model.RowQueryer, *pgxpool.Pool, error) {
	switch cfg.Driver {
	case config.DriverWebAPI, "":
		return observability.TracedQueryer{Next: client}, nil, nil
	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("datasource: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("datasource: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		if cfg.MinConns > 0 {
			poolCfg.MinConns = cfg.MinConns
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("datasource: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("datasource: ping: %w", err)
		}
		return observability.TracedQueryer{Next: pagination.NewPgRowQueryer(pool)}, pool, nil
	default:
		return nil, nil, fmt.Errorf("unsupported datasource driver: %q", cfg.Driver)
	}
}

// buildOutputStore creates the view output store. The closer is nil for
// the in-memory store.
func buildOutputStore(ctx context.Context, cfg config.OutputConfig) (output.Store, func() error, error) {
	switch cfg.Driver {
	case config.OutputMemory, "":
		return output.NewMemoryStore(cfg.TTL), nil, nil
	case config.OutputRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("output store: %s environment variable not set", cfg.AddrEnv)
		}
		rdb := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		store := output.NewRedisStore(rdb, cfg.TTL)
		if err := store.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("output store: ping: %w", err)
		}
		return store, rdb.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported output store driver: %q", cfg.Driver)
	}
}

// hostDatasets builds bound views over page/page_size endpoints of the
// platform.
func hostDatasets(client *invoker.Client) session.HostDatasetFactory {
	return func(entity string, ds model.DataSourceConfig, pageSize int) (model.HostDataset, error) {
		if ds.Endpoint == "" {
			return nil, model.NewConfigError(fmt.Sprintf("entity %q has a bound data source without an endpoint", entity))
		}
		return invoker.NewPagedDataset(client, invoker.PagedEndpoint{
			Entity:    entity,
			Path:      ds.Endpoint,
			ItemsPath: ds.ItemsPath,
			TotalPath: ds.TotalPath,
			IDField:   ds.IDField,
			PageSize:  pageSize,
		}), nil
	}
}

// watchReload calls reload on every SIGHUP until ctx is done.
func watchReload(ctx context.Context, logger *zap.Logger, reload func()) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			logger.Info("reload requested")
			reload()
		}
	}
}
