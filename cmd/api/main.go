package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cimillas/stockroom/internal/app"
	"github.com/cimillas/stockroom/internal/audit"
	"github.com/cimillas/stockroom/internal/clock"
	"github.com/cimillas/stockroom/internal/config"
	"github.com/cimillas/stockroom/internal/ledger"
	"github.com/cimillas/stockroom/internal/logging"
	"github.com/cimillas/stockroom/internal/metrics"
	"github.com/cimillas/stockroom/internal/storage/memory"
	"github.com/cimillas/stockroom/internal/storage/postgres"
	"github.com/cimillas/stockroom/internal/storage/sqlite"
	"github.com/cimillas/stockroom/internal/telemetry"
	transporthttp "github.com/cimillas/stockroom/internal/transport/http"
	"github.com/cimillas/stockroom/migrations"
)

const (
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second

	// guardPoolConns caps how many transitions and resyncs may hold item
	// guards at once on Postgres.
	guardPoolConns = 16
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "stockroom: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envPath, envErr := config.LoadEnvFile()

	cfg, warnings, err := config.Load(os.Getenv)
	if err != nil {
		return err
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	providers, err := telemetry.Setup(startupCtx, telemetry.Settings{
		ServiceName:    config.ServiceName,
		ServiceVersion: config.ServiceVersion,
		Endpoint:       cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = providers.Shutdown(ctx)
	}()

	logger, err := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		OTel:    cfg.OTLPEndpoint != "",
		Service: config.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	switch {
	case envErr != nil:
		logger.Warn("failed to load .env", zap.String("path", envPath), zap.Error(envErr))
	case envPath == "":
		logger.Warn(".env not found in current or parent directories")
	default:
		logger.Info("loaded env", zap.String("path", envPath))
	}
	for _, w := range warnings {
		logger.Warn(w)
	}

	b, err := openBackend(startupCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sink, err := openSink(cfg, logger, providers.TracerProvider)
	if err != nil {
		return err
	}
	dispatcher := audit.NewDispatcher(sink, logger)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("audit sink close failed", zap.Error(err))
		}
	}()

	clk := clock.NewSystem()
	l := ledger.New(b.items, b.counter,
		ledger.WithPolicy(cfg.StockPolicy),
		ledger.WithMaxAttempts(cfg.LedgerMaxAttempts),
		ledger.WithRetryInterval(cfg.LedgerRetryInterval),
		ledger.WithLogger(logger),
		ledger.WithMetrics(m),
		ledger.WithGuard(b.guard),
	)
	svcOpts := []app.Option{app.WithLogger(logger), app.WithMetrics(m), app.WithAudit(dispatcher)}
	orderSvc := app.NewOrderService(b.orders, l, clk, svcOpts...)
	itemSvc := app.NewItemService(b.items, l, clk, svcOpts...)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: transporthttp.NewRouter(transporthttp.RouterConfig{
			Orders:      orderSvc,
			Items:       itemSvc,
			Logger:      logger,
			CORSOrigins: cfg.CORSOrigins,
			Gatherer:    reg,
			Ready:       b.ping,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("api listening",
		zap.String("addr", server.Addr),
		zap.String("store", cfg.StoreDriver),
		zap.String("audit_sink", cfg.AuditSink),
		zap.Stringer("stock_policy", cfg.StockPolicy),
	)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	case <-stopCtx.Done():
		logger.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

type itemStore interface {
	app.ItemRepository
	ledger.ItemStore
}

type backend struct {
	items   itemStore
	orders  app.OrderRepository
	counter ledger.ReservationCounter
	guard   ledger.Guard
	ping    transporthttp.Pinger
	close   func()
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		s := memory.New()
		return backend{items: s, orders: s, counter: s, ping: s, close: func() {}}, nil

	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return backend{}, err
		}
		return backend{items: s, orders: s, counter: s, ping: s, close: func() { _ = s.Close() }}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return backend{}, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return backend{}, fmt.Errorf("db ping: %w", err)
	}
	if _, err := migrations.Apply(ctx, pool, logger); err != nil {
		pool.Close()
		return backend{}, fmt.Errorf("apply migrations: %w", err)
	}
	guardCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		pool.Close()
		return backend{}, fmt.Errorf("guard pool config: %w", err)
	}
	guardCfg.MaxConns = guardPoolConns
	guardPool, err := pgxpool.NewWithConfig(ctx, guardCfg)
	if err != nil {
		pool.Close()
		return backend{}, fmt.Errorf("connect guard pool: %w", err)
	}

	orders := postgres.NewOrderRepository(pool)
	return backend{
		items:   postgres.NewItemRepository(pool),
		orders:  orders,
		counter: orders,
		guard:   postgres.NewAdvisoryGuard(guardPool),
		ping:    pool,
		close: func() {
			guardPool.Close()
			pool.Close()
		},
	}, nil
}

func openSink(cfg config.Config, logger *zap.Logger, tp trace.TracerProvider) (audit.Sink, error) {
	switch cfg.AuditSink {
	case config.SinkNone:
		return audit.NopSink{}, nil
	case config.SinkKafka:
		producer, err := audit.NewKafkaProducer(cfg.KafkaBrokers, cfg.AuditTopic, tp)
		if err != nil {
			return nil, fmt.Errorf("kafka audit sink: %w", err)
		}
		return audit.NewKafkaSink(producer), nil
	}
	return audit.NewLogSink(logger), nil
}
