package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"CustodyLedger/internal/config"
	"CustodyLedger/internal/core"
	"CustodyLedger/internal/custody"
	"CustodyLedger/internal/ingestion"
	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/oracle"
	"CustodyLedger/internal/persistence"
	"CustodyLedger/internal/query"
	"CustodyLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := observability.NewLogger("main")
		bootLog.Fatal().Err(err).Msg("load config")
	}
	level := observability.ParseLogLevel(cfg.LogLevel)
	newLogger := func(component string) zerolog.Logger {
		return observability.NewLoggerWith(component, level, cfg.LogFormat)
	}

	log := newLogger("main")
	if err := run(cfg, newLogger); err != nil {
		log.Fatal().Err(err).Msg("custody ledger stopped")
	}
	log.Info().Msg("custody ledger shutdown complete")
}

func run(cfg config.Config, newLogger func(string) zerolog.Logger) error {
	log := newLogger("main")
	log.Info().Msg("custody ledger starting")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// --- Context with graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir, newLogger("persistence")).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Recovery ---
	snap, err := persistence.NewLoader(db).LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, newLogger("nats"))
	if err != nil {
		return err
	}
	defer nc.Close()
	log.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return err
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	redisFeeds := oracle.NewRedisFeeds(rdb, cfg.RedisFeedPrefix)
	if err := rdb.Ping(ctx).Err(); err != nil {
		if cfg.PriceSource == config.PriceSourceRedis {
			return fmt.Errorf("redis ping: %w", err)
		}
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, price mirror disabled")
		redisFeeds = nil
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})
	if redisFeeds != nil {
		healthChecker.AddCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	// --- Price feeds ---
	var (
		feeds      oracle.FeedSource
		subscriber *ingestion.PriceSubscriber
	)
	switch cfg.PriceSource {
	case config.PriceSourceRedis:
		feeds = redisFeeds
	default:
		if err := ingestion.EnsurePriceStream(ctx, js); err != nil {
			return err
		}
		memFeeds := oracle.NewMemoryFeeds()
		var mirror ingestion.RoundStore
		if redisFeeds != nil {
			mirror = redisFeeds
		}
		subscriber = ingestion.NewPriceSubscriber(js, memFeeds, mirror, metrics, newLogger("prices"))
		feeds = memFeeds
	}

	// --- Custody gateway and asset precision ---
	gateway := custody.NewNATSGateway(nc, cfg.TransferTimeout)
	decimalsTable, err := cfg.AssetDecimalsTable()
	if err != nil {
		return err
	}
	decimals := oracle.NewStaticDecimals(decimalsTable, gateway)

	// --- Engine ---
	authority, err := cfg.AuthorityAddress()
	if err != nil {
		return err
	}
	admissionCap, err := cfg.AdmissionCap()
	if err != nil {
		return err
	}
	ceiling, err := cfg.WithdrawalCeiling()
	if err != nil {
		return err
	}

	// Persist blocks (backpressure), publish drops when full.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	engine, err := core.NewEngine(core.Options{
		Authority:         authority,
		AdmissionCap:      admissionCap,
		WithdrawalCeiling: ceiling,
		Feeds:             feeds,
		Decimals:          decimals,
		StalenessWindow:   cfg.StalenessWindow,
		Gateway:           gateway,
		TransferTimeout:   cfg.TransferTimeout,
		Metrics:           metrics,
		Logger:            newLogger("engine"),
		Persist:           persistChan,
		Publish:           publishChan,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if snap != nil {
		if err := engine.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore state: %w", err)
		}
		log.Info().
			Int64("sequence", snap.Sequence).
			Int("balances", len(snap.Balances)).
			Int("assets", len(snap.Assets)).
			Str("authority", snap.Authority.Hex()).
			Msg("state restored; bootstrap authority and limits ignored")
	} else {
		log.Info().Str("authority", authority.Hex()).Msg("cold start from sequence 0")
	}

	// --- Background workers ---
	// Workers outlive the serving context so everything committed before
	// shutdown is flushed.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var workers sync.WaitGroup
	errChan := make(chan error, 8)

	persistWorker := persistence.NewWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, newLogger("persistence"))
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	publisher := ingestion.NewOutboundPublisher(js, publishChan, newLogger("publisher"))
	workers.Add(1)
	go func() {
		defer workers.Done()
		publisher.Run(workerCtx)
	}()

	if subscriber != nil {
		if err := subscriber.Subscribe(ctx); err != nil {
			return err
		}
	}

	// --- Servers ---
	var svcOpts []server.ServiceOption
	tokens, err := server.ParsePrincipalTokens(cfg.PrincipalTokens)
	if err != nil {
		return fmt.Errorf("CUSTODY_PRINCIPAL_TOKENS: %w", err)
	}
	if len(tokens) > 0 {
		svcOpts = append(svcOpts, server.WithPrincipalVerifier(server.TokenVerifier(tokens)))
	} else {
		log.Warn().Msg("CUSTODY_PRINCIPAL_TOKENS unset, principal headers are trusted as sent")
	}
	svc := server.NewCustodyService(engine, query.NewService(db), svcOpts...)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, svc, metrics, newLogger("server"))
	httpHandler, err := server.NewHTTPHandler(svc, healthChecker, metrics)
	if err != nil {
		return err
	}
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, httpHandler, newLogger("server"))

	var servers sync.WaitGroup
	serve := func(name string, start func(context.Context) error) {
		servers.Add(1)
		go func() {
			defer servers.Done()
			if err := start(ctx); err != nil {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	serve("grpc server", grpcServer.Start)
	serve("http server", httpServer.Start)
	serve("metrics server", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.MetricsAddr, log)
	})

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	log.Info().
		Int64("sequence", engine.Sequence()).
		Str("price_source", cfg.PriceSource).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("custody ledger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop taking requests and let in-flight ones finish. Closing the engine
	// waits for any operation still inside a custody transfer, after which
	// nothing emits and the outputs can be closed for the workers to flush.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	stop()
	servers.Wait()

	if subscriber != nil {
		subscriber.Stop()
	}
	engine.Close()
	close(persistChan)
	close(publishChan)

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		log.Error().Dur("timeout", shutdownTimeout).Msg("workers did not drain in time")
		cancelWorkers()
		<-done
	}

	log.Info().Int64("sequence", engine.Sequence()).Msg("engine outputs flushed")
	return runErr
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
