package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/apikey"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/health"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/httpmiddleware"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/jobs"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/kafka"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/logging"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/metrics"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/ratelimit"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/trace"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/config"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/consumer"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/counterparty"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/fixtures"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/handlers"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/notify"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/processing"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/provider"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/reservation"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/saga"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage/memory"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// queue is what both job queue backends offer.
type queue interface {
	jobs.Queue
	jobs.Registrar
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	settleMetrics := telemetry.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	store, closeStore, err := openStore(cfg, ready, logger)
	if err != nil {
		logger.Error("store init failed", "error", err, "driver", cfg.DB.Driver)
		os.Exit(1)
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		ready.AddCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	jobQueue, runWorkers := buildQueue(cfg, redisClient, settleMetrics, logger)
	limiter := buildLimiter(cfg, redisClient)

	var publisher kafka.Publisher
	var producer *kafka.SyncProducer
	sink := notify.Sink(notify.NewLogSink(logger))
	if cfg.Kafka.Enabled() {
		producer, err = kafka.NewSyncProducer(kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
		}, logger, kafkaMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
		sink = notify.NewKafkaSink(publisher, cfg.Kafka.Topics.Notifications)
	}
	notifier := notify.NewDispatcher(sink, cfg.Settlement.NotifyTimeout, logger)
	defer notifier.Wait()

	payments, payouts, chain, addresses := buildProviders(cfg, logger, settleMetrics)

	reservations := reservation.NewEngine(store, logger, settleMetrics)
	processor := processing.NewProcessor(store, jobQueue, notifier, processing.DefaultConfig(), logger, settleMetrics)

	cpCfg := counterparty.DefaultConfig()
	cpCfg.MaxFailures = cfg.Counterparty.MaxFailures
	cpCfg.LockDuration = cfg.Counterparty.LockDuration
	cpCfg.TemporaryTTL = cfg.Counterparty.TemporaryTTL
	counterparties := counterparty.NewService(store, cpCfg, logger)

	orchestrator := saga.NewOrchestrator(saga.Deps{
		Store:          store,
		Reservations:   reservations,
		Processor:      processor,
		Counterparties: counterparties,
		Payments:       payments,
		Payouts:        payouts,
		Chain:          chain,
		Addresses:      addresses,
		Queue:          jobQueue,
		Notifier:       notifier,
		Events:         publisher,
		Logger:         logger,
		Metrics:        settleMetrics,
	}, saga.Config{
		ClaimTTL:           cfg.Settlement.ClaimTTL,
		PaymentTimeout:     cfg.Settlement.PaymentTimeout,
		ProviderAttempts:   cfg.Settlement.ProviderAttempts,
		ProviderBackoff:    cfg.Settlement.ProviderBackoff,
		Tolerance:          cfg.Settlement.Tolerance,
		DeactivateOnSettle: cfg.Settlement.DeactivateOnSettle,
		EventsTopic:        cfg.Kafka.Topics.SettlementEvents,
		ProcessAttempts:    cfg.Settlement.ProcessAttempts,
		RefundAttempts:     cfg.Settlement.RefundAttempts,
		JobBackoff:         cfg.Settlement.JobBackoff,
	})
	orchestrator.RegisterJobs(jobQueue)

	api := handlers.New(orchestrator, reservations, limiter, []byte(cfg.Gateway.WebhookSecret), logger)
	httpServer := buildHTTPServer(cfg, api, ready, registry, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		if err := runWorkers(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("job workers stopped", "error", err)
		}
	}()

	if cfg.Kafka.Enabled() {
		consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter).WithMaxAttempts(cfg.Kafka.MaxAttempts)
		defer consumerGroup.Close()

		deposits := consumer.NewDepositConsumer(orchestrator, logger)
		go func() {
			logger.Info("deposit consumer starting", "topic", cfg.Kafka.Topics.ChainDeposits)
			if err := consumerGroup.Consume(workerCtx, []string{cfg.Kafka.Topics.ChainDeposits}, deposits); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("settlement http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	ready.SetReady(true)
	waitForShutdown(httpServer, ready, workerCancel, logger)
}

func openStore(cfg *config.Config, ready *health.Manager, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.DB.Driver == config.DriverMemory {
		store := memory.New()
		if cfg.App.Env == "dev" {
			if _, err := fixtures.Seed(context.Background(), store, logger); err != nil {
				return nil, nil, fmt.Errorf("seed fixtures: %w", err)
			}
		}
		logger.Warn("using in-memory store; state is lost on restart")
		return store, func() {}, nil
	}

	pool, err := connectDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DB.Migrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := storage.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	ready.AddCheck("postgres", pool.Ping)
	return storage.NewPostgres(pool, logger), pool.Close, nil
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// buildQueue prefers Redis so jobs survive restarts and are shared across
// replicas. The in-memory queue drives itself with timers.
func buildQueue(cfg *config.Config, client *redis.Client, m *telemetry.Metrics, logger *slog.Logger) (queue, func(context.Context) error) {
	if client == nil {
		q := jobs.NewMemoryQueue(logger, m.ObserveJob)
		return q, func(ctx context.Context) error {
			<-ctx.Done()
			q.Close()
			return ctx.Err()
		}
	}
	q := jobs.NewRedisQueue(client, jobs.RedisConfig{
		Prefix:     cfg.Redis.Prefix + "jobs:",
		Visibility: cfg.Settlement.Workers.Visibility,
		Observe:    m.ObserveJob,
	}, logger)
	return q, func(ctx context.Context) error {
		return q.Run(ctx, jobs.WorkerConfig{
			Concurrency:  cfg.Settlement.Workers.Concurrency,
			PollInterval: cfg.Settlement.Workers.PollInterval,
			ReapInterval: cfg.Settlement.Workers.ReapInterval,
		})
	}
}

func buildLimiter(cfg *config.Config, client *redis.Client) ratelimit.Limiter {
	if client == nil {
		return ratelimit.NewMemory(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}
	return ratelimit.NewRedis(client, cfg.RateLimit.Limit, cfg.RateLimit.Window, cfg.Redis.Prefix+"ratelimit:")
}

// buildProviders wraps each provider surface in its own circuit breaker so
// a failing payout rail does not stop collections.
func buildProviders(cfg *config.Config, logger *slog.Logger, m *telemetry.Metrics) (provider.PaymentProvider, provider.PayoutProvider, provider.ChainWatcher, provider.AddressBook) {
	type backend interface {
		provider.PaymentProvider
		provider.PayoutProvider
		provider.ChainWatcher
		provider.AddressBook
	}
	var be backend
	if cfg.Gateway.Mode == config.GatewayLive {
		be = provider.NewGateway(provider.GatewayConfig{
			BaseURL: cfg.Gateway.BaseURL,
			APIKey:  cfg.Gateway.APIKey,
			Timeout: cfg.Gateway.Timeout,
		})
	} else {
		logger.Warn("payment gateway in sandbox mode")
		be = provider.NewSandbox()
	}

	breaker := provider.BreakerConfig{
		MinRequests:  cfg.Gateway.Breaker.MinRequests,
		FailureRatio: cfg.Gateway.Breaker.FailureRatio,
		OpenTimeout:  cfg.Gateway.Breaker.OpenTimeout,
	}
	return provider.GuardPayments(be, provider.NewGuard("payments", breaker, logger, m)),
		provider.GuardPayouts(be, provider.NewGuard("payouts", breaker, logger, m)),
		provider.GuardChain(be, provider.NewGuard("chain", breaker, logger, m)),
		provider.GuardAddresses(be, provider.NewGuard("addresses", breaker, logger, m))
}

func indexerCredentials(cfg *config.Config) []apikey.Credential {
	creds := make([]apikey.Credential, 0, len(cfg.Auth.Indexers))
	for _, k := range cfg.Auth.Indexers {
		creds = append(creds, apikey.Credential{Name: k.Name, KeyHash: k.KeyHash, IPAllowlist: k.IPAllowlist})
	}
	return creds
}

func buildHTTPServer(cfg *config.Config, api *handlers.Handler, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	api.Register(router, handlers.RouteConfig{
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		Indexers:  indexerCredentials(cfg),
	})

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	// stop workers after HTTP so in-flight webhooks can still enqueue
	cancel()
	logger.Info("shutdown complete")
}
