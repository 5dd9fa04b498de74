/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible for
 * initializing all components of the service, including configuration, the order store,
 * the payment gateway and anchor clients, the settlement queue, the sweep scheduler and
 * the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Webhook de-duplication store.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - golang.org/x/sync/errgroup: Runs the HTTP server and the shutdown watcher.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/chargeclient, pkg/anchorclient, pkg/rabbitmq: External system clients.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/settlement-service/internal/api"
	"github.com/transfa/settlement-service/internal/app"
	"github.com/transfa/settlement-service/internal/config"
	"github.com/transfa/settlement-service/internal/split"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/anchorclient"
	"github.com/transfa/settlement-service/pkg/chargeclient"
	rmrabbit "github.com/transfa/settlement-service/pkg/rabbitmq"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Printf("level=warn component=bootstrap msg=\"internal api key not configured; operator routes disabled\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.AnchorRPCURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"anchor relayer must be configured\" env=ANCHOR_RPC_URL")
	}

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s store=%s", cfg.ServerPort, cfg.OrderStoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repository, closeStore := openOrderStore(ctx, cfg)
	defer closeStore()

	dedup, closeDedup := openWebhookDeduper(ctx, cfg)
	defer closeDedup()

	chargeClient := chargeclient.NewClient(cfg.PaymentGatewayBaseURL, cfg.PaymentGatewayAPIKey)

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	anchorClient, rpcClient, err := anchorclient.Dial(dialCtx, cfg.AnchorRPCURL, anchorclient.Options{
		ContractAddress:     cfg.AnchorContractAddress,
		PollInterval:        cfg.AnchorPollInterval(),
		ConfirmationTimeout: cfg.AnchorConfirmationTimeout(),
		MinConfirmations:    cfg.AnchorMinConfirmations,
		SubmissionsPerSec:   cfg.AnchorSubmissionsPerSecond,
	})
	cancelDial()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"anchor relayer dial failed\" err=%v", err)
	}
	defer rpcClient.Close()
	log.Println("level=info component=bootstrap msg=\"anchor relayer connected\"")

	anchorRetry := app.RetryPolicy{
		MaxAttempts: cfg.AnchorMaxAttempts,
		BaseDelay:   cfg.AnchorRetryBase(),
		MaxDelay:    cfg.AnchorRetryMax(),
	}

	// Publish settlement tasks through RabbitMQ when available; otherwise run them in-process.
	var (
		queue          app.SettlementQueue
		localQueue     *app.LocalSettlementQueue
		rabbitConsumer *rmrabbit.Consumer
	)
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; settling in-process\" err=%v", err)
		localQueue = app.NewLocalSettlementQueue(cfg.SettlementWorkers * 64)
		queue = localQueue
	} else {
		defer rabbitProducer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		queue = app.NewRabbitSettlementQueue(rabbitProducer, cfg.SettlementExchange)
	}

	orchestrator := app.NewSettlementOrchestrator(repository, anchorClient, queue, app.OrchestratorOptions{
		AnchorRetry:     anchorRetry,
		OrderExpiry:     cfg.OrderExpiry(),
		StaleSettlement: cfg.SettlementStaleAfter(),
		SweepBatchSize:  cfg.SweepBatchSize,
	})

	// A settlement run may spend every anchor attempt waiting on confirmation.
	workerTimeout := time.Duration(anchorRetry.MaxAttempts)*(cfg.AnchorConfirmationTimeout()+anchorRetry.MaxDelay) + time.Minute
	worker := app.NewSettlementWorker(orchestrator, workerTimeout)

	if localQueue != nil {
		localQueue.Start(cfg.SettlementWorkers, worker.Process)
		defer localQueue.Stop()
	} else {
		rabbitConsumer, err = rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
		}
		defer rabbitConsumer.Close()

		bindings := map[string]func([]byte) bool{
			app.SettlementTaskRoutingKey: worker.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.SettlementExchange, cfg.SettlementQueue, bindings, cfg.SettlementWorkers); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"settlement consumer start failed\" err=%v", err)
		}
	}

	orderService := app.NewOrderService(repository, chargeClient, app.OrderServiceOptions{
		SplitRules:  split.Rules{MaxReceivers: cfg.SplitMaxReceivers, MaxScale: split.DefaultRules().MaxScale},
		ChargeRetry: app.RetryPolicy{
			MaxAttempts: cfg.ChargeMaxAttempts,
			BaseDelay:   time.Duration(cfg.ChargeRetryBaseMS) * time.Millisecond,
			MaxDelay:    5 * time.Second,
		},
		DefaultCurrency: cfg.DefaultCurrency,
	})

	verifier := chargeclient.WebhookVerifier{
		Secret:        cfg.PaymentWebhookSecret,
		Token:         cfg.PaymentWebhookToken,
		AllowUnsigned: cfg.AllowUnsignedWebhooks,
	}
	if cfg.AllowUnsignedWebhooks && strings.TrimSpace(cfg.PaymentWebhookSecret) == "" && strings.TrimSpace(cfg.PaymentWebhookToken) == "" {
		log.Println("level=warn component=bootstrap msg=\"accepting unsigned payment webhooks\" env=ALLOW_UNSIGNED_WEBHOOKS")
	}
	intake := app.NewWebhookIntake(verifier, dedup, cfg.WebhookDedupTTL(), orchestrator)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(app.NewJobs(orchestrator, logger), logger, cfg.ExpirySweepSchedule, cfg.SettlementRecoverySchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	router := api.NewRouter(
		api.NewOrderHandlers(orderService, orchestrator),
		api.NewWebhookHandler(intake),
		api.RouterConfig{
			JWKSURL:        cfg.ClerkJWKSURL,
			InternalAPIKey: cfg.InternalAPIKey,
			AllowedOrigins: cfg.AllowedOrigins(),
		},
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("level=info component=http msg=\"shutdown started\"")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
		}
		<-scheduler.Stop().Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("level=error component=bootstrap msg=\"service stopped with error\" err=%v", err)
	}
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openOrderStore returns the configured repository and its cleanup function.
func openOrderStore(ctx context.Context, cfg config.Config) (store.OrderRepository, func()) {
	if cfg.OrderStoreDriver == config.OrderStoreDriverMemory {
		log.Println("level=warn component=bootstrap msg=\"using in-memory order store; orders are lost on restart\"")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Configure connection pool for high-traffic scenarios
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repository := store.NewPostgresRepository(dbpool)
	if cfg.ApplyMigrations {
		if err := repository.Migrate(ctx); err != nil {
			dbpool.Close()
			log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"schema up to date\"")
	}
	return repository, dbpool.Close
}

// openWebhookDeduper prefers Redis so duplicate deliveries are caught across replicas.
func openWebhookDeduper(ctx context.Context, cfg config.Config) (app.WebhookDeduper, func()) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook de-duplication is per-process\" env=REDIS_URL")
		return app.NewMemoryWebhookDeduper(), func() {}
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook de-duplication is per-process\" err=%v", err)
		return app.NewMemoryWebhookDeduper(), func() {}
	}
	redisClient := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook de-duplication is per-process\" err=%v", err)
		redisClient.Close()
		return app.NewMemoryWebhookDeduper(), func() {}
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return app.NewRedisWebhookDeduper(redisClient, cfg.WebhookDedupPrefix), func() { redisClient.Close() }
}
