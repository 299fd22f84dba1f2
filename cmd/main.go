/**
 * @description
 * This is the main entry point for the ledger service. It loads configuration,
 * connects to PostgreSQL, RabbitMQ and Redis, builds the ledger service with its
 * gateway, notifier and rate limiter, starts the pending-transaction poller and the
 * gateway/user event consumers, and serves the HTTP API until it is signalled.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - github.com/joho/godotenv: optional .env loading for local development.
 * - github.com/redis/go-redis/v9: distributed rate limiting.
 * - github.com/prometheus/client_golang: service metrics.
 * - internal/api, internal/app, internal/config, internal/store: the service itself.
 * - pkg/momoclient, pkg/rabbitmq: mobile-money provider and message broker clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coopbank/ledger-service/internal/api"
	"github.com/coopbank/ledger-service/internal/app"
	"github.com/coopbank/ledger-service/internal/config"
	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/coopbank/ledger-service/internal/gateway"
	"github.com/coopbank/ledger-service/internal/metrics"
	"github.com/coopbank/ledger-service/internal/store"
	"github.com/coopbank/ledger-service/pkg/momoclient"
	rmrabbit "github.com/coopbank/ledger-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.JWTSecret == "" && cfg.JWKSURL == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"token verification must be configured\" env=JWT_SECRET|JWKS_URL")
	}
	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s", cfg.ServerPort)

	dbpool, err := openPool(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	if cfg.RunMigrations {
		applied, err := store.Migrate(context.Background(), dbpool)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
		}
		log.Printf("level=info component=bootstrap msg=\"migrations applied\" count=%d versions=%v", len(applied), applied)
	}

	serviceMetrics := metrics.New(prometheus.DefaultRegisterer)

	// A broker outage at startup degrades to dropped events rather than a crash loop.
	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	notifier := app.NewNotifier(publisher, cfg.EventsExchange, cfg.NotifierQueueSize, serviceMetrics)

	momoClient := momoclient.NewClient(cfg.MomoAPIBaseURL, cfg.MomoAPIKey, time.Duration(cfg.MomoAPITimeoutSeconds)*time.Second)
	paymentGateway := gateway.NewAdapter(momoClient, serviceMetrics)

	repository := store.NewPostgresRepository(dbpool, time.Duration(cfg.DBTxTimeoutSeconds)*time.Second)
	ledgerService := app.NewService(repository, cfg.Policy(), paymentGateway, notifier, app.Options{
		FeeCollectionAccountID: cfg.FeeAccountID,
		RoutingPrefix:          cfg.RoutingPrefix(),
		RateLimit:              app.RateLimit{Limit: cfg.RateLimitPerWindow, Window: cfg.RateLimitWindow()},
		Metrics:                serviceMetrics,
	})

	redisClient := openRedis(cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
		ledgerService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
	}

	poller := app.NewPendingPoller(ledgerService, app.PollerConfig{
		Schedule:  cfg.PollSchedule,
		MinAge:    time.Duration(cfg.PollMinAgeSeconds) * time.Second,
		BatchSize: cfg.PollBatchSize,
	})
	if err := poller.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"poller start failed\" err=%v", err)
	}

	rabbitConsumer := startConsumers(cfg, ledgerService)
	if rabbitConsumer != nil {
		defer rabbitConsumer.Close()
	}

	handlers := api.NewHandlers(ledgerService)
	auth := api.AuthMiddleware(api.AuthConfig{
		Secret:   cfg.JWTSecret,
		JWKSURL:  cfg.JWKSURL,
		Audience: cfg.JWTAudience,
		Issuer:   cfg.JWTIssuer,
	})
	router := api.Routes(handlers, auth, serviceMetrics, prometheus.DefaultGatherer)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	select {
	case <-poller.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=poller msg=\"poller did not stop before shutdown deadline\"")
	}
	if err := notifier.Close(ctx); err != nil {
		log.Printf("level=warn component=notifier msg=\"event queue not drained\" err=%v", err)
	}
	publisher.Close()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openPool connects to PostgreSQL with the pool settings the ledger runs with.
func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// openRedis returns nil when Redis is not configured or unreachable; rate limiting
// is then disabled.
func openRedis(redisURL string) *redis.Client {
	if redisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

// startConsumers binds the provider callbacks and user sign-ups. Without a broker
// the poller alone settles gateway transactions.
func startConsumers(cfg config.Config, service *app.Service) *rmrabbit.Consumer {
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, 10)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; relying on poller\" err=%v", err)
		return nil
	}

	statusConsumer := app.NewGatewayStatusConsumer(service)
	gatewayBindings := map[string]rmrabbit.Handler{
		domain.EventDepositStatus: statusConsumer.HandleDepositStatus,
		domain.EventPayoutStatus:  statusConsumer.HandlePayoutStatus,
	}
	if err := rabbitConsumer.ConsumeWithBindings(cfg.GatewayEventsExchange, cfg.GatewayEventQueue, gatewayBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"gateway consumer start failed\" err=%v", err)
	}

	userBindings := map[string]rmrabbit.Handler{
		domain.EventUserCreated: statusConsumer.HandleUserCreated,
	}
	if err := rabbitConsumer.ConsumeWithBindings(cfg.UserEventsExchange, cfg.UserEventQueue, userBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"user consumer start failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"rabbitmq consumers started\"")
	return rabbitConsumer
}
