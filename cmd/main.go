/**
 * @description
 * This is the main entry point for the storefront order service. It loads configuration,
 * applies the embedded schema migrations, connects to PostgreSQL, Redis and RabbitMQ,
 * wires the ordering, wallet and payment components together and runs the HTTP server,
 * the order status consumer and the unsettled payment sweep until a shutdown signal.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Rate limiting, cart clean-up and webhook locks.
 * - golang.org/x/sync/errgroup: Lifecycle of the HTTP server.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/paystack, pkg/rabbitmq: Gateway and broker clients.
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

	"github.com/aminofabian/fnms-sub000/internal/api"
	"github.com/aminofabian/fnms-sub000/internal/app"
	"github.com/aminofabian/fnms-sub000/internal/config"
	"github.com/aminofabian/fnms-sub000/internal/store"
	"github.com/aminofabian/fnms-sub000/pkg/paystack"
	rmrabbit "github.com/aminofabian/fnms-sub000/pkg/rabbitmq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
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
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url must be configured\" env=DATABASE_URL")
	}
	if strings.TrimSpace(cfg.PaystackSecretKey) == "" {
		log.Println("level=warn component=bootstrap msg=\"paystack secret missing; card payments and webhooks will be rejected\" env=PAYSTACK_SECRET_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting order-service\" port=%s", cfg.ServerPort)

	if cfg.RunMigrations {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"database migrations applied\"")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer producer.Close()

	redisClient := connectRedis(cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	repository := store.NewPostgresRepository(dbpool)
	paystackClient := paystack.NewClient(cfg.PaystackBaseURL, cfg.PaystackSecretKey)
	notifier := app.NewEventNotifier(producer, cfg.EventsExchange)

	orderService := app.NewService(repository, paystackClient, notifier, app.Options{
		PaystackCallbackURL:     cfg.PaystackCallbackURL,
		MinTopUpCents:           cfg.MinTopUpCents,
		MaxTopUpCents:           cfg.MaxTopUpCents,
		OrderRateLimitPerMinute: cfg.OrderRateLimitPerMinute,
		SideEffectTimeout:       time.Duration(cfg.SideEffectTimeoutSeconds) * time.Second,
	})

	reconciler := app.NewPaymentReconciler(
		repository,
		orderService.Wallet(),
		paystackClient,
		cfg.PaystackSecretKey,
		time.Duration(cfg.PaystackVerifyTimeoutSeconds)*time.Second,
	)

	if redisClient != nil {
		orderService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix))
		orderService.SetCartStore(app.NewRedisCartStore(redisClient, cfg.RedisKeyPrefix))
		reconciler.SetReferenceLocker(app.NewRedisReferenceLocker(redisClient, cfg.RedisKeyPrefix))
	}

	sessions := api.NewSessionAuthenticator(cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience, orderService)
	handlers := api.NewHandlers(orderService, reconciler)
	router := api.NewRouter(handlers, sessions.Middleware, cfg.AllowedOrigins, cfg.TrustProxyHeaders)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	sweeper := app.NewPaymentSweeper(repository, notifier, time.Duration(cfg.PendingPaymentStaleMinutes)*time.Minute, logger)
	scheduler := app.NewScheduler(sweeper, cfg.PendingPaymentSweepSchedule, logger)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
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
		return server.Shutdown(shutdownCtx)
	})

	// The status consumer reconnects on its own and never owns the HTTP server's lifecycle.
	consumerDone := make(chan struct{})
	statusConsumer := app.NewOrderStatusConsumer(orderService)
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer disabled; order status events will wait in the queue\" err=%v", err)
		close(consumerDone)
	} else {
		go func() {
			defer close(consumerDone)
			defer rabbitConsumer.Close()
			bindings := map[string]rmrabbit.Handler{
				"order.status.*": statusConsumer.HandleMessage,
			}
			if err := rabbitConsumer.Run(ctx, cfg.EventsExchange, cfg.OrderStatusQueue, bindings); err != nil {
				log.Printf("level=error component=order_status_consumer msg=\"consumer stopped\" err=%v", err)
			}
		}()
	}

	if err := g.Wait(); err != nil {
		log.Printf("level=error component=bootstrap msg=\"service stopped with error\" err=%v", err)
	}
	stop()
	<-consumerDone

	<-scheduler.Stop().Done()
	orderService.WaitForBackground()
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// connectRedis returns nil when Redis is not configured or unreachable. Rate limiting, cart
// clean-up and webhook locks are then disabled; ordering keeps working.
func connectRedis(redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting and cart clean-up disabled\" env=REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting and cart clean-up disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting and cart clean-up disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
