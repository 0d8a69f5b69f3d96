package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketplace/services/settlement/internal/booking"
	"github.com/marketplace/services/settlement/internal/capacity"
	"github.com/marketplace/services/settlement/internal/clients"
	"github.com/marketplace/services/settlement/internal/clock"
	"github.com/marketplace/services/settlement/internal/config"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/events"
	grpcserver "github.com/marketplace/services/settlement/internal/grpc"
	"github.com/marketplace/services/settlement/internal/httpapi"
	"github.com/marketplace/services/settlement/internal/ledger"
	"github.com/marketplace/services/settlement/internal/metrics"
	"github.com/marketplace/services/settlement/internal/notify"
	"github.com/marketplace/services/settlement/internal/payment"
	"github.com/marketplace/services/settlement/internal/repo"
	"github.com/marketplace/services/settlement/internal/sweeper"
	"github.com/marketplace/services/settlement/internal/withdrawal"
	"github.com/marketplace/services/settlement/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const notifyTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Settlement service starting")

	// Connect to database
	log.Info("Connecting to database...")
	database, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Run migrations
	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	registry := metrics.NewRegistry()
	m := metrics.New(registry)
	clk := clock.NewSystem()

	// Initialize repositories
	inventoryRepo := repo.NewInventoryRepository(database, log)
	bookingRepo := repo.NewBookingRepository(database, log)
	ledgerRepo := repo.NewLedgerRepository(database, log)
	withdrawalRepo := repo.NewWithdrawalRepository(database, log)
	suspensionRepo := repo.NewSuspensionRepository(database, log)
	gatewayEventRepo := repo.NewGatewayEventRepository(database, log)

	// Balance cache is optional
	var cache ledger.BalanceCache = ledger.NopCache{}
	if client := connectRedis(cfg, log); client != nil {
		defer client.Close()
		cache = ledger.NewRedisBalanceCache(client, cfg.BalanceCacheTTL, log)
	}

	// Connect to RabbitMQ
	log.Info("Connecting to RabbitMQ")
	publisher, err := events.NewPublisher(cfg.RabbitMQURL, log)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer publisher.Close()
	notifier := notify.NewAsyncNotifier(publisher, notifyTimeout, m, log)

	directory := clients.NewDirectory(inventoryRepo, suspensionRepo, cfg.Currency, clk, log)
	ledgerSvc := ledger.NewService(database, ledgerRepo, cache, clk, m, log)
	capacitySvc := capacity.NewService(inventoryRepo, clk, m, log)
	bookingMgr := booking.NewManager(database, bookingRepo, capacitySvc, ledgerSvc, directory, directory, notifier, clk, m, log, booking.Config{
		PlatformAccountID:  cfg.PlatformAccountID,
		LoyaltyEarnPercent: cfg.LoyaltyEarnPercent,
		MaxQuantity:        cfg.MaxTicketsPerBooking,
	})
	withdrawalSvc := withdrawal.NewService(database, withdrawalRepo, ledgerSvc, notifier, clk, m, log, cfg.MinRetainedBalance)

	gateway := payment.NewStripeGateway(payment.StripeConfig{
		SecretKey: cfg.StripeSecretKey,
		Timeout:   cfg.GatewayTimeout,
	}, log)
	paymentSvc := payment.NewService(bookingMgr, gateway, cfg.GatewayTimeout, m, log)
	reconciler := payment.NewReconciler(database, bookingMgr, gatewayEventRepo, clk, m, log, payment.ReconcilerConfig{
		MaxRetries: cfg.ReconcileMaxRetries,
		Backoff:    cfg.ReconcileRetryBackoff,
	})

	// Start consuming marketplace events
	consumer, err := events.NewConsumer(cfg.RabbitMQURL, cfg.ServiceName, reconciler, withdrawalSvc, directory, log)
	if err != nil {
		log.Fatal("Failed to start consumer", zap.Error(err))
	}
	defer consumer.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go func() {
		if err := consumer.Start(ctx); err != nil {
			log.Error("Consumer stopped", zap.Error(err))
		}
	}()

	// Schedule expiry sweeps
	sweep := sweeper.New(bookingRepo, inventoryRepo, bookingMgr, capacitySvc, cfg.PendingBookingTTL, clk, m, log)
	if err := sweep.Start(cfg.SweepSchedule); err != nil {
		log.Fatal("Failed to start sweeper", zap.Error(err))
	}

	healthServer := grpcserver.NewHealthServer(database, log, publisher, consumer)

	// Create gRPC server
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(log)),
	)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	// Enable reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	go func() {
		log.Info("Starting gRPC server", zap.String("address", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Fatal("Failed to serve gRPC", zap.Error(err))
		}
	}()

	// Start HTTP API
	handler := httpapi.NewHandler(paymentSvc, bookingMgr, ledgerSvc, withdrawalSvc, reconciler, cfg.StripeWebhookSecret, log)
	e := httpapi.NewServer(handler, healthServer.Healthy, metrics.Handler(registry), log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      e,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.GatewayTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()
	sweep.Stop()
	stop()
	notifier.Wait()

	log.Info("Server stopped")
}

// connectRedis returns nil when Redis is unreachable; balances are then read
// straight from the ledger.
func connectRedis(cfg *config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("Redis unavailable, balance cache disabled", zap.Error(err))
		client.Close()
		return nil
	}
	return client
}
