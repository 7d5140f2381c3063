package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/ticket-sale/internal/adapter/handler"
	"github.com/rl1809/ticket-sale/internal/adapter/issuer"
	"github.com/rl1809/ticket-sale/internal/adapter/notify"
	"github.com/rl1809/ticket-sale/internal/adapter/payment"
	"github.com/rl1809/ticket-sale/internal/adapter/storage"
	"github.com/rl1809/ticket-sale/internal/config"
	"github.com/rl1809/ticket-sale/internal/core/service"
	"github.com/rl1809/ticket-sale/internal/port"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return err
	}
	mysqlAdapter := storage.NewMySQLAdapter(db)
	if err := mysqlAdapter.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("connected to mysql")

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	redisAdapter := storage.NewRedisAdapter(rdb)
	logger.Info("connected to redis")

	var ledger port.InventoryLedger = mysqlAdapter
	if cfg.LedgerBackend == config.LedgerRedis {
		if err := seedLedger(ctx, mysqlAdapter, redisAdapter, logger); err != nil {
			return err
		}
		ledger = redisAdapter
	}
	logger.Info("inventory ledger ready", zap.String("backend", cfg.LedgerBackend))

	// Kafka producers
	confirmWriter := notify.NewWriter(cfg.KafkaBrokers, cfg.ConfirmationTopic)
	dispatcher := notify.NewKafkaDispatcher(confirmWriter, logger)
	defer dispatcher.Close()

	reconWriter := notify.NewWriter(cfg.KafkaBrokers, cfg.ReconciliationTopic)
	defer reconWriter.Close()
	reconciliation := notify.NewReconciliationQueue(reconWriter, cfg.ReconciliationQueue, logger)
	reconciliation.Start(cfg.ReconciliationWorkers)
	logger.Info("started reconciliation workers", zap.Int("workers", cfg.ReconciliationWorkers))

	paymentClient := payment.NewClient(payment.Config{
		BaseURL:     cfg.PaymentBaseURL,
		AccessToken: cfg.PaymentAccessToken,
		Timeout:     cfg.PaymentTimeout,
		MaxRetries:  3,
	})

	// Initialize services
	reservations := service.NewReservationService(mysqlAdapter, ledger, mysqlAdapter, logger)
	confirmations := service.NewConfirmationService(
		mysqlAdapter,
		mysqlAdapter,
		ledger,
		issuer.NewQRIssuer(),
		dispatcher,
		reconciliation,
		logger,
		service.WithPaymentProvider(paymentClient),
		service.WithResendCooldown(redisAdapter, cfg.ResendCooldown),
	)

	auth := handler.NewAuthenticator(cfg.JWTSecret)

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryAuthInterceptor(handler.SalePolicies())))
	handler.RegisterSaleServiceServer(grpcServer, handler.NewGRPCHandler(reservations, confirmations, logger))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(reservations, confirmations, auth, cfg.WebhookToken, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	reconciliation.Close()
	logger.Info("reconciliation workers stopped")
	return nil
}

// seedLedger copies batch availability into Redis for counters that do not
// exist yet; existing counters are authoritative and left alone.
func seedLedger(ctx context.Context, catalog *storage.MySQLAdapter, cache *storage.RedisAdapter, logger *zap.Logger) error {
	batches, err := catalog.ListBatches(ctx)
	if err != nil {
		return err
	}
	for _, b := range batches {
		seeded, err := cache.SeedStock(ctx, b.EventID, b.ID, b.AvailableUnits)
		if err != nil {
			return err
		}
		if seeded {
			logger.Info("seeded stock", zap.String("batch_id", b.ID), zap.Int("available", b.AvailableUnits))
		}
	}
	return nil
}
