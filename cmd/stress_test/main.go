package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rl1809/ticket-sale/internal/adapter/issuer"
	"github.com/rl1809/ticket-sale/internal/adapter/storage"
	"github.com/rl1809/ticket-sale/internal/core/domain"
	"github.com/rl1809/ticket-sale/internal/core/service"
	"github.com/rl1809/ticket-sale/internal/port"
)

const (
	initialStock   = 20
	totalSales     = 50
	webhookCopies  = 3
	defaultDSN     = "root:root@tcp(localhost:3306)/ticketsale?parseTime=true"
	defaultRedis   = "localhost:6379"
	confirmTimeout = 10 * time.Second
)

type countingNotifier struct {
	sent atomic.Int32
}

func (n *countingNotifier) SendConfirmation(ctx context.Context, sale domain.Sale, tickets []domain.Ticket) error {
	n.sent.Add(1)
	return nil
}

type countingReporter struct {
	reported atomic.Int32
}

func (r *countingReporter) Report(ctx context.Context, c port.ReconciliationCase) error {
	r.reported.Add(1)
	return nil
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("stress test aborted", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx := context.Background()

	db, err := sql.Open("mysql", getEnv("MYSQL_DSN", defaultDSN))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect mysql: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: getEnv("REDIS_ADDR", defaultRedis)})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	mysqlAdapter := storage.NewMySQLAdapter(db)
	redisAdapter := storage.NewRedisAdapter(rdb)
	if err := mysqlAdapter.Migrate(ctx); err != nil {
		return err
	}

	eventID, batchID, err := seedBatch(ctx, db)
	if err != nil {
		return err
	}
	if err := redisAdapter.SetStock(ctx, eventID, batchID, initialStock); err != nil {
		return err
	}

	quiet := zap.NewNop()
	notifier := &countingNotifier{}
	reporter := &countingReporter{}
	reservations := service.NewReservationService(mysqlAdapter, redisAdapter, mysqlAdapter, quiet)
	confirmations := service.NewConfirmationService(
		mysqlAdapter, mysqlAdapter, redisAdapter, issuer.NewQRIssuer(issuer.WithSize(64)),
		notifier, reporter, quiet,
	)

	// Creation never reserves, so every sale is admitted against the full batch.
	saleIDs := make([]string, 0, totalSales)
	for i := 0; i < totalSales; i++ {
		sale, err := reservations.CreateSale(ctx, service.CreateSaleInput{
			EventID:  eventID,
			BatchID:  batchID,
			Quantity: 1,
			Type:     domain.SaleTypeDirect,
			BuyerID:  fmt.Sprintf("user-%d", i),
		})
		if err != nil {
			return fmt.Errorf("create sale %d: %w", i, err)
		}
		saleIDs = append(saleIDs, sale.ID)
	}

	var approved, replays, reconciliations, failures atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for _, id := range saleIDs {
		for range webhookCopies {
			wg.Add(1)
			go func(saleID string) {
				defer wg.Done()
				cctx, cancel := context.WithTimeout(ctx, confirmTimeout)
				defer cancel()

				res, err := confirmations.Confirm(cctx, service.ConfirmInput{
					SaleID:        saleID,
					PaymentStatus: domain.SaleStatusApproved,
					PaymentID:     "pay-" + saleID,
				})
				switch {
				case errors.Is(err, domain.ErrReconciliationRequired):
					reconciliations.Add(1)
				case err != nil:
					failures.Add(1)
					logger.Error("confirm failed", zap.String("sale_id", saleID), zap.Error(err))
				case res.AlreadyProcessed:
					replays.Add(1)
				default:
					approved.Add(1)
				}
			}(id)
		}
	}

	wg.Wait()
	elapsed := time.Since(start)

	var ticketCount int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tickets t JOIN sales s ON t.sale_id = s.id WHERE s.batch_id = ?`, batchID,
	).Scan(&ticketCount); err != nil {
		return err
	}
	finalStock, err := redisAdapter.Available(ctx, eventID, batchID)
	if err != nil {
		return err
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:      %d\n", initialStock)
	fmt.Printf("Pending Sales:      %d\n", totalSales)
	fmt.Printf("Webhook Calls:      %d\n", totalSales*webhookCopies)
	fmt.Printf("Fulfilled:          %d\n", approved.Load())
	fmt.Printf("Replays:            %d\n", replays.Load())
	fmt.Printf("Reconciliations:    %d\n", reconciliations.Load())
	fmt.Printf("Failures:           %d\n", failures.Load())
	fmt.Printf("Tickets Persisted:  %d\n", ticketCount)
	fmt.Printf("Notifications:      %d\n", notifier.sent.Load())
	fmt.Printf("Final Redis Stock:  %d\n", finalStock)
	fmt.Printf("Duration:           %v\n", elapsed)
	fmt.Println("==========================================")

	check("fulfilled sales equal initial stock", int(approved.Load()) == initialStock)
	check("one reconciliation per oversold sale", int(reconciliations.Load()) == totalSales-initialStock)
	check("reports match reconciliations", reporter.reported.Load() == reconciliations.Load())
	check("tickets issued once per unit", ticketCount == initialStock)
	check("stock depleted to 0", finalStock == 0)
	return nil
}

func check(name string, ok bool) {
	if ok {
		fmt.Printf("PASS: %s\n", name)
		return
	}
	fmt.Printf("FAIL: %s\n", name)
}

func seedBatch(ctx context.Context, db *sql.DB) (string, string, error) {
	eventID, batchID := uuid.NewString(), uuid.NewString()
	if _, err := db.ExecContext(ctx, `INSERT INTO events (id, name, starts_at) VALUES (?, 'Stress Test', ?)`,
		eventID, time.Now().Add(24*time.Hour)); err != nil {
		return "", "", fmt.Errorf("seed event: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO batches (id, event_id, name, total_units, available_units, unit_price)
		VALUES (?, ?, 'General', ?, ?, 100.00)`, batchID, eventID, initialStock, initialStock); err != nil {
		return "", "", fmt.Errorf("seed batch: %w", err)
	}
	return eventID, batchID, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
