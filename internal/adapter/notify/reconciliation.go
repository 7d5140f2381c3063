package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rl1809/ticket-sale/internal/port"
)

const publishTimeout = 5 * time.Second

var ErrQueueClosed = errors.New("reconciliation queue closed")

type reconciliationMessage struct {
	SaleID     string    `json:"sale_id"`
	EventID    string    `json:"event_id"`
	BatchID    string    `json:"batch_id"`
	Quantity   int       `json:"quantity"`
	PaymentID  string    `json:"payment_id"`
	Stage      string    `json:"stage"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
}

// ReconciliationQueue hands reported cases to a pool of workers that publish
// them for operators. Report never blocks a confirmation on the broker: when
// the buffer is full the case is published inline.
type ReconciliationQueue struct {
	writer MessageWriter
	logger *zap.Logger
	queue  chan port.ReconciliationCase

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewReconciliationQueue(writer MessageWriter, size int, logger *zap.Logger) *ReconciliationQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationQueue{
		writer: writer,
		logger: logger,
		queue:  make(chan port.ReconciliationCase, size),
	}
}

func (q *ReconciliationQueue) Start(workers int) {
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			q.workerLoop(id)
		}(i)
	}
}

func (q *ReconciliationQueue) Report(ctx context.Context, c port.ReconciliationCase) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.queue <- c:
		return nil
	default:
		q.logger.Warn("reconciliation queue full, publishing inline", zap.String("sale_id", c.SaleID))
		return q.publish(ctx, c)
	}
}

// Close stops accepting cases and waits for the workers to drain the queue.
func (q *ReconciliationQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.queue)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *ReconciliationQueue) workerLoop(id int) {
	for c := range q.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)

		q.logger.Error("CRITICAL reconciliation required",
			zap.Int("worker", id),
			zap.String("sale_id", c.SaleID),
			zap.String("event_id", c.EventID),
			zap.String("batch_id", c.BatchID),
			zap.Int("quantity", c.Quantity),
			zap.String("payment_id", c.PaymentID),
			zap.String("stage", string(c.Stage)),
			zap.String("reason", c.Reason),
		)

		if err := q.publish(ctx, c); err != nil {
			q.logger.Error("CRITICAL reconciliation publish failed",
				zap.Int("worker", id),
				zap.String("sale_id", c.SaleID),
				zap.Error(err),
			)
		}

		cancel()
	}
}

func (q *ReconciliationQueue) publish(ctx context.Context, c port.ReconciliationCase) error {
	payload, err := json.Marshal(reconciliationMessage{
		SaleID:     c.SaleID,
		EventID:    c.EventID,
		BatchID:    c.BatchID,
		Quantity:   c.Quantity,
		PaymentID:  c.PaymentID,
		Stage:      string(c.Stage),
		Reason:     c.Reason,
		DetectedAt: c.DetectedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal reconciliation case: %w", err)
	}

	return q.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(c.SaleID),
		Value:   payload,
		Headers: traceHeaders(ctx),
	})
}
