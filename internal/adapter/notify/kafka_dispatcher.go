package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/rl1809/ticket-sale/internal/core/domain"
)

// MessageWriter is the subset of *kafka.Writer the publishers need.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type TicketPayload struct {
	ID          string `json:"id"`
	Seq         int    `json:"seq"`
	QRReference string `json:"qr_reference"`
}

// SaleConfirmedEvent is published once per approved sale; the email service
// consumes it and renders the tickets for the buyer.
type SaleConfirmedEvent struct {
	SaleID      string          `json:"sale_id"`
	BuyerID     string          `json:"buyer_id"`
	ResellerID  string          `json:"reseller_id,omitempty"`
	EventID     string          `json:"event_id"`
	BatchID     string          `json:"batch_id"`
	Quantity    int             `json:"quantity"`
	BasePrice   float64         `json:"base_price"`
	Commission  float64         `json:"commission"`
	Total       float64         `json:"total"`
	PaymentID   string          `json:"payment_id"`
	Tickets     []TicketPayload `json:"tickets"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

type KafkaDispatcher struct {
	writer MessageWriter
	logger *zap.Logger
}

func NewKafkaDispatcher(writer MessageWriter, logger *zap.Logger) *KafkaDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaDispatcher{writer: writer, logger: logger}
}

func (d *KafkaDispatcher) SendConfirmation(ctx context.Context, sale domain.Sale, tickets []domain.Ticket) error {
	event := SaleConfirmedEvent{
		SaleID:      sale.ID,
		BuyerID:     sale.BuyerID,
		ResellerID:  sale.ResellerID,
		EventID:     sale.EventID,
		BatchID:     sale.BatchID,
		Quantity:    sale.Quantity,
		BasePrice:   sale.BasePrice,
		Commission:  sale.Commission,
		Total:       sale.Total,
		PaymentID:   sale.PaymentID,
		Tickets:     make([]TicketPayload, 0, len(tickets)),
		ConfirmedAt: sale.UpdatedAt,
	}
	for _, t := range tickets {
		event.Tickets = append(event.Tickets, TicketPayload{ID: t.ID, Seq: t.Seq, QRReference: t.QRReference})
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal sale confirmed event: %w", err)
	}

	msg := kafka.Message{
		Key:     []byte(sale.ID),
		Value:   payload,
		Headers: traceHeaders(ctx),
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish sale confirmed event: %w", err)
	}

	d.logger.Info("sale confirmation published", zap.String("sale_id", sale.ID), zap.Int("tickets", len(tickets)))
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// traceHeaders injects the active span context so consumers can continue the
// trace.
func traceHeaders(ctx context.Context) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make([]kafka.Header, 0, len(carrier))
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

// NewWriter builds the producer used for a topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
}
