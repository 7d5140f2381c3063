package port

import (
	"context"
	"time"

	"github.com/rl1809/ticket-sale/internal/core/domain"
)

type TicketIssuer interface {
	Issue(ctx context.Context, sale domain.Sale) ([]domain.Ticket, error)
}

type NotificationDispatcher interface {
	SendConfirmation(ctx context.Context, sale domain.Sale, tickets []domain.Ticket) error
}

type PaymentStatus struct {
	PaymentID         string
	Status            domain.SaleStatus
	ExternalReference string
}

type PaymentProvider interface {
	GetStatus(ctx context.Context, paymentID string) (*PaymentStatus, error)
}

type ReconciliationCase struct {
	SaleID     string
	EventID    string
	BatchID    string
	Quantity   int
	PaymentID  string
	Stage      domain.ReconciliationStage
	Reason     string
	DetectedAt time.Time
}

// ReconciliationReporter escalates sold-but-unfulfilled sales to operations.
type ReconciliationReporter interface {
	Report(ctx context.Context, c ReconciliationCase) error
}
