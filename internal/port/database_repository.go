package port

import (
	"context"
	"time"

	"github.com/rl1809/ticket-sale/internal/core/domain"
)

type CatalogRepository interface {
	GetEvent(ctx context.Context, eventID string) (*domain.Event, error)
	GetBatch(ctx context.Context, eventID, batchID string) (*domain.Batch, error)
}

type SaleRepository interface {
	CreateSale(ctx context.Context, sale domain.Sale) error

	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)

	// TransitionStatus writes status and paymentID only while the stored status
	// is still pending; false means another writer already moved the sale.
	TransitionStatus(ctx context.Context, saleID string, status domain.SaleStatus, paymentID string, at time.Time) (bool, error)
}

type TicketRepository interface {
	// SaveTickets persists the ticket set of a sale; a sale already holding
	// tickets yields ErrAlreadyProcessed.
	SaveTickets(ctx context.Context, tickets []domain.Ticket) error

	ListTicketsBySale(ctx context.Context, saleID string) ([]domain.Ticket, error)
}
