package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/ticket-sale/internal/core/domain"
	"github.com/rl1809/ticket-sale/internal/port"
)

var tracer = otel.Tracer("github.com/rl1809/ticket-sale/internal/core/service")

type CreateSaleInput struct {
	EventID    string
	BatchID    string
	Quantity   int
	Type       domain.SaleType
	BuyerID    string
	ResellerID string
}

// ReservationService records purchase intent as a pending sale. It reads the
// batch counter as an admission heuristic only and never reserves inventory:
// many pending sales may exist for the same units, and only the first
// approvals to reach the ledger are fulfilled.
type ReservationService struct {
	catalog port.CatalogRepository
	ledger  port.InventoryLedger
	sales   port.SaleRepository
	logger  *zap.Logger
	now     func() time.Time
}

func NewReservationService(catalog port.CatalogRepository, ledger port.InventoryLedger, sales port.SaleRepository, logger *zap.Logger) *ReservationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReservationService{
		catalog: catalog,
		ledger:  ledger,
		sales:   sales,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *ReservationService) CreateSale(ctx context.Context, in CreateSaleInput) (domain.Sale, error) {
	ctx, span := tracer.Start(ctx, "reservation.create_sale")
	defer span.End()
	span.SetAttributes(
		attribute.String("sale.event_id", in.EventID),
		attribute.String("sale.batch_id", in.BatchID),
		attribute.Int("sale.quantity", in.Quantity),
		attribute.String("sale.type", string(in.Type)),
	)

	if in.Quantity <= 0 {
		return domain.Sale{}, domain.ErrInvalidQuantity
	}
	switch in.Type {
	case domain.SaleTypeDirect:
		in.ResellerID = ""
	case domain.SaleTypeReseller:
		if in.ResellerID == "" {
			return domain.Sale{}, domain.ErrInvalidSaleType
		}
	default:
		return domain.Sale{}, domain.ErrInvalidSaleType
	}

	if _, err := s.catalog.GetEvent(ctx, in.EventID); err != nil {
		return domain.Sale{}, err
	}
	batch, err := s.catalog.GetBatch(ctx, in.EventID, in.BatchID)
	if err != nil {
		return domain.Sale{}, err
	}

	available, err := s.ledger.Available(ctx, in.EventID, in.BatchID)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("read availability: %w", err)
	}
	if available < in.Quantity {
		return domain.Sale{}, domain.ErrInsufficientInventory
	}

	now := s.now()
	sale := domain.Sale{
		ID:         uuid.New().String(),
		BuyerID:    in.BuyerID,
		ResellerID: in.ResellerID,
		EventID:    in.EventID,
		BatchID:    in.BatchID,
		Type:       in.Type,
		Quantity:   in.Quantity,
		Status:     domain.SaleStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	sale.Price(batch.UnitPrice)

	if err := s.sales.CreateSale(ctx, sale); err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			return domain.Sale{}, err
		}
		return domain.Sale{}, fmt.Errorf("create sale: %w", err)
	}

	s.logger.Info("sale created",
		zap.String("sale_id", sale.ID),
		zap.String("batch_id", sale.BatchID),
		zap.Int("quantity", sale.Quantity),
		zap.Float64("total", sale.Total),
	)
	return sale, nil
}
