package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/rl1809/ticket-sale/internal/core/domain"
	"github.com/rl1809/ticket-sale/internal/port"
)

const (
	defaultMaxRetries     = 4
	defaultResendCooldown = 5 * time.Minute
	resendKeyPrefix       = "resend:"
)

type ConfirmInput struct {
	SaleID        string
	PaymentStatus domain.SaleStatus
	PaymentID     string
}

type ConfirmResult struct {
	Sale    domain.Sale
	Tickets []domain.Ticket
	// AlreadyProcessed reports that the sale was terminal before this call and
	// nothing was changed.
	AlreadyProcessed bool
}

type ConfirmationService struct {
	sales    port.SaleRepository
	tickets  port.TicketRepository
	ledger   port.InventoryLedger
	issuer   port.TicketIssuer
	notifier port.NotificationDispatcher
	reporter port.ReconciliationReporter
	provider port.PaymentProvider
	cooldown port.CooldownStore
	logger   *zap.Logger

	resendCooldown time.Duration
	newBackOff     func() backoff.BackOff
	now            func() time.Time
}

type ConfirmationOption func(*ConfirmationService)

func WithPaymentProvider(p port.PaymentProvider) ConfirmationOption {
	return func(s *ConfirmationService) {
		s.provider = p
	}
}

// WithResendCooldown throttles ResendConfirmation to one call per sale per ttl.
func WithResendCooldown(store port.CooldownStore, ttl time.Duration) ConfirmationOption {
	return func(s *ConfirmationService) {
		s.cooldown = store
		if ttl > 0 {
			s.resendCooldown = ttl
		}
	}
}

// WithRetryBackOff overrides the policy used to retry ErrStoreUnavailable.
func WithRetryBackOff(fn func() backoff.BackOff) ConfirmationOption {
	return func(s *ConfirmationService) {
		if fn != nil {
			s.newBackOff = fn
		}
	}
}

func WithClock(now func() time.Time) ConfirmationOption {
	return func(s *ConfirmationService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewConfirmationService(
	sales port.SaleRepository,
	tickets port.TicketRepository,
	ledger port.InventoryLedger,
	issuer port.TicketIssuer,
	notifier port.NotificationDispatcher,
	reporter port.ReconciliationReporter,
	logger *zap.Logger,
	opts ...ConfirmationOption,
) *ConfirmationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &ConfirmationService{
		sales:          sales,
		tickets:        tickets,
		ledger:         ledger,
		issuer:         issuer,
		notifier:       notifier,
		reporter:       reporter,
		logger:         logger,
		resendCooldown: defaultResendCooldown,
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultMaxRetries)
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Confirm applies a payment outcome to a sale. Replays against a terminal sale
// return the stored record untouched. Only the caller that wins the guarded
// pending->approved write decrements inventory and issues tickets.
func (s *ConfirmationService) Confirm(ctx context.Context, in ConfirmInput) (ConfirmResult, error) {
	ctx, span := tracer.Start(ctx, "confirmation.confirm")
	defer span.End()
	span.SetAttributes(
		attribute.String("sale.id", in.SaleID),
		attribute.String("payment.id", in.PaymentID),
		attribute.String("payment.status", string(in.PaymentStatus)),
	)

	if _, err := domain.ParseSaleStatus(string(in.PaymentStatus)); err != nil {
		return ConfirmResult{}, err
	}

	sale, err := s.loadSale(ctx, in.SaleID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if sale.Status.IsTerminal() {
		span.SetAttributes(attribute.Bool("sale.already_processed", true))
		return s.processed(ctx, *sale)
	}
	if in.PaymentStatus == domain.SaleStatusPending {
		return ConfirmResult{Sale: *sale}, nil
	}

	now := s.now()
	var won bool
	err = s.retry(ctx, func() error {
		var err error
		won, err = s.sales.TransitionStatus(ctx, sale.ID, in.PaymentStatus, in.PaymentID, now)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ConfirmResult{}, fmt.Errorf("transition sale %s: %w", sale.ID, err)
	}
	if !won {
		current, err := s.loadSale(ctx, sale.ID)
		if err != nil {
			return ConfirmResult{}, err
		}
		s.logger.Info("concurrent confirmation lost the status race", zap.String("sale_id", sale.ID))
		return s.processed(ctx, *current)
	}

	sale.Status = in.PaymentStatus
	sale.PaymentID = in.PaymentID
	sale.UpdatedAt = now

	if sale.Status == domain.SaleStatusRejected {
		s.logger.Info("sale rejected", zap.String("sale_id", sale.ID), zap.String("payment_id", sale.PaymentID))
		return ConfirmResult{Sale: *sale}, nil
	}

	tickets, err := s.fulfil(ctx, *sale)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ConfirmResult{Sale: *sale}, err
	}

	s.logger.Info("sale approved",
		zap.String("sale_id", sale.ID),
		zap.String("payment_id", sale.PaymentID),
		zap.Int("tickets", len(tickets)),
	)

	if err := s.notifier.SendConfirmation(ctx, *sale, tickets); err != nil {
		s.logger.Warn("confirmation dispatch failed", zap.String("sale_id", sale.ID), zap.Error(err))
	}

	return ConfirmResult{Sale: *sale, Tickets: tickets}, nil
}

// SyncPayment resolves a payment through the provider and confirms the sale
// it references. Used by webhooks that only carry a payment id.
func (s *ConfirmationService) SyncPayment(ctx context.Context, paymentID string) (ConfirmResult, error) {
	if s.provider == nil {
		return ConfirmResult{}, errors.New("payment provider not configured")
	}

	status, err := s.provider.GetStatus(ctx, paymentID)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("get payment %s: %w", paymentID, err)
	}
	if status.ExternalReference == "" {
		return ConfirmResult{}, domain.ErrSaleNotFound
	}

	return s.Confirm(ctx, ConfirmInput{
		SaleID:        status.ExternalReference,
		PaymentStatus: status.Status,
		PaymentID:     status.PaymentID,
	})
}

// ResendConfirmation re-dispatches the confirmation of an approved sale, at
// most once per sale per cooldown window.
func (s *ConfirmationService) ResendConfirmation(ctx context.Context, saleID string) error {
	sale, err := s.loadSale(ctx, saleID)
	if err != nil {
		return err
	}
	if sale.Status != domain.SaleStatusApproved {
		return fmt.Errorf("%w: sale is %s", domain.ErrInvalidState, sale.Status)
	}

	if s.cooldown != nil {
		ok, err := s.cooldown.Acquire(ctx, resendKeyPrefix+saleID, s.resendCooldown)
		if err != nil {
			return fmt.Errorf("resend cooldown: %w", err)
		}
		if !ok {
			return domain.ErrResendThrottled
		}
	}

	tickets, err := s.tickets.ListTicketsBySale(ctx, saleID)
	if err != nil {
		return fmt.Errorf("list tickets: %w", err)
	}
	if err := s.notifier.SendConfirmation(ctx, *sale, tickets); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	return nil
}

// Get returns a sale and whatever tickets it holds.
func (s *ConfirmationService) Get(ctx context.Context, saleID string) (ConfirmResult, error) {
	sale, err := s.loadSale(ctx, saleID)
	if err != nil {
		return ConfirmResult{}, err
	}
	tickets, err := s.tickets.ListTicketsBySale(ctx, saleID)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("list tickets: %w", err)
	}
	return ConfirmResult{Sale: *sale, Tickets: tickets}, nil
}

func (s *ConfirmationService) fulfil(ctx context.Context, sale domain.Sale) ([]domain.Ticket, error) {
	var remaining int
	err := s.retry(ctx, func() error {
		var err error
		remaining, err = s.ledger.Decrement(ctx, sale.ID, sale.EventID, sale.BatchID, sale.Quantity)
		return err
	})
	if err != nil {
		return nil, s.escalate(ctx, sale, domain.StageDecrement, err)
	}
	s.logger.Debug("inventory decremented",
		zap.String("sale_id", sale.ID),
		zap.String("batch_id", sale.BatchID),
		zap.Int("remaining", remaining),
	)

	tickets, err := s.issuer.Issue(ctx, sale)
	if err != nil {
		return nil, s.escalate(ctx, sale, domain.StageIssue, err)
	}
	if len(tickets) != sale.Quantity {
		return nil, s.escalate(ctx, sale, domain.StageIssue,
			fmt.Errorf("issuer returned %d tickets for quantity %d", len(tickets), sale.Quantity))
	}

	err = s.retry(ctx, func() error {
		return s.tickets.SaveTickets(ctx, tickets)
	})
	if errors.Is(err, domain.ErrAlreadyProcessed) {
		// An earlier attempt committed before its error surfaced.
		stored, err := s.tickets.ListTicketsBySale(ctx, sale.ID)
		if err != nil {
			return nil, s.escalate(ctx, sale, domain.StagePersistTickets, err)
		}
		return stored, nil
	}
	if err != nil {
		return nil, s.escalate(ctx, sale, domain.StagePersistTickets, err)
	}
	return tickets, nil
}

func (s *ConfirmationService) escalate(ctx context.Context, sale domain.Sale, stage domain.ReconciliationStage, cause error) error {
	recErr := &domain.ReconciliationError{SaleID: sale.ID, Stage: stage, Cause: cause}

	s.logger.Error("CRITICAL approved sale left unfulfilled",
		zap.String("sale_id", sale.ID),
		zap.String("batch_id", sale.BatchID),
		zap.String("stage", string(stage)),
		zap.Error(cause),
	)

	if s.reporter != nil {
		err := s.reporter.Report(ctx, port.ReconciliationCase{
			SaleID:     sale.ID,
			EventID:    sale.EventID,
			BatchID:    sale.BatchID,
			Quantity:   sale.Quantity,
			PaymentID:  sale.PaymentID,
			Stage:      stage,
			Reason:     cause.Error(),
			DetectedAt: s.now(),
		})
		if err != nil {
			s.logger.Error("CRITICAL reconciliation report failed", zap.String("sale_id", sale.ID), zap.Error(err))
		}
	}
	return recErr
}

func (s *ConfirmationService) processed(ctx context.Context, sale domain.Sale) (ConfirmResult, error) {
	res := ConfirmResult{Sale: sale, AlreadyProcessed: true}
	if sale.Status != domain.SaleStatusApproved {
		return res, nil
	}
	tickets, err := s.tickets.ListTicketsBySale(ctx, sale.ID)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("list tickets: %w", err)
	}
	res.Tickets = tickets
	return res, nil
}

func (s *ConfirmationService) loadSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	var sale *domain.Sale
	err := s.retry(ctx, func() error {
		var err error
		sale, err = s.sales.GetSale(ctx, saleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

// retry reruns op while it fails with ErrStoreUnavailable.
func (s *ConfirmationService) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(s.newBackOff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, domain.ErrStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}
