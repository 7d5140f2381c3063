package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rl1809/ticket-sale/internal/core/domain"
	"github.com/rl1809/ticket-sale/internal/port"
)

type confirmFixture struct {
	store    *memStore
	issuer   *mockIssuer
	notifier *mockNotifier
	reporter *mockReporter
	svc      *ConfirmationService
}

func newConfirmFixture(opts ...ConfirmationOption) *confirmFixture {
	f := &confirmFixture{
		store:    newMemStore(),
		issuer:   &mockIssuer{},
		notifier: &mockNotifier{},
		reporter: &mockReporter{},
	}
	opts = append([]ConfirmationOption{
		WithRetryBackOff(func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
		}),
	}, opts...)
	f.svc = NewConfirmationService(f.store, f.store, f.store, f.issuer, f.notifier, f.reporter, nil, opts...)
	return f
}

func pendingSale(id, batchID string, quantity int) domain.Sale {
	return domain.Sale{
		ID:       id,
		BuyerID:  "buyer-1",
		EventID:  "event-a",
		BatchID:  batchID,
		Type:     domain.SaleTypeDirect,
		Quantity: quantity,
		Status:   domain.SaleStatusPending,
	}
}

func TestConfirm_HappyPath(t *testing.T) {
	f := newConfirmFixture()
	f.store.addBatch("event-a", "batch-b", 10, 100)

	reservation := NewReservationService(f.store, f.store, f.store, nil)
	sale, err := reservation.CreateSale(context.Background(), CreateSaleInput{
		EventID: "event-a", BatchID: "batch-b", Quantity: 2, Type: domain.SaleTypeDirect, BuyerID: "buyer-1",
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if sale.Total != 200 {
		t.Errorf("expected total 200, got %v", sale.Total)
	}

	res, err := f.svc.Confirm(context.Background(), ConfirmInput{
		SaleID: sale.ID, PaymentStatus: domain.SaleStatusApproved, PaymentID: "pay123",
	})
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	if res.Sale.Status != domain.SaleStatusApproved {
		t.Errorf("expected approved, got %s", res.Sale.Status)
	}
	if res.Sale.PaymentID != "pay123" {
		t.Errorf("expected payment pay123, got %s", res.Sale.PaymentID)
	}
	if len(res.Tickets) != 2 {
		t.Errorf("expected 2 tickets, got %d", len(res.Tickets))
	}
	if res.AlreadyProcessed {
		t.Error("expected first confirmation to process the sale")
	}
	if got := f.store.available("batch-b"); got != 8 {
		t.Errorf("expected available 8, got %d", got)
	}
	if f.notifier.calls.Load() != 1 {
		t.Errorf("expected 1 notification, got %d", f.notifier.calls.Load())
	}
}

func TestConfirm_Rejected(t *testing.T) {
	f := newConfirmFixture()
	f.store.addBatch("event-a", "batch-b", 5, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 2))

	res, err := f.svc.Confirm(context.Background(), ConfirmInput{
		SaleID: "sale-1", PaymentStatus: domain.SaleStatusRejected, PaymentID: "pay-1",
	})
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if res.Sale.Status != domain.SaleStatusRejected {
		t.Errorf("expected rejected, got %s", res.Sale.Status)
	}
	if f.store.decrements.Load() != 0 || f.issuer.calls.Load() != 0 {
		t.Error("rejection must not touch inventory or tickets")
	}
	if f.store.available("batch-b") != 5 {
		t.Errorf("expected available 5, got %d", f.store.available("batch-b"))
	}
}

func TestConfirm_PendingStatusIsNoop(t *testing.T) {
	f := newConfirmFixture()
	f.store.addBatch("event-a", "batch-b", 5, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 1))

	res, err := f.svc.Confirm(context.Background(), ConfirmInput{
		SaleID: "sale-1", PaymentStatus: domain.SaleStatusPending, PaymentID: "pay-1",
	})
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if res.Sale.Status != domain.SaleStatusPending {
		t.Errorf("expected pending, got %s", res.Sale.Status)
	}
	if f.store.transitions.Load() != 0 {
		t.Error("expected no status transition")
	}
}

func TestConfirm_Replay(t *testing.T) {
	f := newConfirmFixture()
	f.store.addBatch("event-a", "batch-b", 5, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 2))
	ctx := context.Background()

	first, err := f.svc.Confirm(ctx, ConfirmInput{SaleID: "sale-1", PaymentStatus: domain.SaleStatusApproved, PaymentID: "p1"})
	if err != nil {
		t.Fatalf("first confirm failed: %v", err)
	}

	second, err := f.svc.Confirm(ctx, ConfirmInput{SaleID: "sale-1", PaymentStatus: domain.SaleStatusApproved, PaymentID: "p1"})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !second.AlreadyProcessed {
		t.Error("expected replay to report AlreadyProcessed")
	}
	if second.Sale.Status != first.Sale.Status || second.Sale.PaymentID != first.Sale.PaymentID {
		t.Errorf("expected same terminal sale, got %+v vs %+v", second.Sale, first.Sale)
	}
	if len(second.Tickets) != 2 {
		t.Errorf("expected stored 2 tickets, got %d", len(second.Tickets))
	}
	if f.store.decrements.Load() != 1 || f.issuer.calls.Load() != 1 {
		t.Errorf("expected one decrement and one issuance, got %d/%d", f.store.decrements.Load(), f.issuer.calls.Load())
	}
	if f.store.available("batch-b") != 3 {
		t.Errorf("expected available 3, got %d", f.store.available("batch-b"))
	}
}

func TestConfirm_TerminalImmutability(t *testing.T) {
	f := newConfirmFixture()
	f.store.addBatch("event-a", "batch-b", 5, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 1))
	ctx := context.Background()

	if _, err := f.svc.Confirm(ctx, ConfirmInput{SaleID: "sale-1", PaymentStatus: domain.SaleStatusApproved, PaymentID: "p1"}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	for _, status := range []domain.SaleStatus{domain.SaleStatusRejected, domain.SaleStatusPending, domain.SaleStatusApproved} {
		res, err := f.svc.Confirm(ctx, ConfirmInput{SaleID: "sale-1", PaymentStatus: status, PaymentID: "p2"})
		if err != nil {
			t.Fatalf("confirm %s failed: %v", status, err)
		}
		if res.Sale.Status != domain.SaleStatusApproved || res.Sale.PaymentID != "p1" {
			t.Errorf("terminal sale changed by %s: %+v", status, res.Sale)
		}
	}

	if f.issuer.calls.Load() != 1 {
		t.Errorf("expected 1 issuance, got %d", f.issuer.calls.Load())
	}
}

func TestConfirm_ConcurrentDuplicateWebhook(t *testing.T) {
	f := newConfirmFixture()
	f.store.addBatch("event-a", "batch-b", 10, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 3))

	const deliveries = 20
	var wg sync.WaitGroup
	var processed atomic.Int32
	results := make([]ConfirmResult, deliveries)

	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := f.svc.Confirm(context.Background(), ConfirmInput{
				SaleID: "sale-1", PaymentStatus: domain.SaleStatusApproved, PaymentID: "p1",
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if !res.AlreadyProcessed {
				processed.Add(1)
			}
			results[n] = res
		}(i)
	}
	wg.Wait()

	if processed.Load() != 1 {
		t.Errorf("expected exactly 1 processing call, got %d", processed.Load())
	}
	if f.store.decrements.Load() != 1 {
		t.Errorf("expected 1 decrement, got %d", f.store.decrements.Load())
	}
	if f.issuer.calls.Load() != 1 {
		t.Errorf("expected 1 issuance, got %d", f.issuer.calls.Load())
	}
	tickets, _ := f.store.ListTicketsBySale(context.Background(), "sale-1")
	if len(tickets) != 3 {
		t.Errorf("expected 3 tickets, got %d", len(tickets))
	}
	for _, res := range results {
		if res.Sale.Status != domain.SaleStatusApproved {
			t.Errorf("expected approved in every response, got %s", res.Sale.Status)
		}
	}
}

func TestConfirm_Exhaustion(t *testing.T) {
	f := newConfirmFixture()
	f.store.addBatch("event-a", "batch-b", 1, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 1))
	f.store.addSale(pendingSale("sale-2", "batch-b", 1))

	var wg sync.WaitGroup
	var approved, reconcile atomic.Int32
	for _, id := range []string{"sale-1", "sale-2"} {
		wg.Add(1)
		go func(saleID string) {
			defer wg.Done()
			res, err := f.svc.Confirm(context.Background(), ConfirmInput{
				SaleID: saleID, PaymentStatus: domain.SaleStatusApproved, PaymentID: "pay-" + saleID,
			})
			switch {
			case err == nil:
				approved.Add(1)
			case errors.Is(err, domain.ErrReconciliationRequired):
				reconcile.Add(1)
				if len(res.Tickets) != 0 {
					t.Errorf("expected no tickets on reconciliation, got %d", len(res.Tickets))
				}
				if res.Sale.Status != domain.SaleStatusApproved {
					t.Errorf("expected sale to stay approved, got %s", res.Sale.Status)
				}
				var recErr *domain.ReconciliationError
				if !errors.As(err, &recErr) || recErr.Stage != domain.StageDecrement {
					t.Errorf("expected decrement-stage reconciliation error, got %v", err)
				}
				if !errors.Is(err, domain.ErrInsufficientInventory) {
					t.Errorf("expected insufficient inventory cause, got %v", err)
				}
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if approved.Load() != 1 || reconcile.Load() != 1 {
		t.Errorf("expected 1 approval and 1 reconciliation, got %d/%d", approved.Load(), reconcile.Load())
	}
	if f.store.available("batch-b") != 0 {
		t.Errorf("expected available 0, got %d", f.store.available("batch-b"))
	}
	if f.issuer.calls.Load() != 1 {
		t.Errorf("expected 1 issuance, got %d", f.issuer.calls.Load())
	}
	if f.reporter.count() != 1 {
		t.Errorf("expected 1 reconciliation report, got %d", f.reporter.count())
	}
}

func TestConfirm_RetriesStoreUnavailable(t *testing.T) {
	f := newConfirmFixture()
	f.store.addBatch("event-a", "batch-b", 5, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 1))
	f.store.failGetSale = 1
	f.store.failDecrement = 2

	res, err := f.svc.Confirm(context.Background(), ConfirmInput{
		SaleID: "sale-1", PaymentStatus: domain.SaleStatusApproved, PaymentID: "p1",
	})
	if err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if len(res.Tickets) != 1 {
		t.Errorf("expected 1 ticket, got %d", len(res.Tickets))
	}
	if f.store.available("batch-b") != 4 {
		t.Errorf("expected available 4, got %d", f.store.available("batch-b"))
	}
}

func TestConfirm_DecrementOutageEscalates(t *testing.T) {
	f := newConfirmFixture()
	f.store.addBatch("event-a", "batch-b", 5, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 1))
	f.store.failDecrement = 10

	_, err := f.svc.Confirm(context.Background(), ConfirmInput{
		SaleID: "sale-1", PaymentStatus: domain.SaleStatusApproved, PaymentID: "p1",
	})
	if !errors.Is(err, domain.ErrReconciliationRequired) {
		t.Fatalf("expected ErrReconciliationRequired, got %v", err)
	}
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("expected store unavailable cause, got %v", err)
	}
	if f.reporter.count() != 1 {
		t.Errorf("expected 1 report, got %d", f.reporter.count())
	}
}

func TestConfirm_IssuerFailureEscalates(t *testing.T) {
	f := newConfirmFixture()
	f.issuer.err = errors.New("issuer down")
	f.store.addBatch("event-a", "batch-b", 5, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 2))

	_, err := f.svc.Confirm(context.Background(), ConfirmInput{
		SaleID: "sale-1", PaymentStatus: domain.SaleStatusApproved, PaymentID: "p1",
	})
	var recErr *domain.ReconciliationError
	if !errors.As(err, &recErr) || recErr.Stage != domain.StageIssue {
		t.Fatalf("expected issue-stage reconciliation, got %v", err)
	}
	if f.notifier.calls.Load() != 0 {
		t.Error("expected no notification for unfulfilled sale")
	}
}

func TestConfirm_DecrementLostAckConsumesOnce(t *testing.T) {
	f := newConfirmFixture()
	f.store.addBatch("event-a", "batch-b", 10, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 2))
	f.store.lostDecrementAcks = 1

	res, err := f.svc.Confirm(context.Background(), ConfirmInput{
		SaleID: "sale-1", PaymentStatus: domain.SaleStatusApproved, PaymentID: "p1",
	})
	if err != nil {
		t.Fatalf("expected retry after lost ack to succeed, got %v", err)
	}
	if f.store.available("batch-b") != 8 {
		t.Errorf("expected available 8, got %d", f.store.available("batch-b"))
	}
	if len(res.Tickets) != 2 {
		t.Errorf("expected 2 tickets, got %d", len(res.Tickets))
	}
	if f.reporter.count() != 0 {
		t.Errorf("expected no reconciliation report, got %d", f.reporter.count())
	}
}

func TestConfirm_TicketPersistOutageEscalates(t *testing.T) {
	f := newConfirmFixture()
	f.store.addBatch("event-a", "batch-b", 5, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 2))
	f.store.failSave = 10

	_, err := f.svc.Confirm(context.Background(), ConfirmInput{
		SaleID: "sale-1", PaymentStatus: domain.SaleStatusApproved, PaymentID: "p1",
	})
	var recErr *domain.ReconciliationError
	if !errors.As(err, &recErr) || recErr.Stage != domain.StagePersistTickets {
		t.Fatalf("expected persist-stage reconciliation, got %v", err)
	}
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("expected store unavailable cause, got %v", err)
	}
	if f.reporter.count() != 1 {
		t.Errorf("expected 1 report, got %d", f.reporter.count())
	}
	if f.notifier.calls.Load() != 0 {
		t.Error("expected no notification for unfulfilled sale")
	}

	stored, err := f.store.GetSale(context.Background(), "sale-1")
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	if stored.Status != domain.SaleStatusApproved {
		t.Errorf("expected sale to stay approved, got %s", stored.Status)
	}
	if f.store.available("batch-b") != 3 {
		t.Errorf("expected available 3, got %d", f.store.available("batch-b"))
	}
}

func TestConfirm_TicketPersistLostAckReturnsStoredTickets(t *testing.T) {
	f := newConfirmFixture()
	f.store.addBatch("event-a", "batch-b", 5, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 2))
	f.store.lostSaveAcks = 1

	res, err := f.svc.Confirm(context.Background(), ConfirmInput{
		SaleID: "sale-1", PaymentStatus: domain.SaleStatusApproved, PaymentID: "p1",
	})
	if err != nil {
		t.Fatalf("expected lost ack to resolve to stored tickets, got %v", err)
	}

	stored, err := f.store.ListTicketsBySale(context.Background(), "sale-1")
	if err != nil {
		t.Fatalf("list tickets failed: %v", err)
	}
	if len(res.Tickets) != 2 || len(stored) != 2 {
		t.Fatalf("expected 2 tickets, got %d returned and %d stored", len(res.Tickets), len(stored))
	}
	for i := range stored {
		if res.Tickets[i].ID != stored[i].ID {
			t.Errorf("ticket %d: returned %s, stored %s", i, res.Tickets[i].ID, stored[i].ID)
		}
	}
	if f.reporter.count() != 0 {
		t.Errorf("expected no reconciliation report, got %d", f.reporter.count())
	}
}

func TestConfirm_StoredTicketReadFailureEscalates(t *testing.T) {
	f := newConfirmFixture()
	f.store.addBatch("event-a", "batch-b", 5, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 1))
	f.store.lostSaveAcks = 1
	f.store.failList = errors.New("read replica gone")

	_, err := f.svc.Confirm(context.Background(), ConfirmInput{
		SaleID: "sale-1", PaymentStatus: domain.SaleStatusApproved, PaymentID: "p1",
	})
	var recErr *domain.ReconciliationError
	if !errors.As(err, &recErr) || recErr.Stage != domain.StagePersistTickets {
		t.Fatalf("expected persist-stage reconciliation, got %v", err)
	}
	if f.reporter.count() != 1 {
		t.Errorf("expected 1 report, got %d", f.reporter.count())
	}
}

func TestConfirm_NotificationFailureKeepsApproval(t *testing.T) {
	f := newConfirmFixture()
	f.notifier.err = errors.New("smtp down")
	f.store.addBatch("event-a", "batch-b", 5, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 1))

	res, err := f.svc.Confirm(context.Background(), ConfirmInput{
		SaleID: "sale-1", PaymentStatus: domain.SaleStatusApproved, PaymentID: "p1",
	})
	if err != nil {
		t.Fatalf("expected notification failure to be swallowed, got %v", err)
	}
	if res.Sale.Status != domain.SaleStatusApproved || len(res.Tickets) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestConfirm_InputErrors(t *testing.T) {
	f := newConfirmFixture()

	_, err := f.svc.Confirm(context.Background(), ConfirmInput{SaleID: "missing", PaymentStatus: domain.SaleStatusApproved})
	if !errors.Is(err, domain.ErrSaleNotFound) {
		t.Errorf("expected ErrSaleNotFound, got: %v", err)
	}

	_, err = f.svc.Confirm(context.Background(), ConfirmInput{SaleID: "missing", PaymentStatus: "refunded"})
	if !errors.Is(err, domain.ErrInvalidPaymentStatus) {
		t.Errorf("expected ErrInvalidPaymentStatus, got: %v", err)
	}
}

func TestSyncPayment(t *testing.T) {
	provider := &mockProvider{statuses: map[string]port.PaymentStatus{
		"pay-9": {PaymentID: "pay-9", Status: domain.SaleStatusApproved, ExternalReference: "sale-1"},
		"pay-0": {PaymentID: "pay-0", Status: domain.SaleStatusApproved},
	}}
	f := newConfirmFixture(WithPaymentProvider(provider))
	f.store.addBatch("event-a", "batch-b", 5, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 1))

	res, err := f.svc.SyncPayment(context.Background(), "pay-9")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if res.Sale.Status != domain.SaleStatusApproved || res.Sale.PaymentID != "pay-9" {
		t.Errorf("unexpected sale: %+v", res.Sale)
	}

	_, err = f.svc.SyncPayment(context.Background(), "pay-0")
	if !errors.Is(err, domain.ErrSaleNotFound) {
		t.Errorf("expected ErrSaleNotFound for missing reference, got %v", err)
	}
}

func TestResendConfirmation(t *testing.T) {
	f := newConfirmFixture(WithResendCooldown(&mockCooldown{}, time.Minute))
	f.store.addBatch("event-a", "batch-b", 5, 10)
	f.store.addSale(pendingSale("sale-1", "batch-b", 1))
	f.store.addSale(pendingSale("sale-2", "batch-b", 1))
	ctx := context.Background()

	if err := f.svc.ResendConfirmation(ctx, "sale-2"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for pending sale, got %v", err)
	}

	if _, err := f.svc.Confirm(ctx, ConfirmInput{SaleID: "sale-1", PaymentStatus: domain.SaleStatusApproved, PaymentID: "p1"}); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	if err := f.svc.ResendConfirmation(ctx, "sale-1"); err != nil {
		t.Fatalf("first resend failed: %v", err)
	}
	if err := f.svc.ResendConfirmation(ctx, "sale-1"); !errors.Is(err, domain.ErrResendThrottled) {
		t.Errorf("expected ErrResendThrottled, got %v", err)
	}
	if f.notifier.calls.Load() != 2 {
		t.Errorf("expected 2 dispatches, got %d", f.notifier.calls.Load())
	}
}
