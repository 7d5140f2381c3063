package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/ticket-sale/internal/core/domain"
	"github.com/rl1809/ticket-sale/internal/port"
)

// memStore stands in for the MySQL adapter: every conditional write happens
// under one lock, the way a single row update is serialized by the database.
type memStore struct {
	mu      sync.Mutex
	events  map[string]domain.Event
	batches map[string]domain.Batch
	sales   map[string]domain.Sale
	tickets map[string][]domain.Ticket
	applied map[string]bool

	decrements    atomic.Int32
	transitions   atomic.Int32
	failGetSale   int
	failDecrement int
	decrementErr  error
	// lostDecrementAcks applies the decrement, then reports the store as
	// unavailable, as a commit whose acknowledgement never arrived.
	lostDecrementAcks int
	failSave          int
	lostSaveAcks      int
	failList          error
}

func newMemStore() *memStore {
	return &memStore{
		events:  make(map[string]domain.Event),
		batches: make(map[string]domain.Batch),
		sales:   make(map[string]domain.Sale),
		tickets: make(map[string][]domain.Ticket),
		applied: make(map[string]bool),
	}
}

func (m *memStore) addBatch(eventID, batchID string, available int, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventID] = domain.Event{ID: eventID, Name: "event " + eventID}
	m.batches[batchID] = domain.Batch{
		ID:             batchID,
		EventID:        eventID,
		TotalUnits:     available,
		AvailableUnits: available,
		UnitPrice:      price,
	}
}

func (m *memStore) addSale(sale domain.Sale) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales[sale.ID] = sale
}

func (m *memStore) available(batchID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches[batchID].AvailableUnits
}

func (m *memStore) GetEvent(_ context.Context, eventID string) (*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	return &e, nil
}

func (m *memStore) GetBatch(_ context.Context, eventID, batchID string) (*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok || b.EventID != eventID {
		return nil, domain.ErrBatchNotFound
	}
	return &b, nil
}

func (m *memStore) Available(_ context.Context, eventID, batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok || b.EventID != eventID {
		return 0, domain.ErrBatchNotFound
	}
	return b.AvailableUnits, nil
}

func (m *memStore) Decrement(_ context.Context, saleID, eventID, batchID string, quantity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failDecrement > 0 {
		m.failDecrement--
		return 0, fmt.Errorf("decrement: %w", domain.ErrStoreUnavailable)
	}
	if m.decrementErr != nil {
		return 0, m.decrementErr
	}

	b, ok := m.batches[batchID]
	if !ok || b.EventID != eventID {
		return 0, domain.ErrBatchNotFound
	}
	if m.applied[saleID] {
		return b.AvailableUnits, nil
	}

	m.decrements.Add(1)
	if b.AvailableUnits < quantity {
		return 0, domain.ErrInsufficientInventory
	}
	b.AvailableUnits -= quantity
	m.batches[batchID] = b
	m.applied[saleID] = true

	if m.lostDecrementAcks > 0 {
		m.lostDecrementAcks--
		return 0, fmt.Errorf("commit decrement: %w", domain.ErrStoreUnavailable)
	}
	return b.AvailableUnits, nil
}

func (m *memStore) CreateSale(_ context.Context, sale domain.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales[sale.ID] = sale
	return nil
}

func (m *memStore) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGetSale > 0 {
		m.failGetSale--
		return nil, fmt.Errorf("get sale: %w", domain.ErrStoreUnavailable)
	}
	s, ok := m.sales[saleID]
	if !ok {
		return nil, domain.ErrSaleNotFound
	}
	return &s, nil
}

func (m *memStore) TransitionStatus(_ context.Context, saleID string, status domain.SaleStatus, paymentID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sales[saleID]
	if !ok {
		return false, domain.ErrSaleNotFound
	}
	if s.Status != domain.SaleStatusPending {
		return false, nil
	}
	m.transitions.Add(1)
	s.Status = status
	s.PaymentID = paymentID
	s.UpdatedAt = at
	m.sales[saleID] = s
	return true, nil
}

func (m *memStore) SaveTickets(_ context.Context, tickets []domain.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave > 0 {
		m.failSave--
		return fmt.Errorf("insert tickets: %w", domain.ErrStoreUnavailable)
	}
	saleID := tickets[0].SaleID
	if _, exists := m.tickets[saleID]; exists {
		return domain.ErrAlreadyProcessed
	}
	m.tickets[saleID] = append([]domain.Ticket(nil), tickets...)
	if m.lostSaveAcks > 0 {
		m.lostSaveAcks--
		return fmt.Errorf("commit tickets: %w", domain.ErrStoreUnavailable)
	}
	return nil
}

func (m *memStore) ListTicketsBySale(_ context.Context, saleID string) ([]domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failList != nil {
		return nil, m.failList
	}
	return append([]domain.Ticket(nil), m.tickets[saleID]...), nil
}

type mockIssuer struct {
	calls atomic.Int32
	err   error
}

func (i *mockIssuer) Issue(_ context.Context, sale domain.Sale) ([]domain.Ticket, error) {
	i.calls.Add(1)
	if i.err != nil {
		return nil, i.err
	}
	tickets := make([]domain.Ticket, sale.Quantity)
	for n := range tickets {
		tickets[n] = domain.Ticket{
			ID:      fmt.Sprintf("%s-t%d", sale.ID, n+1),
			SaleID:  sale.ID,
			BuyerID: sale.BuyerID,
			EventID: sale.EventID,
			BatchID: sale.BatchID,
			Seq:     n + 1,
			Status:  domain.TicketStatusActive,
		}
	}
	return tickets, nil
}

type mockNotifier struct {
	calls atomic.Int32
	err   error
}

func (n *mockNotifier) SendConfirmation(_ context.Context, _ domain.Sale, _ []domain.Ticket) error {
	n.calls.Add(1)
	return n.err
}

type mockReporter struct {
	mu    sync.Mutex
	cases []port.ReconciliationCase
}

func (r *mockReporter) Report(_ context.Context, c port.ReconciliationCase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cases = append(r.cases, c)
	return nil
}

func (r *mockReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cases)
}

type mockCooldown struct {
	mu   sync.Mutex
	held map[string]bool
}

func (c *mockCooldown) Acquire(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held == nil {
		c.held = make(map[string]bool)
	}
	if c.held[key] {
		return false, nil
	}
	c.held[key] = true
	return true, nil
}

type mockProvider struct {
	statuses map[string]port.PaymentStatus
}

func (p *mockProvider) GetStatus(_ context.Context, paymentID string) (*port.PaymentStatus, error) {
	s, ok := p.statuses[paymentID]
	if !ok {
		return nil, errors.New("payment not found")
	}
	return &s, nil
}
