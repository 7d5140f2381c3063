package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/ticket-sale/internal/core/domain"
)

const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

//go:embed schema.sql
var schemaSQL string

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the tables if they do not exist yet.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) GetEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	var e domain.Event
	err := m.db.QueryRowContext(ctx, `
		SELECT id, name, starts_at, created_at
		FROM events WHERE id = ?`, eventID,
	).Scan(&e.ID, &e.Name, &e.StartsAt, &e.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, storeErr("query event", err)
	}
	return &e, nil
}

func (m *MySQLAdapter) GetBatch(ctx context.Context, eventID, batchID string) (*domain.Batch, error) {
	var b domain.Batch
	err := m.db.QueryRowContext(ctx, `
		SELECT id, event_id, name, total_units, available_units, unit_price, created_at, updated_at
		FROM batches WHERE id = ? AND event_id = ?`, batchID, eventID,
	).Scan(&b.ID, &b.EventID, &b.Name, &b.TotalUnits, &b.AvailableUnits, &b.UnitPrice, &b.CreatedAt, &b.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBatchNotFound
	}
	if err != nil {
		return nil, storeErr("query batch", err)
	}
	return &b, nil
}

func (m *MySQLAdapter) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, event_id, name, total_units, available_units, unit_price, created_at, updated_at
		FROM batches`)
	if err != nil {
		return nil, storeErr("list batches", err)
	}
	defer rows.Close()

	var batches []domain.Batch
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(&b.ID, &b.EventID, &b.Name, &b.TotalUnits, &b.AvailableUnits, &b.UnitPrice, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, storeErr("scan batch", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list batches", err)
	}
	return batches, nil
}

func (m *MySQLAdapter) Available(ctx context.Context, eventID, batchID string) (int, error) {
	var available int
	err := m.db.QueryRowContext(ctx, `
		SELECT available_units FROM batches WHERE id = ? AND event_id = ?`, batchID, eventID,
	).Scan(&available)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrBatchNotFound
	}
	if err != nil {
		return 0, storeErr("query availability", err)
	}
	return available, nil
}

// Decrement is the only write path for available_units. The WHERE clause makes
// the row update a compare-and-swap: InnoDB serializes concurrent updates on
// the row and a loser re-evaluates the predicate against the committed value.
// The batch_movements row commits with the update, so a sale that already
// consumed its units reports the current level instead of consuming again.
func (m *MySQLAdapter) Decrement(ctx context.Context, saleID, eventID, batchID string, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, domain.ErrInvalidQuantity
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin tx", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batch_movements (sale_id, event_id, batch_id, quantity)
		VALUES (?, ?, ?, ?)`,
		saleID, eventID, batchID, quantity,
	)
	if isDuplicateEntry(err) {
		tx.Rollback()
		return m.Available(ctx, eventID, batchID)
	}
	if err != nil {
		return 0, storeErr("record movement", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE batches
		SET available_units = available_units - ?, updated_at = NOW(6)
		WHERE id = ? AND event_id = ? AND available_units >= ?`,
		quantity, batchID, eventID, quantity,
	)
	if err != nil {
		return 0, storeErr("decrement batch", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("decrement batch", err)
	}
	if rows == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM batches WHERE id = ? AND event_id = ?`, batchID, eventID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrBatchNotFound
		}
		if err != nil {
			return 0, storeErr("query batch", err)
		}
		return 0, domain.ErrInsufficientInventory
	}

	var available int
	if err := tx.QueryRowContext(ctx, `SELECT available_units FROM batches WHERE id = ?`, batchID).Scan(&available); err != nil {
		return 0, storeErr("read batch", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit decrement", err)
	}
	return available, nil
}

func (m *MySQLAdapter) CreateSale(ctx context.Context, sale domain.Sale) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO sales (id, buyer_id, reseller_id, event_id, batch_id, sale_type, quantity,
			base_price, commission, total, status, payment_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sale.ID, sale.BuyerID, sale.ResellerID, sale.EventID, sale.BatchID, sale.Type, sale.Quantity,
		sale.BasePrice, sale.Commission, sale.Total, sale.Status, sale.PaymentID, sale.CreatedAt, sale.UpdatedAt,
	)
	if err != nil {
		return storeErr("insert sale", err)
	}
	return nil
}

func (m *MySQLAdapter) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	var s domain.Sale
	err := m.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, reseller_id, event_id, batch_id, sale_type, quantity,
			base_price, commission, total, status, payment_id, created_at, updated_at
		FROM sales WHERE id = ?`, saleID,
	).Scan(&s.ID, &s.BuyerID, &s.ResellerID, &s.EventID, &s.BatchID, &s.Type, &s.Quantity,
		&s.BasePrice, &s.Commission, &s.Total, &s.Status, &s.PaymentID, &s.CreatedAt, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSaleNotFound
	}
	if err != nil {
		return nil, storeErr("query sale", err)
	}
	return &s, nil
}

func (m *MySQLAdapter) TransitionStatus(ctx context.Context, saleID string, status domain.SaleStatus, paymentID string, at time.Time) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE sales
		SET status = ?, payment_id = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, paymentID, at, saleID, domain.SaleStatusPending,
	)
	if err != nil {
		return false, storeErr("update sale status", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, storeErr("update sale status", err)
	}
	return rows == 1, nil
}

func (m *MySQLAdapter) SaveTickets(ctx context.Context, tickets []domain.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tickets (id, sale_id, seq, buyer_id, event_id, batch_id, qr_reference, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return storeErr("prepare ticket insert", err)
	}
	defer stmt.Close()

	for _, t := range tickets {
		_, err := stmt.ExecContext(ctx, t.ID, t.SaleID, t.Seq, t.BuyerID, t.EventID, t.BatchID, t.QRReference, t.Status, t.CreatedAt)
		if err != nil {
			if isDuplicateEntry(err) {
				return domain.ErrAlreadyProcessed
			}
			return storeErr(fmt.Sprintf("insert ticket %d of sale %s", t.Seq, t.SaleID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit tickets", err)
	}
	return nil
}

func (m *MySQLAdapter) ListTicketsBySale(ctx context.Context, saleID string) ([]domain.Ticket, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, sale_id, seq, buyer_id, event_id, batch_id, qr_reference, status, created_at
		FROM tickets WHERE sale_id = ? ORDER BY seq`, saleID)
	if err != nil {
		return nil, storeErr("list tickets", err)
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		var t domain.Ticket
		if err := rows.Scan(&t.ID, &t.SaleID, &t.Seq, &t.BuyerID, &t.EventID, &t.BatchID, &t.QRReference, &t.Status, &t.CreatedAt); err != nil {
			return nil, storeErr("scan ticket", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list tickets", err)
	}
	return tickets, nil
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlErrDuplicateEntry
}

// storeErr tags transport and lock-contention failures as ErrStoreUnavailable
// so callers can retry them; server-side statement errors are returned as is.
func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrDeadlock:
			return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}
