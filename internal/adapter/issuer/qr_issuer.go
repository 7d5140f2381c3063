package issuer

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/rl1809/ticket-sale/internal/core/domain"
)

const (
	defaultQRSize = 256
	dataURIPrefix = "data:image/png;base64,"
)

// QRIssuer mints one ticket per unit of a sale. Each ticket carries a QR code
// encoding its own id as a PNG data URI; storing the image elsewhere is left
// to the consumer of QRReference.
type QRIssuer struct {
	size int
	now  func() time.Time
}

type Option func(*QRIssuer)

func WithSize(px int) Option {
	return func(q *QRIssuer) {
		if px > 0 {
			q.size = px
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *QRIssuer) {
		q.now = now
	}
}

func NewQRIssuer(opts ...Option) *QRIssuer {
	q := &QRIssuer{
		size: defaultQRSize,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *QRIssuer) Issue(ctx context.Context, sale domain.Sale) ([]domain.Ticket, error) {
	if sale.Status != domain.SaleStatusApproved {
		return nil, fmt.Errorf("issue tickets for sale %s in status %s: %w", sale.ID, sale.Status, domain.ErrInvalidState)
	}
	if sale.Quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	issuedAt := q.now()
	tickets := make([]domain.Ticket, 0, sale.Quantity)
	for seq := 1; seq <= sale.Quantity; seq++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id := uuid.NewString()
		ref, err := q.encode(id)
		if err != nil {
			return nil, fmt.Errorf("ticket %d of sale %s: %w", seq, sale.ID, err)
		}

		tickets = append(tickets, domain.Ticket{
			ID:          id,
			SaleID:      sale.ID,
			BuyerID:     sale.BuyerID,
			EventID:     sale.EventID,
			BatchID:     sale.BatchID,
			Seq:         seq,
			QRReference: ref,
			Status:      domain.TicketStatusActive,
			CreatedAt:   issuedAt,
		})
	}
	return tickets, nil
}

func (q *QRIssuer) encode(ticketID string) (string, error) {
	code, err := qrcode.New(ticketID, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("generate qr code: %w", err)
	}

	png, err := code.PNG(q.size)
	if err != nil {
		return "", fmt.Errorf("encode qr png: %w", err)
	}
	return dataURIPrefix + base64.StdEncoding.EncodeToString(png), nil
}
