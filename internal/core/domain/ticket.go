package domain

import "time"

type TicketStatus string

const (
	TicketStatusActive  TicketStatus = "active"
	TicketStatusInvalid TicketStatus = "invalid"
)

// Ticket is one admitted unit of an approved sale. Seq is 1..Sale.Quantity and
// together with SaleID is unique, so a sale can never hold two ticket sets.
type Ticket struct {
	ID          string
	SaleID      string
	BuyerID     string
	EventID     string
	BatchID     string
	Seq         int
	QRReference string
	Status      TicketStatus
	CreatedAt   time.Time
}
