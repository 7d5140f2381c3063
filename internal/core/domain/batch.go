package domain

import "time"

type Event struct {
	ID        string
	Name      string
	StartsAt  time.Time
	CreatedAt time.Time
}

// Batch is a priced, capacity-limited allotment of tickets within an event.
// AvailableUnits is only ever lowered through InventoryLedger.Decrement.
type Batch struct {
	ID             string
	EventID        string
	Name           string
	TotalUnits     int
	AvailableUnits int
	UnitPrice      float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
