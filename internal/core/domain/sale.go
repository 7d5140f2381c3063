package domain

import (
	"math"
	"time"
)

type SaleStatus string

const (
	SaleStatusPending  SaleStatus = "pending"
	SaleStatusApproved SaleStatus = "approved"
	SaleStatusRejected SaleStatus = "rejected"
)

func (s SaleStatus) IsTerminal() bool {
	return s == SaleStatusApproved || s == SaleStatusRejected
}

func ParseSaleStatus(v string) (SaleStatus, error) {
	switch s := SaleStatus(v); s {
	case SaleStatusPending, SaleStatusApproved, SaleStatusRejected:
		return s, nil
	}
	return "", ErrInvalidPaymentStatus
}

type SaleType string

const (
	SaleTypeDirect   SaleType = "direct"
	SaleTypeReseller SaleType = "reseller"
)

// CommissionRate applies to the base total of reseller sales only.
const CommissionRate = 0.10

type Sale struct {
	ID         string
	BuyerID    string
	ResellerID string
	EventID    string
	BatchID    string
	Type       SaleType
	Quantity   int
	BasePrice  float64
	Commission float64
	Total      float64
	Status     SaleStatus
	PaymentID  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Price fills BasePrice, Commission and Total from the unit price.
func (s *Sale) Price(unitPrice float64) {
	s.BasePrice = RoundMoney(float64(s.Quantity) * unitPrice)
	s.Commission = 0
	if s.Type == SaleTypeReseller {
		s.Commission = RoundMoney(s.BasePrice * CommissionRate)
	}
	s.Total = RoundMoney(s.BasePrice + s.Commission)
}

func RoundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}
