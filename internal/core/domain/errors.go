package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEventNotFound          = errors.New("event not found")
	ErrBatchNotFound          = errors.New("batch not found")
	ErrSaleNotFound           = errors.New("sale not found")
	ErrInsufficientInventory  = errors.New("insufficient inventory")
	ErrInvalidQuantity        = errors.New("invalid quantity")
	ErrInvalidSaleType        = errors.New("invalid sale type")
	ErrInvalidPaymentStatus   = errors.New("invalid payment status")
	ErrAlreadyProcessed       = errors.New("sale already processed")
	ErrInvalidState           = errors.New("invalid sale state")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrReconciliationRequired = errors.New("reconciliation required")
	ErrResendThrottled        = errors.New("resend throttled")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrForbidden              = errors.New("forbidden")
)

type ReconciliationStage string

const (
	StageDecrement      ReconciliationStage = "inventory_decrement"
	StageIssue          ReconciliationStage = "ticket_issue"
	StagePersistTickets ReconciliationStage = "ticket_persist"
)

// ReconciliationError marks an approved sale whose fulfilment failed after
// the status transition committed.
type ReconciliationError struct {
	SaleID string
	Stage  ReconciliationStage
	Cause  error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("sale %s needs reconciliation at %s: %v", e.SaleID, e.Stage, e.Cause)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Cause
}

func (e *ReconciliationError) Is(target error) bool {
	return target == ErrReconciliationRequired
}
