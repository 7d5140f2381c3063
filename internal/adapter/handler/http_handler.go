package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/ticket-sale/internal/adapter/payment"
	"github.com/rl1809/ticket-sale/internal/core/domain"
	"github.com/rl1809/ticket-sale/internal/core/service"
)

const webhookTokenHeader = "X-Webhook-Token"

type SaleCreator interface {
	CreateSale(ctx context.Context, in service.CreateSaleInput) (domain.Sale, error)
}

type SaleConfirmer interface {
	Confirm(ctx context.Context, in service.ConfirmInput) (service.ConfirmResult, error)
	SyncPayment(ctx context.Context, paymentID string) (service.ConfirmResult, error)
	ResendConfirmation(ctx context.Context, saleID string) error
	Get(ctx context.Context, saleID string) (service.ConfirmResult, error)
}

type HTTPHandler struct {
	reservations  SaleCreator
	confirmations SaleConfirmer
	auth          *Authenticator
	webhookToken  string
	logger        *zap.Logger
}

type CreateSaleRequest struct {
	EventID    string `json:"event_id"`
	BatchID    string `json:"batch_id"`
	Quantity   int    `json:"quantity"`
	Type       string `json:"type"`
	BuyerID    string `json:"buyer_id,omitempty"`
	ResellerID string `json:"reseller_id,omitempty"`
}

type ConfirmSaleRequest struct {
	PaymentStatus string `json:"payment_status"`
	PaymentID     string `json:"payment_id"`
}

type WebhookRequest struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type SaleResponse struct {
	ID         string  `json:"id"`
	BuyerID    string  `json:"buyer_id"`
	ResellerID string  `json:"reseller_id,omitempty"`
	EventID    string  `json:"event_id"`
	BatchID    string  `json:"batch_id"`
	Type       string  `json:"type"`
	Quantity   int     `json:"quantity"`
	BasePrice  float64 `json:"base_price"`
	Commission float64 `json:"commission"`
	Total      float64 `json:"total"`
	Status     string  `json:"status"`
	PaymentID  string  `json:"payment_id,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

type TicketResponse struct {
	ID          string `json:"id"`
	Seq         int    `json:"seq"`
	QRReference string `json:"qr_reference"`
	Status      string `json:"status"`
}

type ConfirmSaleResponse struct {
	Sale             SaleResponse     `json:"sale"`
	Tickets          []TicketResponse `json:"tickets"`
	AlreadyProcessed bool             `json:"already_processed"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHTTPHandler(reservations SaleCreator, confirmations SaleConfirmer, auth *Authenticator, webhookToken string, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		reservations:  reservations,
		confirmations: confirmations,
		auth:          auth,
		webhookToken:  webhookToken,
		logger:        logger,
	}
}

func (h *HTTPHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	saleOwner := Policy{Roles: []Role{RoleAdmin}, Owner: h.saleOwner}

	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("POST /api/sales", h.auth.Authorize(Policy{Roles: []Role{RoleBuyer, RoleReseller, RoleAdmin}}, h.CreateSale))
	mux.HandleFunc("GET /api/sales/{id}", h.auth.Authorize(saleOwner, h.GetSale))
	mux.HandleFunc("POST /api/sales/{id}/confirm", h.auth.Authorize(Policy{Roles: []Role{RoleAdmin}}, h.ConfirmSale))
	mux.HandleFunc("POST /api/sales/{id}/resend", h.auth.Authorize(saleOwner, h.ResendConfirmation))
	mux.HandleFunc("POST /webhooks/payments", h.PaymentWebhook)
	return mux
}

func (h *HTTPHandler) CreateSale(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var req CreateSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "invalid_argument", Message: "invalid request body"})
		return
	}
	if req.EventID == "" || req.BatchID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "invalid_argument", Message: "missing required fields"})
		return
	}

	in, err := saleInputFor(claims, req)
	if err != nil {
		writeError(w, err)
		return
	}

	sale, err := h.reservations.CreateSale(r.Context(), in)
	if err != nil {
		h.logFailure("create sale", err, zap.String("batch_id", req.BatchID))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSaleResponse(sale))
}

// saleInputFor binds the caller's identity into the sale. Buyers make direct
// purchases for themselves, resellers sell on their own account and admins
// may act for anyone.
func saleInputFor(claims *Claims, req CreateSaleRequest) (service.CreateSaleInput, error) {
	in := service.CreateSaleInput{
		EventID:    req.EventID,
		BatchID:    req.BatchID,
		Quantity:   req.Quantity,
		Type:       domain.SaleType(req.Type),
		BuyerID:    req.BuyerID,
		ResellerID: req.ResellerID,
	}
	if in.Type == "" {
		in.Type = domain.SaleTypeDirect
	}

	switch claims.Role {
	case RoleBuyer:
		in.Type = domain.SaleTypeDirect
		in.BuyerID = claims.Subject
		in.ResellerID = ""
	case RoleReseller:
		in.Type = domain.SaleTypeReseller
		in.ResellerID = claims.Subject
	}
	if in.BuyerID == "" {
		return in, &requestError{msg: "buyer_id is required"}
	}
	return in, nil
}

func (h *HTTPHandler) GetSale(w http.ResponseWriter, r *http.Request) {
	res, err := h.confirmations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfirmResponse(res))
}

func (h *HTTPHandler) ConfirmSale(w http.ResponseWriter, r *http.Request) {
	var req ConfirmSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "invalid_argument", Message: "invalid request body"})
		return
	}

	saleID := r.PathValue("id")
	res, err := h.confirmations.Confirm(r.Context(), service.ConfirmInput{
		SaleID:        saleID,
		PaymentStatus: domain.SaleStatus(req.PaymentStatus),
		PaymentID:     req.PaymentID,
	})
	if err != nil {
		h.logFailure("confirm sale", err, zap.String("sale_id", saleID))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfirmResponse(res))
}

func (h *HTTPHandler) ResendConfirmation(w http.ResponseWriter, r *http.Request) {
	if err := h.confirmations.ResendConfirmation(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// PaymentWebhook accepts the provider's notification, which only names the
// payment, and resolves the outcome through the provider API.
func (h *HTTPHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookToken == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get(webhookTokenHeader)), []byte(h.webhookToken)) != 1 {
		writeError(w, domain.ErrUnauthorized)
		return
	}

	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Data.ID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "invalid_argument", Message: "missing payment id"})
		return
	}
	if req.Type != "" && req.Type != "payment" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	res, err := h.confirmations.SyncPayment(r.Context(), req.Data.ID)
	if err != nil {
		h.logFailure("payment webhook", err, zap.String("payment_id", req.Data.ID))
		writeError(w, err)
		return
	}

	h.logger.Info("payment webhook processed",
		zap.String("payment_id", req.Data.ID),
		zap.String("sale_id", res.Sale.ID),
		zap.String("status", string(res.Sale.Status)),
		zap.Bool("already_processed", res.AlreadyProcessed),
	)
	writeJSON(w, http.StatusOK, toConfirmResponse(res))
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// saleOwner lists the buyer and, for reseller sales, the reseller.
func (h *HTTPHandler) saleOwner(r *http.Request) ([]string, error) {
	res, err := h.confirmations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	owners := []string{res.Sale.BuyerID}
	if res.Sale.ResellerID != "" {
		owners = append(owners, res.Sale.ResellerID)
	}
	return owners, nil
}

func (h *HTTPHandler) logFailure(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if errors.Is(err, domain.ErrReconciliationRequired) {
		h.logger.Error(op+" needs reconciliation", fields...)
		return
	}
	if status, _ := errorStatus(err); status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", fields...)
		return
	}
	h.logger.Debug(op+" rejected", fields...)
}

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func errorStatus(err error) (int, string) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrEventNotFound),
		errors.Is(err, domain.ErrBatchNotFound),
		errors.Is(err, domain.ErrSaleNotFound),
		errors.Is(err, payment.ErrPaymentNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidSaleType),
		errors.Is(err, domain.ErrInvalidPaymentStatus):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, domain.ErrInsufficientInventory):
		return http.StatusConflict, "insufficient_inventory"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, domain.ErrResendThrottled):
		return http.StatusTooManyRequests, "throttled"
	case errors.Is(err, domain.ErrReconciliationRequired):
		return http.StatusInternalServerError, "reconciliation_required"
	case errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, payment.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && code == "internal" {
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg})
}

func toSaleResponse(s domain.Sale) SaleResponse {
	return SaleResponse{
		ID:         s.ID,
		BuyerID:    s.BuyerID,
		ResellerID: s.ResellerID,
		EventID:    s.EventID,
		BatchID:    s.BatchID,
		Type:       string(s.Type),
		Quantity:   s.Quantity,
		BasePrice:  s.BasePrice,
		Commission: s.Commission,
		Total:      s.Total,
		Status:     string(s.Status),
		PaymentID:  s.PaymentID,
		CreatedAt:  s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  s.UpdatedAt.Format(time.RFC3339),
	}
}

func toConfirmResponse(res service.ConfirmResult) ConfirmSaleResponse {
	tickets := make([]TicketResponse, 0, len(res.Tickets))
	for _, t := range res.Tickets {
		tickets = append(tickets, TicketResponse{ID: t.ID, Seq: t.Seq, QRReference: t.QRReference, Status: string(t.Status)})
	}
	return ConfirmSaleResponse{
		Sale:             toSaleResponse(res.Sale),
		Tickets:          tickets,
		AlreadyProcessed: res.AlreadyProcessed,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
