package handler

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/ticket-sale/internal/adapter/payment"
	"github.com/rl1809/ticket-sale/internal/core/domain"
	"github.com/rl1809/ticket-sale/internal/core/service"
)

const (
	saleServiceName   = "ticketsale.v1.SaleService"
	createSaleMethod  = "/" + saleServiceName + "/CreateSale"
	confirmSaleMethod = "/" + saleServiceName + "/ConfirmSale"

	// CodecName is the content-subtype clients pass with grpc.CallContentSubtype.
	CodecName = "json"
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type GRPCConfirmSaleRequest struct {
	SaleID        string `json:"sale_id"`
	PaymentStatus string `json:"payment_status"`
	PaymentID     string `json:"payment_id"`
}

type SaleServiceServer interface {
	CreateSale(ctx context.Context, req *CreateSaleRequest) (*SaleResponse, error)
	ConfirmSale(ctx context.Context, req *GRPCConfirmSaleRequest) (*ConfirmSaleResponse, error)
}

var SaleServiceDesc = grpc.ServiceDesc{
	ServiceName: saleServiceName,
	HandlerType: (*SaleServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateSale", Handler: createSaleHandler},
		{MethodName: "ConfirmSale", Handler: confirmSaleHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ticketsale/v1/sale_service",
}

func RegisterSaleServiceServer(s grpc.ServiceRegistrar, srv SaleServiceServer) {
	s.RegisterService(&SaleServiceDesc, srv)
}

func createSaleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateSaleRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SaleServiceServer).CreateSale(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: createSaleMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SaleServiceServer).CreateSale(ctx, req.(*CreateSaleRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func confirmSaleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GRPCConfirmSaleRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SaleServiceServer).ConfirmSale(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: confirmSaleMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SaleServiceServer).ConfirmSale(ctx, req.(*GRPCConfirmSaleRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCHandler struct {
	reservations  SaleCreator
	confirmations SaleConfirmer
	logger        *zap.Logger
}

func NewGRPCHandler(reservations SaleCreator, confirmations SaleConfirmer, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{reservations: reservations, confirmations: confirmations, logger: logger}
}

func (h *GRPCHandler) CreateSale(ctx context.Context, req *CreateSaleRequest) (*SaleResponse, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	if req.EventID == "" || req.BatchID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing required fields")
	}

	in, err := saleInputFor(claims, *req)
	if err != nil {
		return nil, grpcError(err)
	}

	sale, err := h.reservations.CreateSale(ctx, in)
	if err != nil {
		return nil, grpcError(err)
	}
	resp := toSaleResponse(sale)
	return &resp, nil
}

func (h *GRPCHandler) ConfirmSale(ctx context.Context, req *GRPCConfirmSaleRequest) (*ConfirmSaleResponse, error) {
	if req.SaleID == "" {
		return nil, status.Error(codes.InvalidArgument, "sale_id is required")
	}

	res, err := h.confirmations.Confirm(ctx, service.ConfirmInput{
		SaleID:        req.SaleID,
		PaymentStatus: domain.SaleStatus(req.PaymentStatus),
		PaymentID:     req.PaymentID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrReconciliationRequired) {
			h.logger.Error("confirm sale needs reconciliation", zap.String("sale_id", req.SaleID), zap.Error(err))
		}
		return nil, grpcError(err)
	}
	resp := toConfirmResponse(res)
	return &resp, nil
}

// UnaryAuthInterceptor applies the role policy registered for each method;
// methods without a policy are rejected.
func (a *Authenticator) UnaryAuthInterceptor(policies map[string]Policy) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		policy, ok := policies[info.FullMethod]
		if !ok {
			return nil, status.Error(codes.PermissionDenied, "method not allowed")
		}

		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}
		claims, err := a.bearer(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid credentials")
		}

		if !slices.Contains(policy.Roles, claims.Role) {
			return nil, status.Error(codes.PermissionDenied, domain.ErrForbidden.Error())
		}
		return handler(withClaims(ctx, claims), req)
	}
}

// SalePolicies is the role table for the SaleService methods.
func SalePolicies() map[string]Policy {
	return map[string]Policy{
		createSaleMethod:  {Roles: []Role{RoleBuyer, RoleReseller, RoleAdmin}},
		confirmSaleMethod: {Roles: []Role{RoleAdmin}},
	}
}

func grpcError(err error) error {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, domain.ErrEventNotFound),
		errors.Is(err, domain.ErrBatchNotFound),
		errors.Is(err, domain.ErrSaleNotFound),
		errors.Is(err, payment.ErrPaymentNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidSaleType),
		errors.Is(err, domain.ErrInvalidPaymentStatus):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrInsufficientInventory),
		errors.Is(err, domain.ErrInvalidState):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrResendThrottled):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, domain.ErrReconciliationRequired):
		return status.Error(codes.Internal, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable),
		errors.Is(err, payment.ErrProviderUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}
