package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

type GRPCHandler struct {
	reservations *service.ReservationService
	query        *service.QueryService
	orders       *service.OrderService
	logger       zerolog.Logger
}

func NewGRPCHandler(reservations *service.ReservationService, query *service.QueryService, orders *service.OrderService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{reservations: reservations, query: query, orders: orders, logger: logger}
}

func (h *GRPCHandler) Reserve(ctx context.Context, req *ReserveRequest) (*ReservationReply, error) {
	ttl, err := reservationTTL(req.TTLSeconds)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	r, err := h.reservations.Reserve(ctx, service.ReserveInput{
		ProductID: req.ProductID,
		Quantity:  int(req.Quantity),
		TTL:       ttl,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toReservationReply(r), nil
}

func (h *GRPCHandler) Commit(ctx context.Context, req *ReservationRequest) (*ReservationReply, error) {
	return h.finish(ctx, req.ReservationID, h.reservations.Commit)
}

func (h *GRPCHandler) Release(ctx context.Context, req *ReservationRequest) (*ReservationReply, error) {
	return h.finish(ctx, req.ReservationID, h.reservations.Release)
}

func (h *GRPCHandler) Availability(ctx context.Context, req *AvailabilityRequest) (*AvailabilityReply, error) {
	a, err := h.query.Availability(ctx, req.ProductID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &AvailabilityReply{
		ProductID: a.ProductID,
		Restocked: int64(a.Restocked),
		Reserved:  int64(a.Reserved),
		Committed: int64(a.Committed),
		Available: int64(a.Available),
		Version:   a.Version,
	}, nil
}

func (h *GRPCHandler) Restock(ctx context.Context, req *RestockRequest) (*RestockReply, error) {
	seq, err := h.reservations.Restock(ctx, req.ProductID, int(req.Quantity))
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &RestockReply{Seq: seq}, nil
}

// Purchase reports business rejections in the reply and reserves gRPC errors
// for transport and internal failures.
func (h *GRPCHandler) Purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseReply, error) {
	r, err := h.orders.Purchase(ctx, service.PurchaseInput{
		RequestID: req.RequestID,
		ProductID: req.ProductID,
		Quantity:  int(req.Quantity),
	}, nil)
	if err != nil {
		if _, ok := lookupError(err); ok {
			return &PurchaseReply{Success: false, Message: err.Error()}, nil
		}
		return nil, h.toStatus(err)
	}

	return &PurchaseReply{
		Success:       true,
		Message:       "order placed successfully",
		ReservationID: r.ID,
	}, nil
}

func (h *GRPCHandler) finish(ctx context.Context, id string, op func(context.Context, string) error) (*ReservationReply, error) {
	if err := op(ctx, id); err != nil {
		return nil, h.toStatus(err)
	}
	r, err := h.reservations.Get(ctx, id)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toReservationReply(r), nil
}

func (h *GRPCHandler) toStatus(err error) error {
	if m, ok := lookupError(err); ok {
		return status.Error(m.grpc, err.Error())
	}
	h.logger.Error().Err(err).Msg("grpc call failed")
	return status.Error(codes.Internal, "internal error")
}

func toReservationReply(r domain.Reservation) *ReservationReply {
	return &ReservationReply{
		ID:        r.ID,
		ProductID: r.ProductID,
		Quantity:  int32(r.Quantity),
		State:     string(r.State),
		ExpiresAt: r.ExpiresAt,
	}
}

// UnaryLogger logs every unary call with its status code and latency.
func UnaryLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("grpc call")
		return resp, err
	}
}
