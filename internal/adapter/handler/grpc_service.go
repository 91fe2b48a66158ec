package handler

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	inventoryServiceName = "inventory.v1.InventoryService"
	jsonCodecName        = "json"
)

// jsonCodec carries the plain Go messages below over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type ReserveRequest struct {
	ProductID  string `json:"product_id"`
	Quantity   int32  `json:"quantity"`
	TTLSeconds int64  `json:"ttl_seconds"`
	RequestID  string `json:"request_id"`
}

type ReservationRequest struct {
	ReservationID string `json:"reservation_id"`
}

type ReservationReply struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Quantity  int32     `json:"quantity"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

type AvailabilityRequest struct {
	ProductID string `json:"product_id"`
}

type AvailabilityReply struct {
	ProductID string `json:"product_id"`
	Restocked int64  `json:"restocked"`
	Reserved  int64  `json:"reserved"`
	Committed int64  `json:"committed"`
	Available int64  `json:"available"`
	Version   uint64 `json:"version"`
}

type RestockRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}

type RestockReply struct {
	Seq uint64 `json:"seq"`
}

type PurchaseRequest struct {
	RequestID string `json:"request_id"`
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}

type PurchaseReply struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	ReservationID string `json:"reservation_id,omitempty"`
}

type InventoryServer interface {
	Reserve(context.Context, *ReserveRequest) (*ReservationReply, error)
	Commit(context.Context, *ReservationRequest) (*ReservationReply, error)
	Release(context.Context, *ReservationRequest) (*ReservationReply, error)
	Availability(context.Context, *AvailabilityRequest) (*AvailabilityReply, error)
	Restock(context.Context, *RestockRequest) (*RestockReply, error)
	Purchase(context.Context, *PurchaseRequest) (*PurchaseReply, error)
}

var InventoryServiceDesc = grpc.ServiceDesc{
	ServiceName: inventoryServiceName,
	HandlerType: (*InventoryServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Reserve", InventoryServer.Reserve),
		unaryMethod("Commit", InventoryServer.Commit),
		unaryMethod("Release", InventoryServer.Release),
		unaryMethod("Availability", InventoryServer.Availability),
		unaryMethod("Restock", InventoryServer.Restock),
		unaryMethod("Purchase", InventoryServer.Purchase),
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterInventoryServer(s grpc.ServiceRegistrar, srv InventoryServer) {
	s.RegisterService(&InventoryServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + inventoryServiceName + "/" + name
}

func unaryMethod[Req, Resp any](name string, call func(InventoryServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(InventoryServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(InventoryServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// InventoryClient calls InventoryService with the JSON codec.
type InventoryClient struct {
	cc grpc.ClientConnInterface
}

func NewInventoryClient(cc grpc.ClientConnInterface) *InventoryClient {
	return &InventoryClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InventoryClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReservationReply, error) {
	return invoke[ReservationReply](ctx, c.cc, "Reserve", in, opts)
}

func (c *InventoryClient) Commit(ctx context.Context, in *ReservationRequest, opts ...grpc.CallOption) (*ReservationReply, error) {
	return invoke[ReservationReply](ctx, c.cc, "Commit", in, opts)
}

func (c *InventoryClient) Release(ctx context.Context, in *ReservationRequest, opts ...grpc.CallOption) (*ReservationReply, error) {
	return invoke[ReservationReply](ctx, c.cc, "Release", in, opts)
}

func (c *InventoryClient) Availability(ctx context.Context, in *AvailabilityRequest, opts ...grpc.CallOption) (*AvailabilityReply, error) {
	return invoke[AvailabilityReply](ctx, c.cc, "Availability", in, opts)
}

func (c *InventoryClient) Restock(ctx context.Context, in *RestockRequest, opts ...grpc.CallOption) (*RestockReply, error) {
	return invoke[RestockReply](ctx, c.cc, "Restock", in, opts)
}

func (c *InventoryClient) Purchase(ctx context.Context, in *PurchaseRequest, opts ...grpc.CallOption) (*PurchaseReply, error) {
	return invoke[PurchaseReply](ctx, c.cc, "Purchase", in, opts)
}
