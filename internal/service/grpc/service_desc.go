package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName: полное имя gRPC-сервиса. Сообщения описаны как
// google.protobuf.Struct, поэтому сгенерированный код не нужен.
const ServiceName = "shop.v1.OrderService"

const (
	MethodCreateOrder     = "CreateOrder"
	MethodGetOrder        = "GetOrder"
	MethodListOrders      = "ListOrders"
	MethodCancelOrder     = "CancelOrder"
	MethodShipOrder       = "ShipOrder"
	MethodDeliverOrder    = "DeliverOrder"
	MethodInitiatePayment = "InitiatePayment"
	MethodPaymentCallback = "PaymentCallback"
)

// FullMethod возвращает путь метода в формате /service/method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// OrderServer: серверная сторона shop.v1.OrderService.
type OrderServer interface {
	CreateOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListOrders(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ShipOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeliverOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InitiatePayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PaymentCallback(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(OrderServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodDesc {
	fullMethod := FullMethod(method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(OrderServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(OrderServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc описывает сервис для grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodCreateOrder, OrderServer.CreateOrder),
		unaryHandler(MethodGetOrder, OrderServer.GetOrder),
		unaryHandler(MethodListOrders, OrderServer.ListOrders),
		unaryHandler(MethodCancelOrder, OrderServer.CancelOrder),
		unaryHandler(MethodShipOrder, OrderServer.ShipOrder),
		unaryHandler(MethodDeliverOrder, OrderServer.DeliverOrder),
		unaryHandler(MethodInitiatePayment, OrderServer.InitiatePayment),
		unaryHandler(MethodPaymentCallback, OrderServer.PaymentCallback),
	},
	Metadata: "shop/v1/order_service.proto",
}

// RegisterOrderServer регистрирует реализацию на gRPC-сервере.
func RegisterOrderServer(s grpc.ServiceRegistrar, srv OrderServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client: тонкий клиент поверх grpc.ClientConnInterface.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient создаёт клиента сервиса заказов.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call вызывает метод с запросом в виде map; ответ возвращается так же.
func (c *Client) Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
