// Package grpcsvc: gRPC-транспорт shop.v1.OrderService поверх сервисов заказов и платежей.
package grpcsvc

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/shopcore/internal/clock"
	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
	"github.com/vladislavdragonenkov/shopcore/internal/service/order"
	"github.com/vladislavdragonenkov/shopcore/internal/service/payment"
)

// OrderService реализует OrderServer.
type OrderService struct {
	orders   *order.Service
	payments *payment.Service
	idemRepo domain.IdempotencyRepository
	idemTTL  time.Duration
	clock    clock.Clock
	logger   *log.Entry
	metrics  *metrics.BackgroundMetrics
}

// Option настраивает OrderService.
type Option func(*OrderService)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *OrderService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIdempotency включает хранилище idempotency-ключей для мутирующих вызовов.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(s *OrderService) {
		s.idemRepo = repo
		if ttl > 0 {
			s.idemTTL = ttl
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(c clock.Clock) Option {
	return func(s *OrderService) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMetrics включает счётчик повторов.
func WithMetrics(m *metrics.BackgroundMetrics) Option {
	return func(s *OrderService) { s.metrics = m }
}

// NewOrderService конструирует сервис с зависимостями.
func NewOrderService(orders *order.Service, payments *payment.Service, opts ...Option) *OrderService {
	s := &OrderService{
		orders:   orders,
		payments: payments,
		idemTTL:  defaultIdempotencyTTL,
		clock:    clock.NewSystem(),
		logger:   log.New().WithField("component", "grpc-order-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder резервирует остатки и создаёт заказ.
func (s *OrderService) CreateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withIdempotency(ctx, MethodCreateOrder, req, func(ctx context.Context) (*structpb.Struct, error) {
		var in createOrderRequest
		if err := decodeRequest(req, &in); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}

		items := make([]order.ItemInput, 0, len(in.Items))
		for _, item := range in.Items {
			items = append(items, order.ItemInput{ProductID: item.ProductID, Quantity: item.Quantity})
		}

		created, err := s.orders.Create(ctx, order.CreateOrderInput{
			UserID:   in.UserID,
			Currency: in.Currency,
			Items:    items,
		})
		if err != nil {
			return nil, s.fail(MethodCreateOrder, err, log.Fields{"user_id": in.UserID})
		}
		return s.respond(toOrderView(created))
	})
}

// GetOrder возвращает заказ вместе с историей и платежами.
func (s *OrderService) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in orderRefRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var (
		found domain.Order
		err   error
	)
	if in.OrderID == "" && in.OrderNumber != "" {
		found, err = s.orders.GetByNumber(ctx, in.OrderNumber)
	} else {
		found, err = s.orders.Get(ctx, in.OrderID)
	}
	if err != nil {
		return nil, s.fail(MethodGetOrder, err, log.Fields{"order_id": in.OrderID})
	}

	view := toOrderView(found)
	if timeline, err := s.orders.Timeline(ctx, found.ID); err == nil {
		view.Timeline = toTimelineViews(timeline)
	} else {
		s.logger.WithError(err).WithField("order_id", found.ID).Warn("failed to load order timeline")
	}
	if s.payments != nil {
		payments, err := s.payments.ListByOrder(ctx, found.ID)
		if err != nil {
			s.logger.WithError(err).WithField("order_id", found.ID).Warn("failed to load order payments")
		}
		for _, p := range payments {
			view.Payments = append(view.Payments, toPaymentView(p))
		}
	}
	return s.respond(view)
}

// ListOrders возвращает последние заказы пользователя.
func (s *OrderService) ListOrders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in listOrdersRequest
	if err := decodeRequest(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	orders, err := s.orders.ListByUser(ctx, in.UserID, in.Limit)
	if err != nil {
		return nil, s.fail(MethodListOrders, err, log.Fields{"user_id": in.UserID})
	}

	out := orderListView{Orders: make([]orderView, 0, len(orders))}
	for _, o := range orders {
		out.Orders = append(out.Orders, toOrderView(o))
	}
	return s.respond(out)
}

// CancelOrder отменяет заказ и возвращает остатки.
func (s *OrderService) CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withIdempotency(ctx, MethodCancelOrder, req, func(ctx context.Context) (*structpb.Struct, error) {
		var in orderRefRequest
		if err := decodeRequest(req, &in); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		cancelled, err := s.orders.Cancel(ctx, in.OrderID, strings.TrimSpace(in.Reason))
		if err != nil {
			return nil, s.fail(MethodCancelOrder, err, log.Fields{"order_id": in.OrderID})
		}
		return s.respond(toOrderView(cancelled))
	})
}

// ShipOrder переводит оплаченный заказ в доставку.
func (s *OrderService) ShipOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.transition(ctx, MethodShipOrder, req, s.orders.Ship)
}

// DeliverOrder отмечает заказ доставленным.
func (s *OrderService) DeliverOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.transition(ctx, MethodDeliverOrder, req, s.orders.Deliver)
}

func (s *OrderService) transition(
	ctx context.Context,
	method string,
	req *structpb.Struct,
	apply func(context.Context, string) (domain.Order, error),
) (*structpb.Struct, error) {
	return s.withIdempotency(ctx, method, req, func(ctx context.Context) (*structpb.Struct, error) {
		var in orderRefRequest
		if err := decodeRequest(req, &in); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		updated, err := apply(ctx, in.OrderID)
		if err != nil {
			return nil, s.fail(method, err, log.Fields{"order_id": in.OrderID})
		}
		return s.respond(toOrderView(updated))
	})
}

// InitiatePayment создаёт попытку оплаты и передаёт её шлюзу.
// Сумма необязательна; если указана ("35.00"), она должна совпасть с суммой заказа.
func (s *OrderService) InitiatePayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withIdempotency(ctx, MethodInitiatePayment, req, func(ctx context.Context) (*structpb.Struct, error) {
		var in initiatePaymentRequest
		if err := decodeRequest(req, &in); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}

		input := payment.InitiateInput{
			OrderID: in.OrderID,
			Method:  domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(in.Method))),
		}
		if in.Amount != nil {
			minor, err := toMinor(*in.Amount)
			if err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			input.AmountMinor = &minor
		}

		p, err := s.payments.Initiate(ctx, input)
		if err != nil {
			return nil, s.fail(MethodInitiatePayment, err, log.Fields{"order_id": in.OrderID})
		}
		return s.respond(toPaymentView(p))
	})
}

// PaymentCallback принимает исход платежа от внешнего шлюза.
func (s *OrderService) PaymentCallback(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withIdempotency(ctx, MethodPaymentCallback, req, func(ctx context.Context) (*structpb.Struct, error) {
		var in paymentCallbackRequest
		if err := decodeRequest(req, &in); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}

		result := payment.GatewayResult{
			PaymentNumber: in.PaymentNumber,
			Outcome:       domain.PaymentOutcome(strings.ToUpper(strings.TrimSpace(in.Outcome))),
			TransactionID: in.TransactionID,
			Reason:        in.Reason,
		}
		if in.Amount != nil {
			minor, err := toMinor(*in.Amount)
			if err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			result.AmountMinor = &minor
		}

		if err := s.payments.HandleGatewayResult(ctx, result); err != nil {
			return nil, s.fail(MethodPaymentCallback, err, log.Fields{"payment_number": in.PaymentNumber})
		}
		return s.respond(callbackView{PaymentNumber: in.PaymentNumber, Accepted: true})
	})
}

func (s *OrderService) respond(view any) (*structpb.Struct, error) {
	out, err := encodeResponse(view)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode response")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// fail логирует ошибку с уровнем по её коду и возвращает gRPC-статус.
func (s *OrderService) fail(method string, err error, fields log.Fields) error {
	st := toStatus(err)
	entry := s.logger.WithError(err).WithFields(fields).WithField("method", method)
	if status.Code(st) == codes.Internal {
		entry.Error("request failed")
	} else {
		entry.WithField("code", status.Code(st).String()).Info("request rejected")
	}
	return st
}

var _ OrderServer = (*OrderService)(nil)
