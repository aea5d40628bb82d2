// Package payment ведёт попытки оплаты заказа и превращает ответы шлюза
// в события исхода для координатора сверки.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/clock"
	"github.com/vladislavdragonenkov/shopcore/internal/domain"
	"github.com/vladislavdragonenkov/shopcore/internal/metrics"
	"github.com/vladislavdragonenkov/shopcore/internal/service/events"
)

// DefaultTTL: сколько платёж может ждать исхода до отмены sweep'ом.
const DefaultTTL = 30 * time.Minute

const (
	reasonExpired     = "payment expired"
	reasonUndelivered = "payment outcome was not delivered"
)

// InitiateInput: запрос на оплату заказа. AmountMinor необязателен:
// если указан, он должен совпадать с суммой заказа.
type InitiateInput struct {
	OrderID     string
	AmountMinor *int64
	Method      domain.PaymentMethod
}

// GatewayResult: асинхронный ответ платёжного шлюза.
type GatewayResult struct {
	PaymentNumber string
	Outcome       domain.PaymentOutcome
	TransactionID string
	Reason        string
	AmountMinor   *int64
}

// Service: сервис платежей.
type Service struct {
	orders    domain.OrderRepository
	payments  domain.PaymentRepository
	gateway   domain.PaymentGateway
	publisher domain.OutcomePublisher
	events    *events.Recorder
	failures  domain.ReconciliationFailureRepository
	clock     clock.Clock
	ttl       time.Duration
	logger    *log.Entry
	metrics   *metrics.ConsistencyMetrics
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics включает метрики.
func WithMetrics(m *metrics.ConsistencyMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithTTL задаёт время жизни нетерминального платежа.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithEvents задаёт запись timeline.
func WithEvents(r *events.Recorder) Option {
	return func(s *Service) { s.events = r }
}

// WithFailures задаёт хранилище, куда попадает SUCCESS, который не удалось
// опубликовать: Replayer применит его позже.
func WithFailures(repo domain.ReconciliationFailureRepository) Option {
	return func(s *Service) { s.failures = repo }
}

// NewService создаёт сервис платежей.
func NewService(
	orders domain.OrderRepository,
	payments domain.PaymentRepository,
	gateway domain.PaymentGateway,
	publisher domain.OutcomePublisher,
	opts ...Option,
) *Service {
	s := &Service{
		orders:    orders,
		payments:  payments,
		gateway:   gateway,
		publisher: publisher,
		clock:     clock.NewSystem(),
		ttl:       DefaultTTL,
		logger:    log.New().WithField("component", "payment-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetGateway подключает шлюз после создания сервиса (симулятор сам зависит от сервиса).
func (s *Service) SetGateway(gateway domain.PaymentGateway) {
	s.gateway = gateway
}

// Initiate создаёт попытку оплаты и передаёт её шлюзу.
// Незавершённый и не истёкший платёж по заказу возвращается как есть.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (domain.Payment, error) {
	if strings.TrimSpace(in.OrderID) == "" {
		return domain.Payment{}, domain.ErrOrderIDRequired
	}
	if in.Method == "" {
		return domain.Payment{}, domain.ErrPaymentMethodRequired
	}

	order, err := s.orders.Get(ctx, in.OrderID)
	if err != nil {
		return domain.Payment{}, err
	}
	switch order.Status {
	case domain.OrderStatusPending:
	case domain.OrderStatusCancelled:
		return domain.Payment{}, &domain.InvalidTransitionError{Current: order.Status, Target: domain.OrderStatusPaid}
	default:
		return domain.Payment{}, domain.ErrAlreadyPaid
	}
	if in.AmountMinor != nil && *in.AmountMinor != order.TotalAmountMinor {
		return domain.Payment{}, fmt.Errorf("%w: requested %d, order total %d",
			domain.ErrPaymentAmountMismatch, *in.AmountMinor, order.TotalAmountMinor)
	}

	existing, err := s.payments.ListByOrder(ctx, order.ID)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("list payments: %w", err)
	}
	now := s.clock.Now()
	for _, p := range existing {
		if p.Status == domain.PaymentStatusSuccess {
			return domain.Payment{}, domain.ErrAlreadyPaid
		}
	}
	for _, p := range existing {
		if p.Status.IsTerminal() {
			continue
		}
		if !p.Expired(now) {
			return p, nil
		}
		if err := s.expire(ctx, p); err != nil {
			return domain.Payment{}, err
		}
	}

	payment := domain.Payment{
		ID:            uuid.NewString(),
		PaymentNumber: newPaymentNumber(now),
		OrderID:       order.ID,
		AmountMinor:   order.TotalAmountMinor,
		Method:        in.Method,
		Status:        domain.PaymentStatusPending,
		ExpiresAt:     now.Add(s.ttl),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if errs := payment.Validate(); len(errs) > 0 {
		return domain.Payment{}, errors.Join(errs...)
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		return domain.Payment{}, fmt.Errorf("persist payment: %w", err)
	}
	s.events.Timeline(order.ID, domain.TimelinePaymentInitiated, payment.PaymentNumber, now)

	logger := s.logger.WithFields(log.Fields{
		"order_id":       order.ID,
		"payment_number": payment.PaymentNumber,
		"amount_minor":   payment.AmountMinor,
	})

	req := domain.PaymentRequest{
		OrderID:       order.ID,
		PaymentNumber: payment.PaymentNumber,
		AmountMinor:   payment.AmountMinor,
		Currency:      order.Currency,
		Method:        payment.Method,
	}
	if gwErr := s.handOff(ctx, req); gwErr != nil {
		logger.WithError(gwErr).Warn("payment gateway rejected hand-off")
		failErr := s.HandleGatewayResult(ctx, GatewayResult{
			PaymentNumber: payment.PaymentNumber,
			Outcome:       domain.PaymentOutcomeFailed,
			Reason:        gwErr.Error(),
		})
		current, getErr := s.payments.GetByNumber(ctx, payment.PaymentNumber)
		if getErr == nil {
			payment = current
		}
		return payment, errors.Join(fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, gwErr), failErr)
	}

	applied, err := s.payments.UpdateStatus(ctx, domain.PaymentStatusUpdate{
		PaymentNumber: payment.PaymentNumber,
		Status:        domain.PaymentStatusProcessing,
		UpdatedAt:     s.clock.Now(),
	})
	if err != nil {
		return payment, fmt.Errorf("mark payment processing: %w", err)
	}
	if !applied {
		// шлюз успел ответить раньше, чем мы отметили передачу
		return s.payments.GetByNumber(ctx, payment.PaymentNumber)
	}
	payment.Status = domain.PaymentStatusProcessing

	logger.Info("payment handed off to gateway")
	return payment, nil
}

func (s *Service) handOff(ctx context.Context, req domain.PaymentRequest) error {
	if s.gateway == nil {
		return errors.New("payment gateway is not configured")
	}
	return s.gateway.Initiate(ctx, req)
}

// HandleGatewayResult фиксирует конечный исход платежа и публикует его.
//
// Повторная доставка того же исхода публикуется заново (at-least-once).
// Другой исход для уже терминального платежа игнорируется с предупреждением.
// SUCCESS с суммой, отличной от суммы платежа, превращается в FAILED.
func (s *Service) HandleGatewayResult(ctx context.Context, res GatewayResult) error {
	if strings.TrimSpace(res.PaymentNumber) == "" {
		return domain.ErrPaymentNumberRequired
	}
	if !res.Outcome.Valid() {
		return domain.ErrOutcomeInvalid
	}

	payment, err := s.payments.GetByNumber(ctx, res.PaymentNumber)
	if err != nil {
		return err
	}

	outcome := res.Outcome
	reason := res.Reason
	var mismatch error
	if outcome == domain.PaymentOutcomeSuccess && res.AmountMinor != nil && *res.AmountMinor != payment.AmountMinor {
		mismatch = fmt.Errorf("%w: gateway reported %d, expected %d",
			domain.ErrPaymentAmountMismatch, *res.AmountMinor, payment.AmountMinor)
		outcome = domain.PaymentOutcomeFailed
		reason = mismatch.Error()
	}

	logger := s.logger.WithFields(log.Fields{
		"order_id":       payment.OrderID,
		"payment_number": payment.PaymentNumber,
		"outcome":        outcome,
	})

	if !payment.Status.IsTerminal() {
		update := domain.PaymentStatusUpdate{
			PaymentNumber: payment.PaymentNumber,
			Status:        outcome.PaymentStatus(),
			FailureReason: reason,
			UpdatedAt:     s.clock.Now(),
		}
		if outcome == domain.PaymentOutcomeSuccess {
			update.TransactionID = res.TransactionID
			update.FailureReason = ""
		}
		applied, err := s.payments.UpdateStatus(ctx, update)
		if err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		if applied {
			payment.Status = update.Status
			payment.TransactionID = update.TransactionID
			payment.FailureReason = update.FailureReason
			s.metrics.RecordPaymentOutcome(string(outcome))
			logger.Info("payment outcome recorded")
			if err := s.deliver(ctx, payment); err != nil {
				return err
			}
			return mismatch
		}
		// кто-то записал исход раньше нас
		if payment, err = s.payments.GetByNumber(ctx, res.PaymentNumber); err != nil {
			return err
		}
	}

	if payment.Status != outcome.PaymentStatus() {
		logger.WithField("current_status", payment.Status).Warn("conflicting outcome for terminal payment ignored")
		return nil
	}

	logger.Debug("duplicate payment outcome, re-publishing")
	if err := s.deliver(ctx, payment); err != nil {
		return err
	}
	return mismatch
}

// expire отменяет просроченный платёж и публикует исход CANCELLED.
func (s *Service) expire(ctx context.Context, p domain.Payment) error {
	applied, err := s.payments.UpdateStatus(ctx, domain.PaymentStatusUpdate{
		PaymentNumber: p.PaymentNumber,
		Status:        domain.PaymentStatusCancelled,
		FailureReason: reasonExpired,
		UpdatedAt:     s.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("expire payment %s: %w", p.PaymentNumber, err)
	}
	if !applied {
		return nil
	}

	p.Status = domain.PaymentStatusCancelled
	p.FailureReason = reasonExpired
	s.metrics.RecordPaymentExpired()
	s.metrics.RecordPaymentOutcome(string(domain.PaymentOutcomeCancelled))
	s.logger.WithFields(log.Fields{
		"order_id":       p.OrderID,
		"payment_number": p.PaymentNumber,
		"expires_at":     p.ExpiresAt,
	}).Info("payment expired")
	return s.deliver(ctx, p)
}

// deliver публикует исход уже записанного платежа.
//
// Если публикация не удалась, статус платежа уже терминальный и повторно
// исход никто не пошлёт. SUCCESS поэтому durable записывается как
// FailedReconciliation для Replayer. FAILED и CANCELLED заказ не меняют:
// запись в timeline делается здесь же, ошибка только логируется.
func (s *Service) deliver(ctx context.Context, p domain.Payment) error {
	pubErr := s.publish(ctx, p)
	if pubErr == nil {
		return nil
	}

	outcome := outcomeOf(p.Status)
	now := s.clock.Now()
	if outcome != domain.PaymentOutcomeSuccess {
		timelineType := domain.TimelinePaymentFailed
		if outcome == domain.PaymentOutcomeCancelled {
			timelineType = domain.TimelinePaymentCancelled
		}
		s.events.Timeline(p.OrderID, timelineType, p.FailureReason, now)
		return nil
	}
	if s.failures == nil {
		return pubErr
	}

	logger := s.logger.WithFields(log.Fields{
		"order_id":       p.OrderID,
		"payment_number": p.PaymentNumber,
		"transaction_id": p.TransactionID,
	})
	saved, err := s.failures.Record(context.WithoutCancel(ctx), domain.FailedReconciliation{
		OrderID:       p.OrderID,
		PaymentNumber: p.PaymentNumber,
		Outcome:       domain.PaymentOutcomeSuccess,
		TransactionID: p.TransactionID,
		Reason:        fmt.Sprintf("%s: %v", reasonUndelivered, pubErr),
		FailedAt:      now,
	})
	if err != nil {
		logger.WithError(err).Error("failed to record undelivered payment success")
		return errors.Join(pubErr, err)
	}
	logger.WithField("reconciliation_id", saved.ID).Warn("undelivered payment success recorded for replay")
	return nil
}

// publish строит событие исхода из сохранённого платежа.
func (s *Service) publish(ctx context.Context, p domain.Payment) error {
	if s.publisher == nil {
		return nil
	}
	event := domain.PaymentOutcomeEvent{
		EventID:       uuid.NewString(),
		OrderID:       p.OrderID,
		PaymentNumber: p.PaymentNumber,
		Outcome:       outcomeOf(p.Status),
		TransactionID: p.TransactionID,
		Reason:        p.FailureReason,
		OccurredAt:    s.clock.Now(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id":       p.OrderID,
			"payment_number": p.PaymentNumber,
		}).Error("publish payment outcome failed")
		return fmt.Errorf("publish payment outcome: %w", err)
	}
	return nil
}

// Get возвращает платёж по номеру.
func (s *Service) Get(ctx context.Context, paymentNumber string) (domain.Payment, error) {
	if strings.TrimSpace(paymentNumber) == "" {
		return domain.Payment{}, domain.ErrPaymentNumberRequired
	}
	return s.payments.GetByNumber(ctx, paymentNumber)
}

// ListByOrder возвращает все попытки оплаты заказа.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	return s.payments.ListByOrder(ctx, orderID)
}

func outcomeOf(status domain.PaymentStatus) domain.PaymentOutcome {
	switch status {
	case domain.PaymentStatusSuccess:
		return domain.PaymentOutcomeSuccess
	case domain.PaymentStatusFailed:
		return domain.PaymentOutcomeFailed
	default:
		return domain.PaymentOutcomeCancelled
	}
}

func newPaymentNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	return fmt.Sprintf("PAY-%s-%s", now.Format("20060102"), suffix)
}
