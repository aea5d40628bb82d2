package payment

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// ErrSimulatorQueueFull: очередь симулятора переполнена.
var ErrSimulatorQueueFull = errors.New("payment simulator queue is full")

// ResultHandler принимает асинхронный ответ шлюза.
type ResultHandler interface {
	HandleGatewayResult(ctx context.Context, res GatewayResult) error
}

// SimulatorConfig задаёт поведение симулятора шлюза.
type SimulatorConfig struct {
	Delay        time.Duration
	SuccessRatio float64
	QueueSize    int
	Seed         int64
}

// DefaultSimulatorConfig возвращает конфигурацию для локального запуска.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Delay:        2 * time.Second,
		SuccessRatio: 0.9,
		QueueSize:    1024,
	}
}

// Simulator: PaymentGateway для разработки: принимает запросы в очередь
// и через Delay отвечает SUCCESS или FAILED с заданной вероятностью.
type Simulator struct {
	cfg     SimulatorConfig
	handler ResultHandler
	queue   chan domain.PaymentRequest
	logger  *log.Entry

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulator создаёт симулятор.
func NewSimulator(cfg SimulatorConfig, handler ResultHandler, logger *log.Entry) *Simulator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultSimulatorConfig().QueueSize
	}
	if cfg.SuccessRatio < 0 {
		cfg.SuccessRatio = 0
	}
	if cfg.SuccessRatio > 1 {
		cfg.SuccessRatio = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if logger == nil {
		logger = log.WithField("component", "payment-simulator")
	}
	return &Simulator{
		cfg:     cfg,
		handler: handler,
		queue:   make(chan domain.PaymentRequest, cfg.QueueSize),
		logger:  logger,
		rnd:     rand.New(rand.NewSource(seed)),
	}
}

// Initiate ставит запрос в очередь; не блокируется.
func (s *Simulator) Initiate(_ context.Context, req domain.PaymentRequest) error {
	select {
	case s.queue <- req:
		return nil
	default:
		return ErrSimulatorQueueFull
	}
}

// Run обрабатывает очередь до отмены ctx. Каждый запрос ждёт Delay в своей горутине.
func (s *Simulator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.resolve(ctx, req)
			}()
		}
	}
}

func (s *Simulator) resolve(ctx context.Context, req domain.PaymentRequest) {
	if s.cfg.Delay > 0 {
		timer := time.NewTimer(s.cfg.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	amount := req.AmountMinor
	res := GatewayResult{
		PaymentNumber: req.PaymentNumber,
		AmountMinor:   &amount,
	}
	if s.succeed() {
		res.Outcome = domain.PaymentOutcomeSuccess
		res.TransactionID = "sim-" + uuid.NewString()
	} else {
		res.Outcome = domain.PaymentOutcomeFailed
		res.Reason = "declined by simulator"
	}

	if err := s.handler.HandleGatewayResult(ctx, res); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id":       req.OrderID,
			"payment_number": req.PaymentNumber,
			"outcome":        res.Outcome,
		}).Warn("simulated gateway callback failed")
	}
}

func (s *Simulator) succeed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64() < s.cfg.SuccessRatio
}

var _ domain.PaymentGateway = (*Simulator)(nil)
