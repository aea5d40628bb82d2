package reconcile

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

const defaultConcurrency = 16

// Handler обрабатывает одно событие исхода.
type Handler interface {
	Handle(ctx context.Context, event domain.PaymentOutcomeEvent) error
}

// Dispatcher читает очередь и обрабатывает каждое событие отдельной задачей,
// чтобы пауза между повторами одного события не задерживала остальные.
type Dispatcher struct {
	events      <-chan domain.PaymentOutcomeEvent
	handler     Handler
	concurrency int
	logger      *log.Entry
}

// NewDispatcher создаёт диспетчер с ограничением параллельных задач.
func NewDispatcher(events <-chan domain.PaymentOutcomeEvent, handler Handler, concurrency int, logger *log.Entry) *Dispatcher {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = log.WithField("component", "reconcile-dispatcher")
	}
	return &Dispatcher{
		events:      events,
		handler:     handler,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run работает до отмены ctx или закрытия очереди и дожидается запущенных задач.
// После отмены ctx события, уже лежащие в очереди, всё равно передаются
// обработчику: Handle с отменённым контекстом durable записывает то, что не успел применить.
func (d *Dispatcher) Run(ctx context.Context) {
	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			d.drain(ctx, sem, &wg)
			return
		case event, ok := <-d.events:
			if !ok {
				return
			}
			d.dispatch(ctx, sem, &wg, event)
		}
	}
}

// drain забирает из очереди всё, что в ней осталось, не дожидаясь новых событий.
func (d *Dispatcher) drain(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	drained := 0
	defer func() {
		if drained > 0 {
			d.logger.WithField("events", drained).Info("dispatcher drained queued outcomes on shutdown")
		}
	}()
	for {
		select {
		case event, ok := <-d.events:
			if !ok {
				return
			}
			drained++
			d.dispatch(ctx, sem, wg, event)
		default:
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup, event domain.PaymentOutcomeEvent) {
	sem <- struct{}{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-sem }()

		if err := d.handler.Handle(ctx, event); err != nil {
			d.logger.WithError(err).WithFields(log.Fields{
				"order_id":       event.OrderID,
				"payment_number": event.PaymentNumber,
				"outcome":        event.Outcome,
			}).Error("payment outcome handling failed")
		}
	}()
}
