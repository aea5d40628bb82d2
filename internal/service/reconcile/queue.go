package reconcile

import (
	"context"
	"errors"
	"sync"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

// ErrQueueClosed возвращается Publish после Close.
var ErrQueueClosed = errors.New("outcome queue is closed")

const defaultQueueSize = 1024

// Queue: явная очередь между производителем исходов и координатором.
type Queue struct {
	ch        chan domain.PaymentOutcomeEvent
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
}

// NewQueue создаёт буферизованную очередь исходов.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{
		ch:   make(chan domain.PaymentOutcomeEvent, size),
		done: make(chan struct{}),
	}
}

// Publish ставит событие в очередь; блокируется, пока есть место, ctx жив и очередь открыта.
func (q *Queue) Publish(ctx context.Context, event domain.PaymentOutcomeEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- event:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events возвращает канал для потребителя.
func (q *Queue) Events() <-chan domain.PaymentOutcomeEvent {
	return q.ch
}

// Len: текущая глубина очереди.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close закрывает очередь; уже поставленные события остаются доступны потребителю.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		close(q.ch)
		q.mu.Unlock()
	})
}

var _ domain.OutcomePublisher = (*Queue)(nil)
