package app

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/pkg/rabbitmq"
)

// SettlementTaskRoutingKey routes settlement tasks on the settlement exchange.
const SettlementTaskRoutingKey = "settlement.task.requested"

var (
	ErrQueueFull   = errors.New("settlement queue is full")
	ErrQueueClosed = errors.New("settlement queue is closed")
)

// SettlementQueue hands settlement tasks to the worker pool.
type SettlementQueue interface {
	Enqueue(ctx context.Context, task domain.SettlementTask) error
}

// RabbitSettlementQueue publishes tasks to the settlement exchange.
type RabbitSettlementQueue struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewRabbitSettlementQueue(publisher rabbitmq.Publisher, exchange string) *RabbitSettlementQueue {
	return &RabbitSettlementQueue{publisher: publisher, exchange: exchange}
}

func (q *RabbitSettlementQueue) Enqueue(ctx context.Context, task domain.SettlementTask) error {
	return q.publisher.Publish(ctx, q.exchange, SettlementTaskRoutingKey, task)
}

// LocalSettlementQueue is an in-process bounded queue drained by a fixed set of
// worker goroutines. It is used when no broker is configured; tasks lost on restart
// are picked up again by the settlement recovery job.
type LocalSettlementQueue struct {
	tasks chan domain.SettlementTask
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func NewLocalSettlementQueue(capacity int) *LocalSettlementQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &LocalSettlementQueue{
		tasks: make(chan domain.SettlementTask, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue never blocks: a full queue is reported so the caller can rely on recovery.
func (q *LocalSettlementQueue) Enqueue(ctx context.Context, task domain.SettlementTask) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Start launches workers that pass every task to handle until Stop is called.
func (q *LocalSettlementQueue) Start(workers int, handle func(context.Context, domain.SettlementTask) error) {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-q.done
		cancel()
	}()
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			for {
				select {
				case <-q.done:
					return
				case task := <-q.tasks:
					if err := handle(ctx, task); err != nil {
						log.Printf("level=warn component=local_settlement_queue msg=\"settlement task failed; left for recovery\" order_id=%s worker=%d err=%v", task.OrderID, worker, err)
					}
				}
			}
		}(i)
	}
}

// Stop cancels in-flight work and waits for the workers to exit.
func (q *LocalSettlementQueue) Stop() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}
