// Package amqpqueue is the RabbitMQ backend of the outbound task queue,
// selected with QUEUE_BACKEND=amqp.
package amqpqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"chatsync/internal/domain"
	"chatsync/internal/queue"
)

var ErrClosed = errors.New("amqp connection closed")

type Queue struct {
	conn  *amqp091.Connection
	name  string
	mu    sync.Mutex
	pubCh *amqp091.Channel
}

// Dial connects and declares the durable task queue.
func Dial(url, name string) (*Queue, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &Queue{conn: conn, name: name, pubCh: ch}, nil
}

func (q *Queue) Close() error { return q.conn.Close() }

func (q *Queue) Ping(context.Context) error {
	if q.conn.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (q *Queue) PublishTask(ctx context.Context, t domain.OutboundTask) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pubCh.PublishWithContext(ctx, "", q.name, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    t.ID,
		Body:         body,
	})
}

// ConsumeTasks acks a delivery after the handler succeeds and requeues it
// otherwise. Undecodable bodies are dropped.
func (q *Queue) ConsumeTasks(ctx context.Context, workers int, h queue.TaskHandler) error {
	if workers <= 0 {
		workers = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Qos(workers, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				process(ctx, d.Body, d, h)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrClosed
}

type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func process(ctx context.Context, body []byte, a acker, h queue.TaskHandler) {
	var t domain.OutboundTask
	if err := json.Unmarshal(body, &t); err != nil {
		slog.Error("amqp bad payload dropped", "err", err)
		_ = a.Nack(false, false)
		return
	}
	if err := h(ctx, t); err != nil {
		slog.Error("amqp handler error", "err", err, "task_id", t.ID)
		_ = a.Nack(false, true)
		return
	}
	_ = a.Ack(false)
}
