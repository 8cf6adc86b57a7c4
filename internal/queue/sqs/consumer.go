package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"chatsync/internal/domain"
	"chatsync/internal/queue"
)

type Consumer struct {
	SQS      Client
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

func (c *Consumer) ConsumeTasks(ctx context.Context, workers int, h queue.TaskHandler) error {
	return pollConcurrent(ctx, c, workers, func(ctx context.Context, t domain.OutboundTask) error { return h(ctx, t) })
}

func (c *Consumer) Ping(ctx context.Context) error { return ping(ctx, c.SQS, c.QueueURL) }

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	_, err := c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		slog.Warn("sqs delete message failed", "err", err)
	}
}

// pollConcurrent processes messages with a worker pool. Messages are deleted
// only after the handler succeeds; a failed message becomes visible again and
// SQS redrive/DLQ takes over.
func pollConcurrent[T any](ctx context.Context, c *Consumer, workers int, handler func(context.Context, T) error) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				// poison messages are dropped so they don't loop forever
				if m.Body == nil {
					c.delete(ctx, m)
					continue
				}
				var job T
				if err := json.Unmarshal([]byte(*m.Body), &job); err != nil {
					slog.Error("sqs bad payload dropped", "err", err, "queue", c.QueueURL)
					c.delete(ctx, m)
					continue
				}

				if err := handler(ctx, job); err != nil {
					slog.Error("sqs handler error", "err", err, "queue", c.QueueURL)
					continue
				}
				c.delete(ctx, m)
			}
		}()
	}

	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("sqs receive message failed", "err", err)
				}
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	// wait for shutdown; workers drain what is already buffered
	err := <-errCh
	wg.Wait()
	return err
}
