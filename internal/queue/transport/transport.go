// Package transport opens the outbound task queue selected by configuration.
package transport

import (
	"context"
	"errors"
	"fmt"

	"chatsync/internal/awsutil"
	"chatsync/internal/config"
	"chatsync/internal/queue"
	amqpqueue "chatsync/internal/queue/amqp"
	sqsqueue "chatsync/internal/queue/sqs"
)

// Transport is both ends of the task queue plus its cleanup.
type Transport struct {
	Publisher queue.TaskPublisher
	Consumer  queue.TaskConsumer
	Close     func() error
}

// Open connects to the backend named by q.QueueBackend. consumer may be nil
// for processes that only publish.
func Open(ctx context.Context, q config.Queue, a config.AWS, consumer *config.Consumer) (Transport, error) {
	switch q.QueueBackend {
	case queue.BackendSQS, "":
		if q.SQSQueueURL == "" {
			return Transport{}, errors.New("SQS_QUEUE_URL is required for the sqs backend")
		}
		client, err := awsutil.NewSQSClient(ctx, a)
		if err != nil {
			return Transport{}, fmt.Errorf("sqs client init: %w", err)
		}
		t := Transport{
			Publisher: &sqsqueue.TaskProducer{SQS: client, QueueURL: q.SQSQueueURL},
			Close:     func() error { return nil },
		}
		if consumer != nil {
			t.Consumer = &sqsqueue.Consumer{
				SQS:               client,
				QueueURL:          q.SQSQueueURL,
				WaitTimeSeconds:   consumer.SQSWaitTime,
				MaxMessages:       consumer.SQSMaxMsgs,
				VisibilityTimeout: consumer.SQSVizTimeout,
			}
		}
		return t, nil
	case queue.BackendAMQP:
		aq, err := amqpqueue.Dial(q.AMQPURL, q.AMQPQueue)
		if err != nil {
			return Transport{}, fmt.Errorf("amqp dial: %w", err)
		}
		return Transport{Publisher: aq, Consumer: aq, Close: aq.Close}, nil
	}
	return Transport{}, fmt.Errorf("unknown QUEUE_BACKEND %q", q.QueueBackend)
}
