// Package queue defines the outbound task transport shared by the SQS and
// AMQP backends. The job body is the JSON task wire shape.
package queue

import (
	"context"

	"chatsync/internal/domain"
)

const (
	BackendSQS  = "sqs"
	BackendAMQP = "amqp"
)

// TaskHandler returns nil when the job may be dropped from the transport.
// Any error leaves the job for redelivery.
type TaskHandler func(ctx context.Context, t domain.OutboundTask) error

type TaskPublisher interface {
	PublishTask(ctx context.Context, t domain.OutboundTask) error
	Ping(ctx context.Context) error
}

type TaskConsumer interface {
	ConsumeTasks(ctx context.Context, workers int, h TaskHandler) error
}
