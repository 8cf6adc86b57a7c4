package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// ReceiptEvent is the internal envelope for channel delivery receipts.
// Keep it small; SQS has a 256KB message size limit.
type ReceiptEvent struct {
	ChannelIdentity   string              `json:"channelIdentity"`
	ExternalMessageID string              `json:"externalMessageId"`
	Status            string              `json:"status"`
	ErrorCode         string              `json:"errorCode,omitempty"`
	Payload           map[string][]string `json:"payload,omitempty"`
	ReceivedAt        time.Time           `json:"receivedAt"`
}

type ReceiptProducer struct {
	SQS      Client
	QueueURL string
}

func (p *ReceiptProducer) Enqueue(ctx context.Context, ev ReceiptEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

func (p *ReceiptProducer) Ping(ctx context.Context) error { return ping(ctx, p.SQS, p.QueueURL) }

type ReceiptHandler func(ctx context.Context, ev ReceiptEvent) error

func (c *Consumer) ConsumeReceipts(ctx context.Context, workers int, h ReceiptHandler) error {
	return pollConcurrent(ctx, c, workers, func(ctx context.Context, ev ReceiptEvent) error { return h(ctx, ev) })
}
