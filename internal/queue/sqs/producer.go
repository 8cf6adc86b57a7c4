package sqsqueue

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"chatsync/internal/domain"
)

type TaskProducer struct {
	SQS      Client
	QueueURL string
}

// PublishTask sends the task wire shape. On FIFO queues tasks are grouped per
// patient so one conversation's actions keep their order.
func (p *TaskProducer) PublishTask(ctx context.Context, t domain.OutboundTask) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		in.MessageGroupId = str(t.PatientID)
		in.MessageDeduplicationId = str(dedupID(t.ID, time.Now()))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func (p *TaskProducer) Ping(ctx context.Context) error { return ping(ctx, p.SQS, p.QueueURL) }

func isFIFO(queueURL string) bool { return strings.HasSuffix(queueURL, ".fifo") }

// dedupID lets the sweeper republish a task: FIFO dedupe only collapses
// sends of the same task within the same minute.
func dedupID(taskID string, now time.Time) string {
	return taskID + "-" + strconv.FormatInt(now.Unix()/60, 10)
}
