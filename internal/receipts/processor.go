package receipts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/observability"
	sqsqueue "chatsync/internal/queue/sqs"
	"chatsync/internal/store"
)

// ErrUnknownMessage leaves the receipt on the queue: the relay may not have
// recorded the external id yet.
var ErrUnknownMessage = errors.New("no staff message for external id")

type Store interface {
	AdvanceStatus(ctx context.Context, r store.Receipt) (bool, error)
	MarkDeliveryFailed(ctx context.Context, channelIdentity, externalID, reason string) (bool, error)
	StaffMessageExists(ctx context.Context, channelIdentity, externalID string) (bool, error)
}

type Processor struct {
	Store Store
	Log   *slog.Logger
}

// Status maps a channel receipt status to the message status it implies.
// failed reports a delivery failure; ok is false for statuses to ignore.
func Status(s string) (status domain.MessageStatus, failed, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sent":
		return domain.StatusSent, false, true
	case "delivered":
		return domain.StatusDelivered, false, true
	case "seen", "read":
		return domain.StatusSeen, false, true
	case "failed", "undelivered":
		return "", true, true
	}
	return "", false, false
}

// Apply moves the message status forward. Repeats and regressions are
// dropped silently.
func (p *Processor) Apply(ctx context.Context, ev sqsqueue.ReceiptEvent) error {
	log := p.logger().With("identity", ev.ChannelIdentity, "external_message_id", ev.ExternalMessageID, "status", ev.Status)
	status, failed, ok := Status(ev.Status)
	observability.ReceiptEvents.WithLabelValues(strings.ToLower(ev.Status)).Inc()
	if !ok {
		log.Debug("receipt status ignored")
		return nil
	}

	// bounded so a stuck database makes SQS redeliver instead of hanging
	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var updated bool
	var err error
	if failed {
		reason := ev.ErrorCode
		if reason == "" {
			reason = "channel_failed"
		}
		updated, err = p.Store.MarkDeliveryFailed(dbCtx, ev.ChannelIdentity, ev.ExternalMessageID, reason)
	} else {
		updated, err = p.Store.AdvanceStatus(dbCtx, store.Receipt{
			ChannelIdentity:   ev.ChannelIdentity,
			ExternalMessageID: ev.ExternalMessageID,
			Status:            status,
		})
	}
	if err != nil {
		return err
	}
	if updated {
		log.Info("receipt applied")
		return nil
	}

	exists, err := p.Store.StaffMessageExists(dbCtx, ev.ChannelIdentity, ev.ExternalMessageID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUnknownMessage
	}
	return nil
}

func (p *Processor) logger() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}
