// Package outbound records outbound tasks and hands them to the transport.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/observability"
	"chatsync/internal/util"
)

type TaskStore interface {
	InsertTask(ctx context.Context, t domain.OutboundTask) error
	MarkPublished(ctx context.Context, id string, now time.Time) error
}

type Publisher interface {
	PublishTask(ctx context.Context, t domain.OutboundTask) error
}

// Enqueuer is fire-and-forget for its callers: once the task row is written
// the task will be delivered or failed by the relay, even if publishing the
// job fails now.
type Enqueuer struct {
	Store     TaskStore
	Publisher Publisher
	Log       *slog.Logger

	PublishTimeout time.Duration
}

// Enqueue writes t as PENDING and publishes it. It fails only when the task
// record could not be written.
func (e *Enqueuer) Enqueue(ctx context.Context, t domain.OutboundTask) (domain.OutboundTask, error) {
	if t.ID == "" {
		t.ID = util.NewTaskID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = util.NowUTC()
	}
	t.Status = domain.TaskPending
	action := string(t.Action)

	if err := e.Store.InsertTask(ctx, t); err != nil {
		observability.Enqueues.WithLabelValues(action, "error").Inc()
		return t, fmt.Errorf("%w: %v", domain.ErrEnqueueFailed, err)
	}

	log := e.logger().With("task_id", t.ID, "patient_id", t.PatientID, "action", action)
	// the job outlives the request; a canceled caller must not drop it
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout())
	defer cancel()
	if err := e.Publisher.PublishTask(pubCtx, t); err != nil {
		observability.Enqueues.WithLabelValues(action, "publish_error").Inc()
		log.Warn("task publish failed, left for sweeper", "err", err)
		return t, nil
	}
	if err := e.Store.MarkPublished(pubCtx, t.ID, util.NowUTC()); err != nil {
		log.Warn("task publish not recorded", "err", err)
	}
	observability.Enqueues.WithLabelValues(action, "ok").Inc()
	return t, nil
}

func (e *Enqueuer) logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

func (e *Enqueuer) publishTimeout() time.Duration {
	if e.PublishTimeout <= 0 {
		return 3 * time.Second
	}
	return e.PublishTimeout
}
