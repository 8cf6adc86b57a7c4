// Package relay is the channel-side actor: it executes outbound tasks
// against the external channel and ingests what patients send back.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chatsync/internal/channel"
	"chatsync/internal/domain"
	"chatsync/internal/observability"
	"chatsync/internal/store"
	"chatsync/internal/util"
)

// Channel is the outbound capability of the external chat channel.
type Channel interface {
	SendText(ctx context.Context, identity, text string) (string, error)
	SendImage(ctx context.Context, identity, imageURL, caption string) (string, error)
	SendVoice(ctx context.Context, identity, voiceURL string) (string, error)
	EditText(ctx context.Context, identity, externalID, text string) error
	DeleteMessage(ctx context.Context, identity, externalID string) error
}

type TaskStore interface {
	ClaimTask(ctx context.Context, id string, now time.Time, staleAfter time.Duration, maxDeliveries int) (domain.OutboundTask, bool, error)
	GetTask(ctx context.Context, id string) (domain.OutboundTask, error)
	ReleaseTask(ctx context.Context, id, lastError string) error
	CompleteTask(ctx context.Context, in store.TaskCompletion) (store.CompletionResult, error)
}

type Processor struct {
	Store   TaskStore
	Channel Channel
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
	Log     *slog.Logger

	MaxAttempts     int
	MaxDeliveries   int
	CallTimeout     time.Duration
	ClaimStaleAfter time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewBreaker trips after consecutive retryable failures. Terminal answers
// from the channel (blocked, bad request) mean the channel is healthy.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		IsSuccessful: func(err error) bool {
			return err == nil || !channel.ShouldRetry(err)
		},
	})
}

// Process executes one task. A nil return means the job may be dropped from
// the transport: the task is terminal, or another consumer owns it.
func (p *Processor) Process(ctx context.Context, job domain.OutboundTask) error {
	log := p.logger().With("task_id", job.ID, "action", string(job.Action))

	task, ok, err := p.Store.ClaimTask(ctx, job.ID, p.now(), p.claimStaleAfter(), p.maxDeliveries())
	if err != nil {
		return err
	}
	if !ok {
		return p.unclaimed(ctx, job.ID, log)
	}

	if err := task.Validate(); err != nil {
		return p.complete(ctx, log, task, domain.TaskFailed, invalidReason(err), "")
	}

	var lastErr error
	for attempt := 0; attempt < p.maxAttempts(); attempt++ {
		// 1) Rate limit before calling the channel (per pod)
		if p.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := p.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				if ctx.Err() != nil {
					return p.release(ctx, task, "shutdown", ctx.Err())
				}
				observability.ChannelCalls.WithLabelValues(string(task.Action), "rate_limited_local", "0").Inc()
				lastErr = err
				_ = p.sleep(ctx, 200*time.Millisecond)
				continue
			}
		}

		// 2) Circuit breaker wraps the channel call
		start := time.Now()
		extID, err := p.executeWithBreaker(ctx, task)
		observability.ChannelLatency.WithLabelValues(string(task.Action)).Observe(time.Since(start).Seconds())

		// 3) Breaker open: the task stays PENDING for a later delivery
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.ChannelCalls.WithLabelValues(string(task.Action), "cb_open", "0").Inc()
			return p.release(ctx, task, "circuit_open", err)
		}

		if err == nil {
			observability.ChannelCalls.WithLabelValues(string(task.Action), "ok", "200").Inc()
			return p.complete(ctx, log, task, domain.TaskDelivered, "", extID)
		}

		observability.ChannelCalls.WithLabelValues(string(task.Action), "error", code(err)).Inc()
		lastErr = err

		if errors.Is(err, channel.ErrTargetGone) {
			if task.Action == domain.ActionDelete {
				// already gone on the channel side, which is what DELETE wanted
				return p.complete(ctx, log, task, domain.TaskDelivered, "", "")
			}
			return p.complete(ctx, log, task, domain.TaskFailed, "target_gone", "")
		}
		if ctx.Err() != nil {
			return p.release(ctx, task, "shutdown", ctx.Err())
		}
		if !channel.ShouldRetry(err) {
			log.Warn("task failed", "reason", channel.Reason(err), "err", err)
			return p.complete(ctx, log, task, domain.TaskFailed, channel.Reason(err), "")
		}

		log.Info("task retry scheduled", "attempt", attempt+1, "reason", channel.Reason(err))
		if err := p.sleep(ctx, channel.Backoff(attempt, err)); err != nil {
			return p.release(ctx, task, "shutdown", err)
		}
	}

	log.Warn("task retries exhausted", "err", lastErr)
	return p.complete(ctx, log, task, domain.TaskFailed, "retry_exhausted", "")
}

func (p *Processor) unclaimed(ctx context.Context, id string, log *slog.Logger) error {
	cur, err := p.Store.GetTask(ctx, id)
	if errors.Is(err, store.ErrTaskNotFound) {
		log.Warn("job for unknown task dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Status.Terminal() {
		return nil
	}
	if cur.Attempts >= p.maxDeliveries() {
		return p.complete(ctx, log, cur, domain.TaskFailed, "delivery_budget_exhausted", "")
	}
	// another consumer holds a fresh claim; the sweeper republishes if it dies
	log.Debug("task claimed elsewhere")
	return nil
}

func (p *Processor) executeWithBreaker(ctx context.Context, t domain.OutboundTask) (string, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, p.callTimeout())
		defer cancel()
		return p.send(reqCtx, t)
	}

	var res any
	var err error
	if p.Breaker == nil {
		res, err = call()
	} else {
		res, err = p.Breaker.Execute(call)
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (p *Processor) send(ctx context.Context, t domain.OutboundTask) (string, error) {
	switch t.Action {
	case domain.ActionEdit:
		return "", p.Channel.EditText(ctx, t.TargetChannelIdentity, t.ExternalMessageID, t.Text)
	case domain.ActionDelete:
		return "", p.Channel.DeleteMessage(ctx, t.TargetChannelIdentity, t.ExternalMessageID)
	}
	switch {
	case t.ImageURL != "":
		return p.Channel.SendImage(ctx, t.TargetChannelIdentity, t.ImageURL, t.Text)
	case t.VoiceURL != "":
		return p.Channel.SendVoice(ctx, t.TargetChannelIdentity, t.VoiceURL)
	}
	return p.Channel.SendText(ctx, t.TargetChannelIdentity, t.Text)
}

func (p *Processor) complete(ctx context.Context, log *slog.Logger, t domain.OutboundTask, status domain.TaskStatus, reason, extID string) error {
	res, err := p.Store.CompleteTask(ctx, store.TaskCompletion{
		Task:                    t,
		Status:                  status,
		Reason:                  reason,
		ResultExternalMessageID: extID,
		Now:                     p.now(),
	})
	if err != nil {
		log.Error("task completion failed", "status", string(status), "err", err)
		return err
	}
	if !res.Applied {
		return nil
	}
	observability.TaskOutcomes.WithLabelValues(string(t.Action), string(status), reason).Inc()
	log.Info("task completed", "status", string(status), "reason", reason, "external_message_id", extID)

	if res.Orphaned {
		// the message was deleted locally while the SEND was in flight
		delCtx, cancel := context.WithTimeout(ctx, p.callTimeout())
		defer cancel()
		if err := p.Channel.DeleteMessage(delCtx, t.TargetChannelIdentity, extID); err != nil {
			log.Warn("orphaned channel message not deleted", "external_message_id", extID, "err", err)
		}
	}
	return nil
}

func (p *Processor) release(ctx context.Context, t domain.OutboundTask, reason string, cause error) error {
	// the release must land even when ctx is already canceled
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := p.Store.ReleaseTask(relCtx, t.ID, reason); err != nil {
		p.logger().Error("task release failed", "task_id", t.ID, "err", err)
	}
	return cause
}

func (p *Processor) logger() *slog.Logger {
	if p.Log == nil {
		return slog.Default()
	}
	return p.Log
}

func (p *Processor) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

func (p *Processor) maxDeliveries() int {
	if p.MaxDeliveries <= 0 {
		return 5
	}
	return p.MaxDeliveries
}

func (p *Processor) callTimeout() time.Duration {
	if p.CallTimeout <= 0 {
		return 6 * time.Second
	}
	return p.CallTimeout
}

func (p *Processor) claimStaleAfter() time.Duration {
	if p.ClaimStaleAfter <= 0 {
		return 2 * time.Minute
	}
	return p.ClaimStaleAfter
}

func (p *Processor) now() time.Time {
	if p.Now == nil {
		return util.NowUTC()
	}
	return p.Now()
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep == nil {
		return sleepCtx(ctx, d)
	}
	return p.Sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func invalidReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMissingChannelIdentity):
		return "missing_connection"
	case errors.Is(err, domain.ErrNoExternalHandle):
		return "no_external_id"
	case errors.Is(err, domain.ErrEmptyPayload):
		return "empty_payload"
	}
	return "invalid_task"
}

func code(err error) string {
	var ce *channel.Error
	if errors.As(err, &ce) {
		return strconv.Itoa(ce.Code)
	}
	return "0"
}
