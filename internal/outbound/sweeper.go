package outbound

import (
	"context"
	"log/slog"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/observability"
	"chatsync/internal/util"
)

type SweepStore interface {
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.OutboundTask, error)
	ExpirePending(ctx context.Context, cutoff, now time.Time, limit int) ([]domain.OutboundTask, error)
	MarkPublished(ctx context.Context, id string, now time.Time) error
}

// Sweeper closes the gap between a written task row and a lost job:
// PENDING tasks nobody picked up are republished, and tasks pending longer
// than MaxAge are failed with pending_expired.
type Sweeper struct {
	Store     SweepStore
	Publisher Publisher
	Log       *slog.Logger

	RepublishAfter time.Duration
	MaxAge         time.Duration
	Batch          int
	Now            func() time.Time
}

type SweepResult struct {
	Expired     int
	Republished int
	Failed      int
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()
	log := s.logger()

	expired, err := s.Store.ExpirePending(ctx, now.Add(-s.maxAge()), now, s.batch())
	if err != nil {
		return res, err
	}
	for _, t := range expired {
		log.Warn("pending task expired", "task_id", t.ID, "patient_id", t.PatientID, "action", string(t.Action))
		observability.TaskOutcomes.WithLabelValues(string(t.Action), string(domain.TaskFailed), "pending_expired").Inc()
	}
	res.Expired = len(expired)
	observability.Swept.WithLabelValues("expired").Add(float64(res.Expired))

	stale, err := s.Store.ListStalePending(ctx, now.Add(-s.republishAfter()), s.batch())
	if err != nil {
		return res, err
	}
	for _, t := range stale {
		if err := s.Publisher.PublishTask(ctx, t); err != nil {
			res.Failed++
			observability.Swept.WithLabelValues("publish_error").Inc()
			log.Warn("task republish failed", "task_id", t.ID, "err", err)
			continue
		}
		if err := s.Store.MarkPublished(ctx, t.ID, s.now()); err != nil {
			log.Warn("task republish not recorded", "task_id", t.ID, "err", err)
		}
		res.Republished++
		observability.Swept.WithLabelValues("republished").Inc()
	}
	return res, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.logger().Error("sweep failed", "err", err)
				continue
			}
			if res != (SweepResult{}) {
				s.logger().Info("sweep done", "expired", res.Expired, "republished", res.Republished, "failed", res.Failed)
			}
		}
	}
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Sweeper) maxAge() time.Duration {
	if s.MaxAge <= 0 {
		return 24 * time.Hour
	}
	return s.MaxAge
}

func (s *Sweeper) republishAfter() time.Duration {
	if s.RepublishAfter <= 0 {
		return 2 * time.Minute
	}
	return s.RepublishAfter
}

func (s *Sweeper) batch() int {
	if s.Batch <= 0 {
		return 100
	}
	return s.Batch
}

func (s *Sweeper) now() time.Time {
	if s.Now == nil {
		return util.NowUTC()
	}
	return s.Now()
}
