package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatsync/internal/channel"
	"chatsync/internal/dedupe"
	"chatsync/internal/domain"
	"chatsync/internal/media"
	"chatsync/internal/observability"
	"chatsync/internal/store"
	"chatsync/internal/util"
)

type InboundStore interface {
	ResolvePatient(ctx context.Context, identity string) (domain.PatientSummary, bool, error)
	AppendInbound(ctx context.Context, m domain.Message) error
	UpdateInboundText(ctx context.Context, patientID, externalID, text string, now time.Time) (bool, error)
}

// SafetyGate decides whether inbound content may be persisted at all.
type SafetyGate interface {
	IsUnsafeText(text string) bool
	IsDangerousAttachment(filename string) bool
}

type FileResolver interface {
	FileURL(ctx context.Context, fileID string) (string, error)
}

type MediaPublisher interface {
	Publish(ctx context.Context, src media.Source) (string, error)
}

type Outcome string

const (
	OutcomeStored     Outcome = "stored"
	OutcomeEdited     Outcome = "edited"
	OutcomeUnmatched  Outcome = "edit_unmatched"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeRejected   Outcome = "rejected_unsafe"
	OutcomeFailed     Outcome = "failed"
)

// Ingestor turns inbound channel events into stored patient messages.
type Ingestor struct {
	Store    InboundStore
	Gate     SafetyGate
	Files    FileResolver
	Media    MediaPublisher
	Dedupe   dedupe.Store
	Location *time.Location
	Log      *slog.Logger

	// MaxRetries bounds in-loop retries of an event that failed to persist.
	MaxRetries int
	Sleep      func(ctx context.Context, d time.Duration) error
	Now        func() time.Time
}

// Handle ingests one event, retrying transient failures before giving up
// on it. It is the callback of the channel's update loop.
func (g *Ingestor) Handle(ctx context.Context, in channel.Inbound) {
	log := g.logger().With("identity", in.Identity, "external_message_id", in.ExternalMessageID)

	for attempt := 0; ; attempt++ {
		out, err := g.Ingest(ctx, in)
		if err == nil {
			observability.InboundEvents.WithLabelValues(string(out)).Inc()
			return
		}
		if attempt >= g.maxRetries() || ctx.Err() != nil {
			observability.InboundEvents.WithLabelValues(string(OutcomeFailed)).Inc()
			log.Error("inbound event dropped", "attempts", attempt+1, "err", err)
			return
		}
		log.Warn("inbound event failed, retrying", "attempt", attempt+1, "err", err)
		if g.sleep(ctx, channel.Backoff(attempt, err)) != nil {
			return
		}
	}
}

// Ingest runs one event through resolve, safety gate, media publish and
// persist. An error means nothing was written and the event may be retried.
func (g *Ingestor) Ingest(ctx context.Context, in channel.Inbound) (out Outcome, err error) {
	log := g.logger().With("identity", in.Identity, "external_message_id", in.ExternalMessageID)

	key := in.DedupeKey()
	if g.Dedupe != nil {
		first, derr := g.Dedupe.First(ctx, key)
		if derr != nil {
			// the unique index still rejects repeats
			log.Warn("inbound dedupe unavailable", "err", derr)
		} else if !first {
			return OutcomeDuplicate, nil
		}
		defer func() {
			if err != nil {
				if ferr := g.Dedupe.Forget(context.WithoutCancel(ctx), key); ferr != nil {
					log.Warn("inbound dedupe forget failed", "err", ferr)
				}
			}
		}()
	}

	patient, ok, err := g.Store.ResolvePatient(ctx, in.Identity)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("resolve identity: %w", err)
	}
	if !ok {
		log.Warn("inbound sender not linked to a patient, dropped")
		return OutcomeUnresolved, nil
	}
	log = log.With("patient_id", patient.ID)

	if g.unsafe(in) {
		log.Warn("inbound content rejected by safety gate")
		return OutcomeRejected, nil
	}

	if in.Edited {
		changed, err := g.Store.UpdateInboundText(ctx, patient.ID, in.ExternalMessageID, in.Text, g.now())
		if err != nil {
			return OutcomeFailed, fmt.Errorf("apply edit: %w", err)
		}
		if !changed {
			return OutcomeUnmatched, nil
		}
		return OutcomeEdited, nil
	}

	now := g.now()
	m := domain.Message{
		ID:                util.NewMessageID(),
		PatientID:         patient.ID,
		Sender:            domain.SenderPatient,
		CreatedAt:         now,
		Time:              util.DisplayTime(now, g.Location),
		Text:              in.Text,
		ExternalMessageID: in.ExternalMessageID,
	}
	if in.Attachment != nil {
		if err := g.attach(ctx, &m, in.Attachment); err != nil {
			return OutcomeFailed, err
		}
	}

	err = g.Store.AppendInbound(ctx, m)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return OutcomeDuplicate, nil
	case errors.Is(err, domain.ErrPatientNotFound):
		log.Warn("patient removed before inbound message was stored")
		return OutcomeUnresolved, nil
	case err != nil:
		return OutcomeFailed, fmt.Errorf("append inbound: %w", err)
	}
	log.Info("inbound message stored", "message_id", m.ID)
	return OutcomeStored, nil
}

func (g *Ingestor) unsafe(in channel.Inbound) bool {
	if g.Gate == nil {
		return false
	}
	if in.Text != "" && g.Gate.IsUnsafeText(in.Text) {
		return true
	}
	return in.Attachment != nil && in.Attachment.FileName != "" && g.Gate.IsDangerousAttachment(in.Attachment.FileName)
}

// attach copies the attachment to durable storage and sets the payload field
// for its kind. Documents keep their link in the text.
func (g *Ingestor) attach(ctx context.Context, m *domain.Message, a *channel.Attachment) error {
	src, err := g.Files.FileURL(ctx, a.FileID)
	if err != nil {
		return fmt.Errorf("resolve file: %w", err)
	}
	kind := mediaKind(a)
	url, err := g.Media.Publish(ctx, media.Source{
		URL:       src,
		MimeType:  a.MimeType,
		FileName:  a.FileName,
		Kind:      kind,
		PatientID: m.PatientID,
		MessageID: m.ID,
	})
	if err != nil {
		return fmt.Errorf("publish media: %w", err)
	}

	switch kind {
	case media.KindImage:
		m.Image = url
	case media.KindVoice:
		// voice carries no caption
		m.Voice, m.Text = url, ""
	default:
		var parts []string
		for _, s := range []string{m.Text, a.FileName, url} {
			if s != "" {
				parts = append(parts, s)
			}
		}
		m.Text = strings.Join(parts, "\n")
	}
	return nil
}

func mediaKind(a *channel.Attachment) media.Kind {
	switch {
	case a.Kind == channel.AttachmentImage, strings.HasPrefix(a.MimeType, "image/"):
		return media.KindImage
	case a.Kind == channel.AttachmentVoice, strings.HasPrefix(a.MimeType, "audio/"):
		return media.KindVoice
	}
	return media.KindDocument
}

func (g *Ingestor) logger() *slog.Logger {
	if g.Log == nil {
		return slog.Default()
	}
	return g.Log
}

func (g *Ingestor) maxRetries() int {
	if g.MaxRetries <= 0 {
		return 3
	}
	return g.MaxRetries
}

func (g *Ingestor) sleep(ctx context.Context, d time.Duration) error {
	if g.Sleep == nil {
		return sleepCtx(ctx, d)
	}
	return g.Sleep(ctx, d)
}

func (g *Ingestor) now() time.Time {
	if g.Now == nil {
		return util.NowUTC()
	}
	return g.Now()
}
