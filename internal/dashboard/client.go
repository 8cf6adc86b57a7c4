// Package dashboard is the staff-side actor. It writes conversation state
// locally first and leaves delivery to the relay through outbound tasks;
// a failed delivery never undoes a local write.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatsync/internal/conversation"
	"chatsync/internal/domain"
	"chatsync/internal/util"
)

type Store interface {
	GetPatient(ctx context.Context, id string) (domain.PatientSummary, error)
	ResetUnread(ctx context.Context, id string) error
	AppendOutbound(ctx context.Context, m domain.Message) error
	GetMessage(ctx context.Context, patientID, id string) (domain.Message, error)
	UpdateMessageText(ctx context.Context, patientID, id, text string, now time.Time) error
	DeleteMessage(ctx context.Context, patientID, id string) (bool, error)
	FetchLatest(ctx context.Context, patientID string, n int) ([]domain.Message, error)
	FetchOlderThan(ctx context.Context, c conversation.Cursor, n int) ([]domain.Message, error)
	LatestTaskForMessage(ctx context.Context, messageID string) (domain.OutboundTask, bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, t domain.OutboundTask) (domain.OutboundTask, error)
}

// Result separates the local write from the external delivery. Saved is
// true whenever the local change is durable; DeliveryErr explains why the
// change will not reach the channel.
type Result struct {
	Message     domain.Message
	Saved       bool
	Task        *domain.OutboundTask
	DeliveryErr error
}

type Client struct {
	Store    Store
	Tasks    Enqueuer
	Location *time.Location
	Log      *slog.Logger
	Now      func() time.Time
}

// Compose stores a staff message and enqueues its SEND. A patient without
// a channel connection still gets the message stored.
func (c *Client) Compose(ctx context.Context, patientID string, p domain.Payload) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	patient, err := c.Store.GetPatient(ctx, patientID)
	if err != nil {
		return Result{}, err
	}

	now := c.now()
	m := domain.Message{
		ID:        util.NewMessageID(),
		PatientID: patientID,
		Sender:    domain.SenderStaff,
		CreatedAt: now,
		Time:      util.DisplayTime(now, c.Location),
		Text:      strings.TrimSpace(p.Text),
		Image:     p.Image,
		Voice:     p.Voice,
		Status:    domain.StatusSent,
	}
	if !patient.HasChannel() {
		m.DeliveryError = "missing_connection"
	}
	if err := c.Store.AppendOutbound(ctx, m); err != nil {
		return Result{}, err
	}
	res := Result{Message: m, Saved: true}
	if !patient.HasChannel() {
		res.DeliveryErr = domain.ErrMissingChannelIdentity
		return res, nil
	}

	c.enqueue(ctx, &res, domain.OutboundTask{
		PatientID:             patientID,
		TargetChannelIdentity: patient.ChannelIdentity,
		Action:                domain.ActionSend,
		Text:                  m.Text,
		ImageURL:              m.Image,
		VoiceURL:              m.Voice,
		OriginatingMessageID:  m.ID,
	})
	return res, nil
}

// Edit changes the text of a staff message. The EDIT task is created only
// when the message already has its channel message id.
func (c *Client) Edit(ctx context.Context, patientID, messageID, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, domain.ErrEmptyPayload
	}
	m, err := c.Store.GetMessage(ctx, patientID, messageID)
	if err != nil {
		return Result{}, err
	}
	if m.Sender != domain.SenderStaff || m.Image != "" || m.Voice != "" {
		return Result{}, domain.ErrNotEditable
	}

	now := c.now()
	if err := c.Store.UpdateMessageText(ctx, patientID, messageID, text, now); err != nil {
		return Result{}, err
	}
	m.Text, m.EditedAt = text, &now
	res := Result{Message: m, Saved: true}

	identity, err := c.target(ctx, m)
	if err != nil {
		res.DeliveryErr = err
		return res, nil
	}
	c.enqueue(ctx, &res, domain.OutboundTask{
		PatientID:             patientID,
		TargetChannelIdentity: identity,
		Action:                domain.ActionEdit,
		Text:                  text,
		ExternalMessageID:     m.ExternalMessageID,
		OriginatingMessageID:  m.ID,
	})
	return res, nil
}

// Delete removes a message. Deleting a message that is already gone
// succeeds without side effects.
func (c *Client) Delete(ctx context.Context, patientID, messageID string) (Result, error) {
	m, err := c.Store.GetMessage(ctx, patientID, messageID)
	if errors.Is(err, domain.ErrMessageNotFound) {
		return Result{Saved: true}, nil
	}
	if err != nil {
		return Result{}, err
	}

	deleted, err := c.Store.DeleteMessage(ctx, patientID, messageID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Message: m, Saved: true}
	if !deleted {
		// a concurrent delete got there first and owns the DELETE task
		return res, nil
	}

	identity, err := c.target(ctx, m)
	if err != nil {
		res.DeliveryErr = err
		return res, nil
	}
	c.enqueue(ctx, &res, domain.OutboundTask{
		PatientID:             patientID,
		TargetChannelIdentity: identity,
		Action:                domain.ActionDelete,
		ExternalMessageID:     m.ExternalMessageID,
		OriginatingMessageID:  m.ID,
	})
	return res, nil
}

func (c *Client) MarkRead(ctx context.Context, patientID string) error {
	return c.Store.ResetUnread(ctx, patientID)
}

// History returns the latest page when before is empty, otherwise the page
// strictly older than the cursor. Both are in display order. next is the
// cursor of the following older page, empty when this page is short.
func (c *Client) History(ctx context.Context, patientID, before string, limit int) (msgs []domain.Message, next string, err error) {
	if before == "" {
		msgs, err = c.Store.FetchLatest(ctx, patientID, limit)
	} else {
		cur, derr := conversation.DecodeCursor(before)
		if derr != nil {
			return nil, "", derr
		}
		if cur.PatientID != patientID {
			return nil, "", conversation.ErrBadCursor
		}
		msgs, err = c.Store.FetchOlderThan(ctx, cur, limit)
	}
	if err != nil {
		return nil, "", err
	}
	if len(msgs) == limit && len(msgs) > 0 {
		next = conversation.CursorAt(msgs[0]).Encode()
	}
	return msgs, next, nil
}

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryLocalOnly DeliveryState = "local_only"
)

type Delivery struct {
	State             DeliveryState `json:"state"`
	Reason            string        `json:"reason,omitempty"`
	TaskID            string        `json:"taskId,omitempty"`
	Action            string        `json:"action,omitempty"`
	ExternalMessageID string        `json:"externalMessageId,omitempty"`
	Attempts          int           `json:"attempts,omitempty"`
}

// DeliveryStatus reports how far the latest task of a message got.
func (c *Client) DeliveryStatus(ctx context.Context, patientID, messageID string) (Delivery, error) {
	m, err := c.Store.GetMessage(ctx, patientID, messageID)
	if err != nil {
		return Delivery{}, err
	}
	t, ok, err := c.Store.LatestTaskForMessage(ctx, messageID)
	if err != nil {
		return Delivery{}, err
	}
	if !ok {
		return Delivery{State: DeliveryLocalOnly, Reason: m.DeliveryError, ExternalMessageID: m.ExternalMessageID}, nil
	}
	d := Delivery{TaskID: t.ID, Action: string(t.Action), Attempts: t.Attempts, ExternalMessageID: m.ExternalMessageID}
	switch t.Status {
	case domain.TaskDelivered:
		d.State = DeliveryDelivered
	case domain.TaskFailed:
		d.State, d.Reason = DeliveryFailed, t.LastError
	default:
		d.State, d.Reason = DeliveryPending, t.LastError
	}
	return d, nil
}

// target returns the channel identity for EDIT and DELETE of m.
func (c *Client) target(ctx context.Context, m domain.Message) (string, error) {
	if !m.Targetable() {
		return "", domain.ErrNoExternalHandle
	}
	patient, err := c.Store.GetPatient(ctx, m.PatientID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEnqueueFailed, err)
	}
	if !patient.HasChannel() {
		return "", domain.ErrMissingChannelIdentity
	}
	return patient.ChannelIdentity, nil
}

func (c *Client) enqueue(ctx context.Context, res *Result, t domain.OutboundTask) {
	task, err := c.Tasks.Enqueue(ctx, t)
	if err != nil {
		c.logger().Error("outbound task not recorded",
			"patient_id", t.PatientID, "message_id", t.OriginatingMessageID, "action", string(t.Action), "err", err)
		res.DeliveryErr = err
		return
	}
	res.Task = &task
}

func (c *Client) logger() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

func (c *Client) now() time.Time {
	if c.Now == nil {
		return util.NowUTC()
	}
	return c.Now()
}
