package domain

import (
	"errors"
	"strings"
	"time"
)

type Sender string

const (
	SenderPatient Sender = "patient"
	SenderStaff   Sender = "staff"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

func (s MessageStatus) Valid() bool { return s.rank() > 0 }

// CanAdvanceTo reports whether moving from s to next is a forward transition.
// Skipping (sent -> seen) is allowed; staying put or going back is not.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return next.Valid() && next.rank() > s.rank()
}

type Message struct {
	ID                string        `json:"id"`
	PatientID         string        `json:"patientId"`
	Sender            Sender        `json:"sender"`
	CreatedAt         time.Time     `json:"createdAt"`
	Time              string        `json:"time"`
	Text              string        `json:"text,omitempty"`
	Image             string        `json:"image,omitempty"`
	Voice             string        `json:"voice,omitempty"`
	ExternalMessageID string        `json:"externalMessageId,omitempty"`
	Status            MessageStatus `json:"status,omitempty"`
	DeliveryError     string        `json:"deliveryError,omitempty"`
	EditedAt          *time.Time    `json:"editedAt,omitempty"`
}

// Preview is the short text mirrored into the patient summary.
func (m Message) Preview() string {
	switch {
	case m.Text != "":
		return truncate(m.Text, 120)
	case m.Image != "":
		return "[image]"
	case m.Voice != "":
		return "[voice]"
	}
	return ""
}

// Targetable reports whether an EDIT/DELETE can reach the external channel.
func (m Message) Targetable() bool { return m.ExternalMessageID != "" }

// Payload is the content of a message: exactly one of Text, Image or Voice,
// with Text allowed next to Image as a caption.
type Payload struct {
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
	Voice string `json:"voice,omitempty"`
}

func (p Payload) Validate() error {
	p.Text = strings.TrimSpace(p.Text)
	switch {
	case p.Voice != "" && (p.Image != "" || p.Text != ""):
		return ErrAmbiguousPayload
	case p.Voice != "", p.Image != "", p.Text != "":
		return nil
	}
	return ErrEmptyPayload
}

type TaskAction string

const (
	ActionSend   TaskAction = "SEND"
	ActionEdit   TaskAction = "EDIT"
	ActionDelete TaskAction = "DELETE"
)

func (a TaskAction) Valid() bool {
	return a == ActionSend || a == ActionEdit || a == ActionDelete
}

// NeedsExternalID is true for actions that target an existing channel message.
func (a TaskAction) NeedsExternalID() bool { return a == ActionEdit || a == ActionDelete }

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskDelivered TaskStatus = "DELIVERED"
	TaskFailed    TaskStatus = "FAILED"
)

func (s TaskStatus) Terminal() bool { return s == TaskDelivered || s == TaskFailed }

// OutboundTask is one pending action destined for the external channel.
// The JSON form is the wire shape shared by the store and the queue body.
type OutboundTask struct {
	ID                    string     `json:"id"`
	PatientID             string     `json:"patientId"`
	TargetChannelIdentity string     `json:"targetChannelIdentity"`
	Action                TaskAction `json:"action"`
	Text                  string     `json:"text,omitempty"`
	ImageURL              string     `json:"imageUrl,omitempty"`
	VoiceURL              string     `json:"voiceUrl,omitempty"`
	ExternalMessageID     string     `json:"externalMessageId,omitempty"`
	OriginatingMessageID  string     `json:"originatingMessageId"`
	Status                TaskStatus `json:"status"`
	CreatedAt             time.Time  `json:"createdAt"`

	Attempts                int        `json:"attempts,omitempty"`
	ClaimedAt               *time.Time `json:"claimedAt,omitempty"`
	LastError               string     `json:"lastError,omitempty"`
	ResultExternalMessageID string     `json:"resultExternalMessageId,omitempty"`
	CompletedAt             *time.Time `json:"completedAt,omitempty"`
}

func (t OutboundTask) Validate() error {
	if t.ID == "" || t.OriginatingMessageID == "" || !t.Action.Valid() {
		return ErrMissingFields
	}
	if t.TargetChannelIdentity == "" {
		return ErrMissingChannelIdentity
	}
	if t.Action.NeedsExternalID() && t.ExternalMessageID == "" {
		return ErrNoExternalHandle
	}
	if t.Action == ActionSend && t.Text == "" && t.ImageURL == "" && t.VoiceURL == "" {
		return ErrEmptyPayload
	}
	return nil
}

type PatientSummary struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	ChannelIdentity string     `json:"channelIdentity,omitempty"`
	LastMessage     string     `json:"lastMessage"`
	LastMessageTime *time.Time `json:"lastMessageTime,omitempty"`
	UnreadCount     int        `json:"unreadCount"`
	UserIsTyping    bool       `json:"userIsTyping"`
	DoctorIsTyping  bool       `json:"doctorIsTyping"`
}

// HasChannel reports whether outbound SEND tasks can be addressed to the patient.
func (p PatientSummary) HasChannel() bool { return strings.TrimSpace(p.ChannelIdentity) != "" }

type TypingSide string

const (
	TypingDoctor TypingSide = "doctor"
	TypingUser   TypingSide = "user"
)

var (
	ErrMissingFields          = errors.New("missing required fields")
	ErrEmptyPayload           = errors.New("message has no text, image or voice")
	ErrAmbiguousPayload       = errors.New("message carries more than one primary payload")
	ErrPatientNotFound        = errors.New("patient not found")
	ErrMessageNotFound        = errors.New("message not found")
	ErrMissingChannelIdentity = errors.New("patient has no channel connection")
	ErrNoExternalHandle       = errors.New("message has no external message id")
	ErrEnqueueFailed          = errors.New("outbound task could not be recorded")
	ErrNotEditable            = errors.New("only text of staff messages can be edited")
)

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
