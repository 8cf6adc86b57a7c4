// Package channel holds the vocabulary shared by the relay and the external
// chat channel adapters: inbound events and delivery error classification.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrTargetGone means an EDIT or DELETE addressed a message the channel no longer has.
	ErrTargetGone = errors.New("target message no longer exists")
	// ErrInvalidIdentity means the identity cannot address anyone on the channel.
	ErrInvalidIdentity = errors.New("channel identity is not addressable")
)

// Error is a failed channel call with its retry classification.
type Error struct {
	Code       int
	Reason     string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("channel %s (%d): %v", e.Reason, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ShouldRetry reports whether a failed call may succeed when repeated:
// throttling, server errors, timeouts and network failures.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Reason is the short failure code recorded on tasks and messages.
func Reason(err error) string {
	var ce *Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTargetGone):
		return "target_gone"
	case errors.Is(err, ErrInvalidIdentity):
		return "invalid_identity"
	case errors.As(err, &ce):
		return ce.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return "timeout"
		}
		return "network"
	}
	return "error"
}

// Backoff returns the wait before retry attempt+1. A channel-provided
// retry-after wins over the schedule.
func Backoff(attempt int, err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) && ce.RetryAfter > 0 {
		return ce.RetryAfter
	}
	// 200ms, 600ms, 1400ms
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}

type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVoice    AttachmentKind = "voice"
	AttachmentDocument AttachmentKind = "document"
)

type Attachment struct {
	Kind     AttachmentKind
	FileID   string
	FileName string
	MimeType string
}

// Inbound is one message (or edit) a patient sent on the channel.
type Inbound struct {
	UpdateID          int
	Identity          string
	ExternalMessageID string
	Text              string
	Attachment        *Attachment
	At                time.Time
	Edited            bool
}

// DedupeKey identifies the event across redeliveries.
func (in Inbound) DedupeKey() string {
	if in.Edited {
		return fmt.Sprintf("edit:%s:%s:%d", in.Identity, in.ExternalMessageID, in.At.Unix())
	}
	return fmt.Sprintf("msg:%s:%s", in.Identity, in.ExternalMessageID)
}
