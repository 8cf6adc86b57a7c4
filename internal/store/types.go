// Package store holds the inputs and results shared by the persistence
// layer and its callers.
package store

import (
	"errors"
	"time"

	"chatsync/internal/domain"
)

var (
	// ErrDuplicate is returned when an inbound channel message was already stored.
	ErrDuplicate    = errors.New("duplicate message")
	ErrTaskNotFound = errors.New("task not found")
)

// Listen channels fed by the schema triggers; the payload is the patient id.
const (
	ChannelMessages = "chatsync_messages"
	ChannelPatients = "chatsync_patients"
)

type TaskCompletion struct {
	Task                    domain.OutboundTask
	Status                  domain.TaskStatus
	Reason                  string
	ResultExternalMessageID string
	Now                     time.Time
}

type CompletionResult struct {
	// Applied is false when the task was already terminal.
	Applied bool
	// Orphaned is set when a SEND was delivered but its message has been
	// deleted locally in the meantime.
	Orphaned bool
}

// Receipt is a channel-side status report for a staff message.
type Receipt struct {
	ChannelIdentity   string
	ExternalMessageID string
	Status            domain.MessageStatus
}

type TaskFilter struct {
	Status domain.TaskStatus
	Limit  int
}

type PatientUpsert struct {
	ID              string
	Name            string
	ChannelIdentity string
}
